package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Admission policies.
const (
	AdmissionWait   = "wait"
	AdmissionReject = "reject"
)

// Termination policies.
const (
	TerminationTimeout = "timeout"
	TerminationIdle    = "idle"
)

// Config is the on-disk configuration (config.yaml). Keys real/test/port/max_conn/buffer_size_bytes
// are the relay core; everything else is operational.
type Config struct {
	Real            string `mapstructure:"real"`
	Test            string `mapstructure:"test"`
	Port            string `mapstructure:"port"`
	MaxConn         int    `mapstructure:"max_conn"`
	BufferSizeBytes int    `mapstructure:"buffer_size_bytes"`

	Admission        string        `mapstructure:"admission"`
	AdmissionBackoff time.Duration `mapstructure:"admission_backoff"`

	Termination        string        `mapstructure:"termination"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ClientWriteTimeout time.Duration `mapstructure:"client_write_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	IdleInterval       time.Duration `mapstructure:"idle_interval"`
	IdleLimit          int           `mapstructure:"idle_limit"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	RateLimit struct {
		Global    int `mapstructure:"global"`
		PerRemote int `mapstructure:"per_remote"`
		Burst     int `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_conn", 1000)
	v.SetDefault("admission", AdmissionWait)
	v.SetDefault("admission_backoff", 5*time.Millisecond)
	v.SetDefault("termination", TerminationTimeout)
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 10*time.Millisecond)
	v.SetDefault("client_write_timeout", 10*time.Second)
	v.SetDefault("dial_timeout", 3*time.Second)
	v.SetDefault("idle_interval", 100*time.Millisecond)
	v.SetDefault("idle_limit", 100)
	v.SetDefault("shutdown_grace", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate_limit.global", 0)
	v.SetDefault("rate_limit.per_remote", 0)
	v.SetDefault("rate_limit.burst", 50)
}

// Load reads a YAML file at path; DIVIDER_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DIVIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Real == "" {
		errs = append(errs, errors.New("real: primary address is required"))
	}
	if c.Test == "" {
		errs = append(errs, errors.New("test: shadow address is required"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port: listen port is required"))
	}
	if c.BufferSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size_bytes: must be positive, got %d", c.BufferSizeBytes))
	}
	if c.MaxConn <= 0 {
		errs = append(errs, fmt.Errorf("max_conn: must be positive, got %d", c.MaxConn))
	}
	switch c.Admission {
	case AdmissionWait, AdmissionReject:
	default:
		errs = append(errs, fmt.Errorf("admission: unknown policy %q", c.Admission))
	}
	switch c.Termination {
	case TerminationTimeout:
		if c.ReadTimeout <= 0 {
			errs = append(errs, errors.New("read_timeout: must be positive"))
		}
	case TerminationIdle:
		if c.IdleInterval <= 0 || c.IdleLimit <= 0 {
			errs = append(errs, errors.New("idle_interval and idle_limit: must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("termination: unknown policy %q", c.Termination))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout: must be positive"))
	}
	return errors.Join(errs...)
}
