package divider

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrIdle ends a session whose client leg exhausted its idle allowance.
	ErrIdle = errors.New("idle timeout")
	// ErrShutdown ends sessions still running when the drain period expires.
	ErrShutdown = errors.New("server shutdown")
)

// LegError records which leg and operation failed.
type LegError struct {
	Leg string // "client", "primary", "shadow"
	Op  string // "dial", "read", "write"
	Err error
}

func (e *LegError) Error() string { return fmt.Sprintf("%s %s: %v", e.Leg, e.Op, e.Err) }
func (e *LegError) Unwrap() error { return e.Err }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reason classifies a session's terminal error into a stable label for logs, metrics and the registry.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIdle):
		return "idle"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	}
	var le *LegError
	if errors.As(err, &le) {
		switch {
		case le.Op == "dial":
			return "dial_" + le.Leg
		case le.Op == "write" && isTimeout(le.Err):
			return "write_timeout"
		case le.Op == "write":
			return "write_error"
		}
		return "read_error"
	}
	return "error"
}
