package main

import (
	"flag"
	"io"
)

// Flags are the command line switches; everything else lives in the config file.
type Flags struct {
	ConfigPath  string
	Debug       bool
	MetricsAddr string // overrides metrics_addr when set
}

func parseFlags(args []string, out io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("divider", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.ConfigPath, "config", "config.yaml", "path to config file")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logs (per-read and per-write events)")
	fs.StringVar(&f.MetricsAddr, "metrics", "", "metrics and health listen address (overrides metrics_addr)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}
