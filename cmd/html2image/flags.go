package main

import (
	"fmt"

	flag "github.com/spf13/pflag"
)

type cliFlags struct {
	config  string
	port    int
	verbose bool
	version bool
}

func parseFlags(args []string) (*cliFlags, error) {
	fs := flag.NewFlagSet("html2image", flag.ContinueOnError)
	f := &cliFlags{}
	fs.StringVarP(&f.config, "config", "c", "", "path to config file")
	fs.IntVarP(&f.port, "port", "p", 0, "HTTP port (overrides server.port)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log GOMAXPROCS adjustments")
	fs.BoolVar(&f.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if f.port < 0 || f.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", f.port)
	}
	return f, nil
}
