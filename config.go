// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-remote/internal/config"
)

// options are the command line settings that are not part of the config file.
type options struct {
	ConfigFile string
	Endpoint   string
	UnitID     uint8
	LogLevel   string
	LogFile    string
	Target     string
}

// parseFlags reads the command line.
func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("modbus-remote", pflag.ContinueOnError)
	opts := &options{}
	fs.StringVarP(&opts.ConfigFile, "config", "c", "", "Configuration file path.")
	fs.StringVarP(&opts.Endpoint, "endpoint", "e", config.DefaultEndpoint, "Endpoint the tests run against.")
	fs.Uint8VarP(&opts.UnitID, "unit", "u", 0, "Unit id of the remote device.")
	fs.StringVarP(&opts.LogLevel, "log_level", "v", "", "Log verbosity level (debug, info, warn, error).")
	fs.StringVarP(&opts.LogFile, "log_file", "L", "", "Log file name ('-' for logging to STDERR only).")
	fs.StringVarP(&opts.Target, "target", "t", "", "Override the TCP address of the endpoint, e.g. 192.168.0.1:503.")
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig loads the config file and applies the command line overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Log.File = opts.LogFile
	}

	ep := findEndpoint(cfg, opts.Endpoint)
	if ep == nil {
		return nil, fmt.Errorf("endpoint %q is not configured", opts.Endpoint)
	}
	if opts.Target != "" {
		if ep.Type != "tcp" {
			return nil, fmt.Errorf("endpoint %q is not a tcp endpoint", ep.Name)
		}
		ep.Tcp.Address = opts.Target
	}
	return cfg, nil
}

func findEndpoint(cfg *config.Config, name string) *config.EndpointConfig {
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Name == name {
			return &cfg.Endpoints[i]
		}
	}
	return nil
}
