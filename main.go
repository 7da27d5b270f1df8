// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-remote/internal/capture"
	"github.com/ffutop/modbus-remote/internal/config"
	"github.com/ffutop/modbus-remote/internal/harness"
	"github.com/ffutop/modbus-remote/remote"
	"github.com/ffutop/modbus-remote/transport"
	"github.com/ffutop/modbus-remote/transport/serial"
	"github.com/ffutop/modbus-remote/transport/tcp"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	// Load Configuration
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus Remote...", "config", cfg.File)

	recorder, err := capture.New(cfg.Capture)
	if err != nil {
		slog.Error("Failed to create capture recorder", "err", err)
		os.Exit(1)
	}
	var hubOpts []transport.HubOption
	var registryOpts []remote.RegistryOption
	if recorder != nil {
		defer recorder.Close()
		hubOpts = append(hubOpts, transport.WithRecorder(recorder))
		registryOpts = append(registryOpts, remote.WithEndpointOptions(remote.WithDiscardHook(func(ev remote.DiscardEvent) {
			recorder.Record(ev.Endpoint, transport.Discarded, ev.Raw)
		})))
	}

	hub := transport.NewHub(hubOpts...)
	defer hub.Close()
	registry := remote.NewRegistry(hub, registryOpts...)
	defer registry.Close()

	for _, epCfg := range cfg.Endpoints {
		dial, err := newDialer(epCfg)
		if err != nil {
			slog.Error("Skipping endpoint", "endpoint", epCfg.Name, "err", err)
			continue
		}
		if err := hub.Register(epCfg.Name, dial, epCfg.IdleTimeout); err != nil {
			slog.Error("Skipping endpoint", "endpoint", epCfg.Name, "err", err)
			continue
		}
		registry.GetOrCreateFeed(epCfg.Name, epCfg.Feed, remote.WithTimeout(epCfg.Timeout))
		slog.Info("Endpoint configured", "endpoint", epCfg.Name, "type", epCfg.Type, "feed", epCfg.Feed, "timeout", epCfg.Timeout)
	}

	device, err := registry.Get(opts.Endpoint)
	if err != nil {
		slog.Error("No usable endpoint to test. Exiting.", "endpoint", opts.Endpoint, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	c := &console{
		in:       os.Stdin,
		out:      os.Stdout,
		cfg:      cfg,
		hub:      hub,
		endpoint: opts.Endpoint,
		recorder: recorder,
		inputs:   make(harness.Inputs),
	}
	c.framework = harness.New(harness.ModbusTests(device, opts.UnitID, c.log), harness.ModbusInputs, os.Stdout)
	c.run(ctx)

	slog.Info("Shutting down...")
	slog.Info("Goodbye.")
}

// newDialer builds the transport dialer of an endpoint.
func newDialer(epCfg config.EndpointConfig) (transport.Dialer, error) {
	switch epCfg.Type {
	case "tcp":
		client := tcp.NewClient(epCfg.Tcp.Address)
		if epCfg.Tcp.Timeout > 0 {
			client.Timeout = epCfg.Tcp.Timeout
		}
		return client.Dialer(), nil
	case "serial":
		return serial.NewClient(epCfg.Serial).Dialer(), nil
	default:
		return nil, fmt.Errorf("unknown endpoint type: %s", epCfg.Type)
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stderr: %v\n", err)
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		// stdout belongs to the console.
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
