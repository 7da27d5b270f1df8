// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/ffutop/modbus-remote/internal/capture"
	"github.com/ffutop/modbus-remote/internal/config"
	"github.com/ffutop/modbus-remote/internal/harness"
	"github.com/ffutop/modbus-remote/transport"
	"github.com/ffutop/modbus-remote/transport/tcp"
)

const usage = `Commands:
  list                          list the tests
  set <field> <value>           set an input field (start, quantity, value)
  inputs                        show the input fields
  run <test> [field=value ...]  run a test by index, id (FC-03) or name
  log                           print the log
  clear                         clear the log
  capture                       print the wire capture
  target <host:port>            change and save the address of the endpoint
  quit                          exit`

// retargeter is the part of transport.Hub the console needs.
type retargeter interface {
	Retarget(name string, dial transport.Dialer) error
}

// console reads commands and drives the test framework.
type console struct {
	in        io.Reader
	out       io.Writer
	cfg       *config.Config
	hub       retargeter
	endpoint  string
	recorder  capture.Recorder
	framework *harness.Framework
	inputs    harness.Inputs
}

func (c *console) log(message string) {
	c.framework.Log(message)
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// run processes commands until quit, end of input or ctx is done.
func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s\n", usage)
	for {
		c.printf("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.execute(ctx, line) {
				return
			}
		}
	}
}

// execute runs one command line and reports whether to continue.
func (c *console) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s\n", usage)
	case "list":
		for i, name := range c.framework.Names() {
			c.printf("%3d  %s\n", i, name)
		}
	case "set":
		if len(args) != 2 {
			c.printf("usage: set <field> <value>\n")
			break
		}
		c.inputs[args[0]] = args[1]
	case "inputs":
		names := c.framework.Inputs()
		sort.Strings(names)
		for _, name := range names {
			c.printf("%s=%s\n", name, c.inputs[name])
		}
	case "run":
		if len(args) == 0 {
			c.printf("usage: run <test> [field=value ...]\n")
			break
		}
		c.runTest(ctx, args[0], args[1:])
	case "log":
		c.printf("%s", c.framework.Messages())
	case "clear":
		c.framework.Clear()
	case "capture":
		if c.recorder == nil {
			c.printf("capture is disabled\n")
			break
		}
		for _, l := range c.recorder.Lines() {
			c.printf("%s\n", l)
		}
	case "target":
		if len(args) != 1 {
			c.printf("usage: target <host:port>\n")
			break
		}
		if err := c.retarget(args[0]); err != nil {
			c.printf("target not changed: %v\n", err)
		}
	case "quit", "exit":
		return false
	default:
		c.printf("unknown command %q, type help\n", cmd)
	}
	return true
}

func (c *console) runTest(ctx context.Context, test string, assignments []string) {
	in := make(harness.Inputs, len(c.inputs))
	for k, v := range c.inputs {
		in[k] = v
	}
	for _, a := range assignments {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			c.printf("ignoring %q, expected field=value\n", a)
			continue
		}
		in[k] = v
	}

	var err error
	if index, convErr := strconv.Atoi(test); convErr == nil {
		err = c.framework.Run(ctx, index, in)
	} else {
		err = c.framework.RunNamed(ctx, test, in)
	}
	if err != nil {
		c.printf("%v\n", err)
	}
}

// retarget points the endpoint at address and saves it in the config file.
func (c *console) retarget(address string) error {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return err
	}
	ep := findEndpoint(c.cfg, c.endpoint)
	if ep == nil || ep.Type != "tcp" {
		return fmt.Errorf("endpoint %q is not a tcp endpoint", c.endpoint)
	}
	if ep.Tcp.Address == address {
		return nil
	}

	client := tcp.NewClient(address)
	if ep.Tcp.Timeout > 0 {
		client.Timeout = ep.Tcp.Timeout
	}
	if err := c.hub.Retarget(c.endpoint, client.Dialer()); err != nil {
		return err
	}
	ep.Tcp.Address = address
	slog.Info("Endpoint retargeted", "endpoint", c.endpoint, "address", address)

	if c.cfg.File == "" {
		c.printf("no config file in use, the target is not saved\n")
		return nil
	}
	if err := config.SaveTarget(c.cfg.File, c.endpoint, address); err != nil {
		return fmt.Errorf("target changed but not saved: %w", err)
	}
	return nil
}
