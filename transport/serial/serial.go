// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial carries MBAP frames verbatim over a serial line, as used by
// transparent serial tunnels and radio modems. It does no RTU framing.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gxserial "github.com/grid-x/serial"

	"github.com/ffutop/modbus-remote/internal/config"
	"github.com/ffutop/modbus-remote/transport"
)

// Default timeout
const serialTimeout = 500 * time.Millisecond

// openPort is replaced in tests.
var openPort = func(c *gxserial.Config) (io.ReadWriteCloser, error) {
	return gxserial.Open(c)
}

// Client opens a serial port for a transport.Hub.
type Client struct {
	// Serial port configuration.
	gxserial.Config
}

// NewClient maps the serial settings onto the port configuration.
func NewClient(cfg config.SerialConfig) *Client {
	client := &Client{}
	client.Config.Address = cfg.Device
	client.Config.BaudRate = cfg.BaudRate
	client.Config.DataBits = cfg.DataBits
	client.Config.StopBits = cfg.StopBits
	client.Config.Parity = cfg.Parity
	client.Config.Timeout = cfg.Timeout
	if client.Config.Timeout <= 0 {
		client.Config.Timeout = serialTimeout
	}
	if cfg.RS485 {
		client.Config.RS485.Enabled = true
		client.Config.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		client.Config.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		client.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		client.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		client.Config.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return client
}

// Dial opens the port.
func (c *Client) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	p, err := openPort(&c.Config)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", c.Config.Address, err)
	}
	slog.Debug("serial port opened", "device", c.Config.Address, "baudRate", c.Config.BaudRate)
	return &port{port: p}, nil
}

// Dialer returns c.Dial as a transport.Dialer.
func (c *Client) Dialer() transport.Dialer {
	return c.Dial
}

// port hides read timeouts of an idle line from the hub, which treats any
// read error as a broken connection.
type port struct {
	port io.ReadWriteCloser

	mu     sync.Mutex
	closed bool
}

func (p *port) Read(b []byte) (int, error) {
	for {
		n, err := p.port.Read(b)
		if n > 0 || err == nil {
			return n, nil
		}
		if !errors.Is(err, gxserial.ErrTimeout) || p.isClosed() {
			return 0, err
		}
	}
}

func (p *port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.port.Close()
}

func (p *port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
