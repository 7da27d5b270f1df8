// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ffutop/modbus-remote/transport"
)

const (
	tcpTimeout   = 10 * time.Second
	tcpKeepAlive = 2*time.Hour - time.Minute
)

// Client dials a MODBUS/TCP device for a transport.Hub.
type Client struct {
	Address string
	Timeout time.Duration
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Dial opens the connection. Reads stay blocking; the hub decides when to
// drop the connection.
func (c *Client) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if _, err := net.ResolveTCPAddr("tcp", c.Address); err != nil {
		return nil, fmt.Errorf("modbus: invalid address %s: %w", c.Address, err)
	}
	d := net.Dialer{
		Timeout:   c.Timeout,
		KeepAlive: tcpKeepAlive,
	}
	conn, err := d.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("modbus: failed to connect to %s: %w", c.Address, err)
	}
	return conn, nil
}

// Dialer returns c.Dial as a transport.Dialer.
func (c *Client) Dialer() transport.Dialer {
	return c.Dial
}
