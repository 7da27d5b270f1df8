// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-remote/transport"
)

func TestClient_DialThroughHub(t *testing.T) {
	// 1. Setup Mock Server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 512)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if n < 8 {
						continue
					}
					transID := binary.BigEndian.Uint16(buf[0:])
					funcCode := buf[7]

					// ReadHoldingRegisters (0x03) -> Return 2 bytes: AA BB
					respPDU := []byte{funcCode, 0x02, 0xAA, 0xBB}
					respADU := make([]byte, 7+len(respPDU))
					binary.BigEndian.PutUint16(respADU[0:], transID)
					binary.BigEndian.PutUint16(respADU[2:], 0)
					binary.BigEndian.PutUint16(respADU[4:], uint16(1+len(respPDU)))
					respADU[6] = buf[6] // UnitID
					copy(respADU[7:], respPDU)

					c.Write(respADU)
				}
			}(conn)
		}
	}()

	// 2. Setup Hub with the TCP client
	client := NewClient(listener.Addr().String())
	client.Timeout = 1 * time.Second
	hub := transport.NewHub()
	defer hub.Close()
	if err := hub.Register("plc", client.Dialer(), 0); err != nil {
		t.Fatal(err)
	}

	received := make(chan []byte, 8)
	if _, err := hub.Subscribe("plc", "Feedback", func(b []byte) { received <- b }, nil); err != nil {
		t.Fatal(err)
	}

	// 3. Send a read holding registers request
	req := []byte{0x00, 0x2A, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01}
	if err := hub.SendBytes(context.Background(), "plc", req); err != nil {
		t.Fatalf("SendBytes failed: %v", err)
	}

	var resp []byte
	timeout := time.After(2 * time.Second)
	for len(resp) < 11 {
		select {
		case b := <-received:
			resp = append(resp, b...)
		case <-timeout:
			t.Fatalf("timed out waiting for response, got % X", resp)
		}
	}
	if binary.BigEndian.Uint16(resp[0:]) != 0x2A {
		t.Errorf("Wrong TransID: % X", resp[:2])
	}
	if resp[7] != 0x03 || resp[9] != 0xAA {
		t.Errorf("Data mismatch: % X", resp)
	}
}

func TestClient_DialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	client := NewClient(addr)
	client.Timeout = 200 * time.Millisecond
	if _, err := client.Dial(context.Background()); err == nil {
		t.Error("Expected dial error, got nil")
	}
}

func TestClient_InvalidAddress(t *testing.T) {
	client := NewClient("not an address")
	if _, err := client.Dial(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}
