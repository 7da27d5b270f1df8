// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package harness

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tbrandon/mbserver"

	"github.com/ffutop/modbus-remote/remote"
	"github.com/ffutop/modbus-remote/transport"
	"github.com/ffutop/modbus-remote/transport/tcp"
)

func TestInputs_Uint16(t *testing.T) {
	in := Inputs{"start": " 42 ", "big": "70000", "neg": "-1", "hex": "0x10"}

	if v, err := in.Uint16("start"); err != nil || v != 42 {
		t.Errorf("Uint16(start) = %d, %v", v, err)
	}
	for _, name := range []string{"big", "neg", "hex", "missing"} {
		if _, err := in.Uint16(name); err == nil {
			t.Errorf("Uint16(%s) expected error", name)
		}
	}
}

func TestFramework_RunGathersConfiguredInputs(t *testing.T) {
	var got Inputs
	f := New([]Test{{Name: "FC-03: Read", Run: func(ctx context.Context, in Inputs) error {
		got = in
		return nil
	}}}, []string{"start", "quantity"}, nil)

	if err := f.Run(context.Background(), 0, Inputs{"start": "1", "quantity": "2", "other": "3"}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, Inputs{"start": "1", "quantity": "2"}) {
		t.Errorf("inputs = %v", got)
	}
	if err := f.Run(context.Background(), 1, nil); err == nil {
		t.Error("expected error for missing test")
	}
	if err := f.RunNamed(context.Background(), "fc-03", nil); err != nil {
		t.Errorf("RunNamed by id: %v", err)
	}
	if err := f.RunNamed(context.Background(), "FC-99", nil); err == nil {
		t.Error("expected error for unknown test")
	}
}

func TestFramework_CapturesFailures(t *testing.T) {
	out := &bytes.Buffer{}
	f := New([]Test{
		{Name: "panics", Run: func(context.Context, Inputs) error { panic("boom") }},
		{Name: "fails", Run: func(context.Context, Inputs) error { return errors.New("bad input") }},
	}, nil, out)

	if err := f.Run(context.Background(), 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.Run(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}

	want := "Exception caught while running test function for panics: boom\n" +
		"Exception caught while running test function for fails: bad input\n"
	if f.Messages() != want {
		t.Errorf("Messages() = %q", f.Messages())
	}
	if out.String() != want {
		t.Errorf("out = %q", out.String())
	}

	f.Clear()
	if f.Messages() != "" {
		t.Error("log not cleared")
	}
}

func TestModbusTests_AgainstModbusServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := l.Addr().String()
	l.Close()

	server := mbserver.NewServer()
	if err := server.ListenTCP(address); err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	server.HoldingRegisters[3] = 7

	hub := transport.NewHub()
	defer hub.Close()
	if err := hub.Register("MODBUS", tcp.NewClient(address).Dialer(), 0); err != nil {
		t.Fatal(err)
	}
	registry := remote.NewRegistry(hub, remote.WithEndpointOptions(remote.WithTimeout(2*time.Second)))
	defer registry.Close()

	lines := make(chan string, 16)
	f := New(nil, ModbusInputs, nil)
	f.tests = ModbusTests(registry.GetOrCreate("MODBUS"), 1, func(msg string) {
		f.Log(msg)
		lines <- msg
	})

	if names := f.Names(); len(names) != 8 || names[2] != "FC-03: Read Holding Registers" {
		t.Fatalf("Names() = %v", names)
	}

	run := func(name string, in Inputs, want string) {
		t.Helper()
		if err := f.RunNamed(context.Background(), name, in); err != nil {
			t.Fatal(err)
		}
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line := <-lines:
				if strings.Contains(line, "returned") {
					if line != want {
						t.Errorf("%s: got %q, want %q", name, line, want)
					}
					return
				}
			case <-deadline:
				t.Fatalf("%s: no result", name)
			}
		}
	}

	run("FC-03", Inputs{"start": "2", "quantity": "2"},
		"readHoldingRegisters returned: unit=1, startAddress=2, errorCode=0, result=[0 7]")
	run("FC-06", Inputs{"start": "4", "value": "1234"},
		"writeSingleRegister returned: unit=1, register=4, errorCode=0, value=1234")
	run("FC-10", Inputs{"start": "10", "quantity": "3", "value": "5"},
		"writeMultipleRegisters returned: unit=1, startAddress=10, errorCode=0, value=3")
	run("FC-0F", Inputs{"start": "0", "quantity": "4", "value": "5"},
		"writeMultipleCoils returned: unit=1, startAddress=0, errorCode=0, value=4")
	run("FC-01", Inputs{"start": "0", "quantity": "4"},
		"readCoils returned: unit=1, startAddress=0, errorCode=0, result=[true false true false]")

	if server.HoldingRegisters[4] != 1234 || server.HoldingRegisters[12] != 5 {
		t.Errorf("registers not written: %v", server.HoldingRegisters[4:13])
	}

	// Invalid input is logged, nothing is sent.
	if err := f.RunNamed(context.Background(), "FC-03", Inputs{"start": "x", "quantity": "1"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.Messages(), "Exception caught while running test function for FC-03: Read Holding Registers") {
		t.Errorf("missing exception in log: %q", f.Messages())
	}
}

// shiftedEcho answers every request with the request itself, its address
// moved up by one.
type shiftedEcho struct {
	fn transport.ChunkHandler
}

func (s *shiftedEcho) Subscribe(endpoint, feed string, fn transport.ChunkHandler, onReset transport.ResetHandler) (func(), error) {
	s.fn = fn
	return func() {}, nil
}

func (s *shiftedEcho) SendBytes(ctx context.Context, endpoint string, b []byte) error {
	resp := append([]byte(nil), b...)
	resp[9]++
	s.fn(resp)
	return nil
}

func TestModbusTests_LogsEchoedAddress(t *testing.T) {
	var lines []string
	dev := remote.NewEndpoint(&shiftedEcho{}, "MODBUS", remote.DefaultFeed)
	f := New(ModbusTests(dev, 1, func(msg string) { lines = append(lines, msg) }), ModbusInputs, nil)

	if err := f.RunNamed(context.Background(), "FC-06", Inputs{"start": "4", "value": "1234"}); err != nil {
		t.Fatal(err)
	}
	want := "writeSingleRegister returned: unit=1, register=5, errorCode=0, value=1234"
	if len(lines) == 0 || lines[len(lines)-1] != want {
		t.Errorf("log = %q, want last line %q", lines, want)
	}
}
