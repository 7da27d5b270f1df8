// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"errors"
	"testing"

	goburrow "github.com/goburrow/modbus"

	"github.com/ffutop/modbus-remote/modbus"
)

func TestEncodeFrame(t *testing.T) {
	got := EncodeFrame(0x0100, 1, modbus.FuncCodeReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x02})
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeFrame() = % X, want % X", got, want)
	}
}

func TestTryDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		tid     uint16
		unit    byte
		fc      byte
		payload []byte
	}{
		{"Empty", 0, 0, 0x11, nil},
		{"ReadCoils", 1, 1, 0x01, []byte{0x00, 0x13, 0x00, 0x25}},
		{"Wrap", 0xFFFF, 0xFF, 0x83, []byte{0x02}},
		{"MaxPDU", 0x1234, 17, 0x10, bytes.Repeat([]byte{0xA5}, 252)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := EncodeFrame(tt.tid, tt.unit, tt.fc, tt.payload)
			adu, n, err := TryDecode(raw)
			if err != nil {
				t.Fatalf("TryDecode() error = %v", err)
			}
			if n != len(raw) {
				t.Errorf("consumed %d, want %d", n, len(raw))
			}
			if adu.TransactionID != tt.tid || adu.SlaveID != tt.unit || adu.Pdu.FunctionCode != tt.fc {
				t.Errorf("header mismatch: %+v", adu)
			}
			if !bytes.Equal(adu.Pdu.Data, tt.payload) {
				t.Errorf("data = % X, want % X", adu.Pdu.Data, tt.payload)
			}
			if int(adu.Length) != 2+len(tt.payload) {
				t.Errorf("length = %d", adu.Length)
			}
		})
	}
}

func TestTryDecode_Incomplete(t *testing.T) {
	raw := EncodeFrame(7, 1, 0x03, []byte{0x04, 0x00, 0x0A, 0x00, 0x14})
	for i := 0; i < len(raw); i++ {
		adu, n, err := TryDecode(raw[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %d: err = %v, want ErrIncomplete", i, err)
		}
		if adu != nil || n != 0 {
			t.Fatalf("prefix %d: consumed %d", i, n)
		}
	}
}

func TestTryDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"ProtocolID", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0x01, 0x03, 0x00}},
		{"ShortLength", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x03}},
		{"LongLength", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := TryDecode(tt.raw)
			var fe *FrameError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FrameError", err)
			}
			if n != 1 {
				t.Errorf("consumed %d, want 1", n)
			}
		})
	}
}

func TestTryDecode_DataDoesNotAlias(t *testing.T) {
	raw := EncodeFrame(1, 1, 0x03, []byte{0x02, 0xAA, 0xBB})
	adu, _, err := TryDecode(raw)
	if err != nil {
		t.Fatal(err)
	}
	raw[9] = 0x00
	if adu.Pdu.Data[1] != 0xAA {
		t.Error("decoded data aliases the input buffer")
	}
}

func TestTryDecode_MultipleFrames(t *testing.T) {
	var stream []byte
	for tid := uint16(1); tid <= 3; tid++ {
		stream = append(stream, EncodeFrame(tid, 1, 0x06, []byte{0x00, byte(tid), 0x00, 0x01})...)
	}
	stream = append(stream, 0x00, 0x04, 0x00)

	var tids []uint16
	for {
		adu, n, err := TryDecode(stream)
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		tids = append(tids, adu.TransactionID)
		stream = stream[n:]
	}
	if len(tids) != 3 || tids[2] != 3 {
		t.Errorf("decoded %v", tids)
	}
	if len(stream) != 3 {
		t.Errorf("%d bytes left, want 3", len(stream))
	}
}

// The goburrow packager is an independent MBAP encoder.
func TestTryDecode_GoburrowFrames(t *testing.T) {
	handler := goburrow.NewTCPClientHandler("127.0.0.1:502")
	handler.SlaveId = 9

	raw, err := handler.Encode(&goburrow.ProtocolDataUnit{
		FunctionCode: goburrow.FuncCodeWriteSingleRegister,
		Data:         []byte{0x00, 0x01, 0x00, 0x03},
	})
	if err != nil {
		t.Fatal(err)
	}
	adu, n, err := TryDecode(raw)
	if err != nil {
		t.Fatalf("TryDecode() error = %v", err)
	}
	if n != len(raw) || adu.SlaveID != 9 || adu.Pdu.FunctionCode != modbus.FuncCodeWriteSingleRegister {
		t.Errorf("unexpected frame %+v (consumed %d of %d)", adu, n, len(raw))
	}

	ours := EncodeFrame(adu.TransactionID, 9, modbus.FuncCodeWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x03})
	if !bytes.Equal(ours, raw) {
		t.Errorf("EncodeFrame() = % X, goburrow = % X", ours, raw)
	}
}

func TestApplicationDataUnit_Encode(t *testing.T) {
	adu := &ApplicationDataUnit{TransactionID: 2, SlaveID: 1, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0, 0, 0, 8}}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if adu.Length != 6 || len(raw) != 12 {
		t.Errorf("length = %d, raw = % X", adu.Length, raw)
	}

	big := &ApplicationDataUnit{Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: make([]byte, 253)}}
	if _, err := big.Encode(); err == nil {
		t.Error("expected error for oversized ADU")
	}
}

func TestApplicationDataUnit_Verify(t *testing.T) {
	req := &ApplicationDataUnit{TransactionID: 5, SlaveID: 1}
	if err := req.Verify(&ApplicationDataUnit{TransactionID: 5, SlaveID: 1}); err != nil {
		t.Errorf("Verify() = %v", err)
	}
	if err := req.Verify(&ApplicationDataUnit{TransactionID: 6, SlaveID: 1}); err == nil {
		t.Error("expected transaction id mismatch")
	}
	if err := req.Verify(&ApplicationDataUnit{TransactionID: 5, SlaveID: 2}); err == nil {
		t.Error("expected unit id mismatch")
	}
}
