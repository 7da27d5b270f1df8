// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-remote/modbus"
)

const (
	// HeaderSize is the MBAP header plus the function code.
	HeaderSize = 8
	// MaxSize is the largest MODBUS/TCP ADU: 7 bytes MBAP + 253 bytes PDU.
	MaxSize = 260

	// length counts the unit id, the function code and the data.
	minLength = 2
	maxLength = MaxSize - 6
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame.
var ErrIncomplete = errors.New("modbus: incomplete frame")

// FrameError describes an MBAP header that cannot start a valid frame.
type FrameError struct {
	ProtocolID uint16
	Length     uint16
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("modbus: invalid MBAP header (protocol id %d, length %d)", e.ProtocolID, e.Length)
}

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// EncodeFrame serializes a request without validating the payload size.
func EncodeFrame(transactionID uint16, slaveID, functionCode byte, payload []byte) []byte {
	raw := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(raw[0:], transactionID)
	binary.BigEndian.PutUint16(raw[2:], 0)
	binary.BigEndian.PutUint16(raw[4:], uint16(minLength+len(payload)))
	raw[6] = slaveID
	raw[7] = functionCode
	copy(raw[HeaderSize:], payload)
	return raw
}

// TryDecode extracts the first frame of buf.
//
// It returns ErrIncomplete and consumes nothing while buf holds a partial
// frame. A header that cannot be valid yields a *FrameError and consumes one
// byte so that the caller can resynchronise on the stream. The returned data
// never aliases buf.
func TryDecode(buf []byte) (adu *ApplicationDataUnit, n int, err error) {
	if len(buf) < HeaderSize {
		err = ErrIncomplete
		return
	}
	protocolID := binary.BigEndian.Uint16(buf[2:])
	length := binary.BigEndian.Uint16(buf[4:])
	if protocolID != 0 || length < minLength || length > maxLength {
		err = &FrameError{ProtocolID: protocolID, Length: length}
		n = 1
		return
	}
	total := 6 + int(length)
	if len(buf) < total {
		err = ErrIncomplete
		return
	}

	data := make([]byte, int(length)-minLength)
	copy(data, buf[HeaderSize:total])
	adu = &ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(buf[0:]),
		ProtocolID:    protocolID,
		Length:        length,
		SlaveID:       buf[6],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: buf[7],
			Data:         data,
		},
	}
	n = total
	return
}

// Encode serializes the ADU, deriving the length field from the PDU.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + HeaderSize
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
		return
	}
	if adu.ProtocolID != 0 {
		err = fmt.Errorf("modbus: protocol id '%v' must be 0", adu.ProtocolID)
		return
	}
	adu.Length = uint16(minLength + len(adu.Pdu.Data))
	raw = EncodeFrame(adu.TransactionID, adu.SlaveID, adu.Pdu.FunctionCode, adu.Pdu.Data)
	return
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
		return
	}
	if resp.SlaveID != req.SlaveID {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	return
}
