// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// DecodeBits unpacks a read coils / read discrete inputs response.
// data[0] is the byte count, the following bytes hold the bits LSB first.
// Exactly expected values are returned; padding bits are ignored.
func DecodeBits(expected int, data []byte) ([]bool, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("modbus: bit response is empty")
	}
	n := int(data[0])
	if len(data)-1 < n {
		return nil, fmt.Errorf("modbus: bit response byte count '%v' exceeds payload '%v'", n, len(data)-1)
	}
	if n*8 < expected {
		return nil, fmt.Errorf("modbus: bit response holds %v bits, expected %v", n*8, expected)
	}

	result := make([]bool, expected)
	for i := 0; i < expected; i++ {
		result[i] = (data[1+i/8]>>uint(i%8))&1 != 0
	}
	return result, nil
}

// DecodeWords unpacks a read holding / input registers response.
// data[0] is the byte count, followed by big-endian 16-bit words.
func DecodeWords(data []byte) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("modbus: register response is empty")
	}
	n := int(data[0])
	if n%2 != 0 {
		return nil, fmt.Errorf("modbus: register response byte count '%v' is odd", n)
	}
	if len(data)-1 < n {
		return nil, fmt.Errorf("modbus: register response byte count '%v' exceeds payload '%v'", n, len(data)-1)
	}

	result := make([]uint16, n/2)
	for i := range result {
		result[i] = binary.BigEndian.Uint16(data[1+i*2:])
	}
	return result, nil
}

// PackBits packs values LSB first into ceil(len(values)/8) bytes.
func PackBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return packed
}

// DecodeEcho reads the address and value that write responses echo back.
func DecodeEcho(data []byte) (address, value uint16, err error) {
	if len(data) != 4 {
		err = fmt.Errorf("modbus: echo response length '%v' does not match '%v'", len(data), 4)
		return
	}
	address = binary.BigEndian.Uint16(data[0:2])
	value = binary.BigEndian.Uint16(data[2:4])
	return
}

// DecodeException returns the exception code of an exception response payload.
func DecodeException(data []byte) (ExceptionCode, error) {
	if len(data) < 1 {
		return ExceptionCodeNone, fmt.Errorf("modbus: exception response is empty")
	}
	return ExceptionCode(data[0]), nil
}
