// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-remote/modbus"
	"github.com/ffutop/modbus-remote/modbus/tcp"
	"github.com/ffutop/modbus-remote/transport"
)

// Callback receives the outcome of an endpoint operation. code is
// modbus.ExceptionCodeNone on success, in which case result holds the decoded
// response. Otherwise result is the zero value and code is either the
// exception returned by the device or one of:
//
//   - ExceptionCodeGatewayTargetDeviceFailedToRespond when no response arrived in time
//   - ExceptionCodeGatewayPathUnavailable when the endpoint was closed
//   - ExceptionCodeServerDeviceFailure when the response could not be decoded
type Callback[T any] func(unitID byte, address uint16, code modbus.ExceptionCode, result T)

// Echo is what write requests get back: the address and the written value,
// or the start address and the quantity for multiple writes.
type Echo struct {
	Address uint16
	Value   uint16
}

var errNoCallback = errors.New("modbus: read operations require a callback")

// Endpoint is one remote MODBUS target reached through a transport endpoint.
type Endpoint struct {
	name    string
	manager *Manager
}

// NewEndpoint creates an Endpoint reading responses from feed.
func NewEndpoint(t transport.Transport, name, feed string, opts ...Option) *Endpoint {
	return &Endpoint{
		name:    name,
		manager: NewManager(t, name, feed, opts...),
	}
}

// Name returns the transport endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// Manager returns the transaction manager behind e.
func (e *Endpoint) Manager() *Manager {
	return e.manager
}

// Close fails outstanding requests and stops listening for responses.
func (e *Endpoint) Close() {
	e.manager.Close()
}

// ReadCoils requests quantity coil states starting at address (function code 0x01).
func (e *Endpoint) ReadCoils(ctx context.Context, unitID byte, address, quantity uint16, cb Callback[[]bool]) (uint16, error) {
	return e.readBits(ctx, unitID, modbus.FuncCodeReadCoils, address, quantity, cb)
}

// ReadDiscreteInputs requests quantity input states starting at address (function code 0x02).
func (e *Endpoint) ReadDiscreteInputs(ctx context.Context, unitID byte, address, quantity uint16, cb Callback[[]bool]) (uint16, error) {
	return e.readBits(ctx, unitID, modbus.FuncCodeReadDiscreteInputs, address, quantity, cb)
}

// ReadHoldingRegisters requests quantity holding registers starting at address (function code 0x03).
func (e *Endpoint) ReadHoldingRegisters(ctx context.Context, unitID byte, address, quantity uint16, cb Callback[[]uint16]) (uint16, error) {
	return e.readWords(ctx, unitID, modbus.FuncCodeReadHoldingRegisters, address, quantity, cb)
}

// ReadInputRegisters requests quantity input registers starting at address (function code 0x04).
func (e *Endpoint) ReadInputRegisters(ctx context.Context, unitID byte, address, quantity uint16, cb Callback[[]uint16]) (uint16, error) {
	return e.readWords(ctx, unitID, modbus.FuncCodeReadInputRegisters, address, quantity, cb)
}

// WriteSingleCoil sets one coil (function code 0x05). A nil cb sends the
// request without waiting for the response.
func (e *Endpoint) WriteSingleCoil(ctx context.Context, unitID byte, address uint16, value bool, cb Callback[Echo]) (uint16, error) {
	v := modbus.CoilOff
	if value {
		v = modbus.CoilOn
	}
	return send(ctx, e, unitID, modbus.FuncCodeWriteSingleCoil, address, dataBlock(address, v), cb, decodeEcho)
}

// WriteSingleRegister writes one holding register (function code 0x06). A
// nil cb sends the request without waiting for the response.
func (e *Endpoint) WriteSingleRegister(ctx context.Context, unitID byte, address, value uint16, cb Callback[Echo]) (uint16, error) {
	return send(ctx, e, unitID, modbus.FuncCodeWriteSingleRegister, address, dataBlock(address, value), cb, decodeEcho)
}

// WriteMultipleCoils writes consecutive coils starting at address (function
// code 0x0F). The echo holds the start address and the quantity.
func (e *Endpoint) WriteMultipleCoils(ctx context.Context, unitID byte, address uint16, values []bool, cb Callback[Echo]) (uint16, error) {
	quantity := len(values)
	if quantity < 1 || quantity > modbus.MaxQuantityWriteCoils {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxQuantityWriteCoils)
	}
	payload := dataBlockSuffix(modbus.PackBits(values), address, uint16(quantity))
	return send(ctx, e, unitID, modbus.FuncCodeWriteMultipleCoils, address, payload, cb, decodeEcho)
}

// WriteMultipleRegisters writes consecutive holding registers starting at
// address (function code 0x10). The echo holds the start address and the quantity.
func (e *Endpoint) WriteMultipleRegisters(ctx context.Context, unitID byte, address uint16, values []uint16, cb Callback[Echo]) (uint16, error) {
	quantity := len(values)
	if quantity < 1 || quantity > modbus.MaxQuantityWriteRegisters {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxQuantityWriteRegisters)
	}
	words := make([]byte, 2*quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(words[2*i:], v)
	}
	payload := dataBlockSuffix(words, address, uint16(quantity))
	return send(ctx, e, unitID, modbus.FuncCodeWriteMultipleRegisters, address, payload, cb, decodeEcho)
}

// Request sends a function code that has no typed operation. The callback
// receives the response data as is; address is only reported back to cb.
func (e *Endpoint) Request(ctx context.Context, unitID, functionCode byte, address uint16, payload []byte, cb Callback[[]byte]) (uint16, error) {
	if functionCode == 0 || modbus.IsException(functionCode) {
		return 0, fmt.Errorf("modbus: invalid function code '%v'", functionCode)
	}
	return send(ctx, e, unitID, functionCode, address, payload, cb, func(data []byte) ([]byte, error) {
		return data, nil
	})
}

func (e *Endpoint) readBits(ctx context.Context, unitID, functionCode byte, address, quantity uint16, cb Callback[[]bool]) (uint16, error) {
	if quantity < 1 || quantity > modbus.MaxQuantityReadBits {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxQuantityReadBits)
	}
	if cb == nil {
		return 0, errNoCallback
	}
	return send(ctx, e, unitID, functionCode, address, dataBlock(address, quantity), cb, func(data []byte) ([]bool, error) {
		return modbus.DecodeBits(int(quantity), data)
	})
}

func (e *Endpoint) readWords(ctx context.Context, unitID, functionCode byte, address, quantity uint16, cb Callback[[]uint16]) (uint16, error) {
	if quantity < 1 || quantity > modbus.MaxQuantityReadRegisters {
		return 0, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v'", quantity, 1, modbus.MaxQuantityReadRegisters)
	}
	if cb == nil {
		return 0, errNoCallback
	}
	return send(ctx, e, unitID, functionCode, address, dataBlock(address, quantity), cb, func(data []byte) ([]uint16, error) {
		words, err := modbus.DecodeWords(data)
		if err == nil && len(words) != int(quantity) {
			err = fmt.Errorf("modbus: response quantity '%v' does not match request '%v'", len(words), quantity)
		}
		return words, err
	})
}

// send issues the request and, unless cb is nil, turns the response into
// the uniform callback shape.
func send[T any](ctx context.Context, e *Endpoint, unitID, functionCode byte, address uint16, payload []byte, cb Callback[T], decode func([]byte) (T, error)) (uint16, error) {
	var handler Handler
	if cb != nil {
		handler = func(adu *tcp.ApplicationDataUnit, err error) {
			var zero T
			if err != nil {
				code := modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond
				if errors.Is(err, ErrClosed) {
					code = modbus.ExceptionCodeGatewayPathUnavailable
				}
				cb(unitID, address, code, zero)
				return
			}

			switch adu.Pdu.FunctionCode {
			case functionCode:
				result, err := decode(adu.Pdu.Data)
				if err != nil {
					e.undecodable(adu, err)
					cb(adu.SlaveID, address, modbus.ExceptionCodeServerDeviceFailure, zero)
					return
				}
				cb(adu.SlaveID, address, modbus.ExceptionCodeNone, result)
			case modbus.ExceptionFunctionCode(functionCode):
				code, err := modbus.DecodeException(adu.Pdu.Data)
				if err == nil && code == modbus.ExceptionCodeNone {
					err = fmt.Errorf("modbus: exception response carries no exception code")
				}
				if err != nil {
					e.undecodable(adu, err)
					code = modbus.ExceptionCodeServerDeviceFailure
				}
				cb(adu.SlaveID, address, code, zero)
			default:
				e.undecodable(adu, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", adu.Pdu.FunctionCode, functionCode))
				cb(adu.SlaveID, address, modbus.ExceptionCodeServerDeviceFailure, zero)
			}
		}
	}
	return e.manager.Request(ctx, unitID, functionCode, payload, handler)
}

func (e *Endpoint) undecodable(adu *tcp.ApplicationDataUnit, err error) {
	slog.Warn("modbus response could not be decoded", "endpoint", e.name, "transactionID", adu.TransactionID, "err", err)
	raw := tcp.EncodeFrame(adu.TransactionID, adu.SlaveID, adu.Pdu.FunctionCode, adu.Pdu.Data)
	e.manager.discard(e.manager.frameEvent(ReasonUndecodable, adu, raw))
}

func decodeEcho(data []byte) (Echo, error) {
	address, value, err := modbus.DecodeEcho(data)
	return Echo{Address: address, Value: value}, err
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}
