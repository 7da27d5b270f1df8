// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package harness

import (
	"context"
	"fmt"

	"github.com/ffutop/modbus-remote/modbus"
	"github.com/ffutop/modbus-remote/remote"
)

// Input fields read by the MODBUS tests.
const (
	InputStart    = "start"
	InputQuantity = "quantity"
	InputValue    = "value"
)

// ModbusInputs lists the fields used by ModbusTests.
var ModbusInputs = []string{InputStart, InputQuantity, InputValue}

// ModbusTests builds one test per supported function code against dev.
// Outcomes are reported through log.
func ModbusTests(dev *remote.Endpoint, unitID byte, log func(string)) []Test {
	bits := func(op string) remote.Callback[[]bool] {
		return func(unit byte, address uint16, code modbus.ExceptionCode, result []bool) {
			log(fmt.Sprintf("%s returned: unit=%d, startAddress=%d, errorCode=%d, result=%v", op, unit, address, code, result))
		}
	}
	words := func(op string) remote.Callback[[]uint16] {
		return func(unit byte, address uint16, code modbus.ExceptionCode, result []uint16) {
			log(fmt.Sprintf("%s returned: unit=%d, startAddress=%d, errorCode=%d, result=%v", op, unit, address, code, result))
		}
	}
	echo := func(op, label string) remote.Callback[remote.Echo] {
		return func(unit byte, address uint16, code modbus.ExceptionCode, result remote.Echo) {
			if code == modbus.ExceptionCodeNone {
				address = result.Address
			}
			log(fmt.Sprintf("%s returned: unit=%d, %s=%d, errorCode=%d, value=%d", op, unit, label, address, code, result.Value))
		}
	}

	return []Test{
		{
			Name: "FC-01: Read Coils",
			Run: func(ctx context.Context, in Inputs) error {
				log("Reading coils...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				_, err = dev.ReadCoils(ctx, unitID, start, qty, bits("readCoils"))
				return err
			},
		},
		{
			Name: "FC-02: Read Discrete Inputs",
			Run: func(ctx context.Context, in Inputs) error {
				log("Reading discrete inputs...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				_, err = dev.ReadDiscreteInputs(ctx, unitID, start, qty, bits("readDiscreteInputs"))
				return err
			},
		},
		{
			Name: "FC-03: Read Holding Registers",
			Run: func(ctx context.Context, in Inputs) error {
				log("Reading holding registers...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				_, err = dev.ReadHoldingRegisters(ctx, unitID, start, qty, words("readHoldingRegisters"))
				return err
			},
		},
		{
			Name: "FC-04: Read Input Registers",
			Run: func(ctx context.Context, in Inputs) error {
				log("Reading input registers...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				_, err = dev.ReadInputRegisters(ctx, unitID, start, qty, words("readInputRegisters"))
				return err
			},
		},
		{
			Name: "FC-05: Write Single Coil",
			Run: func(ctx context.Context, in Inputs) error {
				log("Writing single coil...")
				addr, val, err := startValue(in)
				if err != nil {
					return err
				}
				_, err = dev.WriteSingleCoil(ctx, unitID, addr, val != 0, echo("writeSingleCoil", "address"))
				return err
			},
		},
		{
			Name: "FC-06: Write Single Register",
			Run: func(ctx context.Context, in Inputs) error {
				log("Writing single register...")
				reg, val, err := startValue(in)
				if err != nil {
					return err
				}
				_, err = dev.WriteSingleRegister(ctx, unitID, reg, val, echo("writeSingleRegister", "register"))
				return err
			},
		},
		{
			// Coil i takes bit i%16 of value.
			Name: "FC-0F: Write Multiple Coils",
			Run: func(ctx context.Context, in Inputs) error {
				log("Writing multiple coils...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				val, err := in.Uint16(InputValue)
				if err != nil {
					return err
				}
				values := make([]bool, qty)
				for i := range values {
					values[i] = val>>(uint(i)%16)&1 != 0
				}
				_, err = dev.WriteMultipleCoils(ctx, unitID, start, values, echo("writeMultipleCoils", "startAddress"))
				return err
			},
		},
		{
			Name: "FC-10: Write Multiple Registers",
			Run: func(ctx context.Context, in Inputs) error {
				log("Writing multiple registers...")
				start, qty, err := startQuantity(in)
				if err != nil {
					return err
				}
				val, err := in.Uint16(InputValue)
				if err != nil {
					return err
				}
				values := make([]uint16, qty)
				for i := range values {
					values[i] = val
				}
				_, err = dev.WriteMultipleRegisters(ctx, unitID, start, values, echo("writeMultipleRegisters", "startAddress"))
				return err
			},
		},
	}
}

func startQuantity(in Inputs) (start, qty uint16, err error) {
	if start, err = in.Uint16(InputStart); err != nil {
		return
	}
	qty, err = in.Uint16(InputQuantity)
	return
}

func startValue(in Inputs) (start, val uint16, err error) {
	if start, err = in.Uint16(InputStart); err != nil {
		return
	}
	val, err = in.Uint16(InputValue)
	return
}
