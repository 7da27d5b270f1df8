// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package remote

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ffutop/modbus-remote/modbus"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(newMockTransport())

	if _, err := r.Get("MODBUS"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("expected ErrUnknownEndpoint, got %v", err)
	}

	e := r.GetOrCreate("MODBUS")
	if e.Name() != "MODBUS" {
		t.Errorf("Name() = %q", e.Name())
	}
	if again := r.GetOrCreate("MODBUS"); again != e {
		t.Error("GetOrCreate created a second endpoint")
	}
	if got, err := r.Get("MODBUS"); err != nil || got != e {
		t.Errorf("Get() = %v, %v", got, err)
	}

	r.GetOrCreateFeed("PLC", "Status")
	if names := r.Names(); !reflect.DeepEqual(names, []string{"MODBUS", "PLC"}) {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistry_EndpointsAreIndependent(t *testing.T) {
	mt := newMockTransport()
	r := NewRegistry(mt)

	a := r.GetOrCreate("A")
	b := r.GetOrCreate("B")

	var got []outcome[Echo]
	if _, err := a.WriteSingleRegister(context.Background(), 1, 1, 1, record(&got)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteSingleRegister(context.Background(), 1, 1, 1, record(&got)); err != nil {
		t.Fatal(err)
	}

	// Both use id 1; the response on B must not resolve A.
	mt.deliver("B", DefaultFeed, mt.lastSent())
	if len(got) != 1 || a.Manager().Pending() != 1 || b.Manager().Pending() != 0 {
		t.Errorf("got %+v, pending A %d B %d", got, a.Manager().Pending(), b.Manager().Pending())
	}
}

func TestRegistry_EndpointOptionsAndClose(t *testing.T) {
	mt := newMockTransport()
	r := NewRegistry(mt, WithEndpointOptions(WithTimeout(time.Hour)))

	e := r.GetOrCreateFeed("MODBUS", DefaultFeed, WithFirstTransactionID(0x0100))
	if e.Manager().timeout != time.Hour {
		t.Errorf("timeout = %v", e.Manager().timeout)
	}

	var got []outcome[[]uint16]
	id, err := e.ReadHoldingRegisters(context.Background(), 1, 0, 1, record(&got))
	if err != nil || id != 0x0100 {
		t.Fatalf("ReadHoldingRegisters() = %d, %v", id, err)
	}

	r.Close()
	if len(got) != 1 || got[0].code != modbus.ExceptionCodeGatewayPathUnavailable {
		t.Errorf("unexpected outcome %+v", got)
	}
	if len(r.Names()) != 0 {
		t.Error("registry not emptied")
	}
}
