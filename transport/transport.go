// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"
)

// ChunkHandler receives raw bytes read from an endpoint. Chunk boundaries are
// arbitrary: a chunk may hold part of a frame or several frames.
type ChunkHandler func(chunk []byte)

// ResetHandler is called when the connection behind an endpoint went away.
// Bytes received before the call and after it come from different
// connections, so a partial frame buffered so far can never complete.
type ResetHandler func()

// Transport moves bytes to and from named endpoints.
// The MODBUS layer never sees connections, only endpoint names.
type Transport interface {
	// SendBytes writes b to the endpoint. It does not wait for any answer.
	SendBytes(ctx context.Context, endpoint string, b []byte) error
	// Subscribe registers fn under feed for every chunk received from the
	// endpoint, in wire order, and onReset, which may be nil, for every
	// dropped connection. A reset is always reported before the first chunk
	// of the next connection. Subscribing the same feed again replaces the
	// previous handlers. The returned function removes the subscription.
	Subscribe(endpoint, feed string, fn ChunkHandler, onReset ResetHandler) (func(), error)
}

// Dialer opens the byte stream behind an endpoint.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Direction tells a Recorder which way a chunk travelled.
type Direction int

const (
	Outbound Direction = iota
	Inbound
	Discarded
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "send"
	case Inbound:
		return "recv"
	case Discarded:
		return "drop"
	default:
		return "unknown"
	}
}

// Recorder observes traffic, e.g. to keep a capture for diagnosing desyncs.
type Recorder interface {
	Record(endpoint string, dir Direction, b []byte)
}
