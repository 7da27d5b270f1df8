// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package remote is the client side of MODBUS/TCP: it sends requests to named
// transport endpoints and correlates the responses arriving on their shared
// byte streams back to the callers.
package remote

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ffutop/modbus-remote/modbus"
	"github.com/ffutop/modbus-remote/modbus/tcp"
	"github.com/ffutop/modbus-remote/transport"
)

var (
	ErrTimeout        = errors.New("modbus: request timed out")
	ErrClosed         = errors.New("modbus: transaction manager closed")
	ErrTooManyPending = errors.New("modbus: all transaction ids are pending")
)

// Handler receives the response to a request, or ErrTimeout / ErrClosed.
type Handler func(adu *tcp.ApplicationDataUnit, err error)

// DiscardReason tells why a received frame did not reach any caller.
type DiscardReason string

const (
	ReasonUnsolicited  DiscardReason = "unsolicited"
	ReasonUnitMismatch DiscardReason = "unit mismatch"
	ReasonMalformed    DiscardReason = "malformed"
	ReasonUndecodable  DiscardReason = "undecodable"
)

// DiscardEvent describes bytes dropped from an endpoint's stream.
// TransactionID and UnitID are zero for malformed bytes.
type DiscardEvent struct {
	Endpoint      string
	Reason        DiscardReason
	TransactionID uint16
	UnitID        byte
	Raw           []byte
}

// DiscardHook observes dropped frames. It does not change how they are handled.
type DiscardHook func(ev DiscardEvent)

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout fails a pending request with ErrTimeout when no response
// arrived within d. Zero or negative d waits forever.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithDiscardHook reports every dropped frame to h.
func WithDiscardHook(h DiscardHook) Option {
	return func(m *Manager) {
		m.discardHook = h
	}
}

// WithFirstTransactionID sets the id of the first request.
func WithFirstTransactionID(id uint16) Option {
	return func(m *Manager) {
		m.nextID = id
	}
}

type pending struct {
	request *tcp.ApplicationDataUnit
	handler Handler
	timer   *time.Timer
}

// Manager owns the transaction ids, the pending requests and the inbound
// accumulation buffer of one endpoint. Request and OnBytesReceived may be
// called from different goroutines.
type Manager struct {
	transport   transport.Transport
	endpoint    string
	feed        string
	timeout     time.Duration
	discardHook DiscardHook

	mu          sync.Mutex
	nextID      uint16
	pending     map[uint16]*pending
	buf         []byte
	unsubscribe func()
	closed      bool
}

// NewManager binds a Manager to an endpoint of t. Responses are read from
// the named feed, which is subscribed on the first request that expects one.
func NewManager(t transport.Transport, endpoint, feed string, opts ...Option) *Manager {
	m := &Manager{
		transport: t,
		endpoint:  endpoint,
		feed:      feed,
		nextID:    1,
		pending:   make(map[uint16]*pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Endpoint returns the transport endpoint name.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Request encodes and sends a frame and returns its transaction id.
//
// A nil handler makes the request fire and forget: nothing is recorded and
// any response is discarded as unsolicited. Otherwise handler is called
// exactly once, with the matching response, ErrTimeout or ErrClosed. It is
// never called when Request returns an error.
func (m *Manager) Request(ctx context.Context, unitID, functionCode byte, payload []byte, handler Handler) (uint16, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if handler != nil && m.unsubscribe == nil {
		unsubscribe, err := m.transport.Subscribe(m.endpoint, m.feed, m.OnBytesReceived, m.OnConnectionReset)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.unsubscribe = unsubscribe
	}

	transactionID, err := m.allocate()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	req := &tcp.ApplicationDataUnit{
		TransactionID: transactionID,
		SlaveID:       unitID,
		Pdu:           modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: payload},
	}
	raw, err := req.Encode()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}

	var p *pending
	if handler != nil {
		// Registered before sending: the response may arrive before SendBytes returns.
		p = &pending{request: req, handler: handler}
		m.pending[transactionID] = p
		if m.timeout > 0 {
			p.timer = time.AfterFunc(m.timeout, func() { m.expire(transactionID, p) })
		}
	}
	m.mu.Unlock()

	if err := m.transport.SendBytes(ctx, m.endpoint, raw); err != nil {
		if p != nil {
			m.withdraw(transactionID, p)
		}
		return 0, err
	}
	return transactionID, nil
}

// allocate returns the next transaction id that is not pending.
// Caller must hold the mutex.
func (m *Manager) allocate() (uint16, error) {
	if len(m.pending) > math.MaxUint16 {
		return 0, ErrTooManyPending
	}
	for {
		id := m.nextID
		m.nextID++
		if _, busy := m.pending[id]; !busy {
			return id, nil
		}
	}
}

// OnBytesReceived appends chunk to the accumulation buffer and resolves every
// complete frame in it. An incomplete tail stays buffered for the next chunk.
func (m *Manager) OnBytesReceived(chunk []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.buf = append(m.buf, chunk...)

	var (
		actions []func()
		junk    []byte
		off     int
	)
	flushJunk := func() {
		if len(junk) > 0 {
			ev := DiscardEvent{Endpoint: m.endpoint, Reason: ReasonMalformed, Raw: junk}
			actions = append(actions, func() { m.discard(ev) })
			junk = nil
		}
	}

	for off < len(m.buf) {
		adu, n, err := tcp.TryDecode(m.buf[off:])
		if errors.Is(err, tcp.ErrIncomplete) {
			break
		}
		raw := m.buf[off : off+n]
		off += n
		if err != nil {
			junk = append(junk, raw...)
			continue
		}
		flushJunk()

		p, ok := m.pending[adu.TransactionID]
		if !ok {
			ev := m.frameEvent(ReasonUnsolicited, adu, raw)
			actions = append(actions, func() { m.discard(ev) })
			continue
		}
		if err := p.request.Verify(adu); err != nil {
			ev := m.frameEvent(ReasonUnitMismatch, adu, raw)
			actions = append(actions, func() { m.discard(ev) })
			continue
		}
		delete(m.pending, adu.TransactionID)
		if p.timer != nil {
			p.timer.Stop()
		}
		actions = append(actions, func() { m.invoke(adu.TransactionID, func() { p.handler(adu, nil) }) })
	}
	flushJunk()

	if off == len(m.buf) {
		m.buf = m.buf[:0]
	} else if off > 0 {
		m.buf = append(m.buf[:0], m.buf[off:]...)
	}
	m.mu.Unlock()

	for _, action := range actions {
		action()
	}
}

// OnConnectionReset drops the partial frame left by a connection that went
// away, reporting its bytes as malformed. Pending requests keep waiting for
// their timeout.
func (m *Manager) OnConnectionReset() {
	m.mu.Lock()
	if m.closed || len(m.buf) == 0 {
		m.mu.Unlock()
		return
	}
	raw := append([]byte(nil), m.buf...)
	m.buf = m.buf[:0]
	m.mu.Unlock()

	m.discard(DiscardEvent{Endpoint: m.endpoint, Reason: ReasonMalformed, Raw: raw})
}

func (m *Manager) frameEvent(reason DiscardReason, adu *tcp.ApplicationDataUnit, raw []byte) DiscardEvent {
	return DiscardEvent{
		Endpoint:      m.endpoint,
		Reason:        reason,
		TransactionID: adu.TransactionID,
		UnitID:        adu.SlaveID,
		Raw:           append([]byte(nil), raw...),
	}
}

// discard logs ev and passes it to the discard hook.
func (m *Manager) discard(ev DiscardEvent) {
	slog.Debug("modbus frame discarded", "endpoint", ev.Endpoint, "reason", ev.Reason,
		"transactionID", ev.TransactionID, "unitID", ev.UnitID, "raw", hex.EncodeToString(ev.Raw))
	if m.discardHook != nil {
		m.invoke(ev.TransactionID, func() { m.discardHook(ev) })
	}
}

// invoke runs a caller supplied function. A panic is logged and swallowed so
// that the remaining frames of a chunk are still processed.
func (m *Manager) invoke(transactionID uint16, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("modbus callback panicked", "endpoint", m.endpoint, "transactionID", transactionID, "panic", r)
		}
	}()
	fn()
}

func (m *Manager) expire(transactionID uint16, p *pending) {
	m.mu.Lock()
	if m.pending[transactionID] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, transactionID)
	m.mu.Unlock()

	slog.Warn("modbus request timed out", "endpoint", m.endpoint, "transactionID", transactionID,
		"unitID", p.request.SlaveID, "func", p.request.Pdu.FunctionCode, "timeout", m.timeout)
	m.invoke(transactionID, func() { p.handler(nil, ErrTimeout) })
}

// withdraw forgets a request whose bytes never left.
func (m *Manager) withdraw(transactionID uint16, p *pending) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[transactionID] == p {
		delete(m.pending, transactionID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

// Pending returns the number of requests waiting for a response.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// Close unsubscribes from the transport and fails every pending request
// with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	failed := m.pending
	m.pending = make(map[uint16]*pending)
	m.buf = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for id, p := range failed {
		if p.timer != nil {
			p.timer.Stop()
		}
		m.invoke(id, func() { p.handler(nil, ErrClosed) })
	}
}
