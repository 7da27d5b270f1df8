// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const readBufferSize = 512

var (
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
	ErrHubClosed       = errors.New("transport: hub closed")
)

// Hub implements Transport over named links. A link dials lazily on the
// first send, keeps one reader goroutine per connection and re-dials on the
// next send after any read or write failure.
type Hub struct {
	mu       sync.Mutex
	links    map[string]*link
	recorder Recorder
	closed   bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRecorder makes the hub report all traffic to r.
func WithRecorder(r Recorder) HubOption {
	return func(h *Hub) {
		h.recorder = r
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{links: make(map[string]*link)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds an endpoint. idleTimeout closes a connection without
// traffic for that long; zero keeps it open.
func (h *Hub) Register(name string, dial Dialer, idleTimeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.links[name]; ok {
		return fmt.Errorf("transport: endpoint %q already registered", name)
	}
	h.links[name] = &link{
		name:        name,
		dial:        dial,
		idleTimeout: idleTimeout,
		recorder:    h.recorder,
	}
	return nil
}

// Retarget replaces the dialer of an endpoint and drops its current
// connection. Subscriptions are kept.
func (h *Hub) Retarget(name string, dial Dialer) error {
	l, err := h.link(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dial = dial
	return l.close()
}

// SendBytes implements Transport.
func (h *Hub) SendBytes(ctx context.Context, endpoint string, b []byte) error {
	l, err := h.link(endpoint)
	if err != nil {
		return err
	}
	return l.send(ctx, b)
}

// Subscribe implements Transport.
func (h *Hub) Subscribe(endpoint, feed string, fn ChunkHandler, onReset ResetHandler) (func(), error) {
	l, err := h.link(endpoint)
	if err != nil {
		return nil, err
	}
	l.subscribe(feed, fn, onReset)
	return func() { l.unsubscribe(feed) }, nil
}

// Close closes every link. The hub cannot be used afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	var errs []error
	for _, l := range h.links {
		l.mu.Lock()
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
		if l.closeTimer != nil {
			l.closeTimer.Stop()
		}
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (h *Hub) link(name string) (*link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	l, ok := h.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	return l, nil
}

type feedEntry struct {
	name    string
	fn      ChunkHandler
	onReset ResetHandler
}

// link is one named endpoint and its current connection.
type link struct {
	name        string
	idleTimeout time.Duration
	recorder    Recorder

	mu           sync.Mutex
	dial         Dialer
	conn         io.ReadWriteCloser
	gen          uint64 // generation of the newest connection
	feeds        []feedEntry
	lastActivity time.Time
	closeTimer   *time.Timer

	// deliverMu serializes chunks and resets across connections.
	deliverMu sync.Mutex
	delivered uint64 // generation the feeds last saw bytes from, 0 after a reset
}

func (l *link) send(ctx context.Context, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.connect(ctx); err != nil {
		return err
	}
	l.lastActivity = time.Now()
	l.startCloseTimer()

	slog.Debug("send to modbus endpoint", "endpoint", l.name, "request", hex.EncodeToString(b))
	if l.recorder != nil {
		l.recorder.Record(l.name, Outbound, b)
	}
	if _, err := l.conn.Write(b); err != nil {
		l.close() // Close connection on write failure to force reconnect next time
		return fmt.Errorf("transport: failed to write to %s: %w", l.name, err)
	}
	return nil
}

// connect dials if there is no connection. Caller must hold the mutex.
func (l *link) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if l.conn != nil {
		return nil
	}
	if l.dial == nil {
		return fmt.Errorf("transport: endpoint %s has no dialer", l.name)
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("transport: failed to connect to %s: %w", l.name, err)
	}
	l.conn = conn
	l.gen++
	slog.Info("Endpoint connected", "endpoint", l.name)
	go l.readLoop(conn, l.gen)
	return nil
}

// close drops the connection. Caller must hold the mutex.
func (l *link) close() (err error) {
	if l.conn != nil {
		err = l.conn.Close()
		l.conn = nil
	}
	return
}

// readLoop reads conn until it fails, whoever closed it, and then reports
// the end of the connection to the feeds.
func (l *link) readLoop(conn io.ReadWriteCloser, gen uint64) {
	defer l.endOfStream(gen)

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.deliver(gen, chunk)
		}
		if err != nil {
			if err == io.EOF {
				slog.Info("Endpoint closed the connection", "endpoint", l.name)
			} else {
				slog.Debug("Endpoint read stopped", "endpoint", l.name, "err", err)
			}
			l.mu.Lock()
			if l.conn == conn {
				l.close()
			}
			l.mu.Unlock()
			return
		}
	}
}

// deliver hands chunk of connection gen to every feed, outside the link lock
// so that handlers may send on the same link. Chunks of a connection that was
// already replaced are dropped.
func (l *link) deliver(gen uint64, chunk []byte) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		slog.Debug("dropping bytes of a replaced connection", "endpoint", l.name, "response", hex.EncodeToString(chunk))
		return
	}
	l.lastActivity = time.Now()
	feeds := l.snapshot()
	l.mu.Unlock()

	if l.delivered != 0 && l.delivered != gen {
		l.reset(feeds)
	}
	l.delivered = gen

	slog.Debug("recv from modbus endpoint", "endpoint", l.name, "response", hex.EncodeToString(chunk))
	if l.recorder != nil {
		l.recorder.Record(l.name, Inbound, chunk)
	}
	for _, f := range feeds {
		f.fn(chunk)
	}
}

// endOfStream reports a reset when the feeds last saw bytes of connection gen.
func (l *link) endOfStream(gen uint64) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	if l.delivered != gen {
		return
	}
	l.delivered = 0
	l.mu.Lock()
	feeds := l.snapshot()
	l.mu.Unlock()
	l.reset(feeds)
}

func (l *link) reset(feeds []feedEntry) {
	slog.Debug("endpoint connection reset", "endpoint", l.name)
	for _, f := range feeds {
		if f.onReset != nil {
			f.onReset()
		}
	}
}

// snapshot copies the feeds. Caller must hold the mutex.
func (l *link) snapshot() []feedEntry {
	feeds := make([]feedEntry, len(l.feeds))
	copy(feeds, l.feeds)
	return feeds
}

func (l *link) subscribe(feed string, fn ChunkHandler, onReset ResetHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.feeds {
		if l.feeds[i].name == feed {
			l.feeds[i].fn = fn
			l.feeds[i].onReset = onReset
			return
		}
	}
	l.feeds = append(l.feeds, feedEntry{name: feed, fn: fn, onReset: onReset})
}

func (l *link) unsubscribe(feed string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.feeds {
		if l.feeds[i].name == feed {
			l.feeds = append(l.feeds[:i], l.feeds[i+1:]...)
			return
		}
	}
}

func (l *link) startCloseTimer() {
	if l.idleTimeout <= 0 {
		return
	}
	if l.closeTimer == nil {
		l.closeTimer = time.AfterFunc(l.idleTimeout, l.closeIdle)
	} else {
		l.closeTimer.Reset(l.idleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind idleTimeout.
func (l *link) closeIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	idle := time.Since(l.lastActivity)
	if idle < l.idleTimeout {
		l.closeTimer.Reset(l.idleTimeout - idle)
		return
	}
	slog.Debug("closing endpoint connection due to idle timeout", "endpoint", l.name, "idle", idle)
	l.close()
}
