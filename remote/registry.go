// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package remote

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ffutop/modbus-remote/transport"
)

// DefaultFeed is the subscription name responses are read from.
const DefaultFeed = "Feedback"

var ErrUnknownEndpoint = errors.New("modbus: unknown remote endpoint")

// Registry maps endpoint names to their Endpoint, creating them on first use.
type Registry struct {
	transport transport.Transport
	opts      []Option

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEndpointOptions applies opts to every endpoint the registry creates.
func WithEndpointOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// NewRegistry creates an empty Registry over t.
func NewRegistry(t transport.Transport, opts ...RegistryOption) *Registry {
	r := &Registry{
		transport: t,
		endpoints: make(map[string]*Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the endpoint called name, reading DefaultFeed.
func (r *Registry) GetOrCreate(name string) *Endpoint {
	return r.GetOrCreateFeed(name, DefaultFeed)
}

// GetOrCreateFeed returns the endpoint called name. When it does not exist
// yet it is created on feed, with opts applied after the registry's own.
// Both are ignored for an existing endpoint.
func (r *Registry) GetOrCreateFeed(name, feed string, opts ...Option) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.endpoints[name]; ok {
		return e
	}
	all := make([]Option, 0, len(r.opts)+len(opts))
	all = append(all, r.opts...)
	all = append(all, opts...)
	e := NewEndpoint(r.transport, name, feed, all...)
	r.endpoints[name] = e
	return e
}

// Get returns an existing endpoint.
func (r *Registry) Get(name string) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	return e, nil
}

// Names returns the endpoint names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every endpoint and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	endpoints := r.endpoints
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()

	for _, e := range endpoints {
		e.Close()
	}
}
