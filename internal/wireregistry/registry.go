// Package wireregistry is the wire plugin mechanism: a name maps to a
// matched pair of client/server factories. Built-in
// wires register themselves from an init() in their own package; a
// caller that wants a wire available blank-imports its package (see
// cmd/cmd.go), which is the Go analogue of "pip install wire-X" for a
// module that ships all of its wires in-tree.
package wireregistry

import (
	"context"
	"fmt"
	"sync"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/room"
)

// ClientFactory dials or opens a Channel for a client-side connect().
// opts is the wire-specific options value (each wire defines its own
// concrete options type and type-asserts it).
type ClientFactory func(ctx context.Context, opts any) (channel.Channel, error)

// Server is a running listener bound to a RoomManager. Closing it
// stops accepting new peers; whether already-attached rooms are torn
// down too depends on the wire (the memory and pipe servers close
// every room of their RoomManager).
type Server interface {
	Close() error
}

// ServerFactory starts a Server that attaches inbound peers to rooms.
type ServerFactory func(ctx context.Context, opts any, rooms *room.Manager) (Server, error)

type entry struct {
	client ClientFactory
	server ServerFactory
}

// Registry maps wire name to its client/server factory pair.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Default is the process-wide registry built-in wires register
// themselves into.
var Default = New()

// Register installs name's factories. Either factory may be nil if a
// wire only supports one side (e.g. the file wire is client-only and
// registers a nil server factory).
func (r *Registry) Register(name string, client ClientFactory, server ServerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{client: client, server: server}
}

// Client resolves name's client factory and dials it. The error
// string on a missing wire is part of the programmatic surface and
// must not change shape.
func (r *Registry) Client(ctx context.Context, name string, opts any) (channel.Channel, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.client == nil {
		return nil, fmt.Errorf("No client found for %q, did you forget to install \"wire-%s\"?", name, name)
	}
	return e.client(ctx, opts)
}

// Server resolves name's server factory and starts it.
func (r *Registry) Server(ctx context.Context, name string, opts any, rooms *room.Manager) (Server, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.server == nil {
		return nil, fmt.Errorf("No server found for %q, did you forget to install \"wire-%s\"?", name, name)
	}
	return e.server(ctx, opts, rooms)
}

// Register installs name into the default registry.
func Register(name string, client ClientFactory, server ServerFactory) {
	Default.Register(name, client, server)
}
