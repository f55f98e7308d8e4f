// Package memorywire implements the "memory" wire: an in-process
// transport where every client dials the same Server handle and is
// attached to a Room keyed by its requested id. It is the default
// wire for tests and for single-process deployments, built entirely
// on channel.Pair.
package memorywire

import (
	"context"
	"fmt"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// ClientOptions is the memory wire's client-side configuration: a
// reference to the Server handle returned by bind("memory", ...) and
// the room id to join.
type ClientOptions struct {
	Server *Server
	ID     string
}

// Server is the memory wire's server handle: a Room-attaching front
// end, with no options of its own.
type Server struct {
	rooms *room.Manager
}

// NewServer wraps rooms as a memory-wire server handle.
func NewServer(rooms *room.Manager) *Server {
	return &Server{rooms: rooms}
}

// Connect attaches a fresh Channel end to the Room named id and
// returns the other end for a client's Provider to use.
func (s *Server) Connect(id string) channel.Channel {
	a, b := channel.NewPair()
	s.rooms.GetOrCreate(id).Attach(a)
	return b
}

// Close tears down every room this server has ever created. Memory
// wires have no listening socket to stop, so closing here means
// ending every in-flight session.
func (s *Server) Close() error {
	s.rooms.Close()
	return nil
}

func clientFactory(_ context.Context, opts any) (channel.Channel, error) {
	o, ok := opts.(ClientOptions)
	if !ok {
		return nil, fmt.Errorf("memorywire: expected ClientOptions, got %T", opts)
	}
	if o.Server == nil {
		return nil, fmt.Errorf("memorywire: ClientOptions.Server is required")
	}
	return o.Server.Connect(o.ID), nil
}

func serverFactory(_ context.Context, _ any, rooms *room.Manager) (wireregistry.Server, error) {
	return NewServer(rooms), nil
}

func init() {
	wireregistry.Register("memory", clientFactory, serverFactory)
}
