// Package fabric is the module's public entry point: Connect dials a
// named wire and returns a live client session handle, Bind starts a
// wire's server side over a RoomManager. Both resolve the wire through
// wireregistry.Default, so a caller picks which wires exist in its
// binary by blank-importing their packages (see cmd).
package fabric

import (
	"context"
	"log/slog"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/provider"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// Client is a connected session: a document, the channel it
// synchronizes over, and the provider driving the protocol between
// them.
type Client struct {
	doc  document.Document
	ch   channel.Channel
	prov *provider.Provider
}

// Doc returns the session's document.
func (c *Client) Doc() document.Document { return c.doc }

// Channel returns the wire channel the session runs over.
func (c *Client) Channel() channel.Channel { return c.ch }

// Synchronized is closed once the handshake has completed.
func (c *Client) Synchronized() <-chan struct{} { return c.prov.Synchronized() }

// Pull authorizes one inbound-message application when the session was
// opened with WithAutoPull(false) (the first call starts the
// handshake); otherwise, or while the handshake is in progress, it is
// a no-op.
func (c *Client) Pull() { c.prov.Pull() }

// Push authorizes one outbound batch drain when the session was opened
// with WithAutoPush(false); otherwise it is a no-op.
func (c *Client) Push() { c.prov.Push() }

// Done is closed once the session's protocol goroutine has exited.
func (c *Client) Done() <-chan struct{} { return c.prov.Done() }

// Close ends the session and releases the channel.
func (c *Client) Close() { c.prov.Stop() }

type connectCfg struct {
	doc      document.Document
	autoPush bool
	autoPull bool
	logger   *slog.Logger
}

// ConnectOption configures a Connect call.
type ConnectOption func(*connectCfg)

// WithDoc supplies an existing document instead of starting empty.
func WithDoc(doc document.Document) ConnectOption {
	return func(c *connectCfg) { c.doc = doc }
}

// WithAutoPush(false) gates update emission behind Client.Push.
func WithAutoPush(v bool) ConnectOption {
	return func(c *connectCfg) { c.autoPush = v }
}

// WithAutoPull(false) gates inbound application behind Client.Pull.
func WithAutoPull(v bool) ConnectOption {
	return func(c *connectCfg) { c.autoPull = v }
}

// WithLogger overrides the session's logger.
func WithLogger(l *slog.Logger) ConnectOption {
	return func(c *connectCfg) { c.logger = l }
}

// Connect dials wire with its wire-specific options value and drives a
// session over the resulting channel. In the default auto-pull mode it
// returns once the handshake has completed; with WithAutoPull(false)
// it returns immediately and the handshake waits for the first Pull.
// A handshake-time channel failure is returned here; failures after
// that terminate the session in the background (observable via Done).
func Connect(ctx context.Context, wire string, wireOpts any, opts ...ConnectOption) (*Client, error) {
	cfg := connectCfg{autoPush: true, autoPull: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.doc == nil {
		cfg.doc = document.NewCRDTDoc()
	}

	ch, err := wireregistry.Default.Client(ctx, wire, wireOpts)
	if err != nil {
		return nil, err
	}

	p := provider.New(cfg.doc, ch,
		provider.WithAutoPush(cfg.autoPush),
		provider.WithAutoPull(cfg.autoPull),
		provider.WithLogger(cfg.logger),
	)
	if err := p.Start(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &Client{doc: cfg.doc, ch: ch, prov: p}, nil
}

// Server is a bound wire endpoint and the RoomManager its peers attach
// through.
type Server struct {
	rooms *room.Manager
	srv   wireregistry.Server
}

// RoomManager exposes the server's room registry; its size and
// per-room peer counts are observable.
func (s *Server) RoomManager() *room.Manager { return s.rooms }

// Wire returns the underlying wire server handle, for wires whose
// handle carries extra operations (e.g. the memory wire's Connect).
func (s *Server) Wire() wireregistry.Server { return s.srv }

// Close stops accepting peers and tears down the server's rooms.
func (s *Server) Close() error {
	err := s.srv.Close()
	s.rooms.Close()
	return err
}

type bindCfg struct {
	factory room.Factory
	logger  *slog.Logger
}

// BindOption configures a Bind call.
type BindOption func(*bindCfg)

// WithRoomFactory overrides how rooms are constructed, e.g. with a
// factory whose rooms also dial an upstream server.
func WithRoomFactory(f room.Factory) BindOption {
	return func(c *bindCfg) { c.factory = f }
}

// WithBindLogger overrides the server's logger.
func WithBindLogger(l *slog.Logger) BindOption {
	return func(c *bindCfg) { c.logger = l }
}

// Bind starts wire's server side with its wire-specific options value,
// attaching every inbound peer to a room managed by a fresh
// RoomManager.
func Bind(ctx context.Context, wire string, wireOpts any, opts ...BindOption) (*Server, error) {
	cfg := bindCfg{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.factory == nil {
		cfg.factory = room.DefaultFactory(cfg.logger, nil)
	}

	rooms := room.NewManager(cfg.factory, nil)
	srv, err := wireregistry.Default.Server(ctx, wire, wireOpts, rooms)
	if err != nil {
		return nil, err
	}
	return &Server{rooms: rooms, srv: srv}, nil
}
