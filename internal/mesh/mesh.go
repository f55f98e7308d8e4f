// Package mesh builds the room.Factory a multi-server mesh runs on: a
// Room whose Document is also driven by a provider.Provider dialing
// an upstream server over the websocket wire, so local peers of this
// Room observe every mutation made on the upstream Room and vice
// versa.
//
// The upstream dial is wrapped in a sony/gobreaker circuit breaker so
// an unreachable upstream trips after a few consecutive failures
// instead of hot-looping reconnects.
package mesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/provider"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
	"github.com/webitel/syncfabric/internal/wires/wswire"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// NewRoomFactory returns a room.Factory whose Rooms federate with the
// websocket server at host:port: each Room's Document is shared with a
// Provider that dials upstream, using id as the upstream room id too.
// ctx bounds the federation loop's lifetime; cancelling it (server
// shutdown) stops all upstream dial attempts for every Room the
// factory has produced.
func NewRoomFactory(ctx context.Context, host string, port int, logger *slog.Logger) room.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mesh-upstream",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return func(id string) *room.Room {
		r := room.New(id, nil, logger)
		go federate(ctx, breaker, host, port, id, r, logger)
		return r
	}
}

func federate(ctx context.Context, breaker *gobreaker.CircuitBreaker, host string, port int, id string, r *room.Room, logger *slog.Logger) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := dialOnce(ctx, breaker, host, port, id, r); err != nil {
			logger.Warn("mesh: upstream session ended", "room", id, "upstream", host, "port", port, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func dialOnce(ctx context.Context, breaker *gobreaker.CircuitBreaker, host string, port int, id string, r *room.Room) error {
	result, err := breaker.Execute(func() (interface{}, error) {
		return wireregistry.Default.Client(ctx, "websocket", wswire.ClientOptions{
			Host: host,
			Port: port,
			ID:   id,
		})
	})
	if err != nil {
		return err
	}

	// p's emitter subscribes to r.Doc() tagged with p itself, and every
	// ApplyUpdate p drives is tagged with that same p as its origin,
	// distinct from the Room's own nil-tagged fan-out subscription and
	// from any local peer's uint64 id, so this federation link needs no
	// special casing in Room or Document to converge in both directions.
	p := provider.New(r.Doc(), result.(channel.Channel))
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-p.Done()
	return nil
}
