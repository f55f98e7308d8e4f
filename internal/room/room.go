// Package room implements the server-side session that multiplexes
// many peer channels onto one shared document.
//
// A Room's per-peer session mirrors the client Provider's handshake
// handling (same syncproto.HandleSyncMessage call, so STEP1/STEP2
// logic is never duplicated between client and server). Fan-out itself
// is subscription-based: a single goroutine subscribes to the Room's
// Document (startFanout) and relays every applied update (whichever
// peer session applied it, or a mesh link sharing the same Document
// via internal/mesh) to every other attached peer. Document.ApplyUpdate
// tags each notification with the origin it was given (a peer's id, or
// a federating provider.Provider), so this fan-out goroutine is the
// only path that relays updates to peers (a peer's own session only
// sends it the attach-time STEP1 and handshake replies), and a peer
// never gets its own update echoed back to it (see
// document.Document.ApplyUpdate).
//
// Peer sessions run under a golang.org/x/sync/errgroup task group per
// room, joined on room Close.
package room

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/domain/syncproto"
	"github.com/webitel/syncfabric/internal/observability"
)

type peerConn struct {
	id uint64
	ch channel.Channel
}

// Option configures a Room.
type Option func(*Room)

// WithMetrics attaches counters for peers-connected and
// updates-relayed. Rooms-active is tracked by Manager, which owns
// room lifetime.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Room) { r.metrics = m }
}

// Room holds one Document and fans updates across its attached peers.
type Room struct {
	id  string
	doc document.Document

	mu         sync.Mutex
	peers      map[uint64]*peerConn
	nextPeerID uint64

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	logger  *slog.Logger
	onEmpty func()

	metrics    *observability.Metrics
	tracer     trace.Tracer
	fanoutOnce sync.Once
}

// New constructs a Room for id. If doc is nil, a fresh document.CRDTDoc
// is created the first time Doc is called (at the latest, on first
// peer attachment).
func New(id string, doc document.Document, logger *slog.Logger, opts ...Option) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:     id,
		doc:    doc,
		peers:  make(map[uint64]*peerConn),
		ctx:    ctx,
		cancel: cancel,
		eg:     &errgroup.Group{},
		logger: logger,
		tracer: observability.Tracer("github.com/webitel/syncfabric/internal/room"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Doc returns the room's shared document, lazily creating one the
// first time it's needed, and ensures the fan-out goroutine that
// relays its updates to attached peers is running.
func (r *Room) Doc() document.Document {
	r.mu.Lock()
	if r.doc == nil {
		r.doc = document.NewCRDTDoc()
	}
	doc := r.doc
	r.mu.Unlock()

	r.fanoutOnce.Do(func() { r.startFanout(doc) })
	return doc
}

// startFanout subscribes once to doc and relays every update it
// notifies to every attached peer other than the update's own origin.
// This is the Room's single delivery path: both locally-applied peer
// updates (origin = that peer's id, excluded from its own broadcast)
// and updates absorbed from a mesh link sharing this Document (origin
// is not a peer id, so nothing is excluded) flow through here.
func (r *Room) startFanout(doc document.Document) {
	sub := doc.Subscribe(nil)
	r.eg.Go(func() error {
		defer doc.Unsubscribe(sub)
		for {
			ev, ok, err := sub.Pop(r.ctx)
			if err != nil || !ok {
				return nil
			}
			originID, _ := ev.Origin.(uint64)
			r.broadcastExcept(originID, syncproto.BuildUpdateMessage(ev.Bytes))
		}
	})
}

// PeerCount reports how many peers are currently attached.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// SetOnEmpty registers a callback invoked (at most once per
// transition) when the last peer detaches. Manager uses this to
// evict the room from its registry.
func (r *Room) SetOnEmpty(fn func()) {
	r.mu.Lock()
	r.onEmpty = fn
	r.mu.Unlock()
}

// Attach registers ch as a new peer and starts its session goroutine.
// It returns a peer id usable with Detach.
func (r *Room) Attach(ch channel.Channel) uint64 {
	doc := r.Doc()

	r.mu.Lock()
	r.nextPeerID++
	id := r.nextPeerID
	r.peers[id] = &peerConn{id: id, ch: ch}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PeersConnected.Add(r.ctx, 1)
	}

	r.eg.Go(func() error {
		r.sessionLoop(id, ch, doc)
		r.Detach(id)
		return nil
	})

	return id
}

// Detach removes a peer and closes its channel. Safe to call more than
// once for the same id.
func (r *Room) Detach(id uint64) {
	r.mu.Lock()
	pc, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	empty := len(r.peers) == 0
	onEmpty := r.onEmpty
	r.mu.Unlock()

	if ok {
		_ = pc.ch.Close()
		if r.metrics != nil {
			r.metrics.PeersConnected.Add(r.ctx, -1)
		}
	}
	if ok && empty && onEmpty != nil {
		onEmpty()
	}
}

// Close tears down every peer session and cancels the room.
func (r *Room) Close() {
	r.cancel()
	r.mu.Lock()
	peers := make([]*peerConn, 0, len(r.peers))
	for _, pc := range r.peers {
		peers = append(peers, pc)
	}
	r.mu.Unlock()
	for _, pc := range peers {
		_ = pc.ch.Close()
	}
	_ = r.eg.Wait()
}

// sessionLoop applies id's inbound messages to doc, tagging each
// ApplyUpdate with id as its origin. Relaying the result to other
// peers is not this loop's job: startFanout's Document subscription
// picks up the notification ApplyUpdate emits and does that, once,
// regardless of whether the update came from this peer or a mesh link
// sharing the same Document.
func (r *Room) sessionLoop(id uint64, ch channel.Channel, doc document.Document) {
	// Open with the room's own STEP1 so the peer replies STEP2 with
	// whatever state it already holds that this room does not.
	if err := ch.Send(r.ctx, syncproto.BuildSyncStep1(doc)); err != nil {
		return
	}
	for {
		msg, err := ch.Recv(r.ctx)
		if err != nil {
			return
		}

		_, span := r.tracer.Start(r.ctx, "room.apply_update")
		reply, _, herr := syncproto.HandleSyncMessage(msg, doc, id)
		span.End()

		if herr != nil {
			r.logger.Warn("room: dropping malformed sync message", "room", r.id, "err", herr)
			continue
		}
		if reply != nil {
			if err := ch.Send(r.ctx, reply); err != nil {
				return
			}
		}
	}
}

// broadcastExcept relays msg to every attached peer other than
// originID, preserving originID's emission order toward each peer
// since sends happen sequentially in the fan-out goroutine that drains
// the room's document subscription.
func (r *Room) broadcastExcept(originID uint64, msg []byte) {
	r.mu.Lock()
	targets := make([]*peerConn, 0, len(r.peers))
	for pid, pc := range r.peers {
		if pid != originID {
			targets = append(targets, pc)
		}
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.UpdatesRelayed.Add(r.ctx, 1)
	}

	for _, pc := range targets {
		if err := pc.ch.Send(r.ctx, msg); err != nil {
			r.logger.Debug("room: fan-out send failed, peer will detach on its own recv", "room", r.id, "peer", pc.id)
		}
	}
}
