// Package document defines the contract a CRDT library must satisfy
// to back a shared document, and ships CRDTDoc, an implementation of
// that contract the fabric can run standalone: encoding/gob for its
// wire format and a causal-order op log merged by vector-clock
// comparison.
package document

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/syncfabric/internal/chanutil"
)

// Document is the external contract: read a summary of local state
// (state vector), diff against a peer's summary, apply a remote
// update, and stream local mutations as update events.
type Document interface {
	// StateVector returns an opaque summary of what this replica knows,
	// used to build a sync-step-1 message.
	StateVector() []byte
	// Diff returns an update containing everything this replica has
	// that the given peer state vector does not, used to build a
	// sync-step-2 reply.
	Diff(peerStateVector []byte) []byte
	// ApplyUpdate merges a remote update into this replica. Idempotent:
	// applying the same update twice is a no-op the second time. origin
	// identifies whoever is applying this update (a Provider, a Room
	// peer id, or nil) and is attached to the resulting notification so
	// a subscriber tagged with the same origin via Subscribe does not
	// receive its own update echoed back (see notifyLocked/dispatch).
	ApplyUpdate(origin any, update []byte) error
	// Subscribe registers for this replica's mutations, including ones
	// absorbed from ApplyUpdate. self, if non-nil, is compared against
	// a future ApplyUpdate's origin: a match means this subscription
	// was the direct cause of that update and is skipped, preventing an
	// echo back the way the update came. Pass nil for a subscriber that
	// never itself calls ApplyUpdate on this document (e.g. a Room's
	// own fan-out). Each Subscription must be released with
	// Unsubscribe.
	Subscribe(self any) *Subscription
	Unsubscribe(*Subscription)
}

// Update is a single encoded mutation, ready to be wrapped in a
// SYNC/UPDATE message and broadcast. Origin is the same value passed
// to ApplyUpdate (nil for locally-authored Insert mutations).
type Update struct {
	Bytes  []byte
	Origin any
}

// Subscription is a per-listener queue of this document's own update
// events, used by the provider's emitter and a Room's fan-out to
// batch-drain.
type Subscription struct {
	q    *chanutil.Queue[Update]
	self any
}

func newSubscription(self any) *Subscription {
	return &Subscription{q: chanutil.NewQueue[Update](), self: self}
}

// Pop blocks for the next update event, or returns ok=false once the
// document has released this subscription.
func (s *Subscription) Pop(ctx context.Context) (Update, bool, error) {
	return s.q.Pop(ctx)
}

// BufferedCount snapshots how many update events are already queued,
// the statistic the emitter's batch-drain rule needs.
func (s *Subscription) BufferedCount() int {
	return s.q.Len()
}

// op is one causally-ordered mutation to a single named sequence
// ("key"). Ordering across actors is resolved by vector-clock
// comparison with an actor-id tie-break, which is sufficient for
// convergence: any two replicas that have applied the same set of ops
// compute the same order regardless of application order.
type op struct {
	Actor   string
	Counter uint64
	Key     string
	Text    string
	Clock   map[string]uint64 // causal snapshot at creation time, inclusive of this op
}

// CRDTDoc is the reference Document implementation: a set of named
// append-only text sequences merged by causal order.
type CRDTDoc struct {
	mu       sync.Mutex
	actor    string
	counters map[string]uint64 // actor -> highest counter applied
	ops      []op

	subs map[*Subscription]struct{}

	// revCache memoizes encoded state vectors by revision, so that many
	// peers requesting a sync-step-1 at the same revision (e.g. several
	// clients joining a Room back to back) don't each re-encode it.
	revision int64
	revCache *lru.Cache[int64, []byte]
}

func NewCRDTDoc() *CRDTDoc {
	cache, _ := lru.New[int64, []byte](64)
	return &CRDTDoc{
		actor:    uuid.NewString(),
		counters: make(map[string]uint64),
		subs:     make(map[*Subscription]struct{}),
		revCache: cache,
	}
}

// Insert appends text to the named sequence as a single new op
// authored by this replica and notifies subscribers.
func (d *CRDTDoc) Insert(key, text string) {
	d.mu.Lock()
	d.counters[d.actor]++
	counter := d.counters[d.actor]
	o := op{
		Actor:   d.actor,
		Counter: counter,
		Key:     key,
		Text:    text,
		Clock:   cloneClock(d.counters),
	}
	d.ops = append(d.ops, o)
	d.revision++
	d.notifyLocked(o)
	d.mu.Unlock()
}

// Text returns the causally-ordered concatenation of every op on key.
func (d *CRDTDoc) Text(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ordered := d.orderedOpsLocked()
	var buf bytes.Buffer
	for _, o := range ordered {
		if o.Key == key {
			buf.WriteString(o.Text)
		}
	}
	return buf.String()
}

func (d *CRDTDoc) orderedOpsLocked() []op {
	ordered := make([]op, len(d.ops))
	copy(ordered, d.ops)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if causallyBefore(a, b) {
			return true
		}
		if causallyBefore(b, a) {
			return false
		}
		// concurrent: deterministic tie-break
		if a.Actor != b.Actor {
			return a.Actor < b.Actor
		}
		return a.Counter < b.Counter
	})
	return ordered
}

// causallyBefore reports whether a happened-before b: every actor
// count a's clock records is <= b's, and at least one is strictly
// less.
func causallyBefore(a, b op) bool {
	strictlyLess := false
	for actor, ac := range a.Clock {
		bc := b.Clock[actor]
		if ac > bc {
			return false
		}
		if ac < bc {
			strictlyLess = true
		}
	}
	for actor, bc := range b.Clock {
		if _, ok := a.Clock[actor]; !ok && bc > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

func cloneClock(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type wireStateVector struct {
	Counters map[string]uint64
}

type wireUpdate struct {
	Ops []op
}

func (d *CRDTDoc) StateVector() []byte {
	d.mu.Lock()
	rev := d.revision
	if cached, ok := d.revCache.Get(rev); ok {
		d.mu.Unlock()
		return cached
	}
	sv := wireStateVector{Counters: cloneClock(d.counters)}
	d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		return nil
	}
	encoded := buf.Bytes()

	d.mu.Lock()
	if d.revision == rev {
		d.revCache.Add(rev, encoded)
	}
	d.mu.Unlock()
	return encoded
}

func (d *CRDTDoc) Diff(peerStateVector []byte) []byte {
	var sv wireStateVector
	if len(peerStateVector) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(peerStateVector)).Decode(&sv); err != nil {
			sv.Counters = nil
		}
	}

	d.mu.Lock()
	var missing []op
	for _, o := range d.ops {
		if o.Counter > sv.Counters[o.Actor] {
			missing = append(missing, o)
		}
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireUpdate{Ops: missing}); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (d *CRDTDoc) ApplyUpdate(origin any, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	var wu wireUpdate
	if err := gob.NewDecoder(bytes.NewReader(update)).Decode(&wu); err != nil {
		return fmt.Errorf("document: decode update: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for _, o := range wu.Ops {
		if o.Counter <= d.counters[o.Actor] {
			continue // already applied: idempotent merge
		}
		d.ops = append(d.ops, o)
		if o.Counter > d.counters[o.Actor] {
			d.counters[o.Actor] = o.Counter
		}
		changed = true
	}
	if changed {
		d.revision++
		// Forward the update verbatim rather than re-encoding from ops,
		// so a relaying subscriber (a Room's fan-out, a mesh Provider's
		// emitter) sends on exactly the bytes it received.
		d.dispatchLocked(Update{Bytes: update, Origin: origin})
	}
	return nil
}

func (d *CRDTDoc) Subscribe(self any) *Subscription {
	s := newSubscription(self)
	d.mu.Lock()
	d.subs[s] = struct{}{}
	d.mu.Unlock()
	return s
}

func (d *CRDTDoc) Unsubscribe(s *Subscription) {
	d.mu.Lock()
	delete(d.subs, s)
	d.mu.Unlock()
	s.q.Close()
}

// notifyLocked must be called with d.mu held.
func (d *CRDTDoc) notifyLocked(o op) {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(wireUpdate{Ops: []op{o}})
	// Insert always originates genuinely new local state, so it is
	// never skipped for any subscriber (origin nil never matches a
	// subscription's self tag, see dispatchLocked).
	d.dispatchLocked(Update{Bytes: buf.Bytes()})
}

// dispatchLocked pushes update to every subscriber except one whose
// own self tag equals update.Origin: that subscriber is the direct
// cause of this update (it just called ApplyUpdate(update.Origin,
// ...) itself) and must not have it echoed back the way it arrived.
// Must be called with d.mu held.
func (d *CRDTDoc) dispatchLocked(update Update) {
	for s := range d.subs {
		if update.Origin != nil && s.self != nil && update.Origin == s.self {
			continue
		}
		s.q.Push(update)
	}
}
