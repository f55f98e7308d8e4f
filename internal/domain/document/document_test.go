package document

import (
	"context"
	"testing"
	"time"
)

func TestCRDTDoc_InsertAndText(t *testing.T) {
	d := NewCRDTDoc()
	d.Insert("text", "Hello")
	d.Insert("text", ", World!")

	if got := d.Text("text"); got != "Hello, World!" {
		t.Fatalf("Text() = %q, want %q", got, "Hello, World!")
	}
}

func TestCRDTDoc_TextIsolatedPerKey(t *testing.T) {
	d := NewCRDTDoc()
	d.Insert("a", "foo")
	d.Insert("b", "bar")

	if got := d.Text("a"); got != "foo" {
		t.Fatalf("Text(a) = %q, want %q", got, "foo")
	}
	if got := d.Text("b"); got != "bar" {
		t.Fatalf("Text(b) = %q, want %q", got, "bar")
	}
}

// TestCRDTDoc_SyncHandshakeConverges exercises the exact sequence a
// Provider drives: A's STEP1 (state vector), B's STEP2 reply (the
// diff), A applying it. A two-party handshake with one replica ahead
// of the other must leave both with identical text.
func TestCRDTDoc_SyncHandshakeConverges(t *testing.T) {
	a := NewCRDTDoc()
	b := NewCRDTDoc()

	a.Insert("text", "Hello")

	step1 := a.StateVector()
	step2 := b.Diff(step1)
	if err := a.ApplyUpdate(nil, step2); err != nil {
		t.Fatalf("a.ApplyUpdate: %v", err)
	}

	// b had nothing, so the diff back to a should be empty and a's
	// text should be unchanged.
	if got := a.Text("text"); got != "Hello" {
		t.Fatalf("a.Text() = %q, want %q", got, "Hello")
	}

	// Now go the other direction: b catches up on what a has.
	bStep1 := b.StateVector()
	diffForB := a.Diff(bStep1)
	if err := b.ApplyUpdate(nil, diffForB); err != nil {
		t.Fatalf("b.ApplyUpdate: %v", err)
	}
	if got := b.Text("text"); got != "Hello" {
		t.Fatalf("b.Text() = %q, want %q", got, "Hello")
	}
}

func TestCRDTDoc_ApplyUpdateIsIdempotent(t *testing.T) {
	a := NewCRDTDoc()
	a.Insert("text", "Hello")

	update := a.Diff(nil)

	b := NewCRDTDoc()
	if err := b.ApplyUpdate(nil, update); err != nil {
		t.Fatalf("first ApplyUpdate: %v", err)
	}
	if err := b.ApplyUpdate(nil, update); err != nil {
		t.Fatalf("second ApplyUpdate: %v", err)
	}

	if got := b.Text("text"); got != "Hello" {
		t.Fatalf("Text() after duplicate apply = %q, want %q", got, "Hello")
	}
}

func TestCRDTDoc_ConcurrentInsertsConvergeAcrossReplicas(t *testing.T) {
	a := NewCRDTDoc()
	b := NewCRDTDoc()

	a.Insert("text", "from-a")
	b.Insert("text", "from-b")

	// Converge b into a and a into b.
	diffForA := b.Diff(a.StateVector())
	if err := a.ApplyUpdate(nil, diffForA); err != nil {
		t.Fatalf("a.ApplyUpdate: %v", err)
	}
	diffForB := a.Diff(b.StateVector())
	// b's state vector records only b's own op, so diffForB carries
	// just a's original op (b's op, which a now also holds, is left
	// out).
	if err := b.ApplyUpdate(nil, diffForB); err != nil {
		t.Fatalf("b.ApplyUpdate: %v", err)
	}

	if a.Text("text") != b.Text("text") {
		t.Fatalf("replicas diverged: a=%q b=%q", a.Text("text"), b.Text("text"))
	}
}

func TestCRDTDoc_SubscribeReceivesOwnMutations(t *testing.T) {
	d := NewCRDTDoc()
	sub := d.Subscribe(nil)
	defer d.Unsubscribe(sub)

	d.Insert("text", "Hi")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, ok, err := sub.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if len(ev.Bytes) == 0 {
		t.Fatal("expected a non-empty update event")
	}

	// Replaying the event elsewhere must reproduce the same text.
	other := NewCRDTDoc()
	if err := other.ApplyUpdate(nil, ev.Bytes); err != nil {
		t.Fatalf("ApplyUpdate on replica: %v", err)
	}
	if got := other.Text("text"); got != "Hi" {
		t.Fatalf("replica Text() = %q, want %q", got, "Hi")
	}
}

func TestCRDTDoc_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewCRDTDoc()
	sub := d.Subscribe(nil)
	d.Unsubscribe(sub)

	d.Insert("text", "after unsubscribe")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok, err := sub.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if ok {
		t.Fatal("expected no events after Unsubscribe")
	}
}

func TestCRDTDoc_BufferedCountSnapshotsQueueDepth(t *testing.T) {
	d := NewCRDTDoc()
	sub := d.Subscribe(nil)
	defer d.Unsubscribe(sub)

	d.Insert("text", "a")
	d.Insert("text", "b")
	d.Insert("text", "c")

	if got := sub.BufferedCount(); got != 3 {
		t.Fatalf("BufferedCount() = %d, want 3", got)
	}

	ctx := context.Background()
	if _, _, err := sub.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got := sub.BufferedCount(); got != 2 {
		t.Fatalf("BufferedCount() after one Pop = %d, want 2", got)
	}
}

// TestCRDTDoc_ApplyUpdateNotifiesOtherSubscribersButNotItsOwnOrigin
// exercises the origin guard a shared document needs when more than
// one component applies updates into it (a Room's fan-out alongside a
// mesh Provider's emitter, both subscribed to the same document): the
// subscriber tagged as the update's own origin must not see it come
// back, but every other subscriber must.
func TestCRDTDoc_ApplyUpdateNotifiesOtherSubscribersButNotItsOwnOrigin(t *testing.T) {
	d := NewCRDTDoc()

	type tag string
	applier := tag("mesh-provider")

	ownSub := d.Subscribe(applier)
	defer d.Unsubscribe(ownSub)
	otherSub := d.Subscribe(nil)
	defer d.Unsubscribe(otherSub)

	src := NewCRDTDoc()
	src.Insert("text", "from upstream")
	update := src.Diff(nil)

	if err := d.ApplyUpdate(applier, update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok, err := ownSub.Pop(shortCtx); err == nil && ok {
		t.Fatal("subscriber tagged as the update's own origin should not see it echoed back")
	}

	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	ev, ok, err := otherSub.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop: ok=%v err=%v", ok, err)
	}
	if string(ev.Bytes) != string(update) {
		t.Fatal("other subscriber should receive the applied update verbatim")
	}
}
