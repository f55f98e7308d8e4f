package room

import (
	"context"
	"testing"
	"time"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/domain/syncproto"
)

// drainAttachStep1 consumes the STEP1 a room sends each freshly
// attached peer and asserts its subtype.
func drainAttachStep1(t *testing.T, ctx context.Context, ch channel.Channel) {
	t.Helper()
	msg, err := ch.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv room STEP1: %v", err)
	}
	if len(msg) < 2 || syncproto.SubType(msg[1]) != syncproto.Step1 {
		t.Fatalf("first message from the room = %v, want a STEP1", msg)
	}
}

func TestRoom_AttachRepliesToStep1Handshake(t *testing.T) {
	doc := document.NewCRDTDoc()
	doc.Insert("text", "server state")

	r := New("r1", doc, nil)
	defer r.Close()

	peerSide, clientSide := channel.NewPair()
	r.Attach(peerSide)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	drainAttachStep1(t, ctx, clientSide)

	clientDoc := document.NewCRDTDoc()
	if err := clientSide.Send(ctx, syncproto.BuildSyncStep1(clientDoc)); err != nil {
		t.Fatalf("Send STEP1: %v", err)
	}

	reply, err := clientSide.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv STEP2: %v", err)
	}

	_, justSynced, err := syncproto.HandleSyncMessage(reply, clientDoc, nil)
	if err != nil {
		t.Fatalf("HandleSyncMessage: %v", err)
	}
	if !justSynced {
		t.Fatal("expected STEP2 reply to complete the handshake")
	}
	if got := clientDoc.Text("text"); got != "server state" {
		t.Fatalf("clientDoc.Text() = %q, want %q", got, "server state")
	}
}

func TestRoom_BroadcastsUpdateToOtherPeersOnly(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	originPeer, origin := channel.NewPair()
	otherPeer, other := channel.NewPair()
	r.Attach(originPeer)
	r.Attach(otherPeer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	drainAttachStep1(t, ctx, origin)
	drainAttachStep1(t, ctx, other)

	updateDoc := document.NewCRDTDoc()
	updateDoc.Insert("text", "hi")
	msg := syncproto.BuildUpdateMessage(updateDoc.Diff(nil))

	if err := origin.Send(ctx, msg); err != nil {
		t.Fatalf("origin.Send: %v", err)
	}

	got, err := other.Recv(ctx)
	if err != nil {
		t.Fatalf("other.Recv: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("other received %v, want %v", got, msg)
	}

	// Origin must not receive its own broadcast back.
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, err := origin.Recv(shortCtx); err == nil {
		t.Fatal("origin should not receive its own update echoed back")
	}
}

func TestRoom_UpdateConvergesIntoRoomDocument(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	peerSide, clientSide := channel.NewPair()
	r.Attach(peerSide)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	updateDoc := document.NewCRDTDoc()
	updateDoc.Insert("text", "from peer")
	if err := clientSide.Send(ctx, syncproto.BuildUpdateMessage(updateDoc.Diff(nil))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Doc().(*document.CRDTDoc).Text("text") == "from peer" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room document never converged, got %q", r.Doc().(*document.CRDTDoc).Text("text"))
}

func TestRoom_PeerCountAndDetachEviction(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	evicted := make(chan struct{}, 1)
	r.SetOnEmpty(func() { evicted <- struct{}{} })

	peerA, _ := channel.NewPair()
	peerB, _ := channel.NewPair()
	idA := r.Attach(peerA)
	r.Attach(peerB)

	if got := r.PeerCount(); got != 2 {
		t.Fatalf("PeerCount() = %d, want 2", got)
	}

	r.Detach(idA)
	if got := r.PeerCount(); got != 1 {
		t.Fatalf("PeerCount() after one Detach = %d, want 1", got)
	}

	select {
	case <-evicted:
		t.Fatal("onEmpty fired before the room was actually empty")
	default:
	}
}

func TestRoom_OnEmptyFiresOnLastDetach(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	evicted := make(chan struct{}, 1)
	r.SetOnEmpty(func() { evicted <- struct{}{} })

	peerA, _ := channel.NewPair()
	id := r.Attach(peerA)
	r.Detach(id)

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("onEmpty never fired after last peer detached")
	}

	if got := r.PeerCount(); got != 0 {
		t.Fatalf("PeerCount() = %d, want 0", got)
	}
}

func TestRoom_DetachIsIdempotent(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	peerA, _ := channel.NewPair()
	id := r.Attach(peerA)
	r.Detach(id)
	r.Detach(id) // must not panic or double-fire onEmpty in a way that breaks anything
}

func TestRoom_MalformedMessageIsDroppedNotFatal(t *testing.T) {
	r := New("r1", document.NewCRDTDoc(), nil)
	defer r.Close()

	peerSide, clientSide := channel.NewPair()
	r.Attach(peerSide)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	drainAttachStep1(t, ctx, clientSide)

	if err := clientSide.Send(ctx, []byte{0x01}); err != nil { // too short to parse
		t.Fatalf("Send: %v", err)
	}

	// Session must still be alive: a subsequent well-formed STEP1 still
	// gets a reply instead of the peer having been dropped.
	clientDoc := document.NewCRDTDoc()
	if err := clientSide.Send(ctx, syncproto.BuildSyncStep1(clientDoc)); err != nil {
		t.Fatalf("Send STEP1: %v", err)
	}
	if _, err := clientSide.Recv(ctx); err != nil {
		t.Fatalf("Recv STEP2 after malformed message: %v", err)
	}
}
