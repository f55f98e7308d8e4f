package filewire

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/domain/syncproto"
)

// completeHandshake drives the client side of the two-step handshake
// against the file session: send STEP1, then answer whatever arrives
// (the file's own STEP1 comes first, then the STEP2 reply) until the
// STEP2 completes the exchange.
func completeHandshake(t *testing.T, ctx context.Context, ch channel.Channel, doc *document.CRDTDoc) {
	t.Helper()
	if err := ch.Send(ctx, syncproto.BuildSyncStep1(doc)); err != nil {
		t.Fatalf("Send STEP1: %v", err)
	}
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		reply, justSynced, err := syncproto.HandleSyncMessage(msg, doc, nil)
		if err != nil {
			t.Fatalf("HandleSyncMessage: %v", err)
		}
		if reply != nil {
			if err := ch.Send(ctx, reply); err != nil {
				t.Fatalf("Send reply: %v", err)
			}
		}
		if justSynced {
			return
		}
	}
}

func waitForFileSize(t *testing.T, path string, atLeast int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(path); err == nil && fi.Size() >= atLeast {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("file %s never reached size >= %d", path, atLeast)
}

func TestOpen_FreshFileWritesHeaderAndReplyHandshakes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() == 0 {
		t.Fatal("expected the fresh file to contain at least a header")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDoc := document.NewCRDTDoc()
	completeHandshake(t, ctx, ch, clientDoc)
}

func TestOpen_ZeroDelayWritesUpdateWithoutWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: 0})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	updateDoc := document.NewCRDTDoc()
	updateDoc.Insert("text", "zero-delay")
	if err := ch.Send(ctx, syncproto.BuildUpdateMessage(updateDoc.Diff(nil))); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitForFileSize(t, path, before.Size()+1, time.Second)
}

func TestOpen_PositiveDelayBatchesBeforeFlushing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	delay := 150 * time.Millisecond
	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: delay})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		d := document.NewCRDTDoc()
		d.Insert("text", "x")
		if err := ch.Send(ctx, syncproto.BuildUpdateMessage(d.Diff(nil))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// Immediately after sending, nothing should have hit disk yet: the
	// debounce timer was just (re)armed by the last of the three sends.
	time.Sleep(30 * time.Millisecond)
	if fi, err := os.Stat(path); err == nil && fi.Size() > before.Size() {
		t.Fatal("update was flushed before the debounce delay elapsed")
	}

	waitForFileSize(t, path, before.Size()+1, time.Second)
}

func TestOpen_SquashMergesLogIntoSingleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: 0})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, text := range []string{"a", "b", "c"} {
		d := document.NewCRDTDoc()
		d.Insert("text", text)
		if err := ch.Send(ctx, syncproto.BuildUpdateMessage(d.Diff(nil))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	waitForFileSize(t, path, 1, time.Second)
	_ = ch.Close()
	time.Sleep(50 * time.Millisecond) // let fileSession observe the close and release the fd

	ch2, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", Squash: true, WriteDelay: 0})
	if err != nil {
		t.Fatalf("reopen with squash: %v", err)
	}
	defer ch2.Close()

	clientDoc := document.NewCRDTDoc()
	completeHandshake(t, ctx, ch2, clientDoc)

	got := clientDoc.Text("text")
	for _, want := range []string{"a", "b", "c"} {
		if !strings.Contains(got, want) {
			t.Fatalf("squashed log replayed to %q, missing %q", got, want)
		}
	}
}

func TestOpen_NoSquashReopenDoesNotRewriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: 0})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d := document.NewCRDTDoc()
	d.Insert("text", "stable")
	if err := ch.Send(ctx, syncproto.BuildUpdateMessage(d.Diff(nil))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForFileSize(t, path, 1, time.Second)
	_ = ch.Close()
	time.Sleep(50 * time.Millisecond)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	ch2, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", Squash: false})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ch2.Close()

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat after reopen: %v", err)
	}
	if after.Size() != before.Size() {
		t.Fatalf("file size changed on a squash=false reopen: before=%d after=%d", before.Size(), after.Size())
	}
}

func TestOpen_TornSuffixRecordIsDiscardedOnReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: 0})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := document.NewCRDTDoc()
	d.Insert("text", "whole")
	if err := ch.Send(context.Background(), syncproto.BuildUpdateMessage(d.Diff(nil))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForFileSize(t, path, 1, time.Second)
	_ = ch.Close()
	time.Sleep(20 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	// Simulate a crash mid-append: a length prefix claiming a payload
	// that was never fully written.
	if err := writeRecord(f, []byte("this record's tail gets cut")); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := f.Truncate(fi.Size() - 5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	_ = f.Close()

	ch2, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0", WriteDelay: 0})
	if err != nil {
		t.Fatalf("reopen after torn suffix: %v", err)
	}
	defer ch2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDoc := document.NewCRDTDoc()
	completeHandshake(t, ctx, ch2, clientDoc)

	if got := clientDoc.Text("text"); got != "whole" {
		t.Fatalf("replay after torn suffix gave %q, want %q", got, "whole")
	}
}

func TestOpen_VersionMismatchIsFatalAndDoesNotMutateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.log")

	ch, err := Open(context.Background(), ClientOptions{Path: path, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	_ = ch.Close()
	time.Sleep(20 * time.Millisecond)

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	_, err = Open(context.Background(), ClientOptions{Path: path, Version: "2.0.0"})
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
	want := `File version mismatch (got "1.0.0", expected "2.0.0")`
	if err.Error() != want {
		t.Fatalf("err = %q, want %q", err.Error(), want)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after failed open: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("file was mutated by a failed version-mismatch open")
	}
}
