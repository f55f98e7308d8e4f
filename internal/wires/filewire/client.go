package filewire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/domain/syncproto"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// ClientOptions is the file wire's configuration.
type ClientOptions struct {
	Path       string
	WriteDelay time.Duration
	Version    string
	Squash     bool
}

func (o ClientOptions) version() string {
	if o.Version == "" {
		return "0.0.0"
	}
	return o.Version
}

// Open reconstructs (or creates) the file at path, replays its
// records into a fresh document.CRDTDoc, optionally squashes the log
// into a single merged record, and returns the client-side end of a
// synthetic Channel whose other end is driven by the file itself, a
// peer whose state is the union of everything previously appended.
func Open(ctx context.Context, opts ClientOptions) (channel.Channel, error) {
	version := opts.version()

	f, existed, err := openOrCreate(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("filewire: open %s: %w", opts.Path, err)
	}

	doc := document.NewCRDTDoc()

	if existed {
		got, err := readHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filewire: read header: %w", err)
		}
		if got != version {
			_ = f.Close()
			return nil, versionMismatchError(got, version)
		}
		if err := replay(f, doc); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filewire: replay %s: %w", opts.Path, err)
		}
	} else {
		// Fresh file: write the header now, shielded in the sense that
		// this happens before any Channel is handed back, so a caller
		// cancelling afterward can never observe a half-written header.
		if err := writeHeader(f, version); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filewire: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filewire: sync header: %w", err)
		}
	}

	if opts.Squash {
		if err := squash(f, doc, version); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("filewire: squash %s: %w", opts.Path, err)
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("filewire: seek %s: %w", opts.Path, err)
	}

	a, b := channel.NewPair()
	writer := newDebouncedWriter(f, opts.WriteDelay)
	go fileSession(b, doc, writer, f)

	return a, nil
}

func openOrCreate(path string) (f *os.File, existed bool, err error) {
	if _, statErr := os.Stat(path); statErr == nil {
		existed = true
	} else if !os.IsNotExist(statErr) {
		return nil, false, statErr
	}
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	return f, existed, err
}

func replay(f *os.File, doc *document.CRDTDoc) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := readHeader(f); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		payload, ok, err := readRecord(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}
		if err := doc.ApplyUpdate(nil, payload); err != nil {
			return err
		}
	}
}

// squash rewrites the file as a single header plus one merged update:
// truncate, write the header, then write the merged record, in that
// order, so a crash mid-squash never leaves a body without its header;
// it can leave the file empty or holding only the header.
func squash(f *os.File, doc *document.CRDTDoc, version string) error {
	merged := doc.Diff(nil)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeHeader(f, version); err != nil {
		return err
	}
	if err := writeRecord(f, merged); err != nil {
		return err
	}
	return f.Sync()
}

// fileSession plays the same role a Room's single-peer session would:
// it opens with a STEP1 built from the file's own replica (so the peer
// Provider replies with whatever the log is missing), answers the
// peer's STEP1 with STEP2, applies inbound UPDATEs to keep the replica
// converged, and queues each applied update for the debounced on-disk
// writer.
func fileSession(ch channel.Channel, doc *document.CRDTDoc, writer *debouncedWriter, f *os.File) {
	ctx := context.Background()
	// Deferred calls run last-in first-out: the writer flushes its
	// pending batch before the file is closed.
	defer f.Close()
	defer writer.Close()
	if err := ch.Send(ctx, syncproto.BuildSyncStep1(doc)); err != nil {
		return
	}
	for {
		msg, err := ch.Recv(ctx)
		if err != nil {
			return
		}
		reply, _, herr := syncproto.HandleSyncMessage(msg, doc, nil)
		if herr != nil {
			continue
		}
		if reply != nil {
			if err := ch.Send(ctx, reply); err != nil {
				return
			}
		}
		if len(msg) >= 2 &&
			syncproto.MessageType(msg[0]) == syncproto.Sync &&
			syncproto.SubType(msg[1]) == syncproto.Update {
			payload := make([]byte, len(msg)-2)
			copy(payload, msg[2:])
			writer.Schedule(payload)
		}
	}
}

func clientFactory(ctx context.Context, opts any) (channel.Channel, error) {
	o, ok := opts.(ClientOptions)
	if !ok {
		return nil, fmt.Errorf("filewire: expected ClientOptions, got %T", opts)
	}
	return Open(ctx, o)
}

func init() {
	wireregistry.Register("file", clientFactory, nil)
}
