// Package filewire implements the "file" wire: a persisted,
// version-tagged log of updates that replays into a document.Document
// on open and appends new updates as they arrive. It is the only wire
// with on-disk state; everything else is in-memory.
//
// On-disk layout: a UTF-8 version string, a single zero byte, then a
// concatenation of length-prefixed update records. A torn suffix left
// by a crash mid-append is discarded on the next open.
package filewire

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const lengthPrefixSize = 4

// writeRecord appends one length-prefixed update record.
func writeRecord(w io.Writer, payload []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reads one length-prefixed record. It returns io.EOF once
// the reader is exhausted, and ok=false with a nil error on a
// zero-length record, which terminates decoding.
func readRecord(r io.Reader) (payload []byte, ok bool, err error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, false, nil
		}
		return nil, false, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, false, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// Torn suffix: the length prefix was written but the payload
			// was cut short by a crash mid-append. Discard it silently,
			// matching the length-prefix torn case above.
			return nil, false, nil
		}
		return nil, false, err
	}
	return buf, true, nil
}

// readHeader reads the UTF-8 version string up to the first zero byte.
func readHeader(r io.Reader) (string, error) {
	var buf []byte
	var b [1]byte
	for {
		if _, err := r.Read(b[:]); err != nil {
			return "", err
		}
		if b[0] == 0x00 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
}

// versionMismatchError's message is part of the user-visible surface
// and must not change shape.
func versionMismatchError(got, expected string) error {
	return fmt.Errorf("File version mismatch (got %q, expected %q)", got, expected)
}

func writeHeader(f *os.File, version string) error {
	if _, err := f.Write([]byte(version)); err != nil {
		return err
	}
	_, err := f.Write([]byte{0x00})
	return err
}
