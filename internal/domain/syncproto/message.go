// Package syncproto defines the three wire messages the sync engine
// speaks (SYNC/STEP1, SYNC/STEP2, SYNC/UPDATE) and binds them to a
// document.Document.
package syncproto

import (
	"fmt"

	"github.com/webitel/syncfabric/internal/domain/document"
)

// MessageType is the first byte of every message on the wire.
type MessageType byte

const (
	Sync MessageType = 0
)

// SubType is the second byte of a SYNC message.
type SubType byte

const (
	Step1  SubType = 0
	Step2  SubType = 1
	Update SubType = 2
)

// BuildSyncStep1 encodes the local state vector as the first outbound
// message of a handshake.
func BuildSyncStep1(doc document.Document) []byte {
	return encode(Step1, doc.StateVector())
}

// BuildUpdateMessage wraps an already-encoded update in a SYNC/UPDATE
// envelope.
func BuildUpdateMessage(update []byte) []byte {
	return encode(Update, update)
}

func encode(sub SubType, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	out[0] = byte(Sync)
	out[1] = byte(sub)
	copy(out[2:], payload)
	return out
}

// ErrNotSync is returned (and should be logged and dropped, not
// treated as fatal) when a message's leading type byte isn't SYNC.
var ErrNotSync = fmt.Errorf("syncproto: message type is not SYNC")

// HandleSyncMessage applies an inbound SYNC message to doc. It returns
// a reply to send back (nil if the codec has nothing to say), and
// whether this message completed the handshake (the inbound subtype
// was STEP2). origin is forwarded to doc.ApplyUpdate unchanged (see
// document.Document.ApplyUpdate): pass the identity of whoever is
// driving this call (a Provider, a Room peer id) so a shared document
// with more than one subscriber doesn't echo the update back to its
// own applier, or nil when the document has no subscriber that could
// be the source of an echo.
func HandleSyncMessage(msg []byte, doc document.Document, origin any) (reply []byte, justSynced bool, err error) {
	if len(msg) < 2 {
		return nil, false, fmt.Errorf("syncproto: short message")
	}
	if MessageType(msg[0]) != Sync {
		return nil, false, ErrNotSync
	}
	sub := SubType(msg[1])
	payload := msg[2:]

	switch sub {
	case Step1:
		diff := doc.Diff(payload)
		return encode(Step2, diff), false, nil
	case Step2:
		if err := doc.ApplyUpdate(origin, payload); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case Update:
		if err := doc.ApplyUpdate(origin, payload); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("syncproto: unknown sync subtype %d", sub)
	}
}
