// Package channel defines the Channel abstraction wires produce: an
// ordered, reliable, bidirectional byte-message pipe. Concrete wires
// (memory, pipe, websocket, file) each implement it differently; the
// provider and room packages only ever see this interface.
package channel

import (
	"context"
	"errors"

	"github.com/webitel/syncfabric/internal/chanutil"
)

// ErrClosed is returned by Recv once the far side has gone away.
var ErrClosed = errors.New("channel: closed")

// Channel is an ordered, reliable, bidirectional byte-message pipe.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Pair is an in-process Channel backed by two unbounded FIFO queues,
// one per direction. It is the building block for both the memory and
// pipe wires: both attach one end to a Room and hand the other end to
// the client (memory through its Server handle, pipe through the
// connection its Hub.Connect returned).
type Pair struct {
	out    *chanutil.Queue[[]byte]
	in     *chanutil.Queue[[]byte]
	closed chan struct{}
}

// NewPair returns the two connected ends of an in-process channel.
func NewPair() (a, b *Pair) {
	q1 := chanutil.NewQueue[[]byte]()
	q2 := chanutil.NewQueue[[]byte]()
	a = &Pair{out: q1, in: q2, closed: make(chan struct{})}
	b = &Pair{out: q2, in: q1, closed: make(chan struct{})}
	return a, b
}

func (p *Pair) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.out.Push(msg)
	return nil
}

func (p *Pair) Recv(ctx context.Context) ([]byte, error) {
	msg, ok, err := p.in.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrClosed
	}
	return msg, nil
}

// Close closes this end's outbound queue, so the peer's Recv observes
// ErrClosed once it has drained whatever was already in flight.
func (p *Pair) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	p.out.Close()
	return nil
}
