// Package wswire implements the "websocket" wire over
// gorilla/websocket. Sends are serialized by a lock; the underlying
// connection is not safe for concurrent writers.
package wswire

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/webitel/syncfabric/internal/chanutil"
	"github.com/webitel/syncfabric/internal/domain/channel"
)

// Channel adapts a gorilla websocket connection to channel.Channel.
// Reads are pumped into an unbounded queue by a background goroutine
// so Recv can honor context cancellation, which gorilla's blocking
// ReadMessage cannot do on its own.
type Channel struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	recvQ *chanutil.Queue[[]byte]

	closeOnce sync.Once
	closed    chan struct{}
}

// Wrap starts the background read pump and returns a ready Channel.
func Wrap(conn *websocket.Conn) *Channel {
	c := &Channel{
		conn:   conn,
		recvQ:  chanutil.NewQueue[[]byte](),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.recvQ.Close()
			return
		}
		c.recvQ.Push(data)
	}
}

func (c *Channel) Send(_ context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return channel.ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("wswire: write: %w", err)
	}
	return nil
}

func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	msg, ok, err := c.recvQ.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, channel.ErrClosed
	}
	return msg, nil
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}
