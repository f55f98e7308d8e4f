// Package brokerwire bridges sync messages over AMQP instead of a
// direct socket, using watermill + watermill-amqp. Useful when a
// client and a Room live in different processes with no direct
// network path but share a broker (e.g. behind separate load
// balancers).
//
// Unlike the socket-style wires, an AMQP topology is a pair of named
// topics, not an acceptor a server listens on for arbitrary new rooms,
// so both ClientOptions and ServerOptions here carry the room id: a
// bind("broker", ...) call wires exactly one room's bridge, and
// binding a second room means calling bind again with a different id.
package brokerwire

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/webitel/syncfabric/internal/chanutil"
	domainchannel "github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/logging"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
)

// ClientOptions configures the client side of the AMQP bridge. Logger
// defaults to a no-op zap logger (via logging.NewWatermillLogger) when
// nil.
type ClientOptions struct {
	AmqpURI string
	RoomID  string
	Logger  watermill.LoggerAdapter
}

// ServerOptions configures the server side of the AMQP bridge.
type ServerOptions struct {
	AmqpURI string
	RoomID  string
	Logger  watermill.LoggerAdapter
}

func loggerOrDefault(l watermill.LoggerAdapter) watermill.LoggerAdapter {
	if l != nil {
		return l
	}
	return logging.NewWatermillLogger(zap.NewNop())
}

func topics(roomID string) (c2s, s2c string) {
	return "syncfabric." + roomID + ".c2s", "syncfabric." + roomID + ".s2c"
}

// Channel adapts a watermill publisher/subscriber pair bound to two
// topics (one per direction) to domainchannel.Channel.
type Channel struct {
	pub message.Publisher
	sub message.Subscriber

	sendTopic string
	recvQ     *chanutil.Queue[[]byte]

	cancel context.CancelFunc
}

func newChannel(ctx context.Context, logger watermill.LoggerAdapter, amqpURI, recvTopic, sendTopic string) (*Channel, error) {
	pubConfig := amqp.NewDurablePubSubConfig(amqpURI, nil)

	pub, err := amqp.NewPublisher(pubConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("brokerwire: new publisher: %w", err)
	}
	sub, err := amqp.NewSubscriber(pubConfig, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("brokerwire: new subscriber: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	messages, err := sub.Subscribe(runCtx, recvTopic)
	if err != nil {
		cancel()
		_ = pub.Close()
		_ = sub.Close()
		return nil, fmt.Errorf("brokerwire: subscribe %s: %w", recvTopic, err)
	}

	c := &Channel{
		pub:       pub,
		sub:       sub,
		sendTopic: sendTopic,
		recvQ:     chanutil.NewQueue[[]byte](),
		cancel:    cancel,
	}
	go c.pump(messages)
	return c, nil
}

func (c *Channel) pump(messages <-chan *message.Message) {
	defer c.recvQ.Close()
	for msg := range messages {
		c.recvQ.Push(msg.Payload)
		msg.Ack()
	}
}

func (c *Channel) Send(_ context.Context, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return c.pub.Publish(c.sendTopic, msg)
}

func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	msg, ok, err := c.recvQ.Pop(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainchannel.ErrClosed
	}
	return msg, nil
}

func (c *Channel) Close() error {
	c.cancel()
	_ = c.pub.Close()
	return c.sub.Close()
}

func clientFactory(ctx context.Context, opts any) (domainchannel.Channel, error) {
	o, ok := opts.(ClientOptions)
	if !ok {
		return nil, fmt.Errorf("brokerwire: expected ClientOptions, got %T", opts)
	}
	c2s, s2c := topics(o.RoomID)
	return newChannel(ctx, loggerOrDefault(o.Logger), o.AmqpURI, s2c, c2s)
}

// Server is a single room's broker bridge: a background loop that
// forwards every message arriving on the client-to-server topic into
// the attached Room and relays Room replies back out.
type Server struct {
	ch *Channel
}

func (s *Server) Close() error {
	return s.ch.Close()
}

func serverFactory(ctx context.Context, opts any, rooms *room.Manager) (wireregistry.Server, error) {
	o, ok := opts.(ServerOptions)
	if !ok {
		return nil, fmt.Errorf("brokerwire: expected ServerOptions, got %T", opts)
	}
	c2s, s2c := topics(o.RoomID)
	ch, err := newChannel(ctx, loggerOrDefault(o.Logger), o.AmqpURI, c2s, s2c)
	if err != nil {
		return nil, err
	}

	rooms.GetOrCreate(o.RoomID).Attach(ch)

	return &Server{ch: ch}, nil
}

func init() {
	wireregistry.Register("broker", clientFactory, serverFactory)
}
