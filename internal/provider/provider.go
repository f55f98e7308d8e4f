// Package provider implements the client-side synchronization
// protocol engine: it couples a document.Document to a
// channel.Channel, drives the two-step handshake, and relays local
// mutations as they happen.
//
// Start spawns the protocol goroutine and blocks until the client is
// "ready", which is not the same thing as "synchronized"; the two
// only coincide in auto-pull mode (see the Provider.ready field doc).
// Any handshake-time error surfaces synchronously from Start.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/syncfabric/internal/chanutil"
	"github.com/webitel/syncfabric/internal/domain/channel"
	"github.com/webitel/syncfabric/internal/domain/document"
	"github.com/webitel/syncfabric/internal/domain/syncproto"
	"github.com/webitel/syncfabric/internal/observability"
)

// State is the provider's position in the handshake state machine.
type State int32

const (
	Idle State = iota
	Handshaking
	Synchronized
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Synchronized:
		return "synchronized"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Option configures a Provider.
type Option func(*Provider)

// WithAutoPush controls whether update emission is gated by Push().
func WithAutoPush(v bool) Option { return func(p *Provider) { p.autoPush = v } }

// WithAutoPull controls whether inbound-message handling is gated by
// Pull().
func WithAutoPull(v bool) Option { return func(p *Provider) { p.autoPull = v } }

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// Provider drives the sync protocol over one Channel for one Document.
type Provider struct {
	doc document.Document
	ch  channel.Channel

	autoPush bool
	autoPull bool
	logger   *slog.Logger

	pullGate     *chanutil.Gate
	pushGate     *chanutil.Gate
	synchronized *chanutil.OnceEvent
	// ready is the signal Start() actually waits on. It is set the
	// moment the caller has enough control to proceed: immediately, at
	// construction, in manual-pull mode (there is nothing to wait
	// for, since the handshake won't even begin until a later Pull()
	// call releases it); otherwise it is set alongside synchronized,
	// once STEP2 has been processed.
	ready         *chanutil.OnceEvent
	synchronizing atomic.Bool
	state         atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	tracer trace.Tracer
}

// New builds a Provider. Defaults are auto-push and auto-pull.
func New(doc document.Document, ch channel.Channel, opts ...Option) *Provider {
	p := &Provider{
		doc:          doc,
		ch:           ch,
		autoPush:     true,
		autoPull:     true,
		logger:       slog.Default(),
		pullGate:     chanutil.NewGate(),
		pushGate:     chanutil.NewGate(),
		synchronized: chanutil.NewOnceEvent(),
		ready:        chanutil.NewOnceEvent(),
		done:         make(chan struct{}),
		tracer:       observability.Tracer("github.com/webitel/syncfabric/internal/provider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.state.Store(int32(Idle))
	if !p.autoPull {
		p.ready.Set()
	}
	return p
}

// Doc returns the document this provider synchronizes.
func (p *Provider) Doc() document.Document { return p.doc }

// State reports the provider's current handshake state.
func (p *Provider) State() State { return State(p.state.Load()) }

// Synchronized returns a channel closed exactly once per Provider
// lifetime, after the sync-step-2 reply has been processed.
func (p *Provider) Synchronized() <-chan struct{} { return p.synchronized.Done() }

// Pull releases the pull-gate once. In auto-pull mode it is a no-op
// (there is no gate to release), and so is a call made while the
// handshake is in progress, when per-message pull-gating is bypassed.
func (p *Provider) Pull() {
	if !p.autoPull && !p.synchronizing.Load() {
		p.pullGate.Release()
	}
}

// Push releases the push-gate once. In auto-push mode it is a no-op.
func (p *Provider) Push() {
	if !p.autoPush {
		p.pushGate.Release()
	}
}

// Start spawns the protocol goroutine and blocks until the client is
// ready to be handed to the caller, or ctx is done. "Ready" is the
// handshake completing in auto-pull mode, but is immediate in
// manual-pull mode: the handshake there doesn't even begin until a
// later Pull() call releases it, so there is nothing to wait for (see
// the `ready` field doc). A handshake-time channel error surfaces here
// as a fatal error when it happens before readiness; steady-state
// errors after that point are contained to the background goroutine
// and only observable via Done().
func (p *Provider) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	startErr := make(chan error, 1)
	go p.run(runCtx, startErr)

	select {
	case err := <-startErr:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-p.ready.Done():
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop cancels the background protocol goroutine and releases the
// channel. Cancellation is not an error; Done() closes without any
// error being recorded.
func (p *Provider) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Done is closed once the protocol goroutine has exited, for whatever
// reason (cancellation, channel closure).
func (p *Provider) Done() <-chan struct{} { return p.done }

func (p *Provider) run(ctx context.Context, startErr chan<- error) {
	defer close(p.done)
	defer p.state.Store(int32(Terminated))
	defer func() { _ = p.ch.Close() }()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			startErr <- err
		}
	}

	// Transition 1: initial pull-gate wait happens before synchronizing
	// is set, so in manual-pull mode it genuinely blocks here, the one
	// engagement point that isn't bypassed by the handshake window.
	if err := p.waitPull(ctx); err != nil {
		report(err)
		return
	}

	p.synchronizing.Store(true)
	p.state.Store(int32(Handshaking))

	handshakeCtx, handshakeSpan := p.tracer.Start(ctx, "provider.handshake")
	endHandshake := sync.OnceFunc(func() { handshakeSpan.End() })
	defer endHandshake()

	step1 := syncproto.BuildSyncStep1(p.doc)
	if err := p.ch.Send(handshakeCtx, step1); err != nil {
		report(fmt.Errorf("provider: send sync-step-1: %w", err))
		return
	}

	for {
		msg, err := p.ch.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				report(nil)
				return
			}
			report(fmt.Errorf("provider: recv: %w", err))
			return
		}

		// Per-message pull-gate: bypassed for the whole handshake window
		// so a manual-pull client cannot deadlock its own handshake, and
		// re-engaged once synchronized.
		if err := p.waitPull(ctx); err != nil {
			report(err)
			return
		}

		_, applySpan := p.tracer.Start(ctx, "provider.apply_update")
		// origin=p: this Provider is the one applying the message, so
		// its own emitter subscription (tagged p below) won't have the
		// just-applied update echoed straight back to this channel.
		reply, justSynced, herr := syncproto.HandleSyncMessage(msg, p.doc, p)
		applySpan.End()
		if herr != nil {
			// Protocol error: logged and dropped, session continues.
			p.logger.Warn("provider: dropping malformed sync message", "err", herr)
			continue
		}
		if reply != nil {
			if err := p.ch.Send(ctx, reply); err != nil {
				report(fmt.Errorf("provider: send reply: %w", err))
				return
			}
		}

		if justSynced && p.state.Load() != int32(Synchronized) {
			endHandshake()
			p.synchronizing.Store(false)
			p.state.Store(int32(Synchronized))
			p.synchronized.Set()
			p.startEmitter(ctx)
			p.ready.Set()
		}
	}
}

// waitPull is bypassed always under auto-pull, bypassed during the
// handshake window under manual-pull, and engaged per message
// otherwise.
func (p *Provider) waitPull(ctx context.Context) error {
	if p.autoPull {
		return nil
	}
	if p.synchronizing.Load() {
		return nil
	}
	return p.pullGate.Wait(ctx)
}

func (p *Provider) waitPush(ctx context.Context) error {
	if p.autoPush {
		return nil
	}
	return p.pushGate.Wait(ctx)
}

// startEmitter subscribes to the document's own mutations and relays
// each as a SYNC/UPDATE message. Batch-drain rule: on the first event
// of a release cycle, wait for the push-gate, then snapshot how many
// more events are already queued and drain exactly that many before
// waiting again.
func (p *Provider) startEmitter(ctx context.Context) {
	// self=p: a remote update this Provider itself applied via
	// HandleSyncMessage (origin=p above) must not be relayed right back
	// out over the same channel it arrived on.
	sub := p.doc.Subscribe(p)
	go func() {
		defer p.doc.Unsubscribe(sub)
		remaining := 0
		for {
			ev, ok, err := sub.Pop(ctx)
			if err != nil || !ok {
				return
			}
			if remaining == 0 {
				if err := p.waitPush(ctx); err != nil {
					return
				}
				remaining = sub.BufferedCount()
			} else {
				remaining--
			}
			msg := syncproto.BuildUpdateMessage(ev.Bytes)
			if err := p.ch.Send(ctx, msg); err != nil {
				return
			}
		}
	}()
}
