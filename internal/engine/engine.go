// Package engine moves conntrack state between the kernel and peer nodes.
//
// Outbound: kernel event → origin check → payload → envelope → channel.
// Inbound:  channel → decode → record → kernel commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"firestige.xyz/ctsync/internal/conntrack"
	"firestige.xyz/ctsync/internal/kernel"
	"firestige.xyz/ctsync/internal/metrics"
	"firestige.xyz/ctsync/internal/origin"
	"firestige.xyz/ctsync/internal/payload"
	"firestige.xyz/ctsync/internal/wire"
)

// EventSource yields kernel conntrack events.
type EventSource interface {
	Receive() ([]kernel.Event, error)
	Close() error
}

// Transport sends and receives replication messages.
type Transport interface {
	Send(b []byte) error
	Receive(buf []byte) (int, net.Addr, error)
	NextSeq() uint32
	MTU() int
	Close() error
}

// Committer applies peer updates to the local kernel table.
type Committer interface {
	Commit(ctx context.Context, typ wire.MsgType, rec *conntrack.Record) error
}

// Config holds the runtime knobs of the engine.
type Config struct {
	// CommitTimeout suppresses the timeout attribute on outgoing messages.
	CommitTimeout bool
	// Commit enables applying peer messages to the kernel.
	Commit bool
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	EventsReceived   uint64 `json:"events_received"`
	EventsSuppressed uint64 `json:"events_suppressed"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Commits          uint64 `json:"commits"`
	EncodeErrors     uint64 `json:"encode_errors"`
	SendErrors       uint64 `json:"send_errors"`
	DecodeErrors     uint64 `json:"decode_errors"`
	CommitErrors     uint64 `json:"commit_errors"`
	Overruns         uint64 `json:"overruns"`
}

type counters struct {
	eventsReceived   atomic.Uint64
	eventsSuppressed atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	commits          atomic.Uint64
	encodeErrors     atomic.Uint64
	sendErrors       atomic.Uint64
	decodeErrors     atomic.Uint64
	commitErrors     atomic.Uint64
	overruns         atomic.Uint64
}

// Engine is the replication loop. HandleEvent and HandleMessage may be
// called from different goroutines.
type Engine struct {
	cfg       atomic.Pointer[Config]
	events    EventSource
	transport Transport
	committer Committer
	origins   *origin.Registry

	stats counters
}

// New wires the engine. committer may be nil when commits are disabled.
func New(cfg Config, events EventSource, transport Transport, committer Committer, origins *origin.Registry) *Engine {
	e := &Engine{
		events:    events,
		transport: transport,
		committer: committer,
		origins:   origins,
	}
	e.cfg.Store(&cfg)
	return e
}

// SetConfig swaps the runtime knobs, used on reload.
func (e *Engine) SetConfig(cfg Config) { e.cfg.Store(&cfg) }

// Config returns the current runtime knobs.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// HandleEvent replicates one kernel event. Events caused by our own commits
// are dropped so that peer updates are never sent back.
func (e *Engine) HandleEvent(ev kernel.Event) error {
	e.stats.eventsReceived.Add(1)

	kind := e.origins.FindHeader(ev.Header)
	metrics.KernelEventsTotal.WithLabelValues(ev.Type.String(), kind.String()).Inc()
	if kind == origin.Commit {
		e.stats.eventsSuppressed.Add(1)
		return nil
	}

	env, err := wire.NewEnvelope(e.transport.MTU(), ev.Type)
	if err != nil {
		return e.encodeFailed(ev, err)
	}
	if err := payload.Build(ev.Record, env, payload.Options{CommitTimeout: e.Config().CommitTimeout}); err != nil {
		return e.encodeFailed(ev, err)
	}

	b := env.Seal(e.transport.NextSeq())
	if err := e.transport.Send(b); err != nil {
		e.stats.sendErrors.Add(1)
		metrics.ErrorsTotal.WithLabelValues(metrics.StageSend).Inc()
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	e.stats.messagesSent.Add(1)
	metrics.MessagesSentTotal.WithLabelValues(ev.Type.String()).Inc()
	metrics.MessageBytes.WithLabelValues("out").Observe(float64(len(b)))
	return nil
}

func (e *Engine) encodeFailed(ev kernel.Event, err error) error {
	e.stats.encodeErrors.Add(1)
	metrics.ErrorsTotal.WithLabelValues(metrics.StageEncode).Inc()
	return fmt.Errorf("encode %s: %w", ev.Type, err)
}

// HandleMessage decodes a peer message and commits it when commits are
// enabled.
func (e *Engine) HandleMessage(ctx context.Context, raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		e.stats.decodeErrors.Add(1)
		metrics.ErrorsTotal.WithLabelValues(metrics.StageDecode).Inc()
		return fmt.Errorf("decode: %w", err)
	}
	e.stats.messagesReceived.Add(1)
	metrics.MessagesReceivedTotal.WithLabelValues(msg.Header.Type.String()).Inc()
	metrics.MessageBytes.WithLabelValues("in").Observe(float64(len(raw)))

	if !e.Config().Commit || e.committer == nil {
		return nil
	}

	rec, err := payload.Parse(msg)
	if err != nil {
		e.stats.decodeErrors.Add(1)
		metrics.ErrorsTotal.WithLabelValues(metrics.StageParse).Inc()
		return fmt.Errorf("parse seq %d: %w", msg.Header.Seq, err)
	}
	if err := e.committer.Commit(ctx, msg.Header.Type, rec); err != nil {
		e.stats.commitErrors.Add(1)
		metrics.CommitsTotal.WithLabelValues(msg.Header.Type.String(), "error").Inc()
		return fmt.Errorf("commit seq %d: %w", msg.Header.Seq, err)
	}
	e.stats.commits.Add(1)
	metrics.CommitsTotal.WithLabelValues(msg.Header.Type.String(), "ok").Inc()
	return nil
}

// Run services both directions until ctx is cancelled or a socket fails.
// Per-message errors are logged and do not stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- e.kernelLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- e.peerLoop(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	// unblock the loops still parked in Receive
	_ = e.events.Close()
	_ = e.transport.Close()
	wg.Wait()

	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

func (e *Engine) kernelLoop(ctx context.Context) error {
	for {
		events, err := e.events.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if kernel.IsOverrun(err) {
				e.stats.overruns.Add(1)
				metrics.KernelOverrunsTotal.Inc()
				slog.Warn("netlink event socket overrun, events lost")
				continue
			}
			return fmt.Errorf("kernel receive: %w", err)
		}
		for _, ev := range events {
			if err := e.HandleEvent(ev); err != nil {
				slog.Warn("failed to replicate event", "type", ev.Type.String(), "error", err)
			}
		}
	}
}

func (e *Engine) peerLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxMessageLen)
	for {
		n, from, err := e.transport.Receive(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.ErrorsTotal.WithLabelValues(metrics.StageReceive).Inc()
			return fmt.Errorf("channel receive: %w", err)
		}
		if err := e.HandleMessage(ctx, buf[:n]); err != nil {
			slog.Warn("failed to apply peer message", "from", addrString(from), "error", err)
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EventsReceived:   e.stats.eventsReceived.Load(),
		EventsSuppressed: e.stats.eventsSuppressed.Load(),
		MessagesSent:     e.stats.messagesSent.Load(),
		MessagesReceived: e.stats.messagesReceived.Load(),
		Commits:          e.stats.commits.Load(),
		EncodeErrors:     e.stats.encodeErrors.Load(),
		SendErrors:       e.stats.sendErrors.Load(),
		DecodeErrors:     e.stats.decodeErrors.Load(),
		CommitErrors:     e.stats.commitErrors.Load(),
		Overruns:         e.stats.overruns.Load(),
	}
}
