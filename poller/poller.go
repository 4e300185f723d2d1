// Package poller runs the mailbox poll cycle: connect, list unread, then for
// every message newest-first fetch, normalize, dispatch and mark read, and
// finally disconnect and sleep.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/imap-to-telegram/dispatch"
	"github.com/dhcgn/imap-to-telegram/filter"
	"github.com/dhcgn/imap-to-telegram/model"
	"github.com/dhcgn/imap-to-telegram/normalize"
	"github.com/dhcgn/imap-to-telegram/stats"
)

const DefaultInterval = 60 * time.Second

// MailSource is one mailbox. Disconnect must be safe to call at any time.
type MailSource interface {
	Connect(ctx context.Context) error
	ListUnread(ctx context.Context) ([]model.MessageID, error)
	FetchRaw(ctx context.Context, id model.MessageID) (model.RawMessage, error)
	MarkRead(ctx context.Context, id model.MessageID) error
	Disconnect() error
}

type Dispatcher interface {
	SendAll(ctx context.Context, recipients model.RecipientSet, text model.FormattedMessage) dispatch.Result
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListing
	StateFetching
	StateProcessing
	StateMarking
	StateDisconnecting
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListing:
		return "listing"
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateMarking:
		return "marking"
	case StateDisconnecting:
		return "disconnecting"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Interval   time.Duration
	Recipients model.RecipientSet
	Filter     *filter.Filter
	Clock      Clock
	Collector  *stats.Collector
	// OnTransition is called synchronously on every state change.
	OnTransition func(State)
	// Once stops Run after the first cycle.
	Once bool
}

type Poller struct {
	source     MailSource
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
	state      State
}

func New(source MailSource, dispatcher Dispatcher, opts Options, logger *slog.Logger) (*Poller, error) {
	if source == nil {
		return nil, fmt.Errorf("mail source must not be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Collector == nil {
		collector, err := stats.NewCollector(nil)
		if err != nil {
			return nil, err
		}
		opts.Collector = collector
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Poller{
		source:     source,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}, nil
}

func (p *Poller) State() State {
	return p.state
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.opts.Interval, "recipients", len(p.opts.Recipients.Valid()))
	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped", p.opts.Collector.Totals().LogAttrs()...)
			return nil
		}

		p.RunCycle(ctx)
		if p.opts.Once {
			return nil
		}

		p.transition(StateSleeping)
		started := p.opts.Clock.Now()
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", p.opts.Collector.Totals().LogAttrs()...)
			return nil
		case <-p.opts.Clock.After(p.opts.Interval):
		}
		p.logger.Debug("woke up", "slept", p.opts.Clock.Now().Sub(started))
		p.transition(StateIdle)
	}
}

// RunCycle performs one complete cycle and returns its summary. Errors are
// logged and counted, never returned.
func (p *Poller) RunCycle(ctx context.Context) stats.Summary {
	started := p.opts.Clock.Now()
	logger := p.logger.With("cycle", uuid.NewString())

	connected := p.cycle(ctx, logger)
	p.disconnect(logger, connected)

	summary := p.opts.Collector.EndCycle()
	logger.Info("cycle summary", append(summary.LogAttrs(), "duration", p.opts.Clock.Now().Sub(started))...)
	return summary
}

// cycle reports whether Connect succeeded.
func (p *Poller) cycle(ctx context.Context, logger *slog.Logger) (connected bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("poll cycle panic: %v", r)
			logger.Error("unexpected failure in poll cycle", "state", p.state.String(), "err", err, "stack", string(debug.Stack()))
			p.record(stats.Event{Stage: stage(p.state), Type: stats.EventTypeError, Err: err})
		}
	}()

	p.transition(StateConnecting)
	if err := p.source.Connect(ctx); err != nil {
		logger.Error("mailbox connect failed", "err", err)
		p.record(stats.Event{Stage: stats.StageConnect, Type: stats.EventTypeError, Err: err})
		return false
	}
	connected = true

	p.transition(StateListing)
	ids, err := p.source.ListUnread(ctx)
	if err != nil {
		p.fail(logger, stats.StageList, 0, "list unread failed", err)
		return connected
	}
	for _, id := range ids {
		p.record(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, MessageID: id})
	}
	logger.Debug("unread messages listed", "count", len(ids))

	for i := len(ids) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			logger.Info("shutdown requested, leaving remaining messages unread", "remaining", i+1)
			return connected
		}
		if err := p.process(ctx, logger, ids[i]); errors.Is(err, model.ErrSessionAbort) {
			logger.Warn("abandoning batch", "remaining", i)
			return connected
		}
	}
	return connected
}

// process handles one message. Only a session abort is returned; every
// other failure is logged and counted here.
func (p *Poller) process(ctx context.Context, logger *slog.Logger, id model.MessageID) error {
	p.transition(StateFetching)
	raw, err := p.source.FetchRaw(ctx, id)
	if err != nil {
		return p.fail(logger, stats.StageFetch, id, "fetch failed", err)
	}
	p.record(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, MessageID: id})

	p.transition(StateProcessing)
	parsed, warnings := normalize.Parse(raw)
	for _, w := range warnings {
		logger.Warn("decode problem, using empty content", "message", id, "err", w)
		p.record(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecodeWarning, MessageID: id, Err: w})
	}

	if !p.opts.Filter.Allows(parsed) {
		logger.Info("message filtered out", "message", id)
		p.record(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: id})
		return nil
	}

	// Once handed to the dispatcher the message is marked read, whatever the
	// per-recipient outcome.
	result := p.dispatcher.SendAll(ctx, p.opts.Recipients, normalize.Render(parsed))
	if result.Any() {
		p.record(stats.Event{
			Stage:     stats.StageDispatch,
			Type:      stats.EventTypeDelivered,
			MessageID: id,
			Detail:    fmt.Sprintf("%d/%d", len(result.Delivered), len(result.Attempted)),
		})
	} else {
		logger.Error("no recipient received the message", "message", id, "attempted", len(result.Attempted), "err", result.Err())
		p.record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeUndelivered, MessageID: id, Err: result.Err()})
	}

	p.transition(StateMarking)
	if err := p.source.MarkRead(ctx, id); err != nil {
		return p.fail(logger, stats.StageMark, id, "mark read failed", err)
	}
	p.record(stats.Event{Stage: stats.StageMark, Type: stats.EventTypeMarked, MessageID: id})
	logger.Debug("message forwarded", "message", id, "delivered", len(result.Delivered))
	return nil
}

// fail logs err and passes it through when it is a session abort.
func (p *Poller) fail(logger *slog.Logger, st stats.Stage, id model.MessageID, msg string, err error) error {
	attrs := []any{"err", err}
	if id != 0 {
		attrs = append(attrs, "message", id)
	}

	if errors.Is(err, model.ErrSessionAbort) {
		logger.Warn("mailbox session aborted", append(attrs, "stage", string(st))...)
		p.record(stats.Event{Stage: st, Type: stats.EventTypeAborted, MessageID: id, Err: err})
		return err
	}

	logger.Error(msg, attrs...)
	p.record(stats.Event{Stage: st, Type: stats.EventTypeError, MessageID: id, Err: err})
	return nil
}

// disconnect always runs. After a failed connect the session is released
// quietly and the cycle goes straight to sleep.
func (p *Poller) disconnect(logger *slog.Logger, connected bool) {
	if connected {
		p.transition(StateDisconnecting)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("unexpected failure during disconnect", "err", fmt.Errorf("%v", r))
		}
	}()

	if err := p.source.Disconnect(); err != nil {
		logger.Warn("mailbox disconnect failed", "err", err)
		p.record(stats.Event{Stage: stats.StageDisconnect, Type: stats.EventTypeError, Err: err})
	}
}

func (p *Poller) transition(s State) {
	p.state = s
	if p.opts.OnTransition != nil {
		p.opts.OnTransition(s)
	}
}

func (p *Poller) record(evt stats.Event) {
	p.opts.Collector.Record(evt)
}

func stage(s State) stats.Stage {
	switch s {
	case StateConnecting:
		return stats.StageConnect
	case StateListing:
		return stats.StageList
	case StateFetching:
		return stats.StageFetch
	case StateProcessing:
		return stats.StageDispatch
	case StateMarking:
		return stats.StageMark
	default:
		return stats.StageDisconnect
	}
}
