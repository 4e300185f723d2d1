package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/imap-to-telegram/model"
)

type Stage string

const (
	StageConnect    Stage = "connect"
	StageList       Stage = "list"
	StageFetch      Stage = "fetch"
	StageDecode     Stage = "decode"
	StageFilter     Stage = "filter"
	StageDispatch   Stage = "dispatch"
	StageMark       Stage = "mark"
	StageDisconnect Stage = "disconnect"
)

type EventType string

const (
	EventTypeListed        EventType = "listed"
	EventTypeFetched       EventType = "fetched"
	EventTypeDecodeWarning EventType = "decode_warning"
	EventTypeFiltered      EventType = "filtered"
	EventTypeDelivered     EventType = "delivered"
	EventTypeUndelivered   EventType = "undelivered"
	EventTypeMarked        EventType = "marked"
	EventTypeAborted       EventType = "aborted"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID model.MessageID
	Err       error
	Detail    string
}

// Summary counts the events of one poll cycle, or of the whole process when
// taken from Collector.Totals.
type Summary struct {
	Cycles         int
	Listed         int
	Fetched        int
	DecodeWarnings int
	Filtered       int
	Delivered      int
	Undelivered    int
	Marked         int
	Aborted        int
	Errors         int
	LastError      error
}

func (s *Summary) Apply(evt Event) {
	switch evt.Type {
	case EventTypeListed:
		s.Listed++
	case EventTypeFetched:
		s.Fetched++
	case EventTypeDecodeWarning:
		s.DecodeWarnings++
	case EventTypeFiltered:
		s.Filtered++
	case EventTypeDelivered:
		s.Delivered++
	case EventTypeUndelivered:
		s.Undelivered++
	case EventTypeMarked:
		s.Marked++
	case EventTypeAborted:
		s.Aborted++
	case EventTypeError:
		s.Errors++
		if evt.Err != nil {
			s.LastError = evt.Err
		}
	}
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"fetched", s.Fetched,
		"decodeWarnings", s.DecodeWarnings,
		"filtered", s.Filtered,
		"delivered", s.Delivered,
		"undelivered", s.Undelivered,
		"marked", s.Marked,
		"aborted", s.Aborted,
		"errors", s.Errors,
	}
	if s.Cycles > 0 {
		attrs = append([]any{"cycles", s.Cycles}, attrs...)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector aggregates events per cycle and exports them as Prometheus
// counters. The zero value is not usable, call NewCollector.
type Collector struct {
	mu     sync.Mutex
	cycle  Summary
	totals Summary

	events *prometheus.CounterVec
	cycles prometheus.Counter
}

// NewCollector registers the counters with reg. A nil reg keeps the counters
// private to the collector.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbridge_events_total",
				Help: "Poll cycle events by stage and type",
			},
			[]string{"stage", "type"},
		),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbridge_cycles_total",
			Help: "Completed poll cycles",
		}),
	}

	if reg != nil {
		for _, collector := range []prometheus.Collector{c.events, c.cycles} {
			if err := reg.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Record is safe to call on a nil Collector.
func (c *Collector) Record(evt Event) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cycle.Apply(evt)
	c.totals.Apply(evt)
	c.mu.Unlock()
	c.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

// EndCycle returns the summary of the current cycle and starts a new one.
func (c *Collector) EndCycle() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := c.cycle
	c.cycle = Summary{}
	c.totals.Cycles++
	c.cycles.Inc()
	return summary
}

func (c *Collector) Totals() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}
