package stats

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CyclesAndTotals(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.Record(Event{Stage: StageList, Type: EventTypeListed, MessageID: 1})
	c.Record(Event{Stage: StageList, Type: EventTypeListed, MessageID: 2})
	c.Record(Event{Stage: StageDispatch, Type: EventTypeDelivered, MessageID: 2})
	first := c.EndCycle()

	boom := errors.New("boom")
	c.Record(Event{Stage: StageFetch, Type: EventTypeError, MessageID: 1, Err: boom})
	second := c.EndCycle()

	assert.Equal(t, 2, first.Listed)
	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 0, first.Errors)
	assert.Equal(t, 1, second.Errors)
	assert.Equal(t, boom, second.LastError)

	totals := c.Totals()
	assert.Equal(t, 2, totals.Cycles)
	assert.Equal(t, 2, totals.Listed)
	assert.Equal(t, 1, totals.Errors)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.cycles))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.events.WithLabelValues("list", "listed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.events.WithLabelValues("fetch", "error")))
}

func TestNewCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	c.Record(Event{Type: EventTypeError})
	assert.Equal(t, Summary{}, c.EndCycle())
	assert.Equal(t, Summary{}, c.Totals())
}

func TestSummary_LogAttrs(t *testing.T) {
	s := Summary{Listed: 3, LastError: errors.New("x")}
	attrs := s.LogAttrs()

	assert.Contains(t, attrs, "listed")
	assert.Contains(t, attrs, "lastError")
	assert.NotContains(t, attrs, "cycles")

	s.Cycles = 4
	assert.Equal(t, "cycles", s.LogAttrs()[0])
}

func TestTop(t *testing.T) {
	counts := map[string]int{"a@x.com": 3, "b@x.com": 1, "c@x.com": 3, "d@x.com": 2}

	assert.Equal(t, []Count{{"a@x.com", 3}, {"c@x.com", 3}}, Top(counts, 2))
	assert.Len(t, Top(counts, 10), 4)
	assert.Empty(t, Top(nil, 5))
}

func TestPrettyPrintTop(t *testing.T) {
	var out strings.Builder
	PrettyPrintTop(&out, map[string]int{"x": 2, "y": 1}, 5)
	assert.Equal(t, "1. x (2)\n2. y (1)\n", out.String())
}
