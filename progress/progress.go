package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-to-telegram/stats"
)

// Bar tracks how many messages of a local scan have been handled. A disabled
// or nil Bar only counts.
type Bar struct {
	pb       *pterm.ProgressbarPrinter
	w        io.Writer
	total    int
	done     int
	filtered int
	mu       sync.Mutex
}

// New starts a progress bar over total messages writing to w. With enabled
// false nothing is printed.
func New(w io.Writer, total int, enabled bool) *Bar {
	bar := &Bar{w: w, total: total}
	if !enabled || total <= 0 {
		return bar
	}

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Scanning messages").
		WithWriter(w).
		Start()
	if err == nil {
		bar.pb = pb
	}
	return bar
}

// Update advances the bar for events that finish a message.
func (b *Bar) Update(evt stats.Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.done++
		if b.pb != nil {
			b.pb.Increment()
			b.pb.UpdateTitle(fmt.Sprintf("Scanning message %d", evt.MessageID))
		}
	case stats.EventTypeFiltered:
		b.filtered++
	case stats.EventTypeError:
		if b.pb != nil && evt.Err != nil {
			fmt.Fprintf(b.w, "\nerror at message %d: %v\n", evt.MessageID, evt.Err)
		}
	}
}

// Done returns the number of messages seen so far and how many of them the
// filter rejected.
func (b *Bar) Done() (done, filtered int) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.filtered
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}
