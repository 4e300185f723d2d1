// Package dispatch fans one notification out to every recipient. A failing
// recipient never prevents delivery to the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/imap-to-telegram/model"
)

// Sender delivers text to a single chat destination.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

type DispatchError struct {
	Recipient string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{model.ErrDispatch, e.Err}
}

// Result describes one SendAll call. Attempted excludes blank recipients.
type Result struct {
	Attempted []string
	Delivered []string
	Errors    []*DispatchError
}

// Any reports whether at least one recipient received the message.
func (r Result) Any() bool {
	return len(r.Delivered) > 0
}

// Err joins the per-recipient failures, or returns nil.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

func New(sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger}
}

// SendAll attempts every non-blank recipient exactly once, in order.
func (d *Dispatcher) SendAll(ctx context.Context, recipients model.RecipientSet, text model.FormattedMessage) Result {
	var result Result
	for _, recipient := range recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}

		result.Attempted = append(result.Attempted, recipient)
		if err := d.sender.Send(ctx, recipient, string(text)); err != nil {
			result.Errors = append(result.Errors, &DispatchError{Recipient: recipient, Err: err})
			if d.logger != nil {
				d.logger.Error("send failed", "recipient", recipient, "err", err)
			}
			continue
		}
		result.Delivered = append(result.Delivered, recipient)
	}
	return result
}
