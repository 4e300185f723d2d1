// Package mbox replays a local mbox file as a mailbox. Read flags are kept
// in a state.Tracker because the file itself has none.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-to-telegram/model"
	"github.com/dhcgn/imap-to-telegram/state"
)

type Options struct {
	Path string
}

// Source implements the poller's mail source over an mbox file. Message ids
// are 1-based positions in the file, stable until the next Connect.
type Source struct {
	opts      Options
	tracker   state.Tracker
	logger    *slog.Logger
	messages  []model.RawMessage
	keys      []string
	connected bool
}

func NewSource(opts Options, tracker state.Tracker, logger *slog.Logger) (*Source, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	return &Source{opts: opts, tracker: tracker, logger: logger}, nil
}

// Connect reads the whole file.
func (s *Source) Connect(ctx context.Context) error {
	file, err := os.Open(s.opts.Path)
	if err != nil {
		return fmt.Errorf("%w: open mbox: %w", model.ErrConnection, err)
	}
	defer file.Close()

	messages, err := ReadAll(ctx, file)
	if err != nil {
		return fmt.Errorf("%w: read mbox %s: %w", model.ErrConnection, s.opts.Path, err)
	}

	s.messages = messages
	s.keys = trackerKeys(messages)
	s.connected = true

	if s.logger != nil {
		s.logger.Debug("mbox loaded", "path", s.opts.Path, "messages", len(messages), "seen", s.tracker.Snapshot().Seen)
	}
	return nil
}

func (s *Source) ListUnread(ctx context.Context) ([]model.MessageID, error) {
	if !s.connected {
		return nil, fmt.Errorf("%w: mbox not loaded", model.ErrSessionAbort)
	}

	ids := make([]model.MessageID, 0, len(s.messages))
	for idx := range s.messages {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrSessionAbort, err)
		}
		if !s.tracker.Seen(s.keys[idx]) {
			ids = append(ids, model.MessageID(idx+1))
		}
	}
	return ids, nil
}

func (s *Source) FetchRaw(_ context.Context, id model.MessageID) (model.RawMessage, error) {
	raw, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(raw), nil
}

// MarkRead records the message hash and flushes the tracker.
func (s *Source) MarkRead(_ context.Context, id model.MessageID) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}

	if err := s.tracker.MarkSeen(s.keys[id-1], id); err != nil {
		return fmt.Errorf("%w: mark message %d: %w", model.ErrFetch, id, err)
	}
	if err := s.tracker.Flush(); err != nil {
		return fmt.Errorf("%w: flush read state: %w", model.ErrFetch, err)
	}
	return nil
}

func (s *Source) Disconnect() error {
	s.messages = nil
	s.keys = nil
	s.connected = false
	return nil
}

func (s *Source) lookup(id model.MessageID) (model.RawMessage, error) {
	if !s.connected {
		return nil, fmt.Errorf("%w: mbox not loaded", model.ErrSessionAbort)
	}
	if id == 0 || int(id) > len(s.messages) {
		return nil, fmt.Errorf("%w: message %d not found", model.ErrFetch, id)
	}
	return s.messages[id-1], nil
}

// trackerKeys keys every message by content hash. Byte-identical copies get
// their occurrence number appended so each copy keeps its own read flag.
func trackerKeys(messages []model.RawMessage) []string {
	keys := make([]string, len(messages))
	occurrences := make(map[string]int, len(messages))
	for idx, raw := range messages {
		hash := state.Hash(raw)
		occurrences[hash]++
		keys[idx] = hash
		if n := occurrences[hash]; n > 1 {
			keys[idx] = fmt.Sprintf("%s#%d", hash, n)
		}
	}
	return keys
}

// ReadAll returns every message of an mbox stream in file order.
func ReadAll(ctx context.Context, r io.Reader) ([]model.RawMessage, error) {
	reader := mboxlib.NewReader(r)

	var messages []model.RawMessage
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return messages, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		messages = append(messages, model.RawMessage(raw))
	}
}

// CountMessages counts the messages in an mbox file without keeping them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return countMessages(file)
}

func countMessages(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, fmt.Errorf("message %d: %w", count, err)
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}
