// Package imap is the IMAP mail source: one go-imap v2 session per poll
// cycle with UNSEEN search, peek fetch and \Seen store.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-to-telegram/model"
)

const DefaultMailbox = "INBOX"

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// Source holds at most one open session. It is not safe for concurrent use.
type Source struct {
	opts      Options
	logger    *slog.Logger
	client    *imapclient.Client
	stopClose func() bool
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Source{opts: opts, logger: logger}, nil
}

func (s *Source) mailbox() string {
	if s.opts.Mailbox == "" {
		return DefaultMailbox
	}
	return s.opts.Mailbox
}

// Connect dials, logs in and selects the mailbox. A previous session is
// closed first.
func (s *Source) Connect(ctx context.Context) error {
	if s.client != nil {
		_ = s.Disconnect()
	}

	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return fmt.Errorf("%w: dial imap %s: %w", model.ErrConnection, address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return fmt.Errorf("%w: imap login as %s: %w", model.ErrAuth, s.opts.Username, err)
		}
		return fmt.Errorf("%w: imap login: %w", model.ErrConnection, err)
	}

	if _, err := client.Select(s.mailbox(), nil).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: select %s: %w", model.ErrConnection, s.mailbox(), err)
	}

	s.client = client
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "mailbox", s.mailbox(), "tls", s.opts.UseTLS)
	}
	return nil
}

// ListUnread returns the UIDs of unseen messages in ascending order.
func (s *Source) ListUnread(ctx context.Context) ([]model.MessageID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify(model.ErrFetch, "search unseen", err)
	}

	uids := data.AllUIDs()
	ids := make([]model.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, model.MessageID(uid))
	}
	return ids, nil
}

// FetchRaw fetches the full message without setting \Seen.
func (s *Source) FetchRaw(ctx context.Context, id model.MessageID) (model.RawMessage, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	options := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	messages, err := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(id)), options).Collect()
	if err != nil {
		return nil, classify(model.ErrFetch, fmt.Sprintf("fetch message %d", id), err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: message %d not found", model.ErrFetch, id)
	}

	body := messages[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("%w: message %d has no body", model.ErrFetch, id)
	}
	return model.RawMessage(body), nil
}

// MarkRead adds \Seen to the message. Marking twice is harmless.
func (s *Source) MarkRead(ctx context.Context, id model.MessageID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	store := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}
	if err := s.client.Store(imapv2.UIDSetNum(imapv2.UID(id)), store, nil).Close(); err != nil {
		return classify(model.ErrFetch, fmt.Sprintf("mark message %d read", id), err)
	}
	return nil
}

// Disconnect logs out and closes the connection. It is a no-op without an
// open session.
func (s *Source) Disconnect() error {
	client := s.client
	if client == nil {
		return nil
	}
	s.client = nil
	if s.stopClose != nil {
		s.stopClose()
		s.stopClose = nil
	}

	logoutErr := client.Logout().Wait()
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return nil
}

func (s *Source) ready(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("%w: no open imap session", model.ErrSessionAbort)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrSessionAbort, err)
	}
	return nil
}

// classify maps a server status response to kind and anything else (EOF,
// reset, closed client) to ErrSessionAbort.
func classify(kind error, op string, err error) error {
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		return fmt.Errorf("%w: %s: %w", kind, op, err)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrSessionAbort, op, err)
}
