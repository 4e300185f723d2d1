package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

type MatrixOptions struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Matrix posts m.room.message events. Recipients are room ids.
type Matrix struct {
	client *mautrix.Client
	logger *slog.Logger
}

// NewMatrix checks the access token with whoami.
func NewMatrix(ctx context.Context, opts MatrixOptions, logger *slog.Logger) (*Matrix, error) {
	if opts.Homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver is empty")
	}
	if opts.AccessToken == "" {
		return nil, fmt.Errorf("matrix access token is empty")
	}

	client, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrix handshake: %w", err)
	}
	if opts.UserID == "" {
		client.UserID = whoami.UserID
	}

	if logger != nil {
		logger.Info("matrix client ready", "user", whoami.UserID)
	}
	return &Matrix{client: client, logger: logger}, nil
}

func (m *Matrix) Name() string {
	return m.client.UserID.String()
}

func (m *Matrix) Send(ctx context.Context, recipient, text string) error {
	if !strings.HasPrefix(recipient, "!") {
		return fmt.Errorf("invalid matrix room id %q", recipient)
	}

	content := format.RenderMarkdown(text, true, false)
	if _, err := m.client.SendMessageEvent(ctx, id.RoomID(recipient), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix send to %s: %w", recipient, err)
	}
	if m.logger != nil {
		m.logger.Debug("matrix message sent", "room", recipient)
	}
	return nil
}
