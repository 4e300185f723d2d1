package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/imap-to-telegram/credential"
	"github.com/dhcgn/imap-to-telegram/model"
)

var envNames = []string{
	"GMAIL_ADDRESS", "GMAIL_APP_PASSWORD", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_IDS", "CHECK_INTERVAL_SECONDS",
	"MAILBRIDGE_IMAP_HOST", "MAILBRIDGE_IMAP_USER", "MAILBRIDGE_IMAP_PASS", "MAILBRIDGE_TELEGRAM_TOKEN",
	"MAILBRIDGE_RECIPIENTS", "MAILBRIDGE_CHECK_INTERVAL", "MAILBRIDGE_CHANNEL", "MAILBRIDGE_MATRIX_TOKEN",
}

// clearEnv hides variables from the developer's shell. Empty values are
// ignored by viper.
func clearEnv(t *testing.T, except ...string) {
	t.Helper()
	skip := make(map[string]bool)
	for _, name := range except {
		skip[name] = true
	}
	for _, name := range envNames {
		if !skip[name] {
			t.Setenv(name, "")
		}
	}
}

func parse(t *testing.T, secrets SecretSource, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(append([]string{"--env-file", ""}, args...)))
	return Load(cmd.Flags(), secrets)
}

var validArgs = []string{
	"--imap-user", "bot@gmail.com",
	"--imap-pass", "app-pass",
	"--telegram-token", "123:abc",
	"--recipients", "111,222",
}

type mapSecrets map[string]string

func (m mapSecrets) Get(key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", credential.ErrNotFound
}

func TestLoad_FlagsAndDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t, nil, validArgs...)
	require.NoError(t, err)

	assert.Equal(t, "imap.gmail.com", cfg.IMAPHost)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "INBOX", cfg.Mailbox)
	assert.Equal(t, ChannelTelegram, cfg.Channel)
	assert.Equal(t, model.RecipientSet{"111", "222"}, cfg.Recipients)
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, "bot.log", cfg.LogFile)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.IMAPEnabled())
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("GMAIL_ADDRESS", "env@gmail.com")
	t.Setenv("GMAIL_APP_PASSWORD", "env-pass")
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("TELEGRAM_CHAT_IDS", "1, ,2")
	t.Setenv("CHECK_INTERVAL_SECONDS", "15")

	cfg, err := parse(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "env@gmail.com", cfg.IMAPUser)
	assert.Equal(t, "env-pass", cfg.IMAPPass)
	assert.Equal(t, "999:env", cfg.TelegramToken)
	assert.Equal(t, model.RecipientSet{"1", "", "2"}, cfg.Recipients)
	assert.Equal(t, 15*time.Second, cfg.CheckInterval)
}

func TestLoad_FlagBeatsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("CHECK_INTERVAL_SECONDS", "15")

	cfg, err := parse(t, nil, append(validArgs, "--check-interval", "2m")...)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.TelegramToken)
	assert.Equal(t, 2*time.Minute, cfg.CheckInterval)
}

func TestLoad_PrefixedEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAILBRIDGE_IMAP_HOST", "mail.example.com")
	t.Setenv("MAILBRIDGE_CHECK_INTERVAL", "90s")

	cfg, err := parse(t, nil, validArgs...)
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.IMAPHost)
	assert.Equal(t, 90*time.Second, cfg.CheckInterval)
}

func TestLoad_PrefixedIntervalBeatsLegacySeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAILBRIDGE_CHECK_INTERVAL", "90s")
	t.Setenv("CHECK_INTERVAL_SECONDS", "15")

	cfg, err := parse(t, nil, validArgs...)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CheckInterval)

	t.Setenv("CHECK_INTERVAL_SECONDS", "not-a-number")
	cfg, err = parse(t, nil, validArgs...)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CheckInterval)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t, "GMAIL_ADDRESS", "GMAIL_APP_PASSWORD", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_IDS")
	for _, name := range []string{"GMAIL_ADDRESS", "GMAIL_APP_PASSWORD", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_IDS"} {
		if _, exists := os.LookupEnv(name); exists {
			t.Skipf("%s is set in the environment", name)
		}
		t.Cleanup(func() { _ = os.Unsetenv(name) })
	}

	path := filepath.Join(t.TempDir(), ".env")
	content := "GMAIL_ADDRESS=file@gmail.com\nGMAIL_APP_PASSWORD=file-pass\nTELEGRAM_BOT_TOKEN=1:file\nTELEGRAM_CHAT_IDS=42\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := parse(t, nil, "--env-file", path)
	require.NoError(t, err)
	assert.Equal(t, "file@gmail.com", cfg.IMAPUser)
	assert.Equal(t, "1:file", cfg.TelegramToken)
	assert.Equal(t, model.RecipientSet{"42"}, cfg.Recipients)
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	clearEnv(t)
	_, err := parse(t, nil, append(validArgs, "--env-file", filepath.Join(t.TempDir(), "missing.env"))...)
	assert.Error(t, err)
}

func TestLoad_Keyring(t *testing.T) {
	clearEnv(t)
	secrets := mapSecrets{
		credential.KeyIMAPPassword:  "from-keyring",
		credential.KeyTelegramToken: "5:keyring",
	}

	cfg, err := parse(t, secrets, "--keyring", "--imap-user", "bot@gmail.com", "--recipients", "1", "--telegram-token", "7:flag")
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", cfg.IMAPPass)
	assert.Equal(t, "7:flag", cfg.TelegramToken)
}

type failingSecrets struct{}

func (failingSecrets) Get(string) (string, error) { return "", errors.New("keyring locked") }

func TestLoad_KeyringError(t *testing.T) {
	clearEnv(t)
	_, err := parse(t, failingSecrets{}, "--keyring", "--imap-user", "bot@gmail.com", "--recipients", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyring locked")
}

func TestLoad_MboxReplayNeedsNoIMAPCredentials(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t, nil, "--mbox", "inbox.mbox", "--telegram-token", "1:a", "--recipients", "1")
	require.NoError(t, err)
	assert.False(t, cfg.IMAPEnabled())
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing password", args: []string{"--imap-user", "u", "--telegram-token", "t", "--recipients", "1"}, wantErr: "IMAP password"},
		{name: "missing user", args: []string{"--imap-pass", "p", "--telegram-token", "t", "--recipients", "1"}, wantErr: "IMAP user"},
		{name: "missing token", args: []string{"--imap-user", "u", "--imap-pass", "p", "--recipients", "1"}, wantErr: "Telegram token"},
		{name: "blank recipients", args: []string{"--imap-user", "u", "--imap-pass", "p", "--telegram-token", "t", "--recipients", " , "}, wantErr: "recipient"},
		{name: "bad port", args: append(validArgs, "--imap-port", "0"), wantErr: "--imap-port"},
		{name: "bad channel", args: append(validArgs, "--channel", "sms"), wantErr: "--channel"},
		{name: "matrix without homeserver", args: append(validArgs, "--channel", "matrix", "--matrix-token", "x"), wantErr: "--matrix-homeserver"},
		{name: "bad interval", args: append(validArgs, "--check-interval", "0s"), wantErr: "--check-interval"},
		{name: "bad telegram api", args: append(validArgs, "--telegram-api", "http://localhost:8081"), wantErr: "--telegram-api"},
		{name: "bad log level", args: append(validArgs, "--log-level", "loud"), wantErr: "--log-level"},
		{name: "bad log format", args: append(validArgs, "--log-format", "xml"), wantErr: "--log-format"},
		{name: "mixed filters", args: append(validArgs, "--include-sender", "a", "--exclude-body", "b"), wantErr: "mutually exclusive"},
		{name: "bad filter", args: append(validArgs, "--exclude-subject", "("), wantErr: "exclude-subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := parse(t, nil, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_WarningAlias(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t, nil, append(validArgs, "--log-level", "WARNING")...)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
