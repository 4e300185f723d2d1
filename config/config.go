package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-to-telegram/credential"
	"github.com/dhcgn/imap-to-telegram/filter"
	"github.com/dhcgn/imap-to-telegram/model"
)

const (
	ChannelTelegram = "telegram"
	ChannelMatrix   = "matrix"
)

// Config is built once at startup and passed down by value.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MboxPath           string
	StateDir           string

	Channel          string
	TelegramToken    string
	TelegramRate     float64
	TelegramAPI      string
	MatrixHomeserver string
	MatrixUser       string
	MatrixToken      string
	Recipients       model.RecipientSet

	CheckInterval time.Duration
	Once          bool
	Filter        filter.Options

	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
	UseKeyring  bool
}

// SecretSource resolves secrets missing from flags and environment.
type SecretSource interface {
	Get(key string) (string, error)
}

// legacyEnv maps flags to the variable names of the original .env layout.
var legacyEnv = map[string]string{
	"imap-user":      "GMAIL_ADDRESS",
	"imap-pass":      "GMAIL_APP_PASSWORD",
	"telegram-token": "TELEGRAM_BOT_TOKEN",
	"recipients":     "TELEGRAM_CHAT_IDS",
}

const (
	envPrefix          = "MAILBRIDGE"
	legacyIntervalEnv  = "CHECK_INTERVAL_SECONDS"
	legacyIntervalKey  = "check-interval-seconds"
	intervalEnv        = envPrefix + "_CHECK_INTERVAL"
	defaultEnvFile     = ".env"
	defaultLogFileName = "bot.log"
)

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("imap-host", "imap.gmail.com", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (env GMAIL_ADDRESS)")
	flags.String("imap-pass", "", "IMAP password or app password (env GMAIL_APP_PASSWORD)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to watch")
	flags.String("mbox", "", "Replay a local .mbox file instead of connecting to IMAP")
	flags.String("state-dir", defaultStateDir, "Directory for mbox read-state files")
	flags.String("channel", ChannelTelegram, "Notification channel: telegram or matrix")
	flags.String("telegram-token", "", "Telegram bot token (env TELEGRAM_BOT_TOKEN)")
	flags.Float64("telegram-rate", 20, "Maximum Telegram messages per second")
	flags.String("telegram-api", "", "Bot API endpoint template for a self-hosted server, e.g. http://localhost:8081/bot%s/%s")
	flags.String("matrix-homeserver", "", "Matrix homeserver URL")
	flags.String("matrix-user", "", "Matrix user id of the bot")
	flags.String("matrix-token", "", "Matrix access token")
	flags.String("recipients", "", "Comma separated chat ids or room ids (env TELEGRAM_CHAT_IDS)")
	flags.Duration("check-interval", 60*time.Second, "Time between mailbox checks (env CHECK_INTERVAL_SECONDS)")
	flags.Bool("once", false, "Run a single poll cycle and exit")
	flags.StringArray("include-sender", nil, "Regex allow-list applied to the sender (mutually exclusive with exclude flags)")
	flags.StringArray("include-subject", nil, "Regex allow-list applied to the subject (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to the body (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-sender", nil, "Regex block-list applied to the sender (mutually exclusive with include flags)")
	flags.StringArray("exclude-subject", nil, "Regex block-list applied to the subject (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to the body (mutually exclusive with include flags)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-file", defaultLogFileName, "Also write logs to this file, rotated by size (empty disables)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.Bool("keyring", false, "Look up missing secrets in the OS keyring")
	flags.String("env-file", defaultEnvFile, "Optional dotenv file loaded before reading the environment")

	return nil
}

// LoadConfig resolves the parsed Cobra flags, the environment and the
// optional .env file into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return Load(cmd.Flags(), nil)
}

// Load is LoadConfig with an explicit secret source. When secrets is nil and
// --keyring is set, the OS keyring is opened.
func Load(flags *pflag.FlagSet, secrets SecretSource) (Config, error) {
	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile, flags.Changed("env-file")); err != nil {
		return Config{}, err
	}

	v, err := newViper(flags)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		StateDir:           v.GetString("state-dir"),
		Channel:            strings.ToLower(strings.TrimSpace(v.GetString("channel"))),
		TelegramToken:      strings.TrimSpace(v.GetString("telegram-token")),
		TelegramRate:       v.GetFloat64("telegram-rate"),
		TelegramAPI:        strings.TrimSpace(v.GetString("telegram-api")),
		MatrixHomeserver:   strings.TrimSpace(v.GetString("matrix-homeserver")),
		MatrixUser:         strings.TrimSpace(v.GetString("matrix-user")),
		MatrixToken:        strings.TrimSpace(v.GetString("matrix-token")),
		Recipients:         model.ParseRecipients(v.GetString("recipients")),
		CheckInterval:      v.GetDuration("check-interval"),
		Once:               v.GetBool("once"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogFormat:          strings.ToLower(v.GetString("log-format")),
		LogFile:            v.GetString("log-file"),
		MetricsAddr:        v.GetString("metrics-addr"),
		UseKeyring:         v.GetBool("keyring"),
	}

	// Precedence: --check-interval, MAILBRIDGE_CHECK_INTERVAL, then the
	// legacy integer seconds variable.
	if !flags.Changed("check-interval") && strings.TrimSpace(os.Getenv(intervalEnv)) == "" && v.IsSet(legacyIntervalKey) {
		seconds, err := strconv.Atoi(strings.TrimSpace(v.GetString(legacyIntervalKey)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", legacyIntervalEnv, err)
		}
		cfg.CheckInterval = time.Duration(seconds) * time.Second
	}

	if cfg.Filter, err = FilterOptions(flags); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.UseKeyring {
		if secrets == nil {
			store, err := credential.Open(credential.DefaultConfig())
			if err != nil {
				return Config{}, err
			}
			secrets = store
		}
		if err := fillSecrets(&cfg, secrets); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IMAPEnabled reports whether the bridge talks to a real IMAP server rather
// than replaying an mbox file.
func (c Config) IMAPEnabled() bool {
	return c.MboxPath == ""
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	for key, legacy := range legacyEnv {
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	if err := v.BindEnv(legacyIntervalKey, legacyIntervalEnv); err != nil {
		return nil, fmt.Errorf("bind env %s: %w", legacyIntervalEnv, err)
	}

	return v, nil
}

// loadEnvFile loads path without overriding variables that are already set.
// A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FilterOptions reads the include and exclude flags.
func FilterOptions(flags *pflag.FlagSet) (filter.Options, error) {
	var opts filter.Options
	fields := []struct {
		name string
		dst  *[]string
	}{
		{"include-sender", &opts.IncludeSender},
		{"include-subject", &opts.IncludeSubject},
		{"include-body", &opts.IncludeBody},
		{"exclude-sender", &opts.ExcludeSender},
		{"exclude-subject", &opts.ExcludeSubject},
		{"exclude-body", &opts.ExcludeBody},
	}
	for _, field := range fields {
		values, err := flags.GetStringArray(field.name)
		if err != nil {
			return filter.Options{}, err
		}
		*field.dst = values
	}
	return opts, nil
}

func fillSecrets(cfg *Config, secrets SecretSource) error {
	targets := []struct {
		key string
		dst *string
	}{
		{credential.KeyIMAPPassword, &cfg.IMAPPass},
		{credential.KeyTelegramToken, &cfg.TelegramToken},
		{credential.KeyMatrixToken, &cfg.MatrixToken},
	}
	for _, target := range targets {
		if *target.dst != "" {
			continue
		}
		value, err := secrets.Get(target.key)
		if errors.Is(err, credential.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		*target.dst = value
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPEnabled() {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("IMAP user must be provided via --imap-user or GMAIL_ADDRESS env var")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, GMAIL_APP_PASSWORD env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	switch cfg.Channel {
	case ChannelTelegram:
		if cfg.TelegramToken == "" {
			return fmt.Errorf("Telegram token must be provided via --telegram-token, TELEGRAM_BOT_TOKEN env var or --keyring")
		}
		if cfg.TelegramRate <= 0 {
			return fmt.Errorf("--telegram-rate must be positive")
		}
		if cfg.TelegramAPI != "" && strings.Count(cfg.TelegramAPI, "%s") != 2 {
			return fmt.Errorf("--telegram-api must contain two %%s placeholders for token and method")
		}
	case ChannelMatrix:
		if cfg.MatrixHomeserver == "" {
			return fmt.Errorf("--matrix-homeserver is required for the matrix channel")
		}
		if cfg.MatrixToken == "" {
			return fmt.Errorf("Matrix token must be provided via --matrix-token or --keyring")
		}
	default:
		return fmt.Errorf("invalid --channel: %s", cfg.Channel)
	}

	if len(cfg.Recipients.Valid()) == 0 {
		return fmt.Errorf("at least one recipient must be provided via --recipients or TELEGRAM_CHAT_IDS env var")
	}
	if cfg.CheckInterval <= 0 {
		return fmt.Errorf("--check-interval must be positive")
	}
	if _, err := filter.New(cfg.Filter); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-to-telegram", "state"), nil
}
