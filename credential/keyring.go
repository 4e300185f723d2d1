package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "imap-to-telegram"

// Keys under which secrets are stored.
const (
	KeyIMAPPassword  = "imap-pass"
	KeyTelegramToken = "telegram-token"
	KeyMatrixToken   = "matrix-token"
)

var ErrNotFound = errors.New("credential not found")

// DefaultConfig prefers the OS keychain and falls back to an encrypted file.
func DefaultConfig() keyring.Config {
	return keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/imap-to-telegram/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("imap-to-telegram-file-key"),
		KeychainTrustApplication: true,
	}
}

type Store struct {
	ring keyring.Keyring
}

func Open(cfg keyring.Config) (*Store, error) {
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// Get returns ErrNotFound when key has no entry.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
