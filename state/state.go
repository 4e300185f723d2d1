// Package state keeps the read flags of mailboxes that cannot store flags
// themselves, such as an mbox file replayed through the bridge. Messages are
// keyed by a hash of their raw content.
package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-telegram/model"
)

type Tracker interface {
	Seen(hash string) bool
	MarkSeen(hash string, id model.MessageID) error
	Flush() error
	Snapshot() Snapshot
}

type Snapshot struct {
	Seen int
}

// Hash returns the key used for raw in a Tracker.
func Hash(raw model.RawMessage) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]model.MessageID
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]model.MessageID)}
}

func (m *MemoryTracker) Seen(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.seen[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkSeen(hash string, id model.MessageID) error {
	if hash == "" {
		return nil
	}

	m.mu.Lock()
	m.seen[hash] = id
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Flush() error {
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}

// FileTracker appends every newly seen hash to a JSON lines file so a
// restarted process keeps the read flags.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash      string          `json:"hash"`
	MessageID model.MessageID `json:"message_id"`
	SeenAt    time.Time       `json:"seen_at"`
}

// NewFileTracker loads (or creates) <stateDir>/<name>.seen.jsonl.
func NewFileTracker(stateDir, name string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("state name is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, name+".seen.jsonl"),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriterSize(file, 16*1024)

	return tracker, nil
}

// Path returns the backing file.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Hash == "" {
			continue
		}

		f.mu.Lock()
		f.seen[record.Hash] = record.MessageID
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkSeen(hash string, id model.MessageID) error {
	if hash == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.seen[hash]; exists {
		f.mu.Unlock()
		return nil
	}
	f.seen[hash] = id
	f.mu.Unlock()

	data, err := json.Marshal(fileRecord{Hash: hash, MessageID: id, SeenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
