package companion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kindredhq/kindred/internal/config"
)

// JournalEvent is one NDJSON record of conversation activity.
type JournalEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	EventType  string         `json:"event_type"`
	ExchangeID string         `json:"exchange_id,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Journal records conversation activity for later review. Log never blocks
// the caller: events are queued and written by a background goroutine, and
// dropped (with a warning) if the queue is full.
type Journal interface {
	Log(event JournalEvent)
	Close() error
}

// NopJournal discards all events.
type NopJournal struct{}

// Log implements Journal.
func (NopJournal) Log(JournalEvent) {}

// Close implements Journal.
func (NopJournal) Close() error { return nil }

// fileJournal writes one NDJSON file per user/session under dir, plus an
// optional combined global file.
type fileJournal struct {
	cfg    config.JournalConfig
	queue  chan JournalEvent
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	dropMu  sync.Mutex
	dropped int64
}

// NewJournal creates a journal per the config. When journaling is disabled a
// no-op journal is returned.
func NewJournal(cfg config.JournalConfig, logger *slog.Logger) (Journal, error) {
	if !cfg.Enabled {
		return NopJournal{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global journal directory: %w", err)
		}
	}

	j := &fileJournal{
		cfg:    cfg,
		queue:  make(chan JournalEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// Log queues an event for writing, dropping it if the queue is full.
func (j *fileJournal) Log(event JournalEvent) {
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.queue <- event:
	default:
		j.dropMu.Lock()
		j.dropped++
		dropped := j.dropped
		j.dropMu.Unlock()
		j.logger.Warn("Journal queue full, dropping event",
			"event_type", event.EventType,
			"dropped_total", dropped,
		)
	}
}

// Close stops accepting events, flushes the queue, and waits for the writer.
func (j *fileJournal) Close() error {
	close(j.done)
	close(j.queue)
	j.wg.Wait()
	return nil
}

func (j *fileJournal) writeLoop() {
	defer j.wg.Done()
	for event := range j.queue {
		j.write(event)
	}
}

func (j *fileJournal) write(event JournalEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.Warn("Failed to marshal journal event", "error", err)
		return
	}
	line = append(line, '\n')

	sessionPath := filepath.Join(j.cfg.Dir, sanitizePathComponent(event.UserID), sanitizePathComponent(event.SessionID)+".ndjson")
	if err := appendLine(sessionPath, line); err != nil {
		j.logger.Warn("Failed to write session journal", "path", sessionPath, "error", err)
	}

	if j.cfg.GlobalEnabled {
		if err := appendLine(j.cfg.GlobalPath, line); err != nil {
			j.logger.Warn("Failed to write global journal", "path", j.cfg.GlobalPath, "error", err)
		}
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// sanitizePathComponent keeps journal paths inside the journal directory even
// if an id somehow contains separators.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	return filepath.Base(filepath.Clean(s))
}
