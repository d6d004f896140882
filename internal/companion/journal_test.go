package companion

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kindredhq/kindred/internal/config"
)

func testJournalConfig(t *testing.T) config.JournalConfig {
	t.Helper()
	dir := t.TempDir()
	return config.JournalConfig{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: false,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
		QueueSize:     16,
	}
}

// waitForJournalLines polls until the file holds at least n NDJSON lines. The
// journal writes asynchronously, so tests must wait for the writer goroutine.
func waitForJournalLines(t *testing.T, path string, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
			if len(lines) >= n && len(lines[0]) > 0 {
				return lines
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("journal file %s never reached %d lines", path, n)
	return nil
}

func TestJournalDisabledReturnsNop(t *testing.T) {
	t.Parallel()

	j, err := NewJournal(config.JournalConfig{Enabled: false}, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	if _, ok := j.(NopJournal); !ok {
		t.Errorf("disabled journal is %T, want NopJournal", j)
	}
	j.Log(JournalEvent{EventType: "user_message"})
	if err := j.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestJournalWritesSessionFile(t *testing.T) {
	t.Parallel()

	cfg := testJournalConfig(t)
	j, err := NewJournal(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			t.Errorf("Close failed: %v", closeErr)
		}
	}()

	j.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     "anon_u",
		SessionID:  "tab-1",
		EventType:  "user_message",
		ExchangeID: "ex-1",
		Content:    "hello",
	})
	j.Log(JournalEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     "anon_u",
		SessionID:  "tab-1",
		EventType:  "assistant_reply",
		ExchangeID: "ex-1",
		Content:    "hi there",
	})

	path := filepath.Join(cfg.Dir, "anon_u", "tab-1.ndjson")
	lines := waitForJournalLines(t, path, 2)

	var first, second JournalEvent
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("unmarshal line 1: %v", err)
	}
	if first.EventType != "user_message" || first.Content != "hello" {
		t.Errorf("line 0: %+v", first)
	}
	if second.EventType != "assistant_reply" || second.ExchangeID != "ex-1" {
		t.Errorf("line 1: %+v", second)
	}
}

func TestJournalGlobalFile(t *testing.T) {
	t.Parallel()

	cfg := testJournalConfig(t)
	cfg.GlobalEnabled = true
	j, err := NewJournal(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			t.Errorf("Close failed: %v", closeErr)
		}
	}()

	j.Log(JournalEvent{UserID: "anon_a", SessionID: "s1", EventType: "user_message"})
	j.Log(JournalEvent{UserID: "anon_b", SessionID: "s2", EventType: "user_message"})

	// Both conversations land in the combined file.
	lines := waitForJournalLines(t, cfg.GlobalPath, 2)
	if len(lines) != 2 {
		t.Errorf("global file has %d lines, want 2", len(lines))
	}
}

func TestJournalSanitizesIDs(t *testing.T) {
	t.Parallel()

	cfg := testJournalConfig(t)
	j, err := NewJournal(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	defer func() {
		if closeErr := j.Close(); closeErr != nil {
			t.Errorf("Close failed: %v", closeErr)
		}
	}()

	// Path separators in ids must not escape the journal directory.
	j.Log(JournalEvent{UserID: "../../etc", SessionID: "../passwd", EventType: "user_message"})

	path := filepath.Join(cfg.Dir, "etc", "passwd.ndjson")
	waitForJournalLines(t, path, 1)
}

func TestSanitizePathComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"anon_abc", "anon_abc"},
		{"", "unknown"},
		{"../escape", "escape"},
		{"a/b/c", "c"},
	}
	for _, tt := range tests {
		if got := sanitizePathComponent(tt.in); got != tt.want {
			t.Errorf("sanitizePathComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
