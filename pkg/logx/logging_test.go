package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	chat  int64
	got   chan struct{}
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.chat = chatID
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestNewJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("cycle done", Int64("channel_id", 412), Int("moved", 2), String("comp", "override"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["message"] != "cycle done" || m["channel_id"] != float64(412) || m["moved"] != float64(2) {
		t.Fatalf("unexpected line: %v", m)
	}
	if !strings.HasPrefix(m["caller"].(string), "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	log.Error("nothing happens", Err(nil))
}

func TestChatSinkFiltersByLevel(t *testing.T) {
	rec := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, rec)
	defer svc.Close()

	log.Info("below threshold")
	log.Warn("upstream slow", String("op", "list_streams"))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("chat sink did not deliver")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 {
		t.Fatalf("delivered %d lines, want 1: %q", len(rec.lines), rec.lines)
	}
	if rec.chat != -100 {
		t.Fatalf("chat = %d", rec.chat)
	}
	want := "[WARN] upstream slow\n- op=list_streams"
	if rec.lines[0] != want {
		t.Fatalf("line = %q, want %q", rec.lines[0], want)
	}
}

func TestFormatChatLineTruncates(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"level":   "error",
		"message": "boom",
		"stack":   strings.Repeat("x", 2000),
	})
	got := formatChatLine(raw)
	if !strings.HasPrefix(got, "[ERROR] boom\n- stack=") {
		t.Fatalf("prefix = %q", got[:30])
	}
	if !strings.HasSuffix(got, "...") || len(got) > len("[ERROR] boom\n- stack=")+900 {
		t.Fatalf("stack not truncated, len=%d", len(got))
	}
}
