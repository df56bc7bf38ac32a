package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewWriter_WritesStructuredFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("payments").With(String("tx", "abc"))
	log.Info("status changed", String("to", "completed"), Err(errors.New("boom")), Secret("key", "s3cr3t"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	want := map[string]string{"comp": "payments", "tx": "abc", "to": "completed", "err": "boom", "key": "***", "message": "status changed"}
	for k, v := range want {
		if got, _ := m[k].(string); got != v {
			t.Fatalf("%s=%q, want %q", k, got, v)
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestLogger_ZeroValueIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing")
	if l.Enabled(LevelError) {
		// zerolog.Nop is disabled at every level.
		t.Fatalf("nop logger should not be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("parseLevel(%q)=%v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if ValidLevel("verbose") {
		t.Fatalf("verbose should be invalid")
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"x","message":"High Payment Failure Rate","rate":25.5,"comp":"payments"}`)
	got := formatAlert(line)
	want := "[WARN] High Payment Failure Rate\n- comp=payments\n- rate=25.5"
	if got != want {
		t.Fatalf("formatAlert=%q, want %q", got, want)
	}

	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("non-json=%q", got)
	}
	long := strings.Repeat("a", alertMaxLen+50)
	if got := formatAlert([]byte(long)); len(got) != alertMaxLen || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation, got len=%d", len(got))
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestService_AlertSinkHonoursMinLevel(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, rec)
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("stuck order")

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 {
		t.Fatalf("alerts=%v, want exactly one", rec.msgs)
	}
	if !strings.HasPrefix(rec.msgs[0], "[ERROR] stuck order") {
		t.Fatalf("alert=%q", rec.msgs[0])
	}
}
