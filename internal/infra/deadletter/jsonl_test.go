package deadletter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evidenceledger/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dead_letter.jsonl")
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_dead_letter_total"}, []string{"outcome"})
	rec, err := NewRecorder(path, WithCounter(counter))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	entries := []domain.DeadLetterEntry{
		{EventType: "inspection.recorded", PayloadJSON: `{"a":1}`, ActorID: "user-1", Error: "db down", TsUTC: "2026-03-01T10:00:00.000Z"},
		{EventType: "inventory.adjusted", PayloadJSON: `{"b":2}`, Error: "db down", TsUTC: "2026-03-01T10:00:01.000Z"},
	}
	for _, e := range entries {
		if !rec.Append(e) {
			t.Fatalf("append %s failed", e.EventType)
		}
	}
	if rec.Written() != 2 {
		t.Fatalf("expected 2 written, got %d", rec.Written())
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("written")); got != 2 {
		t.Fatalf("expected counter 2, got %v", got)
	}

	lines, err := rec.ReadAll()
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Line != 1 || lines[1].Line != 2 {
		t.Fatalf("unexpected line numbers %d %d", lines[0].Line, lines[1].Line)
	}
	if lines[0].Entry != entries[0] || lines[1].Entry != entries[1] {
		t.Fatal("entries did not round-trip")
	}
}

func TestRecorder_AppendNeverPanicsOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	rec, err := NewRecorder(filepath.Join(blocker, "dead_letter.jsonl"))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if rec.Append(domain.DeadLetterEntry{EventType: "x", TsUTC: "t"}) {
		t.Fatal("expected append to report failure")
	}
	if rec.Failed() != 1 {
		t.Fatalf("expected failure counted, got %d", rec.Failed())
	}
}

func TestReadFile_ReportsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.jsonl")
	content := strings.Join([]string{
		`{"event_type":"a","payload_json":"{}","error":"e","ts_utc":"2026-03-01T10:00:00.000Z"}`,
		`not json`,
		``,
		`{"payload_json":"{}"}`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 non-empty lines, got %d", len(lines))
	}
	if lines[0].ParseError != "" {
		t.Fatalf("line 1 should parse: %s", lines[0].ParseError)
	}
	if lines[1].Line != 2 || lines[1].ParseError == "" {
		t.Fatal("line 2 should be reported malformed")
	}
	if lines[2].Line != 4 || lines[2].ParseError == "" {
		t.Fatal("line 4 should be reported incomplete")
	}
}

func TestReadFile_MissingFileIsEmpty(t *testing.T) {
	lines, err := ReadFile(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil || len(lines) != 0 {
		t.Fatalf("expected empty result, got %v %v", lines, err)
	}
}
