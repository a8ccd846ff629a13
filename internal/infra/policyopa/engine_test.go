package policyopa

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"evidenceledger/internal/domain"
)

func TestEngineDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	input := domain.PayloadPolicyInput{
		EventType: "inspection.recorded",
		Payload:   map[string]any{"inspection_id": "insp-1", "result": "pass"},
	}

	first, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate first: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluate second: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected deterministic policy evaluation")
	}
	if !first.Result.Allow {
		t.Fatalf("expected allow, got deny %+v", first.Result.Deny)
	}
	if first.BundleHash == "" || first.BundleID != DefaultBundleID {
		t.Fatalf("unexpected bundle identity: %+v", first)
	}
}

func TestEnginePayloadDenies(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name      string
		eventType string
		payload   map[string]any
		want      []string
	}{
		{
			name:      "upper case type",
			eventType: "Inspection.Recorded",
			payload:   map[string]any{},
			want:      []string{"EVENT_TYPE_INVALID"},
		},
		{
			name:      "undotted type",
			eventType: "inspection",
			payload:   map[string]any{},
			want:      []string{"EVENT_TYPE_INVALID"},
		},
		{
			name:      "reserved prefix",
			eventType: "key_lifecycle.request_created",
			payload:   map[string]any{},
			want:      []string{"EVENT_TYPE_RESERVED"},
		},
		{
			name:      "missing fields",
			eventType: "custody.transferred",
			payload:   map[string]any{"item_id": "box-9"},
			want:      []string{"FIELD_MISSING", "FIELD_MISSING"},
		},
		{
			name:      "wrong field type",
			eventType: "document.attested",
			payload:   map[string]any{"document_id": 42, "sha256": "ab"},
			want:      []string{"FIELD_TYPE"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Evaluate(context.Background(), domain.PayloadPolicyInput{
				EventType: tt.eventType,
				Payload:   tt.payload,
			})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if out.Result.Allow {
				t.Fatalf("expected deny")
			}
			if got := denyOrder(out.Result.Deny); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("deny codes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineAllowsUnknownWellFormedType(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Validate(context.Background(), "sensor.reading_taken", map[string]any{"celsius": 4.5}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := engine.Validate(context.Background(), "sensor.reading_taken", nil); err != nil {
		t.Fatalf("validate nil payload: %v", err)
	}
}

func TestValidateReturnsRejection(t *testing.T) {
	engine := newTestEngine(t)
	err := engine.Validate(context.Background(), "anchor.confirmed", map[string]any{})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	var rejected *domain.PayloadRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected payload rejection, got %T", err)
	}
	if rejected.EventType != "anchor.confirmed" || len(rejected.Deny) != 1 {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
}

func TestEngineFromBundlePath(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package evidenceledger.payload
result := {"allow": false, "deny": [{"code": "CLOSED"}]}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	engine, err := NewEngineFromBundlePath(context.Background(), dir, "closed")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	out, err := engine.Evaluate(context.Background(), domain.PayloadPolicyInput{EventType: "a.b"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Result.Allow || out.BundleID != "closed" {
		t.Fatalf("unexpected evaluation: %+v", out)
	}
}

func TestEngineRejectsTimeBuiltin(t *testing.T) {
	rejectBuiltin(t, "time.now_ns()")
}

func TestEngineRejectsHttpSend(t *testing.T) {
	rejectBuiltin(t, "http.send({\"method\": \"get\", \"url\": \"https://example.com\"})")
}

func TestEngineRejectsRand(t *testing.T) {
	rejectBuiltin(t, "rand.intn(\"seed\", 10)")
}

func rejectBuiltin(t *testing.T, expr string) {
	t.Helper()
	dir := t.TempDir()
	regoContent := `package evidenceledger.payload
result := {"allow": true, "deny": []} {
  ` + expr + `
}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}

	_, err := NewEngineFromBundlePath(context.Background(), dir, "test")
	if err == nil {
		t.Fatalf("expected builtin to be rejected")
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewDefaultEngine(context.Background())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func denyOrder(deny []domain.PolicyDeny) []string {
	out := make([]string, 0, len(deny))
	for _, item := range deny {
		out = append(out, item.Code)
	}
	return out
}

func TestEngineReadsBundleData(t *testing.T) {
	dir := t.TempDir()
	regoContent := `package evidenceledger.payload
default allowed = false
allowed {
  data.allowed_types[_] == input.event_type
}
result := {"allow": allowed, "deny": []}`
	if err := os.WriteFile(filepath.Join(dir, "policy.rego"), []byte(regoContent), 0o644); err != nil {
		t.Fatalf("write rego: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"allowed_types":["a.b"]}`), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	engine, err := NewEngineFromBundlePath(context.Background(), dir, "data")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	out, err := engine.Evaluate(context.Background(), domain.PayloadPolicyInput{EventType: "a.b"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Result.Allow {
		t.Fatalf("expected allow from bundle data")
	}
}
