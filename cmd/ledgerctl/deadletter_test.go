package main

import (
	"context"
	"testing"

	"evidenceledger/internal/domain"
	"evidenceledger/internal/infra/memstore"
	"evidenceledger/internal/usecase"

	"go.uber.org/zap"
)

func TestDeadLetterDryRunOpensNoLedger(t *testing.T) {
	lines := []domain.DeadLetterLine{
		{Line: 1, Entry: domain.DeadLetterEntry{EventType: "inspection.recorded", PayloadJSON: `{"a":1}`, TsUTC: "2026-03-01T09:00:00.000Z"}},
	}
	keys := memstore.NewReplayKeys()
	opened := false
	openLedger := func() (usecase.EventAppender, error) {
		opened = true
		return nil, nil
	}

	report, err := replayDeadLetters(context.Background(), lines, domain.ReplayDryRun, keys, openLedger, zap.NewNop())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if opened {
		t.Fatal("dry run must not open the ledger")
	}
	if len(report.Items) != 1 || report.Items[0].Outcome != domain.ReplayOutcomeWouldReplay {
		t.Fatalf("unexpected report: %+v", report)
	}
	if seen, _ := keys.Seen(context.Background(), report.Items[0].IdempotencyKey); seen {
		t.Fatal("dry run reserved a replay key")
	}
}

func TestDeadLetterLiveOpensLedger(t *testing.T) {
	opened := false
	openLedger := func() (usecase.EventAppender, error) {
		opened = true
		return nil, context.Canceled
	}
	if _, err := replayDeadLetters(context.Background(), nil, domain.ReplayLive, memstore.NewReplayKeys(), openLedger, zap.NewNop()); err == nil || !opened {
		t.Fatalf("live replay must open the ledger: opened=%v err=%v", opened, err)
	}
}
