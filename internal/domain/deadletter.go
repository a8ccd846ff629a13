package domain

// DeadLetterEntry is one JSONL line recording an append that never reached
// the ledger.
type DeadLetterEntry struct {
	EventType      string `json:"event_type"`
	PayloadJSON    string `json:"payload_json"`
	ActorID        string `json:"actor_id,omitempty"`
	ArtifactSHA256 string `json:"artifact_sha256,omitempty"`
	ArtifactRef    string `json:"artifact_ref,omitempty"`
	Error          string `json:"error"`
	TsUTC          string `json:"ts_utc"`
}

// DeadLetterLine is one line read back from the file. ParseError is set when
// the line is not a valid entry.
type DeadLetterLine struct {
	Line       int             `json:"line"`
	Entry      DeadLetterEntry `json:"entry"`
	ParseError string          `json:"parse_error,omitempty"`
}

type ReplayMode string

const (
	ReplayDryRun ReplayMode = "dry-run"
	ReplayLive   ReplayMode = "live"
)

type ReplayItem struct {
	Line           int    `json:"line"`
	IdempotencyKey string `json:"idempotency_key"`
	EventType      string `json:"event_type"`
	Outcome        string `json:"outcome"`
	EventID        int64  `json:"event_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

const (
	ReplayOutcomeWouldReplay = "would_replay"
	ReplayOutcomeReplayed    = "replayed"
	ReplayOutcomeSkipped     = "already_replayed"
	ReplayOutcomeInvalid     = "invalid"
	ReplayOutcomeFailed      = "failed"
)

type ReplayReport struct {
	Mode     ReplayMode   `json:"mode"`
	Total    int          `json:"total"`
	Replayed int          `json:"replayed"`
	Skipped  int          `json:"skipped"`
	Failed   int          `json:"failed"`
	Items    []ReplayItem `json:"items"`
}
