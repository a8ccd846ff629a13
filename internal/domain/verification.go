package domain

// CheckResult is tri-state: a check that was not executed has OK == nil.
type CheckResult struct {
	Executed   bool   `json:"executed"`
	Skipped    bool   `json:"skipped"`
	OK         *bool  `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type ChainCheck struct {
	CheckResult
	EventsChecked int             `json:"events_checked"`
	LegacyRows    int             `json:"legacy_rows"`
	Violation     *ChainViolation `json:"violation,omitempty"`
}

type SignatureFailure struct {
	EventID int64  `json:"event_id"`
	KeyID   string `json:"key_id"`
	Reason  string `json:"reason"`
}

const (
	SignatureFailureKeyNotFound = "key_not_found"
	SignatureFailureInvalid     = "signature_invalid"
)

type SignatureCheck struct {
	CheckResult
	Verified int                `json:"verified"`
	Failures []SignatureFailure `json:"failures"`
}

type AnchorMismatch struct {
	AnchorID int64  `json:"anchor_id"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type AnchorCheck struct {
	CheckResult
	AnchorsChecked int              `json:"anchors_checked"`
	Confirmed      int              `json:"confirmed"`
	Mismatches     []AnchorMismatch `json:"mismatches"`
}

type IDRange struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

type VerificationScope struct {
	Table        string  `json:"table"`
	Ordering     string  `json:"ordering"`
	EventIDRange IDRange `json:"event_id_range"`
	EventsCount  int     `json:"events_count"`
	AnchorsCount int     `json:"anchors_count"`
}

type VerificationChecks struct {
	Chain      ChainCheck     `json:"chain"`
	Signatures SignatureCheck `json:"signatures"`
	Anchors    AnchorCheck    `json:"anchors"`
}

type VerificationTiming struct {
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	DurationMS int64  `json:"duration_ms"`
}

type ToolInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// VerificationBundle is serialized as canonical JSON for evidence packages.
type VerificationBundle struct {
	SchemaVersion int                `json:"schema_version"`
	Tool          ToolInfo           `json:"tool"`
	GeneratedAt   string             `json:"generated_at"`
	Scope         VerificationScope  `json:"scope"`
	Checks        VerificationChecks `json:"checks"`
	OK            bool               `json:"ok"`
	Timing        VerificationTiming `json:"timing"`
}

const VerificationSchemaVersion = 1
