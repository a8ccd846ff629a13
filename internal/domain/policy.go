package domain

import (
	"strings"
)

// PayloadPolicyInput is the document a payload policy evaluates.
type PayloadPolicyInput struct {
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}

type PolicyEvaluation struct {
	BundleID   string       `json:"bundle_id,omitempty"`
	BundleHash string       `json:"bundle_hash"`
	Result     PolicyResult `json:"result"`
}

// PayloadRejectedError is returned when the payload policy denies an append.
type PayloadRejectedError struct {
	EventType string
	Deny      []PolicyDeny
}

func (e *PayloadRejectedError) Error() string {
	codes := make([]string, 0, len(e.Deny))
	for _, d := range e.Deny {
		codes = append(codes, d.Code)
	}
	return "payload rejected for " + e.EventType + ": " + strings.Join(codes, ",")
}

func (e *PayloadRejectedError) Unwrap() error {
	return ErrInvalidArgument
}
