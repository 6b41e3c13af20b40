// Package verifier composes the quote decoder, the measurement replay
// engine, the reference image store and the on-chain registry into a single
// per-target verdict.
package verifier

import (
	"fmt"
	"strings"
	"time"
)

// TargetKind identifies what a verification target is within a deployment.
type TargetKind string

const (
	TargetKMS     TargetKind = "kms"
	TargetGateway TargetKind = "gateway"
	TargetApp     TargetKind = "app"
)

// Status is the outcome of verifying one target.
type Status string

const (
	StatusVerified            Status = "Verified"
	StatusMeasurementMismatch Status = "MeasurementMismatch"
	StatusRegistryMismatch    Status = "RegistryMismatch"
	StatusDecodeError         Status = "DecodeError"
	StatusUnreachable         Status = "Unreachable"
)

// FieldDiff records one field-level discrepancy: which field failed and the
// expected versus actual value, so an auditor can diagnose without re-running
// the pipeline.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", d.Field, d.Expected, d.Actual)
}

// Result is the immutable per-target verdict.
type Result struct {
	TargetKind TargetKind  `json:"target_kind"`
	Status     Status      `json:"status"`
	Details    []FieldDiff `json:"details,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Verified reports whether the target passed every check.
func (r *Result) Verified() bool {
	return r.Status == StatusVerified
}

// TargetSpec describes one target to verify.
type TargetSpec struct {
	Kind TargetKind

	// Quote and EventLog are the raw attestation evidence. For the kms
	// target they may be empty, in which case the registry's own copy is
	// used.
	Quote    []byte
	EventLog []byte

	// Compose is the deployment manifest content; its SHA-256 must match
	// the compose-hash event measured into RTMR3 (app targets).
	Compose []byte

	// OSImage is the reference image folder name, e.g. "dstack-0.5.3".
	OSImage string

	// AppID is the claimed application identity (hex address form).
	AppID string
}

// MismatchError collects every field-level discrepancy found for a target.
// Verification never stops at the first mismatch, so the error carries the
// complete diagnostic picture.
type MismatchError struct {
	Target TargetKind
	Diffs  []FieldDiff
}

func (e *MismatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "verifier: %s measurement mismatch (%d fields)", e.Target, len(e.Diffs))
	for _, d := range e.Diffs {
		sb.WriteString("\n\t")
		sb.WriteString(d.String())
	}
	return sb.String()
}
