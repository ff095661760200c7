package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a lifecycle failure. Every error surfaced by the rotation
// pipeline carries exactly one Kind so callers and the CLI can name the
// failure without string matching.
type Kind string

const (
	// KindNoActiveKey means a slot has nothing to rotate from, or its
	// parent chain is incomplete.
	KindNoActiveKey Kind = "NoActiveKey"

	// KindBackupUnavailable means the backup target was not writable.
	// A rotation never proceeds past this.
	KindBackupUnavailable Kind = "BackupUnavailable"

	// KindKeyGenerationFailed means the key store adapter failed to mint
	// a replacement. The outgoing key stays active; safe to retry.
	KindKeyGenerationFailed Kind = "KeyGenerationFailed"

	// KindConflictingUpdate means a compare-and-swap on the registry lost
	// a race with a concurrent operation on the same slot. Safe to retry
	// from scratch.
	KindConflictingUpdate Kind = "ConflictingUpdate"

	// KindAuditWriteFailed means a ledger append failed. State changes
	// that had not been audited yet are rolled back.
	KindAuditWriteFailed Kind = "AuditWriteFailed"
)

// Stage names the pipeline step a lifecycle error occurred in.
type Stage string

const (
	StageLocate   Stage = "locate"
	StageBackup   Stage = "backup"
	StageGenerate Stage = "generate"
	StageActivate Stage = "activate"
	StageRevoke   Stage = "revoke"
	StageAudit    Stage = "audit"
)

// LifecycleError is a classified failure from the key lifecycle pipeline.
// It always carries the slot and, where known, the key id and stage, so
// nothing has to be reconstructed from the message text.
type LifecycleError struct {
	Kind  Kind
	Slot  string
	KeyID string
	Stage Stage

	Message string
	Err     error
}

func (e *LifecycleError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Slot != "" {
		fmt.Fprintf(&b, ": slot %s", e.Slot)
	}
	if e.KeyID != "" {
		fmt.Fprintf(&b, " (key %s)", e.KeyID)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " at stage %s", e.Stage)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or "" if err is not a
// LifecycleError.
func KindOf(err error) Kind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}
