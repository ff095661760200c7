// Package ledger implements the two append-only, tamper-evident logs the
// lifecycle pipeline writes to: the audit log and the revocation list. Both
// are JSON-lines files with a monotonic sequence number assigned under a
// single lock, and neither supports rewriting or deleting entries.
package ledger

// Audit actions. The set is closed: the registry can be re-derived by
// replaying these actions in sequence order.
const (
	ActionKeyCreated         = "key_created"
	ActionBackupCreated      = "backup_created"
	ActionKeyActivated       = "key_activated"
	ActionKeyRevoked         = "key_revoked"
	ActionRotationCompleted  = "rotation_completed"
	ActionRotationRolledBack = "rotation_rolled_back"
	ActionBootstrapCompleted = "bootstrap_completed"
	ActionEmergencyStarted   = "emergency_started"
	ActionEmergencyCompleted = "emergency_completed"
	ActionIncidentCreated    = "incident_created"
	ActionIncidentResolved   = "incident_resolved"
)

// Audit severities
const (
	SeverityInfo = "info"
	SeverityHigh = "high"
)

// Revocation reasons
const (
	ReasonRotation   = "rotation"
	ReasonCompromise = "compromise"
	ReasonEmergency  = "emergency"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Slot         string
	Action       string
	SubjectKeyID string
	Limit        int
}
