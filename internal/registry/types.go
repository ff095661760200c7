package registry

import (
	"fmt"
	"time"
)

// Slot is a logical role in the key hierarchy.
type Slot string

const (
	SlotRoot     Slot = "root"
	SlotPlatform Slot = "platform"
	SlotKEK      Slot = "kek"
	SlotDB       Slot = "db"
)

// Slots returns all slots in bootstrap order: a slot's parent always
// precedes it.
func Slots() []Slot {
	return []Slot{SlotRoot, SlotPlatform, SlotKEK, SlotDB}
}

// ParseSlot converts a user-supplied slot name.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotRoot, SlotPlatform, SlotKEK, SlotDB:
		return Slot(s), nil
	}
	return "", fmt.Errorf("unknown slot %q (valid: root, platform, kek, db)", s)
}

// Parent returns the slot whose key certifies this one. The root slot has
// no parent.
func (s Slot) Parent() (Slot, bool) {
	switch s {
	case SlotPlatform:
		return SlotRoot, true
	case SlotKEK:
		return SlotPlatform, true
	case SlotDB:
		return SlotKEK, true
	}
	return "", false
}

// Status is the lifecycle state of a key record. Records are never
// deleted; they only move forward through these states.
type Status string

const (
	StatusActive   Status = "active"
	StatusRetiring Status = "retiring"
	StatusRevoked  Status = "revoked"
)

// KeyRecord is the durable record of one key in one slot.
type KeyRecord struct {
	Slot        Slot      `json:"slot"`
	KeyID       string    `json:"key_id"`
	ParentKeyID string    `json:"parent_key_id,omitempty"`
	Algorithm   string    `json:"algorithm"`
	Bits        int       `json:"bits"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
}
