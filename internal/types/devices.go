package types

import (
	"time"

	"github.com/google/uuid"
)

// DeviceRecord tracks one device that signed in to an account. The live set
// is bounded by the plan's MaxDevices; stale entries are evicted, never
// accumulated.
type DeviceRecord struct {
	AccountID   uuid.UUID `json:"account_id"`
	DeviceID    string    `json:"device_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DeviceAdmission is the outcome of an admission check. Admission never hard
// blocks: over-limit logins are admitted with Warning set and the least
// recently seen device evicted.
type DeviceAdmission struct {
	DeviceID        string `json:"device_id"`
	Warning         bool   `json:"warning"`
	EvictedDeviceID string `json:"evicted_device_id,omitempty"`
}
