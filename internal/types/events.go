package types

import (
	"time"

	"github.com/google/uuid"
)

// Event names emitted for external collaborators (email notifications, admin
// dashboards). Consumers are out of scope; publish failures never fail the
// originating operation.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionRefunded  = "subscription.refunded"
	EventQuotaExceeded         = "quota.exceeded"
	EventDeviceLimitWarning    = "device.limit.warning"
)

// Event is the envelope published to the event bus.
type Event struct {
	Name       string         `json:"name"`
	AccountID  uuid.UUID      `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}
