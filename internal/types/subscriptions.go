package types

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the lifecycle state of an account's subscription.
type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpiring  SubscriptionStatus = "expiring"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionRefunded  SubscriptionStatus = "refunded"
)

// Entitled reports whether the state grants paid-plan entitlements.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionActive || s == SubscriptionExpiring
}

// Subscription is an account's plan enrollment. Exactly one record exists per
// account once a plan has been selected; it is mutated by the state machine
// and never deleted (retained for audit and refund history).
// Invariant: NextBillingDate is nil only when Status is none, cancelled or
// refunded.
type Subscription struct {
	AccountID            uuid.UUID          `json:"account_id"`
	Plan                 PlanID             `json:"plan"`
	BillingCycle         BillingCycle       `json:"billing_cycle"`
	Status               SubscriptionStatus `json:"status"`
	StartDate            time.Time          `json:"start_date"`
	NextBillingDate      *time.Time         `json:"next_billing_date,omitempty"`
	AutoRenew            bool               `json:"auto_renew"`
	LastPaymentReference string             `json:"last_payment_reference,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}
