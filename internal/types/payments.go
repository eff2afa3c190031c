package types

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the verification state of a payment attempt.
type PaymentStatus string

const (
	PaymentInitialized PaymentStatus = "initialized" // charge created at the gateway, awaiting verification
	PaymentVerifying   PaymentStatus = "verifying"   // lookup in flight; at most one per account
	PaymentSucceeded   PaymentStatus = "succeeded"   // gateway confirmed, amount matched
	PaymentFailed      PaymentStatus = "failed"      // gateway declined, amount mismatched, or superseded
	PaymentTimedOut    PaymentStatus = "timed_out"   // gateway unreachable; eligible for re-verification
)

// Terminal reports whether the status is a cached final verification result.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// PaymentAttempt is one gateway-tracked charge cycle. Reference is opaque,
// gateway-issued, and must round-trip exactly as received. Amount is integer
// minor currency units.
type PaymentAttempt struct {
	Reference    string        `json:"reference"`
	AccountID    uuid.UUID     `json:"account_id"`
	Plan         PlanID        `json:"plan"`
	BillingCycle BillingCycle  `json:"billing_cycle"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	Status       PaymentStatus `json:"status"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DisputeKind distinguishes gateway-reported disputes from admin refunds.
type DisputeKind string

const (
	KindDispute DisputeKind = "dispute"
	KindRefund  DisputeKind = "refund"
)

// DisputeResolution is the outcome of a dispute or refund case.
type DisputeResolution string

const (
	ResolutionPending  DisputeResolution = "pending"
	ResolutionResolved DisputeResolution = "resolved"
	ResolutionRejected DisputeResolution = "rejected"
)

// DisputeOrRefund records a dispute webhook or an admin-initiated refund
// against a payment attempt.
type DisputeOrRefund struct {
	ID               uuid.UUID         `json:"id"`
	PaymentReference string            `json:"payment_reference"`
	Kind             DisputeKind       `json:"kind"`
	Amount           int64             `json:"amount"`
	ReasonNote       string            `json:"reason_note"`
	Resolution       DisputeResolution `json:"resolution"`
	CreatedAt        time.Time         `json:"created_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// GatewayCharge is the gateway's answer to an initialize call.
type GatewayCharge struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

// GatewayTransaction is the gateway's authoritative record of a charge.
type GatewayTransaction struct {
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}
