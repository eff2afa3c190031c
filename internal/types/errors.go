package types

import "errors"

// Domain specific errors for the subscription and entitlement engine.
var (
	ErrNotFound = errors.New("requested item not found")
	ErrConflict = errors.New("item already exists or conflict")

	// Subscription state machine.
	ErrInvalidPlan          = errors.New("plan is not in the catalog")
	ErrAlreadyOnPlan        = errors.New("account is already on this plan")
	ErrNoActiveSubscription = errors.New("account has no subscription")

	// Payment verification.
	ErrUnknownReference = errors.New("unknown payment reference")
	ErrAmountMismatch   = errors.New("gateway amount does not match expected price")
	ErrGatewayTimeout   = errors.New("payment gateway timed out")

	// Quota ledger.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// Dispute/refund reconciliation.
	ErrNoSuchPayment        = errors.New("payment not found for account")
	ErrRefundExceedsPayment = errors.New("refund amount exceeds original payment")
)
