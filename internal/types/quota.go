package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuotaKind names a metered action.
type QuotaKind string

const (
	QuotaQueries QuotaKind = "queries"
	QuotaExports QuotaKind = "exports"
	QuotaCopies  QuotaKind = "copies"
)

// Valid reports whether the kind is one of the metered actions.
func (k QuotaKind) Valid() bool {
	return k == QuotaQueries || k == QuotaExports || k == QuotaCopies
}

// QuotaWindow is the rolling period a counter accumulates over.
type QuotaWindow string

const (
	WindowMonthly QuotaWindow = "monthly"
	WindowDaily   QuotaWindow = "daily"
)

// Window returns the counting window for the kind: queries accumulate per
// billing month, exports and copies per UTC day.
func (k QuotaKind) Window() QuotaWindow {
	if k == QuotaQueries {
		return WindowMonthly
	}
	return WindowDaily
}

// UsageCounter is one account's rolling counter for a quota kind. Counters
// roll over lazily on first access after WindowEnd; there is no background
// sweep.
type UsageCounter struct {
	AccountID   uuid.UUID `json:"account_id"`
	Kind        QuotaKind `json:"kind"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
}

// Remaining returns the balance left in the current window, never negative.
func (c UsageCounter) Remaining() int64 {
	if c.Count >= c.Limit {
		return 0
	}
	return c.Limit - c.Count
}

// QuotaExceededError carries the limit and usage that caused a rejection.
// It wraps ErrQuotaExceeded so callers can match with errors.Is.
type QuotaExceededError struct {
	Kind  QuotaKind
	Limit int64
	Used  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d", e.Kind, e.Used, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }
