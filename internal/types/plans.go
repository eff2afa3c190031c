package types

import "math"

// PlanID identifies a catalog plan tier.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanStarter    PlanID = "starter"
	PlanPro        PlanID = "pro"
	PlanEnterprise PlanID = "enterprise"
)

// BillingCycle is the renewal period of a subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Valid reports whether the cycle is one of the supported values.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// QuotaLimits are the metered ceilings a plan unlocks.
type QuotaLimits struct {
	QueriesPerMonth   int64 `json:"queries_per_month"`
	ExportsPerDay     int64 `json:"exports_per_day"`
	CopiesPerDay      int64 `json:"copies_per_day"`
	MaxDevices        int   `json:"max_devices"`
	MaxLinksPerExport int   `json:"max_links_per_export"`
}

// Plan is an immutable catalog entry. Prices are integer minor currency units.
type Plan struct {
	ID           PlanID      `json:"id"`
	MonthlyPrice int64       `json:"monthly_price"`
	AnnualPrice  int64       `json:"annual_price"`
	Limits       QuotaLimits `json:"limits"`
}

// Price returns the charge amount for the given billing cycle.
func (p Plan) Price(cycle BillingCycle) int64 {
	if cycle == CycleAnnual {
		return p.AnnualPrice
	}
	return p.MonthlyPrice
}

// ConvertMinorUnits converts an amount to a secondary display currency at the
// given rate. Read-time transform only; the converted value is never persisted
// as an attempt's recorded amount.
func ConvertMinorUnits(amount int64, rate float64) int64 {
	return int64(math.Round(float64(amount) * rate))
}
