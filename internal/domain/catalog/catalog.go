package catalog

import (
	"fmt"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

// Catalog is the static table of plan tiers. Plans are defined at build time
// and never mutated at runtime.
type Catalog struct {
	plans map[types.PlanID]types.Plan
	order []types.PlanID
}

// New returns the built-in plan catalog. Prices are minor currency units.
func New() *Catalog {
	plans := []types.Plan{
		{
			ID: types.PlanFree,
			Limits: types.QuotaLimits{
				QueriesPerMonth:   50,
				ExportsPerDay:     2,
				CopiesPerDay:      10,
				MaxDevices:        1,
				MaxLinksPerExport: 10,
			},
		},
		{
			ID:           types.PlanStarter,
			MonthlyPrice: 2900,
			AnnualPrice:  29000,
			Limits: types.QuotaLimits{
				QueriesPerMonth:   1000,
				ExportsPerDay:     5,
				CopiesPerDay:      25,
				MaxDevices:        2,
				MaxLinksPerExport: 50,
			},
		},
		{
			ID:           types.PlanPro,
			MonthlyPrice: 7900,
			AnnualPrice:  79000,
			Limits: types.QuotaLimits{
				QueriesPerMonth:   10000,
				ExportsPerDay:     20,
				CopiesPerDay:      100,
				MaxDevices:        5,
				MaxLinksPerExport: 200,
			},
		},
		{
			ID:           types.PlanEnterprise,
			MonthlyPrice: 19900,
			AnnualPrice:  199000,
			Limits: types.QuotaLimits{
				QueriesPerMonth:   100000,
				ExportsPerDay:     100,
				CopiesPerDay:      500,
				MaxDevices:        20,
				MaxLinksPerExport: 1000,
			},
		},
	}

	c := &Catalog{plans: make(map[types.PlanID]types.Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c
}

// Get returns the plan for id or ErrInvalidPlan.
func (c *Catalog) Get(id types.PlanID) (types.Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return types.Plan{}, fmt.Errorf("plan %q: %w", id, types.ErrInvalidPlan)
	}
	return p, nil
}

// Price returns the charge amount for id under the given billing cycle.
func (c *Catalog) Price(id types.PlanID, cycle types.BillingCycle) (int64, error) {
	p, err := c.Get(id)
	if err != nil {
		return 0, err
	}
	return p.Price(cycle), nil
}

// List returns all plans in tier order.
func (c *Catalog) List() []types.Plan {
	out := make([]types.Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// FreeLimits returns the free tier's quota limits, the entitlement floor an
// account falls back to when its subscription is not active.
func (c *Catalog) FreeLimits() types.QuotaLimits {
	return c.plans[types.PlanFree].Limits
}
