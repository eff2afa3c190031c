package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

func TestCatalog_Get(t *testing.T) {
	c := New()

	pro, err := c.Get(types.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(7900), pro.MonthlyPrice)
	assert.Equal(t, int64(10000), pro.Limits.QueriesPerMonth)

	_, err = c.Get(types.PlanID("platinum"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidPlan))
}

func TestCatalog_Price(t *testing.T) {
	c := New()

	monthly, err := c.Price(types.PlanPro, types.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, int64(7900), monthly)

	annual, err := c.Price(types.PlanPro, types.CycleAnnual)
	require.NoError(t, err)
	assert.Equal(t, int64(79000), annual)

	free, err := c.Price(types.PlanFree, types.CycleMonthly)
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestCatalog_List(t *testing.T) {
	c := New()
	plans := c.List()
	require.Len(t, plans, 4)
	assert.Equal(t, types.PlanFree, plans[0].ID)
	assert.Equal(t, types.PlanEnterprise, plans[3].ID)
}

func TestCatalog_FreeLimits(t *testing.T) {
	c := New()
	limits := c.FreeLimits()
	assert.Equal(t, int64(50), limits.QueriesPerMonth)
	assert.Equal(t, 1, limits.MaxDevices)
}
