package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDailyWindow(t *testing.T) {
	now := time.Date(2026, time.March, 15, 17, 42, 3, 0, time.UTC)
	start, end := dailyWindow(now)
	assert.Equal(t, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.March, 16, 0, 0, 0, 0, time.UTC), end)
}

func TestMonthlyWindow(t *testing.T) {
	t.Run("now after anchor day", func(t *testing.T) {
		now := time.Date(2026, time.March, 20, 12, 0, 0, 0, time.UTC)
		start, end := monthlyWindow(now, 15)
		assert.Equal(t, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, time.April, 15, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("now before anchor day rolls back a month", func(t *testing.T) {
		now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
		start, end := monthlyWindow(now, 15)
		assert.Equal(t, time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("anchor day 31 clamps in short months", func(t *testing.T) {
		now := time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC)
		start, end := monthlyWindow(now, 31)
		assert.Equal(t, time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("zero anchor defaults to first of month", func(t *testing.T) {
		now := time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
		start, end := monthlyWindow(now, 0)
		assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), start)
		assert.Equal(t, time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC), end)
	})
}
