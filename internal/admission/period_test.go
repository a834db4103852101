package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodLengthDays(t *testing.T) {
	t.Run("daily is always one day", func(t *testing.T) {
		assert.Equal(t, 1, PeriodLengthDays("daily", time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("weekly is always seven days", func(t *testing.T) {
		assert.Equal(t, 7, PeriodLengthDays("weekly", time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)))
	})

	t.Run("monthly is the full length of that month, not what's left", func(t *testing.T) {
		// Checked on the last day of February (a 28-day month in 2026).
		assert.Equal(t, 28, PeriodLengthDays("monthly", time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, 31, PeriodLengthDays("monthly", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	})
}

func TestBudgetTTLIsFullPeriodNotRemaining(t *testing.T) {
	// Checked near the end of a 31-day month: the remaining days in the
	// period is tiny, but the TTL must still cover the whole month so a
	// reservation made on day 30 doesn't expire before the period rolls over.
	lateInMonth := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 31*24*time.Hour, budgetTTL("monthly", lateInMonth))

	assert.Equal(t, 24*time.Hour, budgetTTL("daily", lateInMonth))
	assert.Equal(t, 7*24*time.Hour, budgetTTL("weekly", lateInMonth))
}
