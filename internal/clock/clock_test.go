package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReal(t *testing.T) {
	before := time.Now()
	now := Real.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, Real.Since(before), time.Duration(0))
}

func TestMockClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
	assert.Equal(t, 90*time.Minute, c.Since(start))

	c.Set(start)
	assert.Equal(t, time.Duration(0), c.Since(start))
}
