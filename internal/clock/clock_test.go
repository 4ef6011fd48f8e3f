package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowIsUTC(t *testing.T) {
	now := System{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFakeAdvanceAndSet(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f := NewFake(base)

	assert.True(t, f.Now().Equal(base))

	f.Advance(90 * time.Second)
	assert.True(t, f.Now().Equal(base.Add(90*time.Second)))

	later := base.Add(time.Hour)
	f.Set(later)
	assert.True(t, f.Now().Equal(later))
}
