package verify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCeiling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(3, 0)
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, w.Allow("example.com"), "probe %d", i)
		w.Record("example.com")
	}
	assert.False(t, w.Allow("example.com"))
	assert.Equal(t, 0, w.Remaining("example.com"))

	// Another domain is unaffected.
	assert.True(t, w.Allow("other.com"))
}

func TestWindowResetsAfterAnHour(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(1, 0)
	w.now = func() time.Time { return now }

	w.Record("example.com")
	assert.False(t, w.Allow("example.com"))

	now = now.Add(59 * time.Minute)
	assert.False(t, w.Allow("example.com"))

	now = now.Add(2 * time.Minute)
	assert.True(t, w.Allow("example.com"))
	assert.Equal(t, 1, w.Remaining("example.com"))
}

func TestWindowMinDelay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(10, 5*time.Second)
	w.now = func() time.Time { return now }

	assert.True(t, w.Allow("example.com"))
	w.Record("example.com")

	now = now.Add(2 * time.Second)
	assert.False(t, w.Allow("example.com"), "within the minimum delay")

	now = now.Add(4 * time.Second)
	assert.True(t, w.Allow("example.com"))
}

func TestWindowRefusalLeavesNoTrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(1, time.Minute)
	w.now = func() time.Time { return now }

	w.Record("example.com")
	for i := 0; i < 5; i++ {
		assert.False(t, w.Allow("example.com"))
	}
	assert.Equal(t, 0, w.Remaining("example.com"))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, w.Remaining("example.com"))
}
