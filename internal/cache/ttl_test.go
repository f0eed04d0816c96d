package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache_GetSet(t *testing.T) {
	c := NewTTL[string]()
	now := time.Now()

	_, ok := c.Get("missing", now)
	assert.False(t, ok)

	c.Set("a", "value", now.Add(time.Minute))

	got, ok := c.Get("a", now)
	assert.True(t, ok)
	assert.Equal(t, "value", got)

	// Expired entries miss but are not deleted on read.
	_, ok = c.Get("a", now.Add(2*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCache_ExpiryBoundary(t *testing.T) {
	c := NewTTL[int]()
	now := time.Now()
	c.Set("k", 1, now.Add(time.Minute))

	_, ok := c.Get("k", now.Add(time.Minute))
	assert.False(t, ok, "entry at exact expiry instant should miss")

	_, ok = c.Get("k", now.Add(time.Minute-time.Nanosecond))
	assert.True(t, ok)
}

func TestTTLCache_Sweep(t *testing.T) {
	c := NewTTL[int]()
	now := time.Now()
	c.Set("live", 1, now.Add(time.Hour))
	c.Set("dead1", 2, now.Add(-time.Second))
	c.Set("dead2", 3, now)

	removed := c.Sweep(now)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("live", now)
	assert.True(t, ok)
}

func TestTTLCache_DeletePrefix(t *testing.T) {
	c := NewTTL[int]()
	expiry := time.Now().Add(time.Hour)
	c.Set("LIC-A:hwid-1", 1, expiry)
	c.Set("LIC-A:hwid-2", 2, expiry)
	c.Set("LIC-B:hwid-1", 3, expiry)

	removed := c.DeletePrefix("LIC-A:")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

func TestTTLCache_Clear(t *testing.T) {
	c := NewTTL[int]()
	c.Set("a", 1, time.Now().Add(time.Hour))
	c.Set("b", 2, time.Now().Add(time.Hour))
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
