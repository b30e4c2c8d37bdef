package authhttp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter_RefillsPerWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewMemoryRateLimiter(map[string]Limit{
		"default":  {Limit: 2, Window: time.Minute},
		"disabled": {Limit: 0, Window: time.Minute},
	})
	rl.now = func() time.Time { return now }

	allow := func(bucket, key string) bool {
		ok, err := rl.AllowNamed(bucket, key)
		require.NoError(t, err)
		return ok
	}
	require.True(t, allow("any", "k1"))
	require.True(t, allow("any", "k1"))
	require.False(t, allow("any", "k1"))
	require.True(t, allow("any", "k2"), "keys are independent")

	now = now.Add(30 * time.Second)
	require.True(t, allow("any", "k1"))
	require.False(t, allow("any", "k1"))

	for i := 0; i < 10; i++ {
		require.True(t, allow("disabled", "k1"))
	}
}

func TestMemoryRateLimiter_SweepsIdleKeys(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewMemoryRateLimiter(map[string]Limit{"default": {Limit: 1, Window: time.Minute}})
	rl.now = func() time.Time { return now }

	_, _ = rl.AllowNamed("b", "old")
	now = now.Add(2 * visitorIdle)
	_, _ = rl.AllowNamed("b", "new")
	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.NotContains(t, rl.visitors, "old")
	require.Contains(t, rl.visitors, "new")
}

func TestDefaultRateLimits(t *testing.T) {
	l := DefaultRateLimits()
	require.Equal(t, Limit{Limit: 30, Window: 10 * time.Minute}, l[RLLoginStart])
	require.Equal(t, Limit{Limit: 60, Window: 10 * time.Minute}, l[RLLoginCallback])
	require.Equal(t, Limit{Limit: 120, Window: time.Minute}, l["default"])
}
