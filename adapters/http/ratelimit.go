package authhttp

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether one more request may pass for key within bucket.
type RateLimiter interface {
	AllowNamed(bucket string, key string) (bool, error)
}

// MemoryRateLimiter is a per-process token bucket limiter. Each key gets its own
// rate.Limiter refilling Limit tokens per Window, with a burst of Limit.
type MemoryRateLimiter struct {
	limits map[string]Limit

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorIdle is how long an unused key is kept before it is swept.
const visitorIdle = time.Hour

// NewMemoryRateLimiter builds a limiter from limits. The "default" entry applies to buckets
// without their own entry; without it such buckets are unlimited.
func NewMemoryRateLimiter(limits map[string]Limit) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (m *MemoryRateLimiter) limitFor(bucket string) (Limit, bool) {
	if l, ok := m.limits[bucket]; ok {
		return l, l.Limit > 0 && l.Window > 0
	}
	l, ok := m.limits["default"]
	return l, ok && l.Limit > 0 && l.Window > 0
}

func (m *MemoryRateLimiter) AllowNamed(bucket, key string) (bool, error) {
	l, ok := m.limitFor(bucket)
	if !ok {
		return true, nil
	}
	if strings.TrimSpace(key) == "" {
		key = bucket
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) > visitorIdle {
		for k, v := range m.visitors {
			if now.Sub(v.lastSeen) > visitorIdle {
				delete(m.visitors, k)
			}
		}
		m.lastSweep = now
	}
	v, ok := m.visitors[key]
	if !ok {
		every := l.Window / time.Duration(l.Limit)
		v = &visitor{limiter: rate.NewLimiter(rate.Every(every), l.Limit)}
		m.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}
