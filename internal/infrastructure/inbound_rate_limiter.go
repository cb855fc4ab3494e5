package infrastructure

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InboundRateLimiter rate-limits inbound webhook messages per
// (tenant, customer) conversation so one chatty customer cannot
// monopolize generation capacity.
type InboundRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*conversationLimiter
	rate     rate.Limit
	burst    int
}

type conversationLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInboundRateLimiter creates a limiter allowing r messages per
// second with the given burst per conversation.
func NewInboundRateLimiter(r rate.Limit, burst int) *InboundRateLimiter {
	rl := &InboundRateLimiter{
		limiters: make(map[string]*conversationLimiter),
		rate:     r,
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether another message from this conversation may be
// accepted now.
func (rl *InboundRateLimiter) Allow(tenantID, customerID string) bool {
	key := tenantID + ":" + customerID

	rl.mu.Lock()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &conversationLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// cleanup removes stale conversations periodically.
func (rl *InboundRateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) > 10*time.Minute {
				delete(rl.limiters, key)
			}
		}
		rl.mu.Unlock()
	}
}
