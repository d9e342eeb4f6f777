package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fireside-chat/fireside/pkg/response"
)

// PerUserLimiter throttles message posting per author. Idle limiters are
// evicted so the map stays proportional to recently active users.
type PerUserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	rate     rate.Limit
	burst    int
	idle     time.Duration
	lastSweep time.Time
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerUserLimiter allows perSecond posts sustained with the given burst.
func NewPerUserLimiter(perSecond float64, burst int) *PerUserLimiter {
	return &PerUserLimiter{
		limiters:  make(map[string]*userLimiter),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		idle:      3 * time.Minute,
		lastSweep: time.Now(),
	}
}

// Allow reports whether userID may post right now.
func (l *PerUserLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > l.idle {
		for id, ul := range l.limiters {
			if now.Sub(ul.lastSeen) > l.idle {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	return ul.limiter.Allow()
}

// Middleware rejects over-limit REST posts with 429. Must run after
// RequireAuth so the user ID is in the context.
func (l *PerUserLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := GetUserID(c)
		if userID != "" && !l.Allow(userID) {
			response.TooManyRequests(c, "too many messages")
			c.Abort()
			return
		}
		c.Next()
	}
}
