package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"gopherchat/internal/transport/http/response"
)

const limiterIdleTTL = 10 * time.Minute

type ownerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OwnerRateLimiter hands out one token bucket per owner. Buckets idle for
// longer than limiterIdleTTL are dropped on the next sweep.
type OwnerRateLimiter struct {
	perMinute int

	mu        sync.Mutex
	limiters  map[string]*ownerLimiter
	lastSweep time.Time
	now       func() time.Time
}

func NewOwnerRateLimiter(perMinute int) *OwnerRateLimiter {
	return &OwnerRateLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*ownerLimiter),
		now:       time.Now,
	}
}

func (l *OwnerRateLimiter) Allow(ownerID string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[ownerID]
	if !ok {
		entry = &ownerLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
		l.limiters[ownerID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// RateLimitByOwner must run after AuthJWT.
func RateLimitByOwner(limiter *OwnerRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, _ := OwnerID(c)
		if !limiter.Allow(ownerID) {
			response.Error(c, http.StatusTooManyRequests, response.CodeTooManyRequests, "too many turns, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}
