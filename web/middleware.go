package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/domain"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter holds rate limiters for different IP addresses
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// getLimiter returns the rate limiter for a given IP address
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}

	return limiter
}

// cleanupOldLimiters drops all limiters once the map grows large
func (rl *RateLimiter) cleanupOldLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	rl.once.Do(func() { go rl.cleanupOldLimiters() })

	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

const requesterKey = "requester"

// RequesterMiddleware resolves who is asking. A signed GET must verify;
// unsigned requests continue as anonymous.
func RequesterMiddleware(verifier activitypub.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Signature") == "" && c.GetHeader("Authorization") == "" {
			c.Set(requesterKey, domain.Anonymous)
			c.Next()
			return
		}
		signer, err := verifier.Verify(c.Request.Context(), c.Request, nil)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(requesterKey, domain.RequesterFor(signer))
		c.Next()
	}
}

func requesterOf(c *gin.Context) domain.Requester {
	if v, ok := c.Get(requesterKey); ok {
		return v.(domain.Requester)
	}
	return domain.Anonymous
}

// setCacheHeaders marks answers that depend on who asked as private.
func setCacheHeaders(c *gin.Context, requester domain.Requester, restricted bool) {
	c.Header("Vary", "Accept, Signature")
	if requester.Signed() || restricted {
		c.Header("Cache-Control", "private, no-store")
		return
	}
	c.Header("Cache-Control", "public, max-age=180")
}
