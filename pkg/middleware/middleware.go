package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limit is a rate applied to every path below Prefix
type Limit struct {
	Prefix string
	Rate   rate.Limit
	Burst  int
}

// DefaultLimits throttles token issuance hardest and manual runs of the
// matcher and trade processor next
var DefaultLimits = []Limit{
	{Prefix: "/api/v1/auth", Rate: rate.Limit(10.0 / 60.0), Burst: 1},
	{Prefix: "/api/v1/internal/matching", Rate: rate.Limit(60.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1/internal/settlement", Rate: rate.Limit(60.0 / 60.0), Burst: 5},
	{Prefix: "/api/v1/internal", Rate: rate.Limit(1000.0 / 60.0), Burst: 20},
}

// RateLimiter keeps one token bucket per client and path
type RateLimiter struct {
	mu       sync.Mutex
	limits   []Limit
	visitors map[string]*visitor
}

func NewRateLimiter(limits []Limit) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimiter) limiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientID + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := rate.Inf, 1
		for _, l := range rl.limits {
			if strings.HasPrefix(path, l.Prefix) {
				limit, burst = l.Rate, l.Burst
				break
			}
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("operatorID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !rl.limiter(c.FullPath(), clientID).Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// InternalAuth accepts only operator tokens signed with secret that carry
// the ops scope
func InternalAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(bearerToken[1], key)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}
		if !claims.HasScope(auth.ScopeOps) {
			response.Forbidden(c, "Token lacks the ops scope")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("operatorID", claims.OperatorID)
		c.Next()
	}
}
