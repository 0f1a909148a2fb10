package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const clientIdleTimeout = 10 * time.Minute

type RateLimiter struct {
	clients map[string]*clientLimiter
	mutex   sync.Mutex
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once
	logger  *zap.Logger
	rps     rate.Limit
	burst   int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
		rps:     rate.Limit(rps),
		burst:   burst,
		logger:  logger,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if !rl.Allow(clientIP) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow takes one token from the bucket of clientIP.
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mutex.Lock()
	cl, exists := rl.clients[clientIP]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[clientIP] = cl
	}
	cl.lastSeen = time.Now()
	rl.mutex.Unlock()

	return cl.limiter.Allow()
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.mutex.Lock()
			now := time.Now()
			for ip, cl := range rl.clients {
				if now.Sub(cl.lastSeen) > clientIdleTimeout {
					delete(rl.clients, ip)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"rps":            float64(rl.rps),
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.stopCh)
	})
}
