package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeefy/askrelay/internal/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// allowRequestedHeaders echoes Access-Control-Request-Headers on preflight
// requests. A literal "*" is not honoured by browsers for credentialed
// requests, so any header is allowed by naming it back.
func allowRequestedHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions && c.GetHeader("Origin") != "" {
			if requested := strings.TrimSpace(c.GetHeader("Access-Control-Request-Headers")); requested != "" {
				c.Header("Access-Control-Allow-Headers", requested)
			}
		}
		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}

// rateLimiter keeps one token bucket per client address. Idle clients are
// dropped by a janitor goroutine.
type rateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int

	idleAfter     time.Duration
	sweepInterval time.Duration
	janitorStop   chan struct{}
	janitorWG     sync.WaitGroup
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients:       make(map[string]*rate.Limiter),
		lastSeen:      make(map[string]time.Time),
		rate:          rate.Limit(rps),
		burst:         burst,
		idleAfter:     5 * time.Minute,
		sweepInterval: time.Minute,
		janitorStop:   make(chan struct{}),
	}
}

func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	rl.lastSeen[client] = time.Now()
	l, ok := rl.clients[client]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.clients[client] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Detail: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (rl *rateLimiter) start() {
	rl.janitorWG.Add(1)
	ticker := time.NewTicker(rl.sweepInterval)
	go func() {
		defer rl.janitorWG.Done()
		for {
			select {
			case <-ticker.C:
				rl.sweep(time.Now())
			case <-rl.janitorStop:
				ticker.Stop()
				return
			}
		}
	}()
}

func (rl *rateLimiter) stop() {
	close(rl.janitorStop)
	rl.janitorWG.Wait()
}

// sweep forgets clients idle since before now-idleAfter and returns how many
// were removed.
func (rl *rateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-rl.idleAfter)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for client, seen := range rl.lastSeen {
		if seen.Before(cutoff) {
			delete(rl.clients, client)
			delete(rl.lastSeen, client)
			removed++
		}
	}
	return removed
}
