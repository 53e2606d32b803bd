package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter 共享计数器，由 Redis StateRepository 实现
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)
}

// visitor 每个 IP 一个本地 limiter，lastSeen 用于清理
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 进程内的按 IP 限流，Redis 不可用时使用
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
}

// NewIPRateLimiter 在 window 内平均允许 maxRequests 个请求，突发上限为 maxRequests。
func NewIPRateLimiter(maxRequests int, window time.Duration) *IPRateLimiter {
	if maxRequests <= 0 || window <= 0 {
		panic("maxRequests and window must be positive for IPRateLimiter")
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:    maxRequests,
		ttl:      window * 5,
	}
}

// Allow 判断该 IP 的请求是否放行
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup 周期性清理长时间不活跃的 IP，直到 ctx 结束
func (rl *IPRateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > rl.ttl {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimit 返回一个 Gin 中间件，用于基于客户端 IP 地址进行速率限制。
// limiter: 共享计数器，必须提供。
// fallback: 共享计数器出错时使用的本地限流，为 nil 时直接放行。
func RateLimit(limiter RateLimiter, fallback *IPRateLimiter, maxRequests int, window time.Duration) gin.HandlerFunc {
	// 启动时检查依赖
	if limiter == nil {
		panic("RateLimiter cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()

		exceeded, err := limiter.CheckRateLimit(c.Request.Context(), "ip:"+ip, maxRequests, window)
		if err != nil {
			logrus.WithError(err).WithField("client_ip", ip).Warn("RateLimit: shared limiter failed, using local limiter")
			exceeded = fallback != nil && !fallback.Allow(ip)
		}

		if exceeded {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next() // 未超限，继续处理请求
	}
}
