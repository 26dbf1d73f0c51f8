package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coursegen/internal/common"
	"github.com/suPer8Hu/coursegen/internal/logger"
)

// Counter is a fixed-window hit counter, see redisstore.Store.Hit.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimit allows limit requests per caller per window. Callers are keyed by
// user id when authenticated, otherwise by client IP. Counter errors let the
// request through.
func RateLimit(counter Counter, limit int, window time.Duration, log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.NewNop()
	}
	return func(c *gin.Context) {
		if counter == nil || limit <= 0 {
			c.Next()
			return
		}
		who := c.ClientIP()
		if uid, ok := c.Get(UserIDKey); ok {
			who = fmt.Sprintf("u%v", uid)
		}
		n, reset, err := counter.Hit(c.Request.Context(), "rl:admin:"+who, window)
		if err != nil {
			log.Warn("rate limit counter failed", "error", err)
			c.Next()
			return
		}
		if n > int64(limit) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
			c.Abort()
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests")
			return
		}
		c.Next()
	}
}
