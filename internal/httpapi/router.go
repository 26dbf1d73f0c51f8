package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suPer8Hu/coursegen/internal/common"
	"github.com/suPer8Hu/coursegen/internal/config"
	"github.com/suPer8Hu/coursegen/internal/httpapi/handlers"
	"github.com/suPer8Hu/coursegen/internal/httpapi/middleware"
	"github.com/suPer8Hu/coursegen/internal/logger"
)

type Deps struct {
	Handler *handlers.Handler
	// Limiter may be nil, which disables admin rate limiting.
	Limiter middleware.Counter
	Log     *logger.Logger
	Origins []string
}

func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(d.Log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(d.Origins))
	if cfg.OtelEnabled {
		r.Use(otelgin.Middleware("coursegen-api"))
	}

	h := d.Handler

	r.GET("/ping", h.Ping)
	r.GET("/jobs/:job_id", h.JobStatus)
	r.GET("/articles/:article_id/content", h.ArticleContent)

	// admin (JWT with admin claim, rate limited)
	admin := r.Group("/admin")
	admin.Use(middleware.AuthRequired(cfg.JWTSecret, true))
	admin.Use(middleware.RateLimit(d.Limiter, cfg.AdminRateLimit, cfg.AdminRateWindow, d.Log))
	admin.POST("/courses/:course_id/quizzes/generate", h.GenerateQuizzes)
	admin.POST("/courses/:course_id/outline/generate", h.GenerateOutline)
	admin.POST("/sitemap/rebuild", h.RebuildSitemap)

	admin.GET("/queues/:queue/config", h.GetQueueConfig)
	admin.PUT("/queues/:queue/config", h.SetQueueConfig)
	admin.GET("/queues/:queue/jobs", h.ListJobs)
	admin.DELETE("/queues/:queue/jobs", h.PurgeJobs)
	admin.GET("/queues/:queue/counts", h.QueueCounts)
	return r
}
