package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coursegen/internal/common"
)

type bulkQuizReq struct {
	RegenerateOnly bool `json:"regenerateOnly"`
}

// GenerateQuizzes queues every quiz of a course that has source content.
func (h *Handler) GenerateQuizzes(c *gin.Context) {
	courseID, ok := paramID(c, "course_id")
	if !ok {
		return
	}
	var req bulkQuizReq
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.Orchestrator.EnqueueBulkQuizzes(c.Request.Context(), courseID, req.RegenerateOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.Accepted(c, res)
}

type outlineReq struct {
	Regenerate bool `json:"regenerate"`
}

func (h *Handler) GenerateOutline(c *gin.Context) {
	courseID, ok := paramID(c, "course_id")
	if !ok {
		return
	}
	var req outlineReq
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.Orchestrator.EnqueueOutline(c.Request.Context(), courseID, req.Regenerate)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.Accepted(c, res)
}

// ArticleContent returns generated content (200) or the job producing it
// (202). ?sync=1 generates inline instead of queueing.
func (h *Handler) ArticleContent(c *gin.Context) {
	articleID, ok := paramID(c, "article_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if c.Query("sync") == "1" || c.Query("sync") == "true" {
		res, err := h.Orchestrator.GenerateArticleInline(ctx, articleID)
		if err != nil {
			h.fail(c, err)
			return
		}
		common.OK(c, res)
		return
	}
	res, err := h.Orchestrator.EnsureArticleContent(ctx, articleID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Ready {
		common.Accepted(c, res)
		return
	}
	common.OK(c, res)
}

func (h *Handler) RebuildSitemap(c *gin.Context) {
	jobID, err := h.Orchestrator.RequestSitemapRebuild(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.Accepted(c, gin.H{"job_id": jobID})
}

func (h *Handler) JobStatus(c *gin.Context) {
	st, err := h.Reporter.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, st)
}
