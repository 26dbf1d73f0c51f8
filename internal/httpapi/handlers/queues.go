package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/common"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/queueconfig"
)

func (h *Handler) queueParam(c *gin.Context) (queue.Name, bool) {
	name, err := queue.ParseName(c.Param("queue"))
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	return name, true
}

func stateParam(c *gin.Context) (queue.State, bool) {
	st, err := queue.ParseState(c.Query("state"))
	if err != nil {
		common.FailWithData(c, http.StatusBadRequest, 10002, err.Error(), gin.H{"field": "state"})
		return "", false
	}
	return st, true
}

func (h *Handler) GetQueueConfig(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	cfg, err := h.QueueConfig.Get(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, cfg)
}

func (h *Handler) SetQueueConfig(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	var req queueconfig.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			h.fail(c, apperr.Validation(typeErr.Field, "must be a positive integer"))
			return
		}
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	cfg, err := h.QueueConfig.Update(c.Request.Context(), name, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Log.Info("queue config updated", "queue", name, "attempts", cfg.Attempts)
	common.OK(c, cfg)
}

func (h *Handler) ListJobs(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	st, ok := stateParam(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(c, apperr.Validation("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	jobs, err := h.Queue.ListByState(c.Request.Context(), name, st, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"queue": name, "state": st, "jobs": jobs})
}

func (h *Handler) QueueCounts(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	counts, err := h.Queue.Counts(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"queue": name, "counts": counts})
}

// PurgeJobs removes jobs in a state ("all" or no state removes every job).
// Terminal records survive, so purged jobs still report a status.
func (h *Handler) PurgeJobs(c *gin.Context) {
	name, ok := h.queueParam(c)
	if !ok {
		return
	}
	st, ok := stateParam(c)
	if !ok {
		return
	}
	n, err := h.Queue.PurgeByState(c.Request.Context(), name, st)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Log.Info("queue purged", "queue", name, "state", st, "removed", n)
	common.OK(c, gin.H{"queue": name, "state": st, "removed": n})
}
