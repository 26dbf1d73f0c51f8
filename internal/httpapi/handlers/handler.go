package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coursegen/internal/apperr"
	"github.com/suPer8Hu/coursegen/internal/common"
	"github.com/suPer8Hu/coursegen/internal/generation"
	"github.com/suPer8Hu/coursegen/internal/logger"
	"github.com/suPer8Hu/coursegen/internal/queue"
	"github.com/suPer8Hu/coursegen/internal/queueconfig"
)

type Handler struct {
	Orchestrator *generation.Orchestrator
	Reporter     *generation.Reporter
	Queue        queue.Queue
	QueueConfig  *queueconfig.Store
	Log          *logger.Logger
}

func NewHandler(orch *generation.Orchestrator, rep *generation.Reporter, q queue.Queue, qc *queueconfig.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		Orchestrator: orch,
		Reporter:     rep,
		Queue:        q,
		QueueConfig:  qc,
		Log:          log.With("component", "HTTPHandler"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps an apperr kind onto the envelope: validation 400, not found 404,
// anything else 500.
func (h *Handler) fail(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		common.FailWithData(c, http.StatusBadRequest, 10002, err.Error(), gin.H{"field": apperr.Field(err)})
	case apperr.KindNotFound:
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	default:
		h.Log.Error("request failed", "path", c.FullPath(), "error", err)
		common.Fail(c, http.StatusInternalServerError, 20001, "internal error")
	}
}

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid "+name)
		return 0, false
	}
	return id, true
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return false
	}
	return true
}
