// Package api exposes the read-mostly admin HTTP surface: system status,
// session and queue inspection, and conversation history.
package api

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/telepilot/telepilot/core"
	"github.com/telepilot/telepilot/queue"
	"github.com/telepilot/telepilot/session"
)

// RegisterRoutes mounts the admin API on the router
func RegisterRoutes(r *gin.Engine, c *core.Core) {
	h := &handlers{core: c}

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", h.getStatus)
		apiGroup.GET("/sessions", h.listSessions)
		apiGroup.POST("/sessions", h.openSession)
		apiGroup.DELETE("/sessions/:name", h.closeSession)
		apiGroup.GET("/queue", h.getQueue)
		apiGroup.POST("/queue/:id/cancel", h.cancelJob)
		apiGroup.GET("/history/:session", h.getHistory)
	}
}

type handlers struct {
	core *core.Core
}

func (h *handlers) getStatus(c *gin.Context) {
	RespondData(c, h.core.Status())
}

func (h *handlers) listSessions(c *gin.Context) {
	RespondList(c, h.core.Sessions())
}

type openSessionRequest struct {
	Name    string `json:"name" binding:"required"`
	Workdir string `json:"workdir"`
}

func (h *handlers) openSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	status, err := h.core.OpenSession(req.Name, req.Workdir)
	switch {
	case err == nil:
		RespondData(c, status)
	case errors.Is(err, session.ErrNameExists):
		RespondConflict(c, err.Error())
	case errors.Is(err, session.ErrNameInvalid),
		errors.Is(err, session.ErrNameReserved),
		errors.Is(err, session.ErrWorkdirInvalid),
		errors.Is(err, session.ErrTooManySessions):
		RespondBadRequest(c, err.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}

func (h *handlers) closeSession(c *gin.Context) {
	err := h.core.CloseSession(c.Param("name"))
	switch {
	case err == nil:
		RespondNoContent(c)
	case errors.Is(err, session.ErrNotFound):
		RespondNotFound(c, err.Error())
	case errors.Is(err, session.ErrIsDefault):
		RespondConflict(c, err.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}

func (h *handlers) getQueue(c *gin.Context) {
	RespondList(c, h.core.QueueSnapshot())
}

func (h *handlers) cancelJob(c *gin.Context) {
	err := h.core.CancelJob(c.Param("id"))
	switch {
	case err == nil:
		RespondNoContent(c)
	case errors.Is(err, queue.ErrNotFound):
		RespondNotFound(c, err.Error())
	case errors.Is(err, queue.ErrAlreadyRunning), errors.Is(err, queue.ErrAlreadyTerminal):
		RespondConflict(c, err.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}

func (h *handlers) getHistory(c *gin.Context) {
	n := 50
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			RespondBadRequest(c, "n must be a positive integer")
			return
		}
		n = parsed
	}
	RespondList(c, h.core.History(c.Param("session"), n))
}
