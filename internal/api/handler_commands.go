package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"camwatch-backend/internal/dispatch"
	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/model"
	"camwatch-backend/internal/mw"
)

type postCommandRequest struct {
	Email       string      `json:"email"`
	DirectoryID string      `json:"directoryId"`
	EmployeeID  json.Number `json:"employeeId"`
	Command     string      `json:"command" binding:"required"`
	Timestamp   *time.Time  `json:"timestamp"`
	TTLSeconds  *int        `json:"ttlSeconds"`
}

// PostCommand issues a START/STOP command to one employee.
func (h *Handler) PostCommand(c *gin.Context) {
	var req postCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	target, err := identity.FromFields(req.Email, req.DirectoryID, req.EmployeeID.String())
	if err != nil {
		respondError(c, err)
		return
	}

	now := h.now()
	ttl := h.commandTTL
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			respondError(c, fmt.Errorf("%w: ttlSeconds must not be negative", errs.ErrValidation))
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	employee, err := h.resolver.Resolve(c.Request.Context(), target)
	if err != nil {
		respondError(c, err)
		return
	}

	var ts time.Time
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	cmd, err := h.dispatcher.Enqueue(c.Request.Context(), dispatch.EnqueueRequest{
		EmployeeID: employee.Email,
		Command:    model.CommandType(strings.ToUpper(strings.TrimSpace(req.Command))),
		Timestamp:  ts,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cmd)
}

// GetPendingCommands returns the caller's outstanding commands, oldest first.
func (h *Handler) GetPendingCommands(c *gin.Context) {
	p, _ := mw.PrincipalFrom(c)

	pending, err := h.dispatcher.FetchPending(c.Request.Context(), p.Email)
	if err != nil {
		respondError(c, err)
		return
	}
	if pending == nil {
		pending = []model.PendingCommand{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

type ackRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// AckCommands marks the caller's commands completed.
func (h *Handler) AckCommands(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	ids, err := dispatch.ParseIDs(req.IDs)
	if err != nil {
		respondError(c, err)
		return
	}

	p, _ := mw.PrincipalFrom(c)
	n, err := h.dispatcher.Acknowledge(c.Request.Context(), p.Email, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updatedCount": n})
}
