package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"camwatch-backend/internal/errs"
	"camwatch-backend/internal/identity"
	"camwatch-backend/internal/model"
	"camwatch-backend/internal/mw"
	"camwatch-backend/internal/store"
)

// Heartbeat refreshes the caller's presence. The caller joins the roster first so that
// reconciliation covers the row it writes.
func (h *Handler) Heartbeat(c *gin.Context) {
	p, _ := mw.PrincipalFrom(c)
	if err := h.ensureEmployee(c, p); err != nil {
		respondError(c, err)
		return
	}
	if err := h.presence.Heartbeat(c.Request.Context(), p.Email); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRoster lists known employees with their persisted presence.
func (h *Handler) GetRoster(c *gin.Context) {
	roster, err := h.store.ListRoster(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if roster == nil {
		roster = []store.RosterEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"employees": roster})
}

type putEmployeeRequest struct {
	Email       string `json:"email" binding:"required"`
	DirectoryID string `json:"directoryId"`
	FullName    string `json:"fullName"`
}

// PutEmployee creates or updates a roster entry.
func (h *Handler) PutEmployee(c *gin.Context) {
	var req putEmployeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	email := identity.NormalizeEmail(req.Email)
	if !identity.ValidEmail(email) {
		respondError(c, fmt.Errorf("%w: malformed email %q", errs.ErrValidation, req.Email))
		return
	}

	employee := &model.Employee{Email: email, FullName: strings.TrimSpace(req.FullName)}
	if dir := strings.TrimSpace(req.DirectoryID); dir != "" {
		employee.DirectoryID = &dir
	}

	saved, err := h.upsertEmployee(c, employee)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// upsertEmployee saves employee and drops cached resolutions of both the previous and
// the saved record, so a changed directory id stops resolving under its old value.
func (h *Handler) upsertEmployee(c *gin.Context, employee *model.Employee) (*model.Employee, error) {
	ctx := c.Request.Context()
	previous, err := h.store.FindEmployeeByEmail(ctx, employee.Email)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	saved, err := h.store.UpsertEmployee(ctx, employee)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		h.resolver.Forget(previous)
	}
	h.resolver.Forget(saved)
	return saved, nil
}

// ensureEmployee adds an employee caller to the roster from its token claims.
func (h *Handler) ensureEmployee(c *gin.Context, p *mw.Principal) error {
	if p.Role != mw.RoleEmployee {
		return nil
	}
	employee := &model.Employee{Email: p.Email, FullName: p.Name}
	if p.DirectoryID != "" {
		dir := p.DirectoryID
		employee.DirectoryID = &dir
	}
	_, err := h.upsertEmployee(c, employee)
	return err
}

// PostReconcile runs one reconciliation pass and returns its report.
func (h *Handler) PostReconcile(c *gin.Context) {
	report, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
