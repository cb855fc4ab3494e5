package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"saleschat/internal/entities"
	"saleschat/internal/usecases"
)

// ListTasks returns the latest task per customer for a tenant,
// filtered by status (default: awaiting approval).
func (h *Handler) ListTasks(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id required"})
		return
	}

	status := entities.Status(c.DefaultQuery("status", string(entities.StatusAwaitingApproval)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	tasks, err := h.review.ListThreads(c.Request.Context(), tenantID, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetHistory returns the ordered conversation for one customer.
func (h *Handler) GetHistory(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	customerID := c.Query("customer_id")
	if !ValidTenantID(tenantID) || customerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and customer_id required"})
		return
	}

	history, err := h.review.History(c.Request.Context(), tenantID, customerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type exchange struct {
		Inbound string `json:"inbound"`
		Reply   string `json:"reply,omitempty"`
	}
	out := make([]exchange, 0, len(history))
	for _, ex := range history {
		out = append(out, exchange{Inbound: ex.Inbound, Reply: ex.Reply})
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

// ReplyToTask applies a reviewer decision: send/approve delivers the
// edited text, reject closes the task.
func (h *Handler) ReplyToTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	var req struct {
		Action string `json:"action"`
		Text   string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Action != usecases.ActionReject && req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}

	err = h.review.ReviewAction(c.Request.Context(), taskID, req.Action, req.Text)
	switch {
	case errors.Is(err, usecases.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, usecases.ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	case errors.Is(err, usecases.ErrNotAwaiting):
		c.JSON(http.StatusConflict, gin.H{"error": "task is not awaiting approval"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// UpdateTaskStatus writes a task status directly.
func (h *Handler) UpdateTaskStatus(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	var req struct {
		Status entities.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.review.SetStatus(c.Request.Context(), taskID, req.Status); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RetryTask re-triggers processing for a task stuck in Error.
func (h *Handler) RetryTask(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	err = h.processor.Reprocess(c.Request.Context(), taskID)
	switch {
	case errors.Is(err, usecases.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, usecases.ErrTaskNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "task is not in Error"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "reprocessing"})
	}
}

// GetStats returns task counts by status for a tenant.
func (h *Handler) GetStats(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id required"})
		return
	}

	counts, err := h.review.Stats(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// GetAutoReply reports a tenant's auto-reply toggle.
func (h *Handler) GetAutoReply(c *gin.Context) {
	tenantID := c.Param("id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}

	enabled, err := h.tenants.AutoReplyEnabled(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "auto_reply_enabled": enabled})
}

// SetAutoReply flips a tenant's auto-reply toggle.
func (h *Handler) SetAutoReply(c *gin.Context) {
	tenantID := c.Param("id")
	if !ValidTenantID(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled (bool) required"})
		return
	}

	if err := h.tenants.SetAutoReply(c.Request.Context(), tenantID, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "auto_reply_enabled": *req.Enabled})
}

// SaveCredentials registers or updates a tenant's messaging
// credentials. A missing tenant_id gets a generated UUID; new tenants
// start with auto-reply enabled.
func (h *Handler) SaveCredentials(c *gin.Context) {
	var req struct {
		TenantID    string `json:"tenant_id"`
		DisplayName string `json:"display_name"`
		Platform    string `json:"platform"`
		Secret      string `json:"secret"`
		Token       string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Secret == "" || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret and token required"})
		return
	}

	if req.TenantID == "" {
		req.TenantID = uuid.NewString()
	} else if !ValidTenantID(req.TenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
		return
	}

	switch req.Platform {
	case "":
		req.Platform = entities.PlatformLine
	case entities.PlatformLine, entities.PlatformTelegram:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}

	if err := h.tenants.SaveCredentials(c.Request.Context(), req.TenantID, req.DisplayName, req.Platform, req.Secret, req.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tenant_id": req.TenantID})
}
