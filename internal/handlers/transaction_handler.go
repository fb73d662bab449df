package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go-autopilot/internal/dto"
	"go-autopilot/internal/middleware"
	"go-autopilot/internal/models"
	"go-autopilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TransactionHandler exposes job submission and the audit trail.
type TransactionHandler struct {
	admission   *services.AdmissionService
	hyperliquid *services.HyperliquidService
	db          *gorm.DB
}

// NewTransactionHandler creates the transaction endpoints.
func NewTransactionHandler(admission *services.AdmissionService, hyperliquid *services.HyperliquidService, db *gorm.DB) *TransactionHandler {
	return &TransactionHandler{admission: admission, hyperliquid: hyperliquid, db: db}
}

type executeRequest struct {
	SessionKeyID   string                `json:"sessionKeyId" binding:"required"`
	IdempotencyKey string                `json:"idempotencyKey"`
	Intent         dto.TransactionIntent `json:"intent" binding:"required"`
}

// Execute admits an end-user transaction job.
// POST /api/transaction/execute
func (h *TransactionHandler) Execute(c *gin.Context) {
	userID := middleware.UserID(c)

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.admission.Submit(c.Request.Context(), &services.SubmitInput{
		UserID:         userID,
		SessionKeyID:   req.SessionKeyID,
		Source:         "api",
		IdempotencyKey: req.IdempotencyKey,
		Intent:         req.Intent,
	})
	if err != nil {
		respondExecError(c, err)
		return
	}
	if result.Deduplicated {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

type internalExecuteRequest struct {
	UserID         string                `json:"userId" binding:"required"`
	SessionKeyID   string                `json:"sessionKeyId" binding:"required"`
	StrategyID     *uint                 `json:"strategyId"`
	IdempotencyKey string                `json:"idempotencyKey"`
	Intent         dto.TransactionIntent `json:"intent" binding:"required"`
}

// ExecuteInternal admits a job on behalf of another service (strategy
// engine, operations tooling). Authenticated by the HMAC middleware.
// POST /api/internal/transaction/execute
func (h *TransactionHandler) ExecuteInternal(c *gin.Context) {
	var req internalExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	source := "internal"
	if req.StrategyID != nil {
		source = "strategy"
	}

	result, err := h.admission.Submit(c.Request.Context(), &services.SubmitInput{
		UserID:         req.UserID,
		SessionKeyID:   req.SessionKeyID,
		StrategyID:     req.StrategyID,
		Source:         source,
		IdempotencyKey: req.IdempotencyKey,
		Intent:         req.Intent,
	})
	if err != nil {
		respondExecError(c, err)
		return
	}
	if result.Deduplicated {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// ListLogs returns the caller's transaction history, newest first.
// GET /api/transaction/logs?status=&limit=&offset=
func (h *TransactionHandler) ListLogs(c *gin.Context) {
	userID := middleware.UserID(c)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	query := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var logs []models.TransactionLog
	if err := query.Find(&logs).Error; err != nil {
		logrus.WithError(err).Error("Failed to list transaction logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// GetLog returns one audit row owned by the caller.
// GET /api/transaction/logs/:id
func (h *TransactionHandler) GetLog(c *gin.Context) {
	userID := middleware.UserID(c)
	logID := c.Param("id")

	var row models.TransactionLog
	err := h.db.WithContext(c.Request.Context()).
		Where("id = ? AND user_id = ?", logID, userID).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load log"})
		return
	}
	c.JSON(http.StatusOK, row)
}

// HyperliquidStats exposes the derivative engine's per-symbol counters.
// GET /api/hyperliquid/stats
func (h *TransactionHandler) HyperliquidStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.hyperliquid.Stats()})
}

// respondExecError maps the error taxonomy onto HTTP statuses.
func respondExecError(c *gin.Context, err error) {
	var execErr *services.ExecError
	if !errors.As(err, &execErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	switch execErr.Class {
	case services.ClassValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": execErr.Error()})
	case services.ClassPolicy:
		status := http.StatusForbidden
		if strings.Contains(execErr.Error(), "too many active jobs") ||
			strings.Contains(execErr.Error(), "frequency limit") {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": execErr.Error()})
	case services.ClassRetryable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": execErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": execErr.Error()})
	}
}
