package handlers

import (
	"net/http"
	"time"

	"go-autopilot/internal/middleware"
	"go-autopilot/internal/models"
	"go-autopilot/internal/services"

	"github.com/gin-gonic/gin"
)

// SessionKeyHandler exposes the session-key lifecycle to the key owner.
type SessionKeyHandler struct {
	sessionKeys *services.SessionKeyService
}

// NewSessionKeyHandler creates the session-key endpoints.
func NewSessionKeyHandler(sessionKeys *services.SessionKeyService) *SessionKeyHandler {
	return &SessionKeyHandler{sessionKeys: sessionKeys}
}

// Create registers a session key.
// POST /api/session-keys
func (h *SessionKeyHandler) Create(c *gin.Context) {
	userID := middleware.UserID(c)

	var input services.CreateSessionKeyInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.sessionKeys.Create(c.Request.Context(), userID, &input)
	if err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

// List returns the caller's session keys.
// GET /api/session-keys
func (h *SessionKeyHandler) List(c *gin.Context) {
	userID := middleware.UserID(c)

	keys, err := h.sessionKeys.List(c.Request.Context(), userID)
	if err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionKeys": keys, "count": len(keys)})
}

// Get returns one session key.
// GET /api/session-keys/:id
func (h *SessionKeyHandler) Get(c *gin.Context) {
	userID := middleware.UserID(c)

	key, err := h.sessionKeys.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

type updatePermissionsRequest struct {
	Permissions models.SessionKeyPermissions `json:"permissions" binding:"required"`
}

// UpdatePermissions replaces a key's permission set.
// PUT /api/session-keys/:id
func (h *SessionKeyHandler) UpdatePermissions(c *gin.Context) {
	userID := middleware.UserID(c)

	var req updatePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.sessionKeys.UpdatePermissions(c.Request.Context(), userID, c.Param("id"), req.Permissions)
	if err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

type rotateRequest struct {
	NewPublicKey string    `json:"newPublicKey" binding:"required"`
	ExpiresAt    time.Time `json:"expiresAt" binding:"required"`
}

// Rotate replaces a key with a new public key under the same permissions.
// POST /api/session-keys/:id/rotate
func (h *SessionKeyHandler) Rotate(c *gin.Context) {
	userID := middleware.UserID(c)

	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.sessionKeys.Rotate(c.Request.Context(), userID, c.Param("id"), req.NewPublicKey, req.ExpiresAt)
	if err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, key)
}

// Revoke deactivates a key immediately.
// DELETE /api/session-keys/:id
func (h *SessionKeyHandler) Revoke(c *gin.Context) {
	userID := middleware.UserID(c)

	if err := h.sessionKeys.Revoke(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondExecError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
