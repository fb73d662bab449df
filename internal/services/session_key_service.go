package services

import (
	"context"
	"log"
	"time"

	"go-autopilot/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionKeyService owns the session-key lifecycle. Keys are created with a
// hard expiry, can have their permissions narrowed or widened by the owner,
// and are rotated or revoked rather than deleted so the audit trail stays
// intact.
type SessionKeyService struct {
	db *gorm.DB
}

// NewSessionKeyService creates the session-key manager.
func NewSessionKeyService(db *gorm.DB) *SessionKeyService {
	return &SessionKeyService{db: db}
}

// CreateSessionKeyInput is the owner-supplied key registration.
type CreateSessionKeyInput struct {
	PublicKey   string                       `json:"publicKey" binding:"required"`
	Permissions models.SessionKeyPermissions `json:"permissions" binding:"required"`
	ExpiresAt   time.Time                    `json:"expiresAt" binding:"required"`
}

// Create registers a new session key for the user.
func (s *SessionKeyService) Create(ctx context.Context, userID string, input *CreateSessionKeyInput) (*models.SessionKey, error) {
	if input.PublicKey == "" {
		return nil, Validationf("publicKey is required")
	}
	if !input.ExpiresAt.After(time.Now()) {
		return nil, Validationf("expiresAt must be in the future")
	}
	if len(input.Permissions.Actions) == 0 {
		return nil, Validationf("permissions must allow at least one action")
	}
	if len(input.Permissions.Chains) == 0 {
		return nil, Validationf("permissions must allow at least one chain")
	}

	key := &models.SessionKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		PublicKey:   input.PublicKey,
		Permissions: input.Permissions,
		ExpiresAt:   input.ExpiresAt,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, Retryablef("failed to create session key: %w", err)
	}

	log.Printf("[SessionKeyService] Created session key %s for user %s (expires %s)",
		key.ID, userID, key.ExpiresAt.Format(time.RFC3339))
	return key, nil
}

// List returns the user's session keys, newest first.
func (s *SessionKeyService) List(ctx context.Context, userID string) ([]models.SessionKey, error) {
	var keys []models.SessionKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, Retryablef("failed to list session keys: %w", err)
	}
	return keys, nil
}

// Get loads one session key owned by the user.
func (s *SessionKeyService) Get(ctx context.Context, userID, keyID string) (*models.SessionKey, error) {
	var key models.SessionKey
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", keyID, userID).
		First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, Validationf("session key %s not found", keyID)
	}
	if err != nil {
		return nil, Retryablef("failed to load session key: %w", err)
	}
	return &key, nil
}

// UpdatePermissions replaces the key's permission set. Takes effect on the
// next dispatch; jobs already past their policy check are not re-evaluated.
func (s *SessionKeyService) UpdatePermissions(ctx context.Context, userID, keyID string, permissions models.SessionKeyPermissions) (*models.SessionKey, error) {
	key, err := s.Get(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}
	if len(permissions.Actions) == 0 {
		return nil, Validationf("permissions must allow at least one action")
	}

	key.Permissions = permissions
	key.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(key).Error; err != nil {
		return nil, Retryablef("failed to update session key: %w", err)
	}
	return key, nil
}

// Rotate deactivates the old key and issues a replacement with the same
// permissions bound to a new public key.
func (s *SessionKeyService) Rotate(ctx context.Context, userID, keyID, newPublicKey string, expiresAt time.Time) (*models.SessionKey, error) {
	if newPublicKey == "" {
		return nil, Validationf("newPublicKey is required")
	}
	if !expiresAt.After(time.Now()) {
		return nil, Validationf("expiresAt must be in the future")
	}

	old, err := s.Get(ctx, userID, keyID)
	if err != nil {
		return nil, err
	}

	replacement := &models.SessionKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		PublicKey:   newPublicKey,
		Permissions: old.Permissions,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SessionKey{}).
			Where("id = ?", old.ID).
			Updates(map[string]any{"is_active": false, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return tx.Create(replacement).Error
	})
	if err != nil {
		return nil, Retryablef("failed to rotate session key: %w", err)
	}

	log.Printf("[SessionKeyService] Rotated session key %s -> %s for user %s", old.ID, replacement.ID, userID)
	return replacement, nil
}

// Revoke deactivates a key immediately. In-flight jobs fail their next
// policy check.
func (s *SessionKeyService) Revoke(ctx context.Context, userID, keyID string) error {
	result := s.db.WithContext(ctx).Model(&models.SessionKey{}).
		Where("id = ? AND user_id = ? AND is_active = ?", keyID, userID, true).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return Retryablef("failed to revoke session key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Validationf("session key %s not found or already revoked", keyID)
	}
	log.Printf("[SessionKeyService] Revoked session key %s for user %s", keyID, userID)
	return nil
}
