package services

import (
	"context"
	"errors"

	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"gorm.io/gorm"
)

// GormStrategyReader loads strategy rows from the database.
type GormStrategyReader struct {
	db *gorm.DB
}

// NewGormStrategyReader creates the database-backed strategy reader.
func NewGormStrategyReader(db *gorm.DB) *GormStrategyReader {
	return &GormStrategyReader{db: db}
}

// GetStrategy returns the strategy row, or nil when no row exists.
func (r *GormStrategyReader) GetStrategy(ctx context.Context, id uint) (*models.Strategy, error) {
	var strategy models.Strategy
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&strategy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

// ApplyStrategy gates a strategy job on the current state of its strategy
// row. A strategy can be deleted or deactivated while its job sits in the
// queue; execution honors the row as it is now, not as it was at enqueue.
// The job's session key is pinned to the strategy's key so a re-pointed
// strategy never executes under a stale grant.
func ApplyStrategy(job *dto.TransactionJobData, strategy *models.Strategy) error {
	if strategy == nil {
		return Fatalf("strategy %d no longer exists", *job.StrategyID)
	}
	if strategy.UserID != job.UserID {
		return Policyf("strategy %d does not belong to user", strategy.ID)
	}
	if !strategy.IsActive {
		return Policyf("strategy %d is deactivated", strategy.ID)
	}
	job.SessionKeyID = strategy.SessionKeyID
	return nil
}
