package services

import (
	"context"
	"testing"

	"go-autopilot/internal/dto"
	"go-autopilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategyJob(strategyID uint, userID string) *dto.TransactionJobData {
	return &dto.TransactionJobData{
		StrategyID:   &strategyID,
		UserID:       userID,
		SessionKeyID: "key-at-enqueue",
	}
}

func TestApplyStrategyPinsSessionKey(t *testing.T) {
	job := strategyJob(7, "user-1")
	err := ApplyStrategy(job, &models.Strategy{
		ID:           7,
		UserID:       "user-1",
		SessionKeyID: "key-current",
		IsActive:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "key-current", job.SessionKeyID,
		"a re-pointed strategy must execute under its current key")
}

func TestApplyStrategyRejectsDeactivated(t *testing.T) {
	job := strategyJob(7, "user-1")
	err := ApplyStrategy(job, &models.Strategy{
		ID:           7,
		UserID:       "user-1",
		SessionKeyID: "key-current",
		IsActive:     false,
	})
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
	assert.Contains(t, err.Error(), "deactivated")
	assert.Equal(t, "key-at-enqueue", job.SessionKeyID)
}

func TestApplyStrategyRejectsDeletedRow(t *testing.T) {
	job := strategyJob(7, "user-1")
	err := ApplyStrategy(job, nil)
	require.Error(t, err)
	assert.Equal(t, ClassFatal, ClassOf(err))
}

func TestApplyStrategyRejectsForeignOwner(t *testing.T) {
	job := strategyJob(7, "user-1")
	err := ApplyStrategy(job, &models.Strategy{
		ID:           7,
		UserID:       "user-2",
		SessionKeyID: "key-current",
		IsActive:     true,
	})
	require.Error(t, err)
	assert.Equal(t, ClassPolicy, ClassOf(err))
}

type fakeStrategyReader struct {
	strategy *models.Strategy
	err      error
}

func (f *fakeStrategyReader) GetStrategy(ctx context.Context, id uint) (*models.Strategy, error) {
	return f.strategy, f.err
}

func TestResolveStrategySkipsAdHocJobs(t *testing.T) {
	w := &WorkerService{strategies: &fakeStrategyReader{err: assert.AnError}}
	job := &dto.TransactionJobData{UserID: "user-1", SessionKeyID: "key-1"}

	require.NoError(t, w.resolveStrategy(context.Background(), job))
	assert.Equal(t, "key-1", job.SessionKeyID)
}

func TestResolveStrategyReaderFailureIsRetryable(t *testing.T) {
	w := &WorkerService{strategies: &fakeStrategyReader{err: assert.AnError}}
	job := strategyJob(7, "user-1")

	err := w.resolveStrategy(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, ClassOf(err))
}

func TestResolveStrategyAppliesCurrentRow(t *testing.T) {
	w := &WorkerService{strategies: &fakeStrategyReader{strategy: &models.Strategy{
		ID:           7,
		UserID:       "user-1",
		SessionKeyID: "key-current",
		IsActive:     true,
	}}}
	job := strategyJob(7, "user-1")

	require.NoError(t, w.resolveStrategy(context.Background(), job))
	assert.Equal(t, "key-current", job.SessionKeyID)
}
