package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go-autopilot/internal/clients"
	"go-autopilot/internal/config"
	"go-autopilot/internal/dto"
	"go-autopilot/internal/metrics"
	"go-autopilot/internal/models"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"
)

// RetryAction is what the worker does with a failed delivery.
type RetryAction int

const (
	// ActionRetry sends the message back with a delay.
	ActionRetry RetryAction = iota
	// ActionTerminate stops redelivery; the failure is terminal.
	ActionTerminate
)

// StrategyReader resolves strategy rows for queued strategy jobs.
type StrategyReader interface {
	GetStrategy(ctx context.Context, id uint) (*models.Strategy, error)
}

// WorkerService drains the job queue: one pull subscription, a bounded pool
// of goroutines, one terminal audit transition per job.
type WorkerService struct {
	cfg        *config.NATSConfig
	natsConn   *clients.NATSClient
	dispatch   *DispatchService
	strategies StrategyReader
	db         *gorm.DB

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerService creates the queue worker.
func NewWorkerService(cfg *config.NATSConfig, natsConn *clients.NATSClient, dispatch *DispatchService, strategies StrategyReader, db *gorm.DB) *WorkerService {
	return &WorkerService{
		cfg:        cfg,
		natsConn:   natsConn,
		dispatch:   dispatch,
		strategies: strategies,
		db:         db,
	}
}

// Start binds the durable consumer and launches the worker pool.
func (w *WorkerService) Start(parent context.Context) error {
	backoff := make([]time.Duration, 0, len(w.cfg.BackoffSeconds))
	for _, seconds := range w.cfg.BackoffSeconds {
		backoff = append(backoff, time.Duration(seconds)*time.Second)
	}

	sub, err := w.natsConn.PullSubscribe(
		w.cfg.MaxDeliver,
		time.Duration(w.cfg.AckWaitSeconds)*time.Second,
		backoff,
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i, sub, backoff)
	}
	log.Printf("[Worker] Started %d workers on consumer %s", w.cfg.Workers, w.cfg.Consumer)
	return nil
}

// Stop drains the pool. In-flight jobs finish; unacked messages redeliver.
func (w *WorkerService) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Printf("[Worker] Stopped")
}

func (w *WorkerService) runWorker(ctx context.Context, id int, sub *nats.Subscription, backoff []time.Duration) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if err == nats.ErrTimeout || ctx.Err() != nil {
				continue
			}
			log.Printf("[Worker %d] Fetch failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			w.processMessage(ctx, msg, backoff)
		}
	}
}

// processMessage runs one delivery of one job end to end.
func (w *WorkerService) processMessage(ctx context.Context, msg *nats.Msg, backoff []time.Duration) {
	delivered := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	var job dto.TransactionJobData
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Malformed payloads can never succeed; no audit row to close.
		log.Printf("[Worker] Terminating malformed job payload: %v", err)
		metrics.JobsProcessed.WithLabelValues("malformed").Inc()
		msg.Term()
		return
	}

	log.Printf("[Worker] Processing job %s (attempt %d, %s for user %s)",
		job.Metadata.LogID, delivered, job.Intent.Type, job.UserID)

	var result *DispatchResult
	err := w.resolveStrategy(ctx, &job)
	if err == nil {
		result, err = w.dispatch.Dispatch(ctx, &job)
	}
	if err == nil {
		w.closeLog(&job, models.TransactionLogStatusSuccess, result, nil, delivered)
		metrics.JobsProcessed.WithLabelValues("success").Inc()
		msg.Ack()
		return
	}

	class := ClassOf(err)
	action, delay := DecideRetry(class, delivered, uint64(w.cfg.MaxDeliver), backoff)

	if action == ActionRetry {
		log.Printf("[Worker] Job %s attempt %d failed (%s), redelivering in %s: %v",
			job.Metadata.LogID, delivered, class, delay, err)
		w.recordAttempt(&job, delivered, err)
		metrics.JobRetries.Inc()
		msg.NakWithDelay(delay)
		return
	}

	status := models.TransactionLogStatusFailed
	if class == ClassPolicy && job.StrategyID != nil {
		// A strategy job the policy or risk engine refused was skipped, not
		// broken: the strategy stays healthy and fires again next trigger.
		status = models.TransactionLogStatusSkipped
	}
	w.closeLog(&job, status, nil, err, delivered)
	metrics.JobsProcessed.WithLabelValues(string(status)).Inc()
	log.Printf("[Worker] Job %s terminal after attempt %d (%s): %v", job.Metadata.LogID, delivered, status, err)
	msg.Term()
}

// resolveStrategy re-reads the strategy row for a strategy job and pins the
// job to the strategy's current session key. Ad-hoc jobs pass through.
func (w *WorkerService) resolveStrategy(ctx context.Context, job *dto.TransactionJobData) error {
	if job.StrategyID == nil {
		return nil
	}
	strategy, err := w.strategies.GetStrategy(ctx, *job.StrategyID)
	if err != nil {
		return Retryablef("failed to load strategy %d: %w", *job.StrategyID, err)
	}
	return ApplyStrategy(job, strategy)
}

// DecideRetry is the redelivery policy: only retryable failures retry, and
// only while deliveries remain.
func DecideRetry(class ErrorClass, delivered, maxDeliver uint64, backoff []time.Duration) (RetryAction, time.Duration) {
	if class != ClassRetryable {
		return ActionTerminate, 0
	}
	if maxDeliver > 0 && delivered >= maxDeliver {
		return ActionTerminate, 0
	}
	if len(backoff) == 0 {
		return ActionRetry, 10 * time.Second
	}
	idx := int(delivered) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	return ActionRetry, backoff[idx]
}

// closeLog performs the job's single terminal transition. The guard on
// pending status makes the transition idempotent under redelivery races.
func (w *WorkerService) closeLog(job *dto.TransactionJobData, status models.TransactionLogStatus, result *DispatchResult, cause error, attempt uint64) {
	logID := job.Metadata.LogID
	if logID == "" {
		return
	}

	var row models.TransactionLog
	if err := w.db.Where("id = ?", logID).First(&row).Error; err != nil {
		log.Printf("[Worker] Audit row %s missing: %v", logID, err)
		return
	}

	details, err := row.ParsedDetails()
	if err != nil {
		details = &models.TransactionLogDetails{}
	}
	details.Attempt = attempt
	if result != nil {
		details.ApprovalHash = result.ApprovalHash
	}
	if cause != nil {
		details.Error = cause.Error()
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if result != nil {
		updates["tx_hash"] = result.TxHash
		updates["description"] = result.Description
	} else if cause != nil {
		updates["description"] = fmt.Sprintf("%s: %s", status, truncate(cause.Error(), 500))
	}
	if err := row.SetDetails(details); err == nil {
		updates["details"] = row.Details
	}

	res := w.db.Model(&models.TransactionLog{}).
		Where("id = ? AND status = ?", logID, models.TransactionLogStatusPending).
		Updates(updates)
	if res.Error != nil {
		log.Printf("[Worker] Failed to close audit row %s: %v", logID, res.Error)
	} else if res.RowsAffected == 0 {
		log.Printf("[Worker] Audit row %s already terminal, skipping transition to %s", logID, status)
	}
}

// recordAttempt updates the pending row's attempt counter and last error
// without leaving pending state.
func (w *WorkerService) recordAttempt(job *dto.TransactionJobData, attempt uint64, cause error) {
	logID := job.Metadata.LogID
	if logID == "" {
		return
	}
	var row models.TransactionLog
	if err := w.db.Where("id = ? AND status = ?", logID, models.TransactionLogStatusPending).First(&row).Error; err != nil {
		return
	}
	details, err := row.ParsedDetails()
	if err != nil {
		details = &models.TransactionLogDetails{}
	}
	details.Attempt = attempt
	details.Error = truncate(cause.Error(), 500)
	if err := row.SetDetails(details); err != nil {
		return
	}
	w.db.Model(&models.TransactionLog{}).
		Where("id = ? AND status = ?", logID, models.TransactionLogStatusPending).
		Updates(map[string]any{"details": row.Details, "updated_at": time.Now()})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
