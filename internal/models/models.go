package models

import (
	"encoding/json"
	"time"
)

// TransactionLogStatus is the audit-trail status of one dispatch lifecycle.
type TransactionLogStatus string

const (
	TransactionLogStatusPending TransactionLogStatus = "pending"
	TransactionLogStatusSuccess TransactionLogStatus = "success"
	TransactionLogStatusFailed  TransactionLogStatus = "failed"
	TransactionLogStatusSkipped TransactionLogStatus = "skipped"
)

// TransactionLog is the append-then-update audit record for a job. It is
// created pending before any side effect and updated once to a terminal
// state; a retried job re-opens the same row.
type TransactionLog struct {
	ID          string               `json:"id" gorm:"primaryKey"`
	UserID      string               `json:"user_id" gorm:"not null;index:idx_txlog_user_created"`
	StrategyID  *uint                `json:"strategy_id" gorm:"index"`
	Chain       string               `json:"chain"`
	Status      TransactionLogStatus `json:"status" gorm:"not null;index:idx_txlog_user_status"`
	Description string               `json:"description" gorm:"type:text"`
	TxHash      string               `json:"tx_hash"`
	Details     string               `json:"details" gorm:"type:jsonb"`
	CreatedAt   time.Time            `json:"created_at" gorm:"index:idx_txlog_user_created"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ParsedDetails decodes the Details blob. An empty blob decodes to the zero
// value.
func (l *TransactionLog) ParsedDetails() (*TransactionLogDetails, error) {
	details := &TransactionLogDetails{}
	if l.Details == "" {
		return details, nil
	}
	if err := json.Unmarshal([]byte(l.Details), details); err != nil {
		return nil, err
	}
	return details, nil
}

// SetDetails marshals the details blob onto the row.
func (l *TransactionLog) SetDetails(details *TransactionLogDetails) error {
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	l.Details = string(data)
	return nil
}

// TransactionLogDetails is the JSON shape stored in TransactionLog.Details.
// SpentToken/SpentAmount drive the spend-limit window replay; Event marks
// notable lifecycle facts ("liquidation" feeds the risk manager lookback).
type TransactionLogDetails struct {
	IntentType   string `json:"intentType,omitempty"`
	SpentToken   string `json:"spentToken,omitempty"`
	SpentAmount  string `json:"spentAmount,omitempty"`
	SessionKeyID string `json:"sessionKeyId,omitempty"`
	Attempt      uint64 `json:"attempt,omitempty"`
	Event        string `json:"event,omitempty"`
	ApprovalHash string `json:"approvalHash,omitempty"`
	Error        string `json:"error,omitempty"`
}

// IdempotencyRecord is the durable half of the admission dedup check: one
// row per (user, key), holding the echoed job so a duplicate submission
// returns the first response unchanged.
type IdempotencyRecord struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"not null;uniqueIndex:ux_idem_user_key,priority:1"`
	Key       string    `json:"key" gorm:"not null;uniqueIndex:ux_idem_user_key,priority:2"`
	JobID     string    `json:"job_id" gorm:"not null"`
	Response  string    `json:"response" gorm:"type:jsonb"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Strategy is the minimal record for an autonomous price-triggered strategy.
// The trigger evaluation itself lives outside this service; jobs it enqueues
// carry the strategy id and are resolved here at execution time.
type Strategy struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID       string    `json:"user_id" gorm:"not null;index"`
	SessionKeyID string    `json:"session_key_id" gorm:"not null"`
	Name         string    `json:"name" gorm:"not null"`
	IsActive     bool      `json:"is_active" gorm:"default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
