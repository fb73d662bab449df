package dto

import "time"

// EvmTxRequest is a provider-built EVM transaction payload.
type EvmTxRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gasLimit,omitempty"`
}

// Quote is the provider-agnostic execution payload attached at admission.
// Either TransactionRequest (EVM) or SerializedTx (binary-format chains) is
// set; ApprovalTx, when present, must be confirmed before the main
// transaction.
type Quote struct {
	TransactionRequest *EvmTxRequest `json:"transactionRequest,omitempty"`
	ApprovalTx         *EvmTxRequest `json:"approvalTx,omitempty"`
	SerializedTx       string        `json:"serializedTx,omitempty"`
	FromAmount         string        `json:"fromAmount"`
	ToAmount           string        `json:"toAmount"`
	Tool               string        `json:"tool,omitempty"`
	ExpiresAt          time.Time     `json:"expiresAt"`
}

// HasPayload reports whether the quote resolves to an executable transaction.
// The dispatcher must never reach a signer with a payload-less quote.
func (q *Quote) HasPayload() bool {
	if q == nil {
		return false
	}
	return (q.TransactionRequest != nil && q.TransactionRequest.To != "") || q.SerializedTx != ""
}

// JobMetadata travels with the job through the queue.
type JobMetadata struct {
	Source         string    `json:"source"` // api | internal | strategy
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	RiskWarnings   []string  `json:"riskWarnings,omitempty"`
	LogID          string    `json:"logId,omitempty"`
}

// TransactionJobData is the unit of work owned exclusively by the queue
// between enqueue and terminal state. StrategyID is nil for ad-hoc jobs.
type TransactionJobData struct {
	StrategyID   *uint             `json:"strategyId"`
	UserID       string            `json:"userId"`
	SessionKeyID string            `json:"sessionKeyId"`
	Intent       TransactionIntent `json:"intent"`
	Quote        *Quote            `json:"quote"`
	Metadata     JobMetadata       `json:"metadata"`
}
