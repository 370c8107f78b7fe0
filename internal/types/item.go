package types

import (
	"time"
)

type BatchStatus string

const (
	StatusProcessing BatchStatus = "processing"
	StatusSuccess    BatchStatus = "success"
)

// Item is a single requested transfer. It stays in the queue until it
// either lands on-chain or is stalled by an operator-visible error.
type Item struct {
	ID                int64      `db:"id" json:"id"`
	Receiver          string     `db:"receiver" json:"receiver"`
	Amount            string     `db:"amount" json:"amount"`
	Memo              string     `db:"memo" json:"memo,omitempty"`
	HasStorageDeposit bool       `db:"has_storage_deposit" json:"hasStorageDeposit"`
	RetryCount        int        `db:"retry_count" json:"retryCount"`
	ErrorMessage      *string    `db:"error_message" json:"errorMessage,omitempty"`
	BatchID           *int64     `db:"batch_id" json:"batchId,omitempty"`
	IsStalled         bool       `db:"is_stalled" json:"isStalled"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// Pending reports whether the item is visible to the scheduler.
func (i *Item) Pending() bool {
	return i.BatchID == nil && !i.IsStalled
}

// Batch is one on-chain transaction assembled from one or more items.
// The signed blob is kept only while the batch is in flight; on success
// it is cleared and tx_hash is replaced with the hash the chain reported.
type Batch struct {
	ID        int64       `db:"id" json:"id"`
	TxHash    string      `db:"tx_hash" json:"txHash"`
	SignedTx  []byte      `db:"signed_tx" json:"-"`
	Status    BatchStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time   `db:"updated_at" json:"updatedAt"`
}

// TransferRequest is the client-facing enqueue payload.
type TransferRequest struct {
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Memo     string `json:"memo,omitempty"`
	// HasStorageDeposit is optional; when nil the queue default applies.
	HasStorageDeposit *bool `json:"hasStorageDeposit,omitempty"`
}

// QueueStats is a point-in-time snapshot of the queue depth per state.
type QueueStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Success    int64 `json:"success"`
	Stalled    int64 `json:"stalled"`
}
