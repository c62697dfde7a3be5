package port

import (
	"context"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

// MaxBatchOps is the largest number of operations a single BatchedWrite accepts.
const MaxBatchOps = 500

type OpType string

const (
	OpAddRecord    OpType = "add_record"
	OpDeleteRecord OpType = "delete_record"
)

// Op is one operation of a BatchedWrite.
type Op struct {
	Type     OpType
	Record   domain.ConsumptionRecord // OpAddRecord
	RecordID string                   // OpDeleteRecord
}

type BatchStore interface {
	// QueryBatches returns every batch of the material matching scope, in no particular order
	QueryBatches(ctx context.Context, materialCode string, scope domain.Scope) ([]domain.InventoryBatch, error)

	// GetBatch returns nil, nil when the batch does not exist
	GetBatch(ctx context.Context, batchID string) (*domain.InventoryBatch, error)

	// ConditionalUpdateBatch sets consumed only if the current derived stock equals expectedStock.
	// Returns false when the batch changed underneath the caller.
	ConditionalUpdateBatch(ctx context.Context, batchID string, expectedStock, newStock, newConsumed int) (bool, error)

	// AddRecord persists a single consumption record and returns its id
	AddRecord(ctx context.Context, record domain.ConsumptionRecord) (string, error)

	// ListRecords returns the records matching filter, oldest first
	ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ConsumptionRecord, error)

	// DeleteRecordsMatching removes the records matching filter and returns how many were removed
	DeleteRecordsMatching(ctx context.Context, filter domain.RecordFilter) (int, error)

	// BatchedWrite applies ops together; more than MaxBatchOps ops is rejected
	BatchedWrite(ctx context.Context, ops []Op) error
}

// BatchWriter is implemented by stores that accept receipts.
type BatchWriter interface {
	// PutBatch creates the batch, assigning an id when it has none
	PutBatch(ctx context.Context, batch domain.InventoryBatch) (string, error)
}
