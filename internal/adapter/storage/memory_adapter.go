package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

type recordKey struct {
	token    string
	batchKey string
	kind     domain.LineKind
}

// MemoryAdapter is a process-local BatchStore. All operations hold one mutex,
// so a BatchedWrite is applied atomically.
type MemoryAdapter struct {
	mu      sync.Mutex
	batches map[string]domain.InventoryBatch
	records []domain.ConsumptionRecord
	maxOps  int
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		batches: make(map[string]domain.InventoryBatch),
		maxOps:  port.MaxBatchOps,
	}
}

func (m *MemoryAdapter) PutBatch(ctx context.Context, batch domain.InventoryBatch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	now := time.Now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	m.batches[batch.ID] = batch
	return batch.ID, nil
}

func (m *MemoryAdapter) QueryBatches(ctx context.Context, materialCode string, scope domain.Scope) ([]domain.InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.InventoryBatch
	for _, b := range m.batches {
		if b.MaterialCode == materialCode && scope.Matches(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryAdapter) GetBatch(ctx context.Context, batchID string) (*domain.InventoryBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryAdapter) ConditionalUpdateBatch(ctx context.Context, batchID string, expectedStock, newStock, newConsumed int) (bool, error) {
	if newStock < 0 {
		return false, ErrNegativeStock
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok || b.Stock() != expectedStock {
		return false, nil
	}
	b.Consumed = newConsumed
	if b.Stock() != newStock {
		return false, nil
	}
	b.Version++
	b.UpdatedAt = time.Now()
	m.batches[batchID] = b
	return true, nil
}

func (m *MemoryAdapter) AddRecord(ctx context.Context, record domain.ConsumptionRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkRecordLocked(record, nil); err != nil {
		return "", err
	}
	record = prepareRecord(record)
	m.records = append(m.records, record)
	return record.ID, nil
}

func (m *MemoryAdapter) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.ConsumptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.ConsumptionRecord
	for _, r := range m.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryAdapter) DeleteRecordsMatching(ctx context.Context, filter domain.RecordFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, filter.Matches)
	return before - len(m.records), nil
}

func (m *MemoryAdapter) BatchedWrite(ctx context.Context, ops []port.Op) error {
	if len(ops) > m.maxOps {
		return fmt.Errorf("%d ops: %w", len(ops), ErrBatchTooLarge)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[recordKey]struct{})
	for _, op := range ops {
		switch op.Type {
		case port.OpAddRecord:
			if err := m.checkRecordLocked(op.Record, pending); err != nil {
				return err
			}
			pending[keyOf(op.Record)] = struct{}{}
		case port.OpDeleteRecord:
		default:
			return fmt.Errorf("unknown op type %q", op.Type)
		}
	}

	for _, op := range ops {
		switch op.Type {
		case port.OpAddRecord:
			m.records = append(m.records, prepareRecord(op.Record))
		case port.OpDeleteRecord:
			m.records = slices.DeleteFunc(m.records, func(r domain.ConsumptionRecord) bool {
				return r.ID == op.RecordID
			})
		}
	}
	return nil
}

func keyOf(r domain.ConsumptionRecord) recordKey {
	return recordKey{token: r.Token, batchKey: r.BatchKey, kind: r.Kind}
}

func (m *MemoryAdapter) checkRecordLocked(record domain.ConsumptionRecord, pending map[recordKey]struct{}) error {
	key := keyOf(record)
	if _, dup := pending[key]; dup {
		return fmt.Errorf("%s/%s/%s: %w", key.token, key.batchKey, key.kind, ErrDuplicateRecord)
	}
	for _, r := range m.records {
		if keyOf(r) == key {
			return fmt.Errorf("%s/%s/%s: %w", key.token, key.batchKey, key.kind, ErrDuplicateRecord)
		}
	}
	return nil
}
