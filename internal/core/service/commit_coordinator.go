package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

const (
	defaultMaxCASRetries = 3
)

// CommitCoordinator turns allocation plans into persisted consumption.
//
// Each commit runs Guarding -> Superseding -> Persisting under an in-process
// set of in-flight tokens, optionally backed by a cross-process TokenLocker.
// Batch stock only ever moves through conditional updates.
type CommitCoordinator struct {
	store      port.BatchStore
	locker     port.TokenLocker
	logger     logrus.FieldLogger
	maxRetries int
	chunkSize  int
	now        func() time.Time
	newID      func() string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type CommitOption func(*CommitCoordinator)

// WithTokenLocker adds a cross-process guard checked after the in-process one.
func WithTokenLocker(locker port.TokenLocker) CommitOption {
	return func(c *CommitCoordinator) { c.locker = locker }
}

// WithMaxCASRetries bounds how many times a lost conditional update is retried.
func WithMaxCASRetries(n int) CommitOption {
	return func(c *CommitCoordinator) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBatchWriteLimit sets the chunk size for record writes, capped at port.MaxBatchOps.
func WithBatchWriteLimit(n int) CommitOption {
	return func(c *CommitCoordinator) {
		if n > 0 {
			c.chunkSize = min(n, port.MaxBatchOps)
		}
	}
}

func WithLogger(logger logrus.FieldLogger) CommitOption {
	return func(c *CommitCoordinator) { c.logger = logger }
}

func NewCommitCoordinator(store port.BatchStore, opts ...CommitOption) *CommitCoordinator {
	c := &CommitCoordinator{
		store:      store,
		logger:     logrus.StandardLogger(),
		maxRetries: defaultMaxCASRetries,
		chunkSize:  port.MaxBatchOps,
		now:        time.Now,
		newID:      uuid.NewString,
		inFlight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CommitCoordinator) acquire(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inFlight[token]; busy {
		return false
	}
	c.inFlight[token] = struct{}{}
	return true
}

func (c *CommitCoordinator) release(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, token)
}

// InFlight reports whether a commit for token is currently running in this process.
func (c *CommitCoordinator) InFlight(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inFlight[token]
	return busy
}

// Commit replaces whatever token previously committed with plan.Lines.
//
// A second concurrent Commit for the same token fails with ErrAlreadyInFlight.
// Once superseding starts the context's cancellation is ignored: the commit
// runs to completion or to a *CommitFailedError.
func (c *CommitCoordinator) Commit(ctx context.Context, plan domain.AllocationPlan, token string) (*domain.CommitResult, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing idempotency token", ErrInvalidRequest)
	}

	ctx, span := tracer.Start(ctx, "CommitCoordinator.Commit")
	span.SetAttributes(
		attribute.String("allocation.token", token),
		attribute.String("allocation.material", plan.MaterialCode),
		attribute.Int("allocation.lines", len(plan.Lines)),
	)
	var err error
	defer func() { endSpan(span, err) }()

	if !c.acquire(token) {
		err = ErrAlreadyInFlight
		return nil, err
	}
	defer c.release(token)

	if c.locker != nil {
		unlock, ok, lockErr := c.locker.Lock(ctx, token)
		if lockErr != nil {
			err = fmt.Errorf("lock token: %w", lockErr)
			return nil, err
		}
		if !ok {
			err = ErrAlreadyInFlight
			return nil, err
		}
		defer func() {
			if releaseErr := unlock(context.WithoutCancel(ctx)); releaseErr != nil {
				c.logger.WithField("token", token).WithError(releaseErr).Warn("failed to release token lock")
			}
		}()
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	superseded, err := c.supersede(ctx, token)
	if err != nil {
		return nil, err
	}

	records, err := c.persist(ctx, plan, token)
	if err != nil {
		var cf *CommitFailedError
		if errors.As(err, &cf) {
			cf.Superseded = superseded
		}
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"token":      token,
		"material":   plan.MaterialCode,
		"records":    len(records),
		"superseded": superseded,
	}).Info("allocation committed")

	return &domain.CommitResult{
		Token:      token,
		Records:    records,
		Superseded: superseded,
	}, nil
}

// supersede removes the token's live records and hands their quantities back
// to the source batches. Records are deleted before stock is returned so a
// failure can under-report stock but never double it.
func (c *CommitCoordinator) supersede(ctx context.Context, token string) (int, error) {
	filter := domain.RecordFilter{Token: token}
	old, err := c.store.ListRecords(ctx, filter)
	if err != nil {
		return 0, &CommitFailedError{Token: token, Err: fmt.Errorf("list records: %w", err)}
	}
	if len(old) == 0 {
		return 0, nil
	}

	deleted, err := c.store.DeleteRecordsMatching(ctx, filter)
	if err != nil {
		return 0, &CommitFailedError{Token: token, Err: fmt.Errorf("delete records: %w", err)}
	}

	for _, rec := range old {
		for _, share := range rec.Sources {
			if err := c.adjust(ctx, share.BatchID, -share.Quantity); err != nil {
				c.logger.WithFields(logrus.Fields{
					"token":     token,
					"batch_key": rec.BatchKey,
					"batch_id":  share.BatchID,
					"quantity":  share.Quantity,
				}).WithError(err).Error("CRITICAL: failed to return superseded stock")
				return deleted, &CommitFailedError{Token: token, BatchKey: rec.BatchKey, Partial: true, Superseded: deleted, Err: err}
			}
		}
	}

	return deleted, nil
}

// persist consumes stock for every line and then writes the records. On
// failure it always undoes the stock moves whose records were not written;
// Partial is reported if something could not be undone or was already written.
func (c *CommitCoordinator) persist(ctx context.Context, plan domain.AllocationPlan, token string) ([]domain.ConsumptionRecord, error) {
	now := c.now()
	records := make([]domain.ConsumptionRecord, 0, len(plan.Lines))
	var applied []domain.BatchShare

	for _, line := range plan.Lines {
		if line.Quantity <= 0 {
			continue
		}
		for _, share := range line.Sources {
			if err := c.adjust(ctx, share.BatchID, share.Quantity); err != nil {
				partial := c.rollback(ctx, token, applied) != nil
				return nil, &CommitFailedError{Token: token, BatchKey: line.BatchKey, Partial: partial, Err: err}
			}
			applied = append(applied, share)
		}
		records = append(records, domain.ConsumptionRecord{
			ID:           c.newID(),
			Token:        token,
			MaterialCode: plan.MaterialCode,
			BatchKey:     line.BatchKey,
			Kind:         line.Kind,
			Quantity:     line.Quantity,
			Sources:      line.Sources,
			CreatedAt:    now,
		})
	}

	written, err := c.writeRecords(ctx, records)
	if err != nil {
		var unwritten []domain.BatchShare
		for _, rec := range records[written:] {
			unwritten = append(unwritten, rec.Sources...)
		}
		rollbackErr := c.rollback(ctx, token, unwritten)
		partial := written > 0 || rollbackErr != nil
		batchKey := ""
		if written < len(records) {
			batchKey = records[written].BatchKey
		}
		return nil, &CommitFailedError{Token: token, BatchKey: batchKey, Partial: partial, Err: err}
	}

	return records, nil
}

// writeRecords stores records in chunks no larger than the batch write limit
// and returns how many were stored before the first failure.
func (c *CommitCoordinator) writeRecords(ctx context.Context, records []domain.ConsumptionRecord) (int, error) {
	if len(records) == 1 {
		if _, err := c.store.AddRecord(ctx, records[0]); err != nil {
			return 0, fmt.Errorf("add record: %w", err)
		}
		return 1, nil
	}

	written := 0
	for start := 0; start < len(records); start += c.chunkSize {
		end := min(start+c.chunkSize, len(records))
		ops := make([]port.Op, 0, end-start)
		for _, rec := range records[start:end] {
			ops = append(ops, port.Op{Type: port.OpAddRecord, Record: rec})
		}
		if err := c.store.BatchedWrite(ctx, ops); err != nil {
			return written, fmt.Errorf("batched write of records %d-%d: %w", start, end-1, err)
		}
		written = end
	}
	return written, nil
}

// rollback returns previously consumed shares, newest first.
func (c *CommitCoordinator) rollback(ctx context.Context, token string, shares []domain.BatchShare) error {
	var errs []error
	for i := len(shares) - 1; i >= 0; i-- {
		if err := c.adjust(ctx, shares[i].BatchID, -shares[i].Quantity); err != nil {
			c.logger.WithFields(logrus.Fields{
				"token":    token,
				"batch_id": shares[i].BatchID,
				"quantity": shares[i].Quantity,
			}).WithError(err).Error("CRITICAL: rollback failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// adjust moves delta units of a batch into (positive) or out of (negative)
// consumed with a compare-and-swap on the derived stock, re-reading and
// retrying when the batch changed underneath it.
func (c *CommitCoordinator) adjust(ctx context.Context, batchID string, delta int) error {
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		batch, err := c.store.GetBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("get batch %s: %w", batchID, err)
		}
		if batch == nil {
			return fmt.Errorf("batch %s: %w", batchID, ErrNoMatchingBatches)
		}

		stock := batch.Stock()
		if delta > stock {
			return fmt.Errorf("batch %s has %d, needs %d: %w", batchID, stock, delta, ErrInsufficientStock)
		}
		consumed := batch.Consumed + delta
		if consumed < 0 {
			return fmt.Errorf("batch %s would return %d but only %d consumed: %w", batchID, -delta, batch.Consumed, ErrInvalidRequest)
		}

		ok, err := c.store.ConditionalUpdateBatch(ctx, batchID, stock, stock-delta, consumed)
		if err != nil {
			return fmt.Errorf("update batch %s: %w", batchID, err)
		}
		if ok {
			return nil
		}

		c.logger.WithFields(logrus.Fields{
			"batch_id": batchID,
			"attempt":  attempt + 1,
		}).Debug("conditional update lost race, re-reading batch")
	}

	return fmt.Errorf("batch %s after %d attempts: %w", batchID, c.maxRetries+1, ErrStaleBatchState)
}
