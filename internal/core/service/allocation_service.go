package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

// ScanResult is the outcome of a single-batch scan deduction.
type ScanResult struct {
	Plan   domain.AllocationPlan `json:"plan"`
	Commit *domain.CommitResult  `json:"commit,omitempty"`
	// FifoViolationRisk is set when the oldest batch could not cover the scan
	// while younger batches still hold stock.
	FifoViolationRisk bool `json:"fifo_violation_risk"`
}

// PushResult is the outcome of a multi-batch shipment push. Lines are the
// quantized lines when a container size was given, else the plan's lines.
type PushResult struct {
	Plan   domain.AllocationPlan   `json:"plan"`
	Lines  []domain.AllocationLine `json:"lines"`
	Commit *domain.CommitResult    `json:"commit,omitempty"`
}

type AllocationService struct {
	store       port.BatchStore
	coordinator *CommitCoordinator
	validate    *validator.Validate
	logger      logrus.FieldLogger
	newToken    func() string
}

func NewAllocationService(store port.BatchStore, coordinator *CommitCoordinator, logger logrus.FieldLogger) *AllocationService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AllocationService{
		store:       store,
		coordinator: coordinator,
		validate:    validator.New(),
		logger:      logger,
		newToken:    uuid.NewString,
	}
}

func (s *AllocationService) validateRequest(req domain.AllocationRequest) error {
	if strings.TrimSpace(req.MaterialCode) == "" {
		return fmt.Errorf("%w: material_code is required", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
	}
	return nil
}

// loadBatches reads the material's batches. When token already has live
// records their quantities are credited back, so a replay plans against the
// stock it will see once those records are superseded.
func (s *AllocationService) loadBatches(ctx context.Context, req domain.AllocationRequest, token string) ([]domain.InventoryBatch, error) {
	batches, err := s.store.QueryBatches(ctx, req.MaterialCode, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	if token == "" {
		return batches, nil
	}
	live, err := s.store.ListRecords(ctx, domain.RecordFilter{Token: token})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return creditRecords(batches, live), nil
}

func shortageError(plan domain.AllocationPlan, matched int) error {
	if matched == 0 {
		return fmt.Errorf("%w: %w for %s", ErrInsufficientStock, ErrNoMatchingBatches, plan.MaterialCode)
	}
	return fmt.Errorf("%w: %s short by %d of %d", ErrInsufficientStock, plan.MaterialCode, plan.Shortage, plan.RequiredQuantity)
}

// PlanOnly previews a push without committing anything.
func (s *AllocationService) PlanOnly(ctx context.Context, req domain.AllocationRequest) (*PushResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "AllocationService.PlanOnly")
	var err error
	defer func() { endSpan(span, err) }()

	batches, err := s.loadBatches(ctx, req, req.IdempotencyToken)
	if err != nil {
		return nil, err
	}
	plan := Plan(req, batches)
	return &PushResult{Plan: plan, Lines: Quantize(plan, req.ContainerSize)}, nil
}

// AllocateSingleBatch deducts a scanned quantity from the single oldest batch
// holding stock. It never spills into younger batches: when the oldest one is
// short it returns ErrInsufficientStock, flagging FifoViolationRisk if younger
// stock exists, and leaves the decision to the caller.
func (s *AllocationService) AllocateSingleBatch(ctx context.Context, req domain.AllocationRequest) (*ScanResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	token := req.IdempotencyToken
	if token == "" {
		token = s.newToken()
	}

	ctx, span := tracer.Start(ctx, "AllocationService.AllocateSingleBatch")
	span.SetAttributes(
		attribute.String("allocation.material", req.MaterialCode),
		attribute.Int("allocation.quantity", req.RequiredQuantity),
	)
	var err error
	defer func() { endSpan(span, err) }()

	batches, err := s.loadBatches(ctx, req, token)
	if err != nil {
		return nil, err
	}

	var stocked []domain.InventoryBatch
	for _, b := range OrderBatches(batches) {
		if b.MaterialCode == req.MaterialCode && req.Scope.Matches(b) && b.Stock() > 0 {
			stocked = append(stocked, b)
		}
	}

	scanReq := req
	scanReq.IdempotencyToken = token
	if len(stocked) == 0 {
		result := &ScanResult{Plan: Plan(scanReq, nil)}
		err = shortageError(result.Plan, 0)
		return result, err
	}

	oldest := stocked[0]
	result := &ScanResult{Plan: Plan(scanReq, []domain.InventoryBatch{oldest})}
	if result.Plan.Shortage > 0 {
		result.FifoViolationRisk = len(stocked) > 1
		fields := logrus.Fields{
			"material":  req.MaterialCode,
			"batch_key": oldest.BatchKey,
			"stock":     oldest.Stock(),
			"requested": req.RequiredQuantity,
		}
		if result.FifoViolationRisk {
			s.logger.WithFields(fields).Warn("oldest batch cannot cover scan, younger batches hold stock")
		} else {
			s.logger.WithFields(fields).Info("oldest batch cannot cover scan")
		}
		err = fmt.Errorf("batch %s holds %d of %d: %w", oldest.BatchKey, oldest.Stock(), req.RequiredQuantity, ErrInsufficientStock)
		return result, err
	}

	if err = ctx.Err(); err != nil {
		return result, err
	}

	commit, err := s.coordinator.Commit(ctx, result.Plan, token)
	if err != nil {
		s.logCommitError(req, token, err)
		return result, err
	}
	result.Commit = commit
	return result, nil
}

// AllocateAndCommitMultiBatch plans across as many batches as needed, oldest
// first, optionally quantizes into containers, and commits under the request's
// idempotency token. A plan with a shortage is returned uncommitted together
// with ErrInsufficientStock; see ClampToAvailable.
func (s *AllocationService) AllocateAndCommitMultiBatch(ctx context.Context, req domain.AllocationRequest) (*PushResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: idempotency_token is required", ErrInvalidRequest)
	}

	ctx, span := tracer.Start(ctx, "AllocationService.AllocateAndCommitMultiBatch")
	span.SetAttributes(
		attribute.String("allocation.material", req.MaterialCode),
		attribute.String("allocation.token", req.IdempotencyToken),
		attribute.Int("allocation.quantity", req.RequiredQuantity),
		attribute.Int("allocation.container_size", req.ContainerSize),
	)
	var err error
	defer func() { endSpan(span, err) }()

	batches, err := s.loadBatches(ctx, req, req.IdempotencyToken)
	if err != nil {
		return nil, err
	}

	plan := Plan(req, batches)
	result := &PushResult{Plan: plan, Lines: Quantize(plan, req.ContainerSize)}
	if plan.Shortage > 0 {
		s.logger.WithFields(logrus.Fields{
			"material":  req.MaterialCode,
			"token":     req.IdempotencyToken,
			"fulfilled": plan.Fulfilled,
			"shortage":  plan.Shortage,
		}).Info("push not committed, plan has a shortage")
		err = shortageError(plan, len(plan.Lines))
		return result, err
	}

	if err = ctx.Err(); err != nil {
		return result, err
	}

	committed := plan
	committed.Lines = result.Lines
	commit, err := s.coordinator.Commit(ctx, committed, req.IdempotencyToken)
	if err != nil {
		s.logCommitError(req, req.IdempotencyToken, err)
		return result, err
	}
	result.Commit = commit
	return result, nil
}

// Records returns the live consumption records committed under token.
func (s *AllocationService) Records(ctx context.Context, token string) ([]domain.ConsumptionRecord, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	records, err := s.store.ListRecords(ctx, domain.RecordFilter{Token: token})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *AllocationService) logCommitError(req domain.AllocationRequest, token string, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"material": req.MaterialCode,
		"token":    token,
	}).WithError(err)

	var cf *CommitFailedError
	switch {
	case errors.Is(err, ErrAlreadyInFlight):
		entry.Warn("duplicate trigger, token already in flight")
	case errors.As(err, &cf):
		entry.WithFields(logrus.Fields{
			"batch_key": cf.BatchKey,
			"partial":   cf.Partial,
		}).Error("commit failed")
	default:
		entry.Error("commit failed")
	}
}

// ClampToAvailable builds the follow-up request that ships only what a plan
// could fulfil. Callers use it after explicitly accepting a shortage.
func ClampToAvailable(req domain.AllocationRequest, plan domain.AllocationPlan) (domain.AllocationRequest, error) {
	if plan.Fulfilled <= 0 {
		return req, fmt.Errorf("%w: nothing available to clamp to", ErrInsufficientStock)
	}
	clamped := req
	clamped.RequiredQuantity = plan.Fulfilled
	return clamped, nil
}
