package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/fifo-allocation/internal/adapter/storage"
	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/core/service"
)

const (
	materialCode   = "MAT-STRESS"
	batchCount     = 5
	stockPerBatch  = 4
	totalRequests  = 50
	duplicateEvery = 5 // every Nth request reuses the previous token
)

func main() {
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := storage.NewMemoryAdapter()
	for i := 1; i <= batchCount; i++ {
		_, err := store.PutBatch(ctx, domain.InventoryBatch{
			MaterialCode: materialCode,
			BatchKey:     fmt.Sprintf("01%04d", i),
			OpeningStock: stockPerBatch,
		})
		if err != nil {
			logger.Fatalf("failed to seed batch: %v", err)
		}
	}
	initialStock := batchCount * stockPerBatch

	coordinator := service.NewCommitCoordinator(store, service.WithLogger(logger), service.WithMaxCASRetries(10))
	allocations := service.NewAllocationService(store, coordinator, logger)

	var successCount, shortCount, inFlightCount, otherCount atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		token := fmt.Sprintf("push-%d", i)
		if i%duplicateEvery == duplicateEvery-1 {
			token = fmt.Sprintf("push-%d", i-1)
		}
		g.Go(func() error {
			_, err := allocations.AllocateAndCommitMultiBatch(gctx, domain.AllocationRequest{
				MaterialCode:     materialCode,
				RequiredQuantity: 1,
				IdempotencyToken: token,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				shortCount.Add(1)
			case errors.Is(err, service.ErrAlreadyInFlight):
				inFlightCount.Add(1)
			default:
				otherCount.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	batches, _ := store.QueryBatches(ctx, materialCode, domain.Scope{})
	remaining, negative := 0, 0
	for _, b := range batches {
		remaining += b.Stock()
		if b.Stock() < 0 {
			negative++
		}
	}
	records, _ := store.ListRecords(ctx, domain.RecordFilter{MaterialCode: materialCode})
	recorded := 0
	for _, r := range records {
		recorded += r.Quantity
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:     %d\n", initialStock)
	fmt.Printf("Total Requests:    %d\n", totalRequests)
	fmt.Printf("Committed:         %d\n", successCount.Load())
	fmt.Printf("Short:             %d\n", shortCount.Load())
	fmt.Printf("Already In Flight: %d\n", inFlightCount.Load())
	fmt.Printf("Other Errors:      %d\n", otherCount.Load())
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("==========================================")

	if negative == 0 {
		fmt.Println("PASS: no batch went negative")
	} else {
		fmt.Printf("FAIL: %d batches went negative\n", negative)
	}

	if recorded+remaining == initialStock {
		fmt.Printf("PASS: recorded %d + remaining %d equals initial stock\n", recorded, remaining)
	} else {
		fmt.Printf("FAIL: recorded %d + remaining %d != initial stock %d\n", recorded, remaining, initialStock)
	}
}
