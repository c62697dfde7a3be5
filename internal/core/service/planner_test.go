package service

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

func batch(id, key string, stock int) domain.InventoryBatch {
	return domain.InventoryBatch{
		ID:           id,
		MaterialCode: "MAT-1",
		FactoryScope: "F1",
		Location:     "L1",
		BatchKey:     key,
		OpeningStock: stock,
	}
}

func request(qty int) domain.AllocationRequest {
	return domain.AllocationRequest{MaterialCode: "MAT-1", RequiredQuantity: qty}
}

func TestPlan_TakesOldestFirst(t *testing.T) {
	batches := []domain.InventoryBatch{
		batch("b2", "0102", 50),
		batch("b1", "0101", 30),
	}

	plan := Plan(request(40), batches)

	require.Len(t, plan.Lines, 2)
	assert.Equal(t, "0101", plan.Lines[0].BatchKey)
	assert.Equal(t, 30, plan.Lines[0].Quantity)
	assert.Equal(t, "0102", plan.Lines[1].BatchKey)
	assert.Equal(t, 10, plan.Lines[1].Quantity)
	assert.Equal(t, 40, plan.Fulfilled)
	assert.Equal(t, 0, plan.Shortage)
	assert.True(t, plan.Complete())
}

func TestPlan_Shortage(t *testing.T) {
	batches := []domain.InventoryBatch{
		batch("b1", "0101", 30),
		batch("b2", "0102", 50),
	}

	plan := Plan(request(100), batches)

	assert.Equal(t, 80, plan.Fulfilled)
	assert.Equal(t, 20, plan.Shortage)
	assert.False(t, plan.Complete())
}

func TestPlan_NoMatchingBatches(t *testing.T) {
	plan := Plan(request(15), nil)

	assert.Empty(t, plan.Lines)
	assert.Equal(t, 0, plan.Fulfilled)
	assert.Equal(t, 15, plan.Shortage)
}

func TestPlan_GroupsRecordsOfSameLot(t *testing.T) {
	// GIVEN: lot 0101 stored as two records
	batches := []domain.InventoryBatch{
		batch("r2", "0101", 10),
		batch("r1", "0101", 5),
		batch("r3", "0102", 100),
	}

	plan := Plan(request(12), batches)

	require.Len(t, plan.Lines, 1)
	line := plan.Lines[0]
	assert.Equal(t, "0101", line.BatchKey)
	assert.Equal(t, 12, line.Quantity)
	assert.Equal(t, []domain.BatchShare{
		{BatchID: "r1", Quantity: 5},
		{BatchID: "r2", Quantity: 7},
	}, line.Sources)
}

func TestPlan_SkipsEmptyAndForeignBatches(t *testing.T) {
	empty := batch("b0", "0001", 10)
	empty.Consumed = 10
	other := batch("x1", "0002", 50)
	other.MaterialCode = "MAT-2"
	elsewhere := batch("b3", "0003", 50)
	elsewhere.Location = "L9"

	req := request(5)
	req.Scope = domain.Scope{Location: "L1"}
	plan := Plan(req, []domain.InventoryBatch{empty, other, elsewhere, batch("b4", "0004", 20)})

	require.Len(t, plan.Lines, 1)
	assert.Equal(t, "0004", plan.Lines[0].BatchKey)
}

func TestPlan_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for iter := 0; iter < 200; iter++ {
		var batches []domain.InventoryBatch
		n := rng.IntN(8)
		for i := 0; i < n; i++ {
			batches = append(batches, batch(fmt.Sprintf("id-%d", i), fmt.Sprintf("%02d%04d", rng.IntN(52)+1, i), rng.IntN(60)+1))
		}
		required := rng.IntN(200) + 1

		plan := Plan(request(required), batches)

		// conservation
		sum := 0
		for _, l := range plan.Lines {
			assert.Positive(t, l.Quantity)
			sum += l.Quantity
		}
		assert.Equal(t, plan.Fulfilled, sum)
		assert.Equal(t, required, plan.Fulfilled+plan.Shortage)

		// FIFO: every lot before the last one used is drained completely
		stock := make(map[string]int)
		for _, b := range batches {
			stock[b.BatchKey] += b.Stock()
		}
		for i, l := range plan.Lines {
			assert.LessOrEqual(t, l.Quantity, stock[l.BatchKey])
			if i < len(plan.Lines)-1 {
				assert.Equal(t, stock[l.BatchKey], l.Quantity, "younger lot used while %s had stock", l.BatchKey)
			}
			if i > 0 {
				assert.Negative(t, CompareBatchKeys(plan.Lines[i-1].BatchKey, l.BatchKey))
			}
		}
	}
}

func TestSplitShares(t *testing.T) {
	shares := []domain.BatchShare{{BatchID: "a", Quantity: 3}, {BatchID: "b", Quantity: 4}}

	head, tail := splitShares(shares, 5)

	assert.Equal(t, []domain.BatchShare{{BatchID: "a", Quantity: 3}, {BatchID: "b", Quantity: 2}}, head)
	assert.Equal(t, []domain.BatchShare{{BatchID: "b", Quantity: 2}}, tail)

	head, tail = splitShares(shares, 0)
	assert.Empty(t, head)
	assert.Equal(t, shares, tail)
}

func TestCreditRecords(t *testing.T) {
	batches := []domain.InventoryBatch{batch("b1", "0101", 30)}
	batches[0].Consumed = 20

	credited := creditRecords(batches, []domain.ConsumptionRecord{
		{Sources: []domain.BatchShare{{BatchID: "b1", Quantity: 15}}},
	})

	assert.Equal(t, 25, credited[0].Stock())
	assert.Equal(t, 10, batches[0].Stock())
}
