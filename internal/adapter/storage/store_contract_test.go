package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
	"github.com/rl1809/fifo-allocation/internal/port"
)

type contractStore interface {
	port.BatchStore
	port.BatchWriter
}

// runStoreContract checks the behaviour every BatchStore backend shares.
// Materials and tokens are unique per run so shared databases can be reused.
func runStoreContract(t *testing.T, store contractStore) {
	suffix := uuid.NewString()[:8]
	material := "MAT-" + suffix
	ctx := context.Background()

	put := func(t *testing.T, b domain.InventoryBatch) string {
		t.Helper()
		if b.MaterialCode == "" {
			b.MaterialCode = material
		}
		id, err := store.PutBatch(ctx, b)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		return id
	}

	t.Run("get batch", func(t *testing.T) {
		id := put(t, domain.InventoryBatch{FactoryScope: "F1", Location: "L1", BatchKey: "0101", OpeningStock: 30, Received: 5})

		b, err := store.GetBatch(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "0101", b.BatchKey)
		assert.Equal(t, 35, b.Stock())
		assert.Equal(t, 0, b.Version)

		missing, err := store.GetBatch(ctx, "missing-"+suffix)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("query batches by material and scope", func(t *testing.T) {
		scoped := "SCOPED-" + suffix
		put(t, domain.InventoryBatch{MaterialCode: scoped, FactoryScope: "F1", Location: "L1", BatchKey: "0101", OpeningStock: 1})
		put(t, domain.InventoryBatch{MaterialCode: scoped, FactoryScope: "F1", Location: "L2", BatchKey: "0102", OpeningStock: 1})
		put(t, domain.InventoryBatch{MaterialCode: scoped, FactoryScope: "F2", Location: "L1", BatchKey: "0103", OpeningStock: 1})
		put(t, domain.InventoryBatch{MaterialCode: "OTHER-" + suffix, FactoryScope: "F1", Location: "L1", BatchKey: "0100", OpeningStock: 1})

		all, err := store.QueryBatches(ctx, scoped, domain.Scope{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		factory, err := store.QueryBatches(ctx, scoped, domain.Scope{FactoryScope: "F1"})
		require.NoError(t, err)
		assert.Len(t, factory, 2)

		exact, err := store.QueryBatches(ctx, scoped, domain.Scope{FactoryScope: "F1", Location: "L2"})
		require.NoError(t, err)
		require.Len(t, exact, 1)
		assert.Equal(t, "0102", exact[0].BatchKey)
	})

	t.Run("conditional update", func(t *testing.T) {
		id := put(t, domain.InventoryBatch{BatchKey: "0201", OpeningStock: 10})

		ok, err := store.ConditionalUpdateBatch(ctx, id, 10, 7, 3)
		require.NoError(t, err)
		assert.True(t, ok)

		// stale expectation loses
		ok, err = store.ConditionalUpdateBatch(ctx, id, 10, 6, 4)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.ConditionalUpdateBatch(ctx, id, 7, -1, 11)
		assert.ErrorIs(t, err, ErrNegativeStock)

		// consumed that does not yield newStock is refused like a lost race
		ok, err = store.ConditionalUpdateBatch(ctx, id, 7, 6, 99)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.ConditionalUpdateBatch(ctx, "missing-"+suffix, 0, 0, 0)
		require.NoError(t, err)
		assert.False(t, ok)

		b, err := store.GetBatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 7, b.Stock())
		assert.Equal(t, 3, b.Consumed)
		assert.Equal(t, 1, b.Version)
	})

	t.Run("records", func(t *testing.T) {
		token := "T-" + suffix
		rec := domain.ConsumptionRecord{
			Token:        token,
			MaterialCode: material,
			BatchKey:     "0101",
			Kind:         domain.LineKindFullContainer,
			Quantity:     25,
			Sources:      []domain.BatchShare{{BatchID: "b1", Quantity: 20}, {BatchID: "b2", Quantity: 5}},
		}
		id, err := store.AddRecord(ctx, rec)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		_, err = store.AddRecord(ctx, rec)
		assert.ErrorIs(t, err, ErrDuplicateRecord)

		rec.Kind = domain.LineKindRemainder
		rec.Quantity = 5
		rec.Sources = []domain.BatchShare{{BatchID: "b2", Quantity: 5}}
		_, err = store.AddRecord(ctx, rec)
		require.NoError(t, err)

		listed, err := store.ListRecords(ctx, domain.RecordFilter{Token: token})
		require.NoError(t, err)
		require.Len(t, listed, 2)
		byKind := map[domain.LineKind]domain.ConsumptionRecord{}
		for _, r := range listed {
			byKind[r.Kind] = r
		}
		full := byKind[domain.LineKindFullContainer]
		assert.Equal(t, id, full.ID)
		assert.Equal(t, 25, full.Quantity)
		assert.Equal(t, []domain.BatchShare{{BatchID: "b1", Quantity: 20}, {BatchID: "b2", Quantity: 5}}, full.Sources)
		assert.False(t, full.CreatedAt.IsZero())

		byMaterial, err := store.ListRecords(ctx, domain.RecordFilter{MaterialCode: material})
		require.NoError(t, err)
		assert.Len(t, byMaterial, 2)
	})

	t.Run("delete records matching", func(t *testing.T) {
		keep, drop := "KEEP-"+suffix, "DROP-"+suffix
		for _, token := range []string{keep, drop} {
			for _, key := range []string{"0101", "0102"} {
				_, err := store.AddRecord(ctx, domain.ConsumptionRecord{
					Token: token, MaterialCode: material, BatchKey: key,
					Kind: domain.LineKindSingle, Quantity: 1,
					Sources: []domain.BatchShare{{BatchID: key, Quantity: 1}},
				})
				require.NoError(t, err)
			}
		}

		n, err := store.DeleteRecordsMatching(ctx, domain.RecordFilter{Token: drop})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.DeleteRecordsMatching(ctx, domain.RecordFilter{Token: drop})
		require.NoError(t, err)
		assert.Zero(t, n)

		kept, err := store.ListRecords(ctx, domain.RecordFilter{Token: keep})
		require.NoError(t, err)
		assert.Len(t, kept, 2)
	})

	t.Run("batched write", func(t *testing.T) {
		token := "BW-" + suffix
		ops := make([]port.Op, 0, 3)
		for i := 0; i < 3; i++ {
			ops = append(ops, port.Op{Type: port.OpAddRecord, Record: domain.ConsumptionRecord{
				Token: token, MaterialCode: material, BatchKey: fmt.Sprintf("03%02d", i),
				Kind: domain.LineKindSingle, Quantity: i + 1,
				Sources: []domain.BatchShare{{BatchID: "b", Quantity: i + 1}},
			}})
		}
		require.NoError(t, store.BatchedWrite(ctx, ops))

		listed, err := store.ListRecords(ctx, domain.RecordFilter{Token: token})
		require.NoError(t, err)
		require.Len(t, listed, 3)

		require.NoError(t, store.BatchedWrite(ctx, []port.Op{{Type: port.OpDeleteRecord, RecordID: listed[0].ID}}))
		listed, err = store.ListRecords(ctx, domain.RecordFilter{Token: token})
		require.NoError(t, err)
		assert.Len(t, listed, 2)
	})

	t.Run("batched write is atomic", func(t *testing.T) {
		token := "ATOMIC-" + suffix
		rec := domain.ConsumptionRecord{
			Token: token, MaterialCode: material, BatchKey: "0401",
			Kind: domain.LineKindSingle, Quantity: 1,
			Sources: []domain.BatchShare{{BatchID: "b", Quantity: 1}},
		}
		other := rec
		other.BatchKey = "0402"

		err := store.BatchedWrite(ctx, []port.Op{
			{Type: port.OpAddRecord, Record: other},
			{Type: port.OpAddRecord, Record: rec},
			{Type: port.OpAddRecord, Record: rec},
		})
		assert.ErrorIs(t, err, ErrDuplicateRecord)

		listed, err := store.ListRecords(ctx, domain.RecordFilter{Token: token})
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("batched write limit", func(t *testing.T) {
		ops := make([]port.Op, port.MaxBatchOps+1)
		for i := range ops {
			ops[i] = port.Op{Type: port.OpDeleteRecord, RecordID: fmt.Sprintf("none-%d", i)}
		}
		err := store.BatchedWrite(ctx, ops)
		assert.True(t, errors.Is(err, ErrBatchTooLarge), "got %v", err)
	})
}
