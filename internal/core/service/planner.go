package service

import (
	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

// lot is every stored record sharing one batch key, summed into a single bucket.
type lot struct {
	key    string
	stock  int
	shares []domain.BatchShare
}

// groupLots folds FIFO-ordered batches into lots, keeping first-seen order.
// Records with no stock are skipped.
func groupLots(ordered []domain.InventoryBatch) []lot {
	var lots []lot
	index := make(map[string]int)
	for _, b := range ordered {
		stock := b.Stock()
		if stock <= 0 {
			continue
		}
		i, ok := index[b.BatchKey]
		if !ok {
			i = len(lots)
			index[b.BatchKey] = i
			lots = append(lots, lot{key: b.BatchKey})
		}
		lots[i].stock += stock
		lots[i].shares = append(lots[i].shares, domain.BatchShare{BatchID: b.ID, Quantity: stock})
	}
	return lots
}

// Plan walks the material's lots oldest first and takes from each until the
// request is covered. It never touches the store and is safe to repeat.
func Plan(req domain.AllocationRequest, batches []domain.InventoryBatch) domain.AllocationPlan {
	plan := domain.AllocationPlan{
		MaterialCode:     req.MaterialCode,
		RequiredQuantity: req.RequiredQuantity,
		Lines:            []domain.AllocationLine{},
	}

	candidates := make([]domain.InventoryBatch, 0, len(batches))
	for _, b := range batches {
		if b.MaterialCode == req.MaterialCode && req.Scope.Matches(b) {
			candidates = append(candidates, b)
		}
	}

	remaining := req.RequiredQuantity
	for _, l := range groupLots(OrderBatches(candidates)) {
		if remaining <= 0 {
			break
		}
		take := min(remaining, l.stock)
		head, _ := splitShares(l.shares, take)
		plan.Lines = append(plan.Lines, domain.AllocationLine{
			BatchKey: l.key,
			Kind:     domain.LineKindSingle,
			Quantity: take,
			Sources:  head,
		})
		plan.Fulfilled += take
		remaining -= take
	}

	plan.Shortage = max(0, req.RequiredQuantity-plan.Fulfilled)
	return plan
}

// splitShares cuts the first n units off shares, preserving order.
func splitShares(shares []domain.BatchShare, n int) (head, tail []domain.BatchShare) {
	for _, s := range shares {
		switch {
		case n <= 0:
			tail = append(tail, s)
		case s.Quantity <= n:
			head = append(head, s)
			n -= s.Quantity
		default:
			head = append(head, domain.BatchShare{BatchID: s.BatchID, Quantity: n})
			tail = append(tail, domain.BatchShare{BatchID: s.BatchID, Quantity: s.Quantity - n})
			n = 0
		}
	}
	return head, tail
}

// creditRecords adds the quantities held by records back onto the batches they
// came from, giving the stock the batches will have once those records are superseded.
func creditRecords(batches []domain.InventoryBatch, records []domain.ConsumptionRecord) []domain.InventoryBatch {
	if len(records) == 0 {
		return batches
	}
	held := make(map[string]int)
	for _, r := range records {
		for _, s := range r.Sources {
			held[s.BatchID] += s.Quantity
		}
	}
	credited := make([]domain.InventoryBatch, len(batches))
	for i, b := range batches {
		b.Consumed -= held[b.ID]
		credited[i] = b
	}
	return credited
}
