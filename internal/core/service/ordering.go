package service

import (
	"slices"
	"strings"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

// CompareBatchKeys orders batch keys oldest first. Purely numeric keys compare
// by value so that keys of different widths still sort correctly; anything
// else compares lexicographically.
func CompareBatchKeys(a, b string) int {
	if isDigits(a) && isDigits(b) {
		ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(ta) != len(tb) {
			if len(ta) < len(tb) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(ta, tb); c != 0 {
			return c
		}
		// same value, different padding: keep them apart
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// OrderBatches returns a copy of batches sorted by batch key, ties broken by store id.
func OrderBatches(batches []domain.InventoryBatch) []domain.InventoryBatch {
	ordered := slices.Clone(batches)
	slices.SortStableFunc(ordered, func(x, y domain.InventoryBatch) int {
		if c := CompareBatchKeys(x.BatchKey, y.BatchKey); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return ordered
}
