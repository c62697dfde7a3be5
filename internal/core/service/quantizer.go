package service

import (
	"slices"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

// Quantize splits each planned lot into whole containers and loose units.
//
// The first pass hands out floor(fulfilled/containerSize) containers to lots
// oldest first; the second pass emits whatever each lot has left over as a
// single remainder line. Full lines are always exact multiples of
// containerSize, remainders fall in [1, containerSize-1], and the emitted
// lines sum to plan.Fulfilled.
func Quantize(plan domain.AllocationPlan, containerSize int) []domain.AllocationLine {
	if containerSize <= 0 {
		return slices.Clone(plan.Lines)
	}

	quota := (plan.Fulfilled / containerSize) * containerSize
	used := make([]int, len(plan.Lines))
	lines := make([]domain.AllocationLine, 0, len(plan.Lines)*2)

	for i, line := range plan.Lines {
		if quota <= 0 {
			break
		}
		take := (min(quota, line.Quantity) / containerSize) * containerSize
		if take == 0 {
			continue
		}
		head, _ := splitShares(line.Sources, take)
		lines = append(lines, domain.AllocationLine{
			BatchKey: line.BatchKey,
			Kind:     domain.LineKindFullContainer,
			Quantity: take,
			Sources:  head,
		})
		used[i] = take
		quota -= take
	}

	for i, line := range plan.Lines {
		remainder := line.Quantity - used[i]
		if remainder <= 0 {
			continue
		}
		_, tail := splitShares(line.Sources, used[i])
		lines = append(lines, domain.AllocationLine{
			BatchKey: line.BatchKey,
			Kind:     domain.LineKindRemainder,
			Quantity: remainder,
			Sources:  tail,
		})
	}

	return lines
}
