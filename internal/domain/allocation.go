package domain

import "sort"

// AllocationSlice is one planned split of a confirmed amount.
type AllocationSlice struct {
	Obligation FeeObligation
	Amount     int64
}

// AllocationPlan is the deterministic distribution of a confirmed amount
// across a student's outstanding obligations, oldest due date first.
type AllocationPlan struct {
	Slices []AllocationSlice
	Credit int64
}

// PlanAllocation computes how amount should be distributed across the given
// obligations. Obligations with no outstanding balance are skipped; ordering
// is due date ascending, then creation time, so the oldest debt is always
// retired first. Whatever remains after every obligation is zeroed becomes
// credit. The input slice is not mutated.
//
// The Postgres repository runs this same function inside its allocation
// transaction (against rows it has locked), so the planned split and the
// committed split cannot diverge.
func PlanAllocation(obligations []FeeObligation, amount int64) AllocationPlan {
	ordered := make([]FeeObligation, len(obligations))
	copy(ordered, obligations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].DueDate.Equal(ordered[j].DueDate) {
			return ordered[i].DueDate.Before(ordered[j].DueDate)
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	plan := AllocationPlan{}
	remaining := amount
	for i := range ordered {
		if remaining <= 0 {
			break
		}
		balance := ordered[i].Balance()
		if balance <= 0 {
			continue
		}
		take := remaining
		if balance < take {
			take = balance
		}
		plan.Slices = append(plan.Slices, AllocationSlice{Obligation: ordered[i], Amount: take})
		remaining -= take
	}

	plan.Credit = remaining
	return plan
}

// TotalAllocated sums the planned obligation slices, excluding credit.
func (p AllocationPlan) TotalAllocated() int64 {
	var total int64
	for _, s := range p.Slices {
		total += s.Amount
	}
	return total
}
