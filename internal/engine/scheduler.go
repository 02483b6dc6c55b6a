package engine

import (
	"sort"

	"github.com/roach88/bundled/internal/bundle"
)

// Execution classes of a transaction, in execution order.
const (
	classDelete = iota
	classCreate
	classUpdate
	classRead
)

func executionClass(k bundle.Kind) int {
	switch k {
	case bundle.KindDelete:
		return classDelete
	case bundle.KindCreate:
		return classCreate
	case bundle.KindUpdate, bundle.KindPatch:
		return classUpdate
	}
	return classRead
}

// schedule returns the execution order. Batches keep submission order.
// Transactions group by class with submission order kept within a class.
// The input slice is not modified and no plan's index changes.
func schedule(mode bundle.Mode, plans []*entryPlan) []*entryPlan {
	order := make([]*entryPlan, len(plans))
	copy(order, plans)
	if !mode.Atomic() {
		return order
	}
	sort.SliceStable(order, func(i, j int) bool {
		return executionClass(order[i].op.Kind()) < executionClass(order[j].op.Kind())
	})
	return order
}
