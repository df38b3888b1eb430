package memory

import (
	"context"

	"github.com/google/uuid"

	"shelfsync/internal/catalog"
)

// InvariantViolations counts rows that break the circulation invariants: a copy is ISSUED
// exactly when it has one open issue record, and no copy sits in more than one cart.
func (s *Store) InvariantViolations(_ context.Context) (int, error) {
	st := s.snapshot()

	open := map[uuid.UUID]int{}
	for _, row := range st.records {
		if row.record.Open() {
			open[row.record.CopyID]++
		}
	}
	held := map[uuid.UUID]int{}
	for _, row := range st.cart {
		held[row.item.CopyID]++
	}

	violations := 0
	for id, c := range st.copies {
		switch {
		case open[id] > 1:
			violations++
		case c.Status == catalog.StatusIssued && open[id] != 1:
			violations++
		case c.Status == catalog.StatusAvailable && open[id] != 0:
			violations++
		}
		if held[id] > 1 {
			violations++
		}
	}
	for id := range open {
		if _, ok := st.copies[id]; !ok {
			violations++
		}
	}
	return violations, nil
}
