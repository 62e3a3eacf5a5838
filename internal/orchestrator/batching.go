package orchestrator

import (
	"fmt"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
)

// buildDeliveryBatches groups line items competing for the same inventory
// into delivery forecast batches of at most the configured size, richest
// contention data first. Batch ids increase monotonically per report date
// and are persisted on every member's group row, so re-running on a fully
// batched snapshot produces no new batches.
func (o *Orchestrator) buildDeliveryBatches(runID, reportDate string) ([]domain.DeliveryRequest, error) {
	groups, err := o.store.ListUnbatched(reportDate)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}

	nextID, err := o.store.MaxBatchID(reportDate)
	if err != nil {
		return nil, err
	}

	k := o.cfg.ContendingLineItemBatchSize

	// Pending pool in scan order: contender count desc, save time desc, id.
	pending := make([]int64, 0, len(groups))
	pendingSet := make(map[int64]struct{}, len(groups))
	byID := make(map[int64]*domain.ContendingGroup, len(groups))
	for _, g := range groups {
		pending = append(pending, g.LineItemID)
		pendingSet[g.LineItemID] = struct{}{}
		byID[g.LineItemID] = g
	}

	var batches []domain.DeliveryRequest
	for len(pending) > 0 {
		head := pending[0]
		members := o.pickMembers(head, byID[head], pending, pendingSet, k)

		nextID++
		if err := o.store.AssignBatch(runID, reportDate, members, nextID); err != nil {
			return nil, fmt.Errorf("assigning batch %d: %w", nextID, err)
		}
		batches = append(batches, domain.DeliveryRequest{LineItemIDs: members, BatchID: nextID})

		for _, id := range members {
			delete(pendingSet, id)
		}
		next := pending[:0]
		for _, id := range pending {
			if _, ok := pendingSet[id]; ok {
				next = append(next, id)
			}
		}
		pending = next
	}

	return batches, nil
}

// pickMembers builds one batch: the head item plus up to k of its still
// unbatched contenders; for items without contention data, a plain batch of
// k pending items while at least k remain, or everything left otherwise.
func (o *Orchestrator) pickMembers(head int64, g *domain.ContendingGroup,
	pending []int64, pendingSet map[int64]struct{}, k int) []int64 {

	if g != nil && len(g.ContendingIDs) > 0 {
		members := []int64{head}
		for _, c := range g.ContendingIDs {
			if len(members) > k {
				break
			}
			if c == head {
				continue
			}
			if _, ok := pendingSet[c]; ok {
				members = append(members, c)
			}
		}
		return members
	}

	if len(pending) >= k {
		members := make([]int64, k)
		copy(members, pending[:k])
		return members
	}

	members := make([]int64, len(pending))
	copy(members, pending)
	return members
}
