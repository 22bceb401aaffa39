package nodespace

import (
	"context"
	"fmt"
	"time"

	"github.com/nodespace/nodespace/pkg/events"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// BulkCreateHierarchy inserts a prepared node forest in one transaction,
// validating every node against its schema first.
func (s *NodeService) BulkCreateHierarchy(ctx context.Context, items []storage.HierarchyItem) error {
	return s.bulkCreate(ctx, items, true)
}

// BulkCreateHierarchyTrusted skips per-node schema validation for verified
// import paths (the markdown pipeline validates during parsing). Structural
// invariants — date id shape, version/timestamp ordering, one has_child edge
// per pair, distinct sibling orders — still hold.
func (s *NodeService) BulkCreateHierarchyTrusted(ctx context.Context, items []storage.HierarchyItem) error {
	return s.bulkCreate(ctx, items, false)
}

func (s *NodeService) bulkCreate(ctx context.Context, items []storage.HierarchyItem, validate bool) error {
	now := time.Now().UTC()
	seenOrders := map[string]map[float64]struct{}{}
	for i := range items {
		it := &items[i]
		if validate {
			n := &node.Node{
				ID:         it.ID,
				NodeType:   it.NodeType,
				Content:    it.Content,
				Version:    1,
				CreatedAt:  now,
				ModifiedAt: now,
				Properties: it.Properties,
			}
			if err := s.schemas.ValidateNode(ctx, n); err != nil {
				return err
			}
		} else if it.NodeType == node.TypeDate {
			if !node.ValidDateID(it.ID) || it.Content != it.ID {
				return &node.ValidationError{NodeType: node.TypeDate, Field: "id", Reason: "date id must be YYYY-MM-DD and equal content"}
			}
		}
		if it.ParentID != "" {
			orders, ok := seenOrders[it.ParentID]
			if !ok {
				orders = map[float64]struct{}{}
				seenOrders[it.ParentID] = orders
			}
			if _, dup := orders[it.Order]; dup {
				return fmt.Errorf("%w: duplicate sibling order %v under %s",
					node.ErrHierarchyViolation, it.Order, it.ParentID)
			}
			orders[it.Order] = struct{}{}
		}
	}
	return s.store.BulkCreateHierarchy(ctx, items)
}

// BulkCreateHierarchyRootNotify bulk-creates the forest and emits one coarse
// TreeCreated event per root instead of N per-node events.
func (s *NodeService) BulkCreateHierarchyRootNotify(ctx context.Context, items []storage.HierarchyItem) error {
	if err := s.BulkCreateHierarchyTrusted(ctx, items); err != nil {
		return err
	}

	inBatch := make(map[string]struct{}, len(items))
	for _, it := range items {
		inBatch[it.ID] = struct{}{}
	}
	descendants := map[string]int{}
	var roots []string
	for _, it := range items {
		if it.ParentID == "" {
			roots = append(roots, it.ID)
			continue
		}
		if _, parentInBatch := inBatch[it.ParentID]; !parentInBatch {
			roots = append(roots, it.ID)
		}
	}
	// Count batch rows per root by chasing parents inside the batch.
	parentOf := make(map[string]string, len(items))
	for _, it := range items {
		parentOf[it.ID] = it.ParentID
	}
	rootSet := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		rootSet[r] = struct{}{}
	}
	for _, it := range items {
		cur := it.ID
		for depth := 0; depth <= storage.MaxHierarchyDepth; depth++ {
			if _, isRoot := rootSet[cur]; isRoot {
				if cur != it.ID {
					descendants[cur]++
				}
				break
			}
			next, ok := parentOf[cur]
			if !ok || next == "" {
				break
			}
			cur = next
		}
	}

	for _, r := range roots {
		s.emit(ctx, events.Event{
			Kind:             events.KindTreeCreated,
			RootID:           r,
			DescendantsCount: descendants[r],
		})
		if s.embed != nil {
			s.markStale(ctx, r)
		}
	}
	return nil
}
