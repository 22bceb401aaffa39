// Package hierarchy implements ordered parent/child structure over has_child
// edges.
//
// Sibling order uses fractional keys: each child's has_child edge carries a
// finite float64 order, and children list in ascending order. Inserting
// between siblings A (order a) and B (order b) assigns (a+b)/2; at the start
// min-1; at the end max+1; into an empty parent 1.0. When adjacent keys get
// close enough to risk float precision loss the parent's children are
// renumbered to 1.0, 2.0, … in a single pass.
//
// The engine never mutates node records, only edges. Cycle prevention walks
// the ancestors of the destination parent; edge counts are never used to
// infer safety.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// RebalanceThreshold is the minimum gap between adjacent fractional keys.
// Below this, repeated midpoint insertion stops producing distinct floats,
// so the sibling list is renumbered.
const RebalanceThreshold = 1e-12

// Engine computes fractional orders and maintains has_child edges.
type Engine struct {
	store storage.Store
}

// NewEngine creates a hierarchy engine over the store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store}
}

type siblingEdge struct {
	childID string
	order   float64
}

func (e *Engine) siblings(ctx context.Context, parentID string) ([]siblingEdge, error) {
	edges, err := e.store.GetOutgoingEdges(ctx, parentID, storage.RelHasChild)
	if err != nil {
		return nil, err
	}
	out := make([]siblingEdge, 0, len(edges))
	for _, edge := range edges {
		o := 0.0
		if edge.Order != nil {
			o = *edge.Order
		}
		out = append(out, siblingEdge{childID: edge.Out, order: o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out, nil
}

// computeOrder returns the fractional key for inserting after afterID
// (empty = place first) among the sorted siblings. The second return is true
// when the gap collapsed and the caller must rebalance and retry.
func computeOrder(siblings []siblingEdge, afterID string) (float64, bool, error) {
	if len(siblings) == 0 {
		return 1.0, false, nil
	}
	if afterID == "" {
		return siblings[0].order - 1, false, nil
	}
	idx := -1
	for i, s := range siblings {
		if s.childID == afterID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, false, fmt.Errorf("%w: %s is not a sibling", node.ErrInvalidSibling, afterID)
	}
	if idx == len(siblings)-1 {
		return siblings[idx].order + 1, false, nil
	}
	a, b := siblings[idx].order, siblings[idx+1].order
	if math.Abs(b-a) < RebalanceThreshold {
		return 0, true, nil
	}
	return (a + b) / 2, false, nil
}

// OrderFor computes the fractional key for placing a child under parentID
// after afterID (empty = first). It rebalances the parent's children once if
// the target gap has collapsed.
func (e *Engine) OrderFor(ctx context.Context, parentID, afterID string) (float64, error) {
	sibs, err := e.siblings(ctx, parentID)
	if err != nil {
		return 0, err
	}
	order, collapsed, err := computeOrder(sibs, afterID)
	if err != nil {
		return 0, err
	}
	if !collapsed {
		return order, nil
	}
	if err := e.Rebalance(ctx, parentID); err != nil {
		return 0, err
	}
	sibs, err = e.siblings(ctx, parentID)
	if err != nil {
		return 0, err
	}
	order, collapsed, err = computeOrder(sibs, afterID)
	if err != nil {
		return 0, err
	}
	if collapsed {
		return 0, fmt.Errorf("%w: sibling order space exhausted under %s", node.ErrHierarchyViolation, parentID)
	}
	return order, nil
}

// InsertAfter attaches childID under parentID positioned after afterID
// (empty = first). Fails with InvalidSibling when afterID is not a child of
// parentID.
func (e *Engine) InsertAfter(ctx context.Context, parentID, childID, afterID string) error {
	order, err := e.OrderFor(ctx, parentID, afterID)
	if err != nil {
		return err
	}
	return e.store.CreateEdge(ctx, storage.EdgeRecord{
		In:               parentID,
		Out:              childID,
		RelationshipType: storage.RelHasChild,
		Order:            &order,
	})
}

// IsAncestor reports whether candidate is id itself or an ancestor of id,
// walking incoming has_child edges with the depth bound.
func (e *Engine) IsAncestor(ctx context.Context, candidate, id string) (bool, error) {
	current := id
	for depth := 0; depth <= storage.MaxHierarchyDepth; depth++ {
		if current == candidate {
			return true, nil
		}
		parent, ok, err := e.store.GetParent(ctx, current)
		if err != nil {
			if errors.Is(err, node.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
		current = parent
	}
	return false, fmt.Errorf("%w: ancestor chain exceeds %d", node.ErrHierarchyViolation, storage.MaxHierarchyDepth)
}

// RootOf walks parent links up to the parentless ancestor.
func (e *Engine) RootOf(ctx context.Context, id string) (string, error) {
	current := id
	for depth := 0; depth <= storage.MaxHierarchyDepth; depth++ {
		parent, ok, err := e.store.GetParent(ctx, current)
		if err != nil {
			return "", err
		}
		if !ok {
			return current, nil
		}
		current = parent
	}
	return "", fmt.Errorf("%w: ancestor chain exceeds %d", node.ErrHierarchyViolation, storage.MaxHierarchyDepth)
}

// Move re-parents nodeID under newParentID (empty = detach to root),
// positioned after insertAfter. The old has_child edge is removed and the
// new one created with a freshly computed order. Moves that would create a
// cycle are rejected: the destination parent's ancestor chain must not
// contain nodeID.
func (e *Engine) Move(ctx context.Context, nodeID, newParentID, insertAfter string) error {
	if newParentID == nodeID {
		return fmt.Errorf("%w: cannot parent %s under itself", node.ErrCircularReference, nodeID)
	}
	if newParentID != "" {
		if _, err := e.store.GetNode(ctx, newParentID); err != nil {
			if errors.Is(err, node.ErrNotFound) {
				return fmt.Errorf("%w: %s", node.ErrInvalidParent, newParentID)
			}
			return err
		}
		cyclic, err := e.IsAncestor(ctx, nodeID, newParentID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s is an ancestor of %s", node.ErrCircularReference, nodeID, newParentID)
		}
	}

	oldParent, hadParent, err := e.store.GetParent(ctx, nodeID)
	if err != nil {
		return err
	}
	if hadParent {
		if err := e.store.DeleteEdge(ctx, oldParent, nodeID, storage.RelHasChild); err != nil {
			return err
		}
	}
	if newParentID == "" {
		return nil
	}
	return e.InsertAfter(ctx, newParentID, nodeID, insertAfter)
}

// Reorder repositions nodeID among its current siblings, after insertAfter
// (empty = first). The parent is preserved; a root node cannot be reordered.
func (e *Engine) Reorder(ctx context.Context, nodeID, insertAfter string) error {
	parent, ok, err := e.store.GetParent(ctx, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s has no parent to reorder under", node.ErrHierarchyViolation, nodeID)
	}
	if insertAfter == nodeID {
		return nil
	}

	sibs, err := e.siblings(ctx, parent)
	if err != nil {
		return err
	}
	// Exclude the moving node from the gap computation so inserting after
	// its current predecessor behaves.
	kept := sibs[:0]
	for _, s := range sibs {
		if s.childID != nodeID {
			kept = append(kept, s)
		}
	}
	order, collapsed, err := computeOrder(kept, insertAfter)
	if err != nil {
		return err
	}
	if collapsed {
		if err := e.Rebalance(ctx, parent); err != nil {
			return err
		}
		return e.Reorder(ctx, nodeID, insertAfter)
	}
	return e.store.UpdateEdgeOrder(ctx, parent, nodeID, order)
}

// Rebalance renumbers a parent's children to 1.0, 2.0, … preserving their
// relative order.
func (e *Engine) Rebalance(ctx context.Context, parentID string) error {
	sibs, err := e.siblings(ctx, parentID)
	if err != nil {
		return err
	}
	for i, s := range sibs {
		if err := e.store.UpdateEdgeOrder(ctx, parentID, s.childID, float64(i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Tree materializes the subtree under rootID with children sorted by order
// at each level.
func (e *Engine) Tree(ctx context.Context, rootID string) (*node.Nested, error) {
	return e.store.GetChildrenTree(ctx, rootID)
}
