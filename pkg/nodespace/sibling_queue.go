package nodespace

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nodespace/nodespace/pkg/node"
)

// SiblingQueue wraps reorder and move with version-conflict retry. Sibling
// reordering is the one operation where OCC contention is common — two
// clients dragging blocks in the same list — so retry logic is localized
// here instead of spreading through every caller.
//
// Backoff is exponential starting at 10ms (10, 20, 40, 80, …) with no
// jitter, matching the interactive-latency budget of a drag-and-drop UI.
type SiblingQueue struct {
	svc        *NodeService
	maxRetries uint64
}

// DefaultMaxRetries bounds conflict retries per operation.
const DefaultMaxRetries = 3

// NewSiblingQueue creates a queue over the service. maxRetries 0 means a
// single attempt with no retry.
func NewSiblingQueue(svc *NodeService, maxRetries uint64) *SiblingQueue {
	return &SiblingQueue{svc: svc, maxRetries: maxRetries}
}

func (q *SiblingQueue) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, q.maxRetries), ctx)
}

// ReorderWithRetry repositions nodeID after insertAfter (empty = first),
// refreshing the version and retrying on conflict. Non-conflict errors fail
// immediately; exhausting retries returns the final VersionConflict.
func (q *SiblingQueue) ReorderWithRetry(ctx context.Context, nodeID, insertAfter string) (*node.Node, error) {
	var out *node.Node
	op := func() error {
		current, err := q.svc.GetNode(ctx, nodeID)
		if err != nil {
			return backoff.Permanent(err)
		}
		updated, err := q.svc.ReorderNodeWithOCC(ctx, nodeID, current.Version, insertAfter)
		if err != nil {
			if node.IsVersionConflict(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = updated
		return nil
	}
	if err := backoff.Retry(op, q.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// MoveWithRetry re-parents nodeID with the same conflict-retry discipline.
func (q *SiblingQueue) MoveWithRetry(ctx context.Context, nodeID, newParentID, insertAfter string) error {
	op := func() error {
		err := q.svc.MoveNode(ctx, nodeID, newParentID, insertAfter)
		if err == nil {
			return nil
		}
		if node.IsVersionConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, q.retryPolicy(ctx))
}
