package nodespace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/node"
)

func TestSiblingQueue_ReorderWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("reorders_under_concurrent_sibling_edit", func(t *testing.T) {
		svc, _ := newService(t)
		p, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p"})
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "A", ParentID: p})
		b, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "B", ParentID: p, InsertAfterNodeID: a})
		c, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "C", ParentID: p, InsertAfterNodeID: b})
		require.NoError(t, err)

		// A concurrent client edits A while C moves to the front. The edit
		// lands first; the queue's fresh read absorbs it.
		content := "A edited"
		_, err = svc.UpdateNodeWithOCC(ctx, a, 1, node.Update{Content: &content})
		require.NoError(t, err)

		q := NewSiblingQueue(svc, DefaultMaxRetries)
		moved, err := q.ReorderWithRetry(ctx, c, "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), moved.Version)

		children, err := svc.GetChildren(ctx, p)
		require.NoError(t, err)
		require.Len(t, children, 3)
		assert.Equal(t, "C", children[0].Content)
		assert.Equal(t, "A edited", children[1].Content)
		assert.Equal(t, "B", children[2].Content)

		// A's version incremented exactly once for its single edit.
		edited, err := svc.GetNode(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, int64(2), edited.Version)
	})

	t.Run("retries_version_conflict_with_fresh_read", func(t *testing.T) {
		svc, _ := newService(t)
		p, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p"})
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a", ParentID: p})
		b, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b", ParentID: p, InsertAfterNodeID: a})
		require.NoError(t, err)

		// Bump b behind the queue's back; a direct OCC reorder with the old
		// version conflicts, the queue recovers.
		content := "b2"
		_, err = svc.UpdateNodeWithOCC(ctx, b, 1, node.Update{Content: &content})
		require.NoError(t, err)
		_, err = svc.ReorderNodeWithOCC(ctx, b, 1, "")
		assert.ErrorIs(t, err, node.ErrVersionConflict)

		q := NewSiblingQueue(svc, DefaultMaxRetries)
		_, err = q.ReorderWithRetry(ctx, b, "")
		require.NoError(t, err)

		children, err := svc.GetChildren(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "b2", children[0].Content)
	})

	t.Run("missing_node_fails_immediately", func(t *testing.T) {
		svc, _ := newService(t)
		q := NewSiblingQueue(svc, DefaultMaxRetries)
		_, err := q.ReorderWithRetry(ctx, "ghost", "")
		assert.ErrorIs(t, err, node.ErrNotFound)
	})

	t.Run("root_reorder_fails_without_retry", func(t *testing.T) {
		svc, _ := newService(t)
		r, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "r"})
		require.NoError(t, err)

		q := NewSiblingQueue(svc, DefaultMaxRetries)
		_, err = q.ReorderWithRetry(ctx, r, "")
		assert.ErrorIs(t, err, node.ErrHierarchyViolation)
	})
}

func TestSiblingQueue_MoveWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("moves_between_parents", func(t *testing.T) {
		svc, _ := newService(t)
		p1, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p1"})
		p2, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p2"})
		c, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "c", ParentID: p1})
		require.NoError(t, err)

		q := NewSiblingQueue(svc, DefaultMaxRetries)
		require.NoError(t, q.MoveWithRetry(ctx, c, p2, ""))

		children, err := svc.GetChildren(ctx, p2)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "c", children[0].Content)
	})

	t.Run("cycle_fails_permanently", func(t *testing.T) {
		svc, _ := newService(t)
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a"})
		b, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b", ParentID: a})
		require.NoError(t, err)

		q := NewSiblingQueue(svc, DefaultMaxRetries)
		err = q.MoveWithRetry(ctx, a, b, "")
		assert.ErrorIs(t, err, node.ErrCircularReference)
	})
}
