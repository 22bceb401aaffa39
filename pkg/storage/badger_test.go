package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/node"
)

func newTestBadger(t *testing.T) *BadgerEngine {
	t.Helper()
	s, err := NewBadgerEngine(BadgerOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()

	t.Run("persist_then_load_preserves_node", func(t *testing.T) {
		s := newTestBadger(t)

		n := node.New("task", "Ship it")
		n.SetProperty("status", "open")
		n.SetProperty("priority", "high")
		require.NoError(t, s.CreateNode(ctx, n))

		got, err := s.GetNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, n.NodeType, got.NodeType)
		assert.Equal(t, n.Content, got.Content)
		assert.Equal(t, n.Version, got.Version)
		status, _ := got.Property("status")
		assert.Equal(t, "open", status)
		assert.True(t, got.CreatedAt.Equal(n.CreatedAt))
	})

	t.Run("occ_conflict_and_increment", func(t *testing.T) {
		s := newTestBadger(t)

		n := node.New("text", "a")
		require.NoError(t, s.CreateNode(ctx, n))

		content := "b"
		updated, err := s.UpdateNode(ctx, n.ID, node.Update{Content: &content}, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		_, err = s.UpdateNode(ctx, n.ID, node.Update{Content: &content}, 1)
		assert.ErrorIs(t, err, node.ErrVersionConflict)
	})
}

func TestBadgerEngine_EdgesAndCascade(t *testing.T) {
	ctx := context.Background()

	t.Run("children_sorted_by_order", func(t *testing.T) {
		s := newTestBadger(t)

		p := node.New("text", "p")
		require.NoError(t, s.CreateNode(ctx, p))
		var ids []string
		for _, c := range []string{"one", "two", "three"} {
			n := node.New("text", c)
			require.NoError(t, s.CreateNode(ctx, n))
			ids = append(ids, n.ID)
		}
		for i, id := range []string{ids[2], ids[0], ids[1]} {
			order := float64([]int{3, 1, 2}[i])
			require.NoError(t, s.CreateEdge(ctx, EdgeRecord{
				In: p.ID, Out: id, RelationshipType: RelHasChild, Order: &order,
			}))
		}

		children, err := s.GetChildren(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, children, 3)
		assert.Equal(t, "one", children[0].Content)
		assert.Equal(t, "three", children[2].Content)
	})

	t.Run("cascade_removes_subtree_and_incident_edges", func(t *testing.T) {
		s := newTestBadger(t)

		r := node.New("text", "R")
		c := node.New("text", "C")
		d := node.New("text", "D")
		for _, n := range []*node.Node{r, c, d} {
			require.NoError(t, s.CreateNode(ctx, n))
		}
		one := 1.0
		require.NoError(t, s.CreateEdge(ctx, EdgeRecord{In: r.ID, Out: c.ID, RelationshipType: RelHasChild, Order: &one}))
		require.NoError(t, s.CreateMention(ctx, c.ID, d.ID))
		require.NoError(t, s.CreateMention(ctx, d.ID, c.ID))

		res, err := s.DeleteNode(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, res.Existed)
		assert.Equal(t, 2, res.DeletedNodes)
		assert.Equal(t, 3, res.DeletedEdges)

		_, err = s.GetNode(ctx, c.ID)
		assert.ErrorIs(t, err, node.ErrNotFound)
		_, err = s.GetNode(ctx, d.ID)
		require.NoError(t, err)
		edges, err := s.GetAllEdges(ctx)
		require.NoError(t, err)
		assert.Empty(t, edges)
	})

	t.Run("edge_requires_both_endpoints", func(t *testing.T) {
		s := newTestBadger(t)

		n := node.New("text", "a")
		require.NoError(t, s.CreateNode(ctx, n))
		err := s.CreateMention(ctx, n.ID, "ghost")
		assert.ErrorIs(t, err, node.ErrNotFound)
	})
}

func TestBadgerEngine_BulkCreateHierarchy(t *testing.T) {
	ctx := context.Background()

	t.Run("single_transaction_forest", func(t *testing.T) {
		s := newTestBadger(t)

		items := []HierarchyItem{
			{ID: "doc", NodeType: "header", Content: "# Doc"},
			{ID: "p1", NodeType: "text", Content: "para", ParentID: "doc", Order: 1},
		}
		require.NoError(t, s.BulkCreateHierarchy(ctx, items))

		tree, err := s.GetChildrenTree(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, tree.Children, 1)
		assert.Equal(t, "para", tree.Children[0].Node.Content)

		nodes, err := s.NodeCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), nodes)
	})
}
