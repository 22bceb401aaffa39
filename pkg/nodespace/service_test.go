package nodespace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/events"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/query"
	"github.com/nodespace/nodespace/pkg/storage"
)

func strPtr(s string) *string { return &s }

func newService(t *testing.T) (*NodeService, storage.Store) {
	t.Helper()
	s := storage.NewMemoryEngine()
	t.Cleanup(func() { s.Close() })
	svc, err := New(context.Background(), s, nil)
	require.NoError(t, err)
	return svc, s
}

func TestNodeService_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("full_lifecycle", func(t *testing.T) {
		svc, _ := newService(t)

		id, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "Test"})
		require.NoError(t, err)

		n, err := svc.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n.Version)
		assert.Equal(t, "Test", n.Content)

		firstModified := n.ModifiedAt
		updated, err := svc.UpdateNodeWithOCC(ctx, id, 1, node.Update{Content: strPtr("Test 2")})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, "Test 2", updated.Content)
		assert.False(t, updated.ModifiedAt.Before(firstModified))

		res, err := svc.DeleteNodeWithOCC(ctx, id, 2)
		require.NoError(t, err)
		assert.True(t, res.Existed)

		_, err = svc.GetNode(ctx, id)
		assert.ErrorIs(t, err, node.ErrNotFound)
	})

	t.Run("delete_missing_is_idempotent", func(t *testing.T) {
		svc, _ := newService(t)
		res, err := svc.DeleteNodeWithOCC(ctx, "ghost", 1)
		require.NoError(t, err)
		assert.False(t, res.Existed)
	})

	t.Run("delete_with_stale_version_conflicts", func(t *testing.T) {
		svc, _ := newService(t)
		id, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a"})
		require.NoError(t, err)

		_, err = svc.DeleteNodeWithOCC(ctx, id, 9)
		assert.ErrorIs(t, err, node.ErrVersionConflict)
	})

	t.Run("missing_parent_rejected", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.CreateNodeWithParent(ctx, CreateRequest{
			NodeType: "text", Content: "a", ParentID: "nowhere",
		})
		assert.ErrorIs(t, err, node.ErrInvalidParent)
	})

	t.Run("create_under_self_rejected", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.CreateNodeWithParent(ctx, CreateRequest{
			ID: "x", NodeType: "text", Content: "a", ParentID: "x",
		})
		assert.ErrorIs(t, err, node.ErrCircularReference)
	})

	t.Run("invalid_schema_payload_rejected", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.CreateNodeWithParent(ctx, CreateRequest{
			NodeType: "task", Content: "t",
			Properties: map[string]map[string]any{"task": {"status": "bogus"}},
		})
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("task_defaults_applied_on_create", func(t *testing.T) {
		svc, _ := newService(t)
		id, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "task", Content: "t"})
		require.NoError(t, err)

		n, err := svc.GetNode(ctx, id)
		require.NoError(t, err)
		task, ok := node.AsTask(n)
		require.True(t, ok)
		assert.Equal(t, node.TaskStatusOpen, task.Status())
		assert.Equal(t, node.TaskPriorityMedium, task.Priority())
	})
}

func TestNodeService_Hierarchy(t *testing.T) {
	ctx := context.Background()

	t.Run("children_follow_insert_positions", func(t *testing.T) {
		svc, _ := newService(t)
		p, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p"})
		require.NoError(t, err)
		a, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a", ParentID: p})
		require.NoError(t, err)
		_, err = svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b", ParentID: p, InsertAfterNodeID: a})
		require.NoError(t, err)
		_, err = svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "front", ParentID: p})
		require.NoError(t, err)

		children, err := svc.GetChildren(ctx, p)
		require.NoError(t, err)
		require.Len(t, children, 3)
		assert.Equal(t, "front", children[0].Content)
		assert.Equal(t, "a", children[1].Content)
		assert.Equal(t, "b", children[2].Content)
	})

	t.Run("move_rejects_cycle", func(t *testing.T) {
		svc, _ := newService(t)
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a"})
		b, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b", ParentID: a})
		require.NoError(t, err)

		err = svc.MoveNode(ctx, a, b, "")
		assert.ErrorIs(t, err, node.ErrCircularReference)
	})

	t.Run("reorder_with_occ_bumps_version", func(t *testing.T) {
		svc, _ := newService(t)
		p, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "p"})
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a", ParentID: p})
		b, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b", ParentID: p, InsertAfterNodeID: a})
		require.NoError(t, err)

		updated, err := svc.ReorderNodeWithOCC(ctx, b, 1, "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		children, err := svc.GetChildren(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, "b", children[0].Content)

		_, err = svc.ReorderNodeWithOCC(ctx, b, 1, "")
		assert.ErrorIs(t, err, node.ErrVersionConflict)
	})
}

func TestNodeService_Mentions(t *testing.T) {
	ctx := context.Background()

	t.Run("mention_round_trip", func(t *testing.T) {
		svc, _ := newService(t)
		a, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "a"})
		b, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "b"})

		require.NoError(t, svc.CreateMention(ctx, a, b))
		mentions, err := svc.GetMentions(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []string{b}, mentions)

		backlinks, err := svc.GetMentionedBy(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []string{a}, backlinks)

		require.NoError(t, svc.RemoveMention(ctx, a, b))
		mentions, err = svc.GetMentions(ctx, a)
		require.NoError(t, err)
		assert.Empty(t, mentions)
	})

	t.Run("mentioning_containers_resolve_to_roots_deduplicated", func(t *testing.T) {
		svc, _ := newService(t)
		root, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "root"})
		c1, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "c1", ParentID: root})
		c2, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "c2", ParentID: root})
		require.NoError(t, err)
		target, _ := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "text", Content: "target"})

		require.NoError(t, svc.CreateMention(ctx, c1, target))
		require.NoError(t, svc.CreateMention(ctx, c2, target))

		containers, err := svc.GetMentioningContainers(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, []string{root}, containers)
	})
}

func TestNodeService_Events(t *testing.T) {
	ctx := context.Background()

	t.Run("self_echo_filtered_by_client_id", func(t *testing.T) {
		svc, _ := newService(t)
		mine := svc.Bus().Subscribe("client-a")
		defer mine.Cancel()
		other := svc.Bus().Subscribe("client-b")
		defer other.Cancel()

		tagged := events.WithClient(ctx, "client-a")
		_, err := svc.CreateNodeWithParent(tagged, CreateRequest{NodeType: "text", Content: "x"})
		require.NoError(t, err)

		select {
		case ev := <-other.C:
			assert.Equal(t, events.KindNodeCreated, ev.Kind)
			assert.Equal(t, "client-a", ev.Client)
		case <-time.After(time.Second):
			t.Fatal("expected event for other client")
		}
		select {
		case ev := <-mine.C:
			t.Fatalf("self-echo not filtered: %+v", ev)
		default:
		}
	})
}

func TestNodeService_UpsertAndDates(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert_creates_then_updates", func(t *testing.T) {
		svc, _ := newService(t)
		id, err := svc.UpsertNodeWithParent(ctx, CreateRequest{ID: "n-1", NodeType: "text", Content: "v1"})
		require.NoError(t, err)
		assert.Equal(t, "n-1", id)

		_, err = svc.UpsertNodeWithParent(ctx, CreateRequest{ID: "n-1", NodeType: "text", Content: "v2"})
		require.NoError(t, err)

		n, err := svc.GetNode(ctx, "n-1")
		require.NoError(t, err)
		assert.Equal(t, "v2", n.Content)
		assert.Equal(t, int64(2), n.Version)
	})

	t.Run("ensure_date_node_is_deterministic_and_idempotent", func(t *testing.T) {
		svc, _ := newService(t)
		day := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

		id, err := svc.EnsureDateNode(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, "2026-08-02", id)

		again, err := svc.EnsureDateNode(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		n, err := svc.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, node.TypeDate, n.NodeType)
		assert.Equal(t, id, n.Content)
	})
}

func TestNodeService_BulkAndQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("bulk_root_notify_emits_coarse_event", func(t *testing.T) {
		svc, _ := newService(t)
		sub := svc.Bus().Subscribe("observer")
		defer sub.Cancel()

		items := []storage.HierarchyItem{
			{ID: "doc", NodeType: "header", Content: "# Doc"},
			{ID: "a", NodeType: "text", Content: "a", ParentID: "doc", Order: 1},
			{ID: "b", NodeType: "text", Content: "b", ParentID: "doc", Order: 2},
		}
		require.NoError(t, svc.BulkCreateHierarchyRootNotify(ctx, items))

		select {
		case ev := <-sub.C:
			assert.Equal(t, events.KindTreeCreated, ev.Kind)
			assert.Equal(t, "doc", ev.RootID)
			assert.Equal(t, 2, ev.DescendantsCount)
		case <-time.After(time.Second):
			t.Fatal("expected tree_created event")
		}
	})

	t.Run("bulk_validates_unless_trusted", func(t *testing.T) {
		svc, _ := newService(t)
		items := []storage.HierarchyItem{
			{ID: "t1", NodeType: "task", Content: "t",
				Properties: map[string]map[string]any{"task": {"status": "bogus"}}},
		}
		err := svc.BulkCreateHierarchy(ctx, items)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)

		assert.NoError(t, svc.BulkCreateHierarchyTrusted(ctx, items))
	})

	t.Run("query_by_type_and_property", func(t *testing.T) {
		svc, _ := newService(t)
		_, err := svc.CreateNodeWithParent(ctx, CreateRequest{NodeType: "task", Content: "open task"})
		require.NoError(t, err)
		done, err := svc.CreateNodeWithParent(ctx, CreateRequest{
			NodeType: "task", Content: "done task",
			Properties: map[string]map[string]any{"task": {"status": "done"}},
		})
		require.NoError(t, err)

		nodes, err := svc.QueryNodes(ctx, query.Definition{
			TargetType: "task",
			Filters: []query.Filter{
				{Type: query.FilterProperty, Property: "status", Operator: query.OpEquals, Value: "done"},
			},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, done, nodes[0].ID)
	})
}
