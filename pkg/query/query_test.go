package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

func TestTranslate(t *testing.T) {
	t.Run("type_filter_only", func(t *testing.T) {
		text, err := Translate(Definition{TargetType: "task"})
		require.NoError(t, err)
		assert.Equal(t, "SELECT * FROM node WHERE node_type = 'task'", text)
	})

	t.Run("namespaced_property_access", func(t *testing.T) {
		text, err := Translate(Definition{
			TargetType: "task",
			Filters: []Filter{
				{Type: FilterProperty, Property: "status", Operator: OpEquals, Value: "open"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, text, "properties.task.status = 'open'")
	})

	t.Run("wildcard_falls_back_to_flat_access", func(t *testing.T) {
		text, err := Translate(Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterProperty, Property: "status", Operator: OpEquals, Value: "open"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, text, "properties.status = 'open'")
		assert.NotContains(t, text, "node_type =")
	})

	t.Run("metadata_fields_accessed_directly", func(t *testing.T) {
		text, err := Translate(Definition{
			TargetType: "task",
			Filters: []Filter{
				{Type: FilterMetadata, Property: "modified_at", Operator: OpGt, Value: "2026-01-01T00:00:00Z"},
			},
			Sorting: []Sort{{Field: "created_at", Descending: true}},
			Limit:   10,
		})
		require.NoError(t, err)
		assert.Contains(t, text, "modified_at > '2026-01-01T00:00:00Z'")
		assert.Contains(t, text, "ORDER BY created_at DESC")
		assert.Contains(t, text, "LIMIT 10")
	})

	t.Run("relationship_filter_rewrites_to_subselect", func(t *testing.T) {
		text, err := Translate(Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterRelationship, Relationship: RelChildrenOf, NodeID: "parent-1"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, text,
			"id IN (SELECT VALUE out FROM relationship WHERE in = node:⟨parent-1⟩ AND relationship_type = 'has_child')")
	})

	t.Run("single_quotes_escaped", func(t *testing.T) {
		text, err := Translate(Definition{
			TargetType: "text",
			Filters: []Filter{
				{Type: FilterContent, Operator: OpEquals, Value: "it's"},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, text, "'it''s'")
	})

	t.Run("unknown_operator_rejected", func(t *testing.T) {
		_, err := Translate(Definition{
			TargetType: "text",
			Filters:    []Filter{{Type: FilterContent, Operator: "matches", Value: "x"}},
		})
		assert.ErrorIs(t, err, node.ErrInvalidParameter)
	})
}

func seedStore(t *testing.T) storage.Store {
	t.Helper()
	s := storage.NewMemoryEngine()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	mk := func(id, typ, content string, props map[string]any) {
		n := node.NewWithID(id, typ, content)
		if props != nil {
			n.Properties[typ] = props
		}
		require.NoError(t, s.CreateNode(ctx, n))
	}
	mk("t1", "task", "Fix the bug", map[string]any{"status": "open", "priority": "high"})
	mk("t2", "task", "Write the docs", map[string]any{"status": "done", "priority": "low"})
	mk("t3", "task", "Ship release", map[string]any{"status": "open", "priority": "low"})
	mk("x1", "text", "A note about bugs", nil)
	return s
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("filters_by_type_and_property", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: "task",
			Filters: []Filter{
				{Type: FilterProperty, Property: "status", Operator: OpEquals, Value: "open"},
			},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		for _, n := range nodes {
			assert.Equal(t, "task", n.NodeType)
		}
	})

	t.Run("content_contains_case_insensitive_by_default", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterContent, Operator: OpContains, Value: "BUG"},
			},
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 2) // t1 and x1

		nodes, err = Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterContent, Operator: OpContains, Value: "BUG", CaseSensitive: true},
			},
		})
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("in_operator", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: "task",
			Filters: []Filter{
				{Type: FilterProperty, Property: "priority", Operator: OpIn, Value: []any{"high"}},
			},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "t1", nodes[0].ID)
	})

	t.Run("sorting_reapplied_in_memory", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: "task",
			Sorting:    []Sort{{Field: "priority"}, {Field: "content"}},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 3)
		// high < low lexicographically; ties broken by content.
		assert.Equal(t, "t1", nodes[0].ID)
		assert.Equal(t, "t3", nodes[1].ID)
		assert.Equal(t, "t2", nodes[2].ID)
	})

	t.Run("limit_applies_after_sort", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: "task",
			Sorting:    []Sort{{Field: "content"}},
			Limit:      1,
		})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "t1", nodes[0].ID) // "Fix the bug" sorts first
	})

	t.Run("relationship_children_filter", func(t *testing.T) {
		s := seedStore(t)
		one := 1.0
		two := 2.0
		require.NoError(t, s.CreateEdge(ctx, storage.EdgeRecord{
			In: "t1", Out: "t2", RelationshipType: storage.RelHasChild, Order: &one,
		}))
		require.NoError(t, s.CreateEdge(ctx, storage.EdgeRecord{
			In: "t1", Out: "t3", RelationshipType: storage.RelHasChild, Order: &two,
		}))

		nodes, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterRelationship, Relationship: RelChildrenOf, NodeID: "t1"},
			},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 2)

		parents, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterRelationship, Relationship: RelParentOf, NodeID: "t2"},
			},
		})
		require.NoError(t, err)
		require.Len(t, parents, 1)
		assert.Equal(t, "t1", parents[0].ID)
	})

	t.Run("mentions_filters", func(t *testing.T) {
		s := seedStore(t)
		require.NoError(t, s.CreateMention(ctx, "x1", "t1"))

		mentioned, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterRelationship, Relationship: RelMentions, NodeID: "x1"},
			},
		})
		require.NoError(t, err)
		require.Len(t, mentioned, 1)
		assert.Equal(t, "t1", mentioned[0].ID)

		mentioners, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterRelationship, Relationship: RelMentionedBy, NodeID: "t1"},
			},
		})
		require.NoError(t, err)
		require.Len(t, mentioners, 1)
		assert.Equal(t, "x1", mentioners[0].ID)
	})

	t.Run("wildcard_property_uses_own_namespace_first", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: WildcardType,
			Filters: []Filter{
				{Type: FilterProperty, Property: "status", Operator: OpEquals, Value: "done"},
			},
		})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "t2", nodes[0].ID)
	})

	t.Run("exists_operator", func(t *testing.T) {
		s := seedStore(t)
		nodes, err := Execute(ctx, s, Definition{
			TargetType: "task",
			Filters: []Filter{
				{Type: FilterProperty, Property: "priority", Operator: OpExists},
			},
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 3)
	})
}

func TestCompareValues(t *testing.T) {
	t.Run("mixed_types_compare_by_string_rendering", func(t *testing.T) {
		assert.Equal(t, 0, compareValues("10", 10))
		assert.Negative(t, compareValues(9, "abc")) // "9" < "abc"
	})

	t.Run("numbers_numeric_nan_last", func(t *testing.T) {
		assert.Negative(t, compareValues(2, 10))
		nan := mathNaN()
		assert.Positive(t, compareValues(nan, 1.0))
		assert.Equal(t, 0, compareValues(nan, nan))
	})

	t.Run("bools_false_before_true", func(t *testing.T) {
		assert.Negative(t, compareValues(false, true))
		assert.Positive(t, compareValues(true, false))
	})
}

func mathNaN() float64 {
	var zero float64
	return zero / zero
}
