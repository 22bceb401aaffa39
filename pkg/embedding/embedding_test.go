package embedding

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/hierarchy"
	"github.com/nodespace/nodespace/pkg/math/vector"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// keywordEmbedder produces deterministic unit vectors: dimension 0 scores
// texts containing "alpha", dimension 1 "beta", dimension 2 everything else.
// Real enough for threshold and ordering assertions.
func keywordEmbedder() Embedder {
	return EmbedderFunc{
		Dim:  vector.Dimensions,
		Name: "keyword-test",
		Fn: func(_ context.Context, text string) ([]float32, error) {
			v := make([]float32, vector.Dimensions)
			switch {
			case strings.Contains(text, "alpha"):
				v[0] = 1
			case strings.Contains(text, "beta"):
				v[1] = 1
			default:
				v[2] = 1
			}
			return v, nil
		},
	}
}

func newEmbedService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	s := storage.NewMemoryEngine()
	t.Cleanup(func() { s.Close() })
	svc := NewService(s, keywordEmbedder(), hierarchy.NewEngine(s), nil)
	return svc, s
}

func addNode(t *testing.T, s storage.Store, typ, content string) string {
	t.Helper()
	n := node.New(typ, content)
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n.ID
}

func link(t *testing.T, s storage.Store, parent, child string, order float64) {
	t.Helper()
	require.NoError(t, s.CreateEdge(context.Background(), storage.EdgeRecord{
		In: parent, Out: child, RelationshipType: storage.RelHasChild, Order: &order,
	}))
}

func TestEstimateTokens(t *testing.T) {
	t.Run("conservative_estimate", func(t *testing.T) {
		assert.Zero(t, EstimateTokens(""))
		// 35 chars: 35/3.5*1.2 = 12.
		assert.Equal(t, 12, EstimateTokens(strings.Repeat("a", 35)))
		// Always rounds up.
		assert.Equal(t, 1, EstimateTokens("ab"))
	})
}

func TestChunkTree(t *testing.T) {
	tree := func(rootContent string, children ...string) *node.Nested {
		root := &node.Nested{Node: node.New("text", rootContent)}
		for _, c := range children {
			root.Children = append(root.Children, &node.Nested{Node: node.New("text", c)})
		}
		return root
	}

	t.Run("small_tree_single_complete_topic", func(t *testing.T) {
		chunks := ChunkTree(tree("short root", "child one", "child two"))
		require.Len(t, chunks, 1)
		assert.Equal(t, MetaCompleteTopic, chunks[0].Meta.Type)
		assert.Contains(t, chunks[0].Text, "short root")
		assert.Contains(t, chunks[0].Text, "child two")
	})

	t.Run("medium_tree_summary_plus_top_level_sections", func(t *testing.T) {
		// Two children of ~1000 chars each: total tokens in [512, 2048).
		big := strings.Repeat("x", 1000)
		chunks := ChunkTree(tree("root", big, big))
		require.Len(t, chunks, 3)
		assert.Equal(t, MetaTopicSummary, chunks[0].Meta.Type)
		assert.LessOrEqual(t, len(chunks[0].Text), summaryCharLimit)
		for _, c := range chunks[1:] {
			assert.Equal(t, MetaTopicSection, c.Meta.Type)
			assert.Equal(t, 0, c.Meta.Depth)
		}
	})

	t.Run("large_tree_recurses_sections", func(t *testing.T) {
		big := strings.Repeat("y", 4000)
		root := tree("root", big)
		root.Children[0].Children = append(root.Children[0].Children,
			&node.Nested{Node: node.New("text", big)})

		chunks := ChunkTree(root)
		require.Len(t, chunks, 3)
		assert.Equal(t, MetaTopicSummary, chunks[0].Meta.Type)
		assert.Equal(t, 0, chunks[1].Meta.Depth)
		assert.Equal(t, 1, chunks[2].Meta.Depth)
		assert.Equal(t, chunks[1].NodeID, chunks[2].Meta.ParentTopic)
	})
}

func TestService_StaleTracking(t *testing.T) {
	ctx := context.Background()

	t.Run("queue_resolves_to_root", func(t *testing.T) {
		svc, s := newEmbedService(t)
		root := addNode(t, s, "text", "root")
		child := addNode(t, s, "text", "child")
		link(t, s, root, child, 1)

		require.NoError(t, svc.QueueForEmbedding(ctx, child))
		stale, err := s.GetNodesWithStaleEmbeddings(ctx, 0)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, root, stale[0].ID)
	})

	t.Run("task_is_its_own_root", func(t *testing.T) {
		svc, s := newEmbedService(t)
		root := addNode(t, s, "text", "root")
		task := addNode(t, s, node.TypeTask, "the task")
		link(t, s, root, task, 1)

		require.NoError(t, svc.QueueForEmbedding(ctx, task))
		stale, err := s.GetNodesWithStaleEmbeddings(ctx, 0)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, task, stale[0].ID)
	})

	t.Run("process_clears_stale_and_stores_vector", func(t *testing.T) {
		svc, s := newEmbedService(t)
		root := addNode(t, s, "text", "alpha notes")
		require.NoError(t, svc.MarkRootStale(ctx, root))

		done := svc.ProcessStaleRoots(ctx, 10)
		assert.Equal(t, 1, done)

		stale, err := s.GetNodesWithStaleEmbeddings(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, stale)

		n, err := s.GetNode(ctx, root)
		require.NoError(t, err)
		assert.Len(t, n.EmbeddingVector, vector.BlobSize)
		meta := n.Properties["embedding_metadata"]
		require.NotNil(t, meta)
		assert.Equal(t, MetaCompleteTopic, meta["type"])
	})

	t.Run("deprecated_debounce_is_noop", func(t *testing.T) {
		svc, s := newEmbedService(t)
		root := addNode(t, s, "text", "r")
		svc.ScheduleDebounced(root, 0)
		svc.ScheduleDebouncedBatch([]string{root}, 0)

		stale, err := s.GetNodesWithStaleEmbeddings(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func TestService_SearchRoots(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*Service, storage.Store, map[string]string) {
		svc, s := newEmbedService(t)
		ids := map[string]string{}
		for name, content := range map[string]string{
			"alpha": "alpha doc",
			"beta":  "beta doc",
			"other": "plain doc",
		} {
			id := addNode(t, s, "text", content)
			require.NoError(t, svc.MarkRootStale(ctx, id))
			ids[name] = id
		}
		require.Equal(t, 3, svc.ProcessStaleRoots(ctx, 10))
		return svc, s, ids
	}

	t.Run("threshold_filters_and_orders_descending", func(t *testing.T) {
		svc, _, ids := seed(t)
		th := 0.9
		results, err := svc.SearchRoots(ctx, "alpha question", SearchOptions{Threshold: &th, Limit: 10})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, ids["alpha"], results[0].Node.ID)
		assert.GreaterOrEqual(t, results[0].Score, th)
	})

	t.Run("zero_threshold_respects_limit_and_order", func(t *testing.T) {
		svc, _, _ := seed(t)
		th := 0.0
		results, err := svc.SearchRoots(ctx, "beta question", SearchOptions{Threshold: &th, Limit: 2})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
		for _, r := range results {
			assert.GreaterOrEqual(t, r.Score, -1.0)
			assert.LessOrEqual(t, r.Score, 1.0)
		}
	})

	t.Run("empty_query_rejected", func(t *testing.T) {
		svc, _, _ := seed(t)
		_, err := svc.SearchRoots(ctx, "", SearchOptions{})
		assert.ErrorIs(t, err, node.ErrInvalidParameter)
	})

	t.Run("threshold_out_of_range_rejected", func(t *testing.T) {
		svc, _, _ := seed(t)
		th := 1.5
		_, err := svc.SearchRoots(ctx, "alpha", SearchOptions{Threshold: &th})
		assert.ErrorIs(t, err, node.ErrInvalidParameter)
	})
}

func TestVectorBlobCodec(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		v := make([]float32, vector.Dimensions)
		for i := range v {
			v[i] = float32(i) * 0.5
		}
		decoded, err := vector.FromBytesChecked(vector.ToBytes(v))
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	})

	t.Run("wrong_length_rejected", func(t *testing.T) {
		_, err := vector.FromBytesChecked(make([]byte, 100))
		assert.Error(t, err)
	})
}
