// Package storage provides the persistence adapter for the NodeSpace core.
//
// The adapter hides the embedded document+graph engine behind a typed Store
// interface: node CRUD with optimistic concurrency, a universal relationship
// table discriminated by relationship_type, ordered children, cascading
// delete, bulk transactional writes, vector scan for embeddings, and live
// change subscriptions.
//
// Two implementations ship with the core:
//   - MemoryEngine: in-memory storage for tests and small datasets
//   - BadgerEngine: persistent disk storage over BadgerDB
//
// Both are safe for concurrent use. All mutations are atomic per call; bulk
// variants run in a single transaction.
//
// Example:
//
//	store := storage.NewMemoryEngine()
//	defer store.Close()
//
//	n := node.New("text", "hello")
//	if err := store.CreateNode(ctx, n); err != nil {
//		log.Fatal(err)
//	}
//
//	_ = store.CreateEdge(ctx, storage.EdgeRecord{
//		In: parentID, Out: n.ID, RelationshipType: storage.RelHasChild, Order: ptr(1.0),
//	})
//
//	children, _ := store.GetChildren(ctx, parentID)
package storage

import (
	"context"

	"github.com/nodespace/nodespace/pkg/node"
)

// Canonical relationship types stored in the universal relationship table.
// User-defined types declared by schemas are stored alongside these with no
// special casing.
const (
	RelHasChild = "has_child"
	RelMentions = "mentions"
	RelMemberOf = "member_of"
)

// MaxHierarchyDepth bounds has_child chains. Traversals past this depth fail
// with a hierarchy violation rather than recursing unbounded.
const MaxHierarchyDepth = 1000

// EdgeRecord is a row in the universal relationship table. In is the source
// node, Out the target. Order is set on has_child edges only. Payload carries
// user-defined edge fields declared by a schema's relationships.
type EdgeRecord struct {
	In               string         `json:"in"`
	Out              string         `json:"out"`
	RelationshipType string         `json:"relationship_type"`
	Order            *float64       `json:"order,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
}

// HierarchyItem is one row of a bulk hierarchy insert. ParentID == "" means
// the node is a root.
type HierarchyItem struct {
	ID         string
	NodeType   string
	Content    string
	ParentID   string
	Order      float64
	Properties map[string]map[string]any
}

// SimilarityMatch is one vector search hit.
type SimilarityMatch struct {
	NodeID string
	Score  float64
}

// ChangeOp discriminates live change events.
type ChangeOp string

const (
	OpNodeCreated ChangeOp = "node_created"
	OpNodeUpdated ChangeOp = "node_updated"
	OpNodeDeleted ChangeOp = "node_deleted"
	OpEdgeCreated ChangeOp = "edge_created"
	OpEdgeDeleted ChangeOp = "edge_deleted"
)

// Change is a raw storage-level change event delivered to live-query
// subscribers. Node is set for node ops (nil on delete), Edge for edge ops.
type Change struct {
	Op     ChangeOp
	NodeID string
	Node   *node.Node
	Edge   *EdgeRecord
}

// Store is the persistence adapter interface the core is written against.
//
// Guarantees required of implementations:
//   - every mutation is atomic per call; Bulk* run in one transaction
//   - DeleteNode cascades depth-first over has_child and removes all edges
//     (any type, either direction) referencing deleted nodes atomically
//   - UpdateNode performs a compare-and-set on version and returns
//     *node.VersionConflictError on mismatch
//   - GetChildren returns children sorted by ascending edge order
type Store interface {
	// Node CRUD
	CreateNode(ctx context.Context, n *node.Node) error
	GetNode(ctx context.Context, id string) (*node.Node, error)
	UpdateNode(ctx context.Context, id string, upd node.Update, expectedVersion int64) (*node.Node, error)
	DeleteNode(ctx context.Context, id string) (node.DeleteResult, error)
	GetNodesByIDs(ctx context.Context, ids []string) (map[string]*node.Node, error)

	// Streaming scan over all nodes, for query execution and maintenance.
	// The callback returning an error stops iteration and propagates it.
	ScanNodes(ctx context.Context, fn func(n *node.Node) error) error

	// Edges (universal relationship table)
	CreateEdge(ctx context.Context, e EdgeRecord) error
	DeleteEdge(ctx context.Context, in, out, relType string) error
	UpdateEdgeOrder(ctx context.Context, in, out string, order float64) error
	GetOutgoingEdges(ctx context.Context, id, relType string) ([]EdgeRecord, error)
	GetIncomingEdges(ctx context.Context, id, relType string) ([]EdgeRecord, error)
	GetAllEdges(ctx context.Context) ([]EdgeRecord, error)

	// Hierarchy reads
	GetParent(ctx context.Context, id string) (string, bool, error)
	GetChildren(ctx context.Context, parentID string) ([]*node.Node, error)
	GetChildrenTree(ctx context.Context, parentID string) (*node.Nested, error)

	// Mentions
	CreateMention(ctx context.Context, src, tgt string) error
	RemoveMention(ctx context.Context, src, tgt string) error
	GetMentions(ctx context.Context, src string) ([]string, error)
	GetMentionedBy(ctx context.Context, tgt string) ([]string, error)

	// Collections
	AddToCollection(ctx context.Context, nodeID, collectionID string) error
	RemoveFromCollection(ctx context.Context, nodeID, collectionID string) error
	GetCollectionMembers(ctx context.Context, collectionID string) ([]string, error)
	GetAllCollectionsWithCounts(ctx context.Context) (map[string]int, error)
	BulkAddToCollections(ctx context.Context, memberships []EdgeRecord) error

	// Embeddings
	UpdateEmbeddingVector(ctx context.Context, id string, vector []byte) error
	UpdateEmbeddingMetadata(ctx context.Context, id string, meta map[string]any) error
	MarkEmbeddingStale(ctx context.Context, id string) error
	GetNodesWithStaleEmbeddings(ctx context.Context, limit int) ([]*node.Node, error)
	SearchEmbeddings(ctx context.Context, query []float32, limit int, threshold float64) ([]SimilarityMatch, error)
	UpdateLifecycleStatus(ctx context.Context, id, status string) error

	// Bulk write (single transaction)
	BulkCreateHierarchy(ctx context.Context, items []HierarchyItem) error

	// Live queries. The returned cancel func unsubscribes; the channel is
	// closed on unsubscribe or engine close. Events matching the predicate
	// are delivered; a nil predicate matches everything.
	Subscribe(predicate func(Change) bool) (<-chan Change, func())

	// Stats and lifecycle
	NodeCount(ctx context.Context) (int64, error)
	EdgeCount(ctx context.Context) (int64, error)
	Close() error
}
