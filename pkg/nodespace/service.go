// Package nodespace provides the main API for embedded NodeSpace usage.
//
// NodeService is the single entry point for node mutation. Every mutation
// runs the same pipeline: schema validation, business rules, persistence,
// event emission, and — when content changed — marking the embedding root
// stale. Reads flow back through lazy schema migration.
//
// Concurrency: the service holds no global mutex. Optimistic concurrency on
// the node version is the only control primitive; contended sibling
// reordering is retried by SiblingQueue.
//
// Example:
//
//	store := storage.NewMemoryEngine()
//	svc, err := nodespace.New(ctx, store, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	id, _ := svc.CreateNodeWithParent(ctx, nodespace.CreateRequest{
//		NodeType: "task",
//		Content:  "Ship the release",
//	})
//
//	n, _ := svc.GetNode(ctx, id)
//	n, _ = svc.UpdateNodeWithOCC(ctx, id, n.Version, node.Update{Content: ptr("Ship it")})
package nodespace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nodespace/nodespace/pkg/embedding"
	"github.com/nodespace/nodespace/pkg/events"
	"github.com/nodespace/nodespace/pkg/hierarchy"
	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/query"
	"github.com/nodespace/nodespace/pkg/schema"
	"github.com/nodespace/nodespace/pkg/storage"
)

// Options configure optional collaborators. Zero value is fully usable.
type Options struct {
	// Migrations pre-populates the lazy migration registry.
	Migrations *schema.MigrationRegistry

	// Embeddings, when set, receives stale-root notifications after
	// content-changing writes. Nil disables embedding integration.
	Embeddings *embedding.Service

	// Bus receives change events. Nil creates a private bus.
	Bus *events.Bus
}

// NodeService orchestrates the core: validation via the schema registry,
// hierarchy via fractional ordering, persistence through the storage
// adapter, and notification through the event bus.
type NodeService struct {
	store   storage.Store
	schemas *schema.Registry
	hier    *hierarchy.Engine
	bus     *events.Bus
	embed   *embedding.Service
}

// New creates a NodeService over the store and seeds the core schemas.
func New(ctx context.Context, store storage.Store, opts *Options) (*NodeService, error) {
	if opts == nil {
		opts = &Options{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	svc := &NodeService{
		store:   store,
		schemas: schema.NewRegistry(store, opts.Migrations),
		hier:    hierarchy.NewEngine(store),
		bus:     bus,
		embed:   opts.Embeddings,
	}
	if err := svc.schemas.EnsureCoreSchemas(ctx); err != nil {
		return nil, fmt.Errorf("seed core schemas: %w", err)
	}
	return svc, nil
}

// Schemas exposes the schema registry (add_field, extend_enum, user
// schemas).
func (s *NodeService) Schemas() *schema.Registry { return s.schemas }

// Hierarchy exposes the fractional-order engine for read paths.
func (s *NodeService) Hierarchy() *hierarchy.Engine { return s.hier }

// Bus exposes the event bus for subscription.
func (s *NodeService) Bus() *events.Bus { return s.bus }

// Store exposes the underlying persistence adapter.
func (s *NodeService) Store() storage.Store { return s.store }

// AttachEmbeddings wires the embedding service after construction; used when
// the embedding service itself needs the hierarchy engine from this service.
func (s *NodeService) AttachEmbeddings(e *embedding.Service) { s.embed = e }

// CreateRequest describes a node creation.
type CreateRequest struct {
	// ID, when empty, is generated: a UUID for most types, the normalized
	// ISO date for date nodes, the type name for schema nodes.
	ID                string
	NodeType          string
	Content           string
	ParentID          string
	InsertAfterNodeID string
	Properties        map[string]map[string]any
}

// generateID picks the id for a new node per its type's id policy.
func generateID(req CreateRequest) (string, error) {
	if req.ID != "" {
		if req.NodeType == node.TypeDate && !node.ValidDateID(req.ID) {
			return "", fmt.Errorf("%w: date id %q must be YYYY-MM-DD", node.ErrInvalidParameter, req.ID)
		}
		return req.ID, nil
	}
	switch req.NodeType {
	case node.TypeDate:
		day, err := time.Parse("2006-01-02", strings.TrimSpace(req.Content))
		if err != nil {
			return "", fmt.Errorf("%w: date content %q must be YYYY-MM-DD", node.ErrInvalidParameter, req.Content)
		}
		return day.Format("2006-01-02"), nil
	case node.TypeSchema:
		if strings.TrimSpace(req.Content) == "" {
			return "", fmt.Errorf("%w: schema nodes need a type name as content", node.ErrInvalidParameter)
		}
		return strings.TrimSpace(req.Content), nil
	default:
		return uuid.NewString(), nil
	}
}

// CreateNodeWithParent validates and creates a node, attaching it under
// ParentID (when set) at the position computed from InsertAfterNodeID.
// Returns the new node's id.
func (s *NodeService) CreateNodeWithParent(ctx context.Context, req CreateRequest) (string, error) {
	id, err := generateID(req)
	if err != nil {
		return "", err
	}
	if req.ParentID == id {
		return "", fmt.Errorf("%w: cannot create %s under itself", node.ErrCircularReference, id)
	}
	if req.ParentID != "" {
		if _, err := s.store.GetNode(ctx, req.ParentID); err != nil {
			if errors.Is(err, node.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", node.ErrInvalidParent, req.ParentID)
			}
			return "", err
		}
	}

	n := node.NewWithID(id, req.NodeType, req.Content)
	if req.NodeType == node.TypeDate && n.Content == "" {
		n.Content = id
	}
	if req.Properties != nil {
		n.Properties = req.Properties
	}
	if err := s.schemas.ApplyDefaults(ctx, n); err != nil {
		return "", err
	}
	if err := s.schemas.ValidateNode(ctx, n); err != nil {
		return "", err
	}

	if err := s.store.CreateNode(ctx, n); err != nil {
		return "", err
	}
	if req.ParentID != "" {
		if err := s.hier.InsertAfter(ctx, req.ParentID, id, req.InsertAfterNodeID); err != nil {
			// Roll the orphaned node back so a failed attach is invisible.
			if _, derr := s.store.DeleteNode(ctx, id); derr != nil {
				log.Printf("nodespace: rollback of %s after attach failure: %v", id, derr)
			}
			return "", err
		}
	}

	s.emit(ctx, events.Event{Kind: events.KindNodeCreated, NodeID: id, Node: n})
	if n.Content != "" {
		s.markStale(ctx, id)
	}
	return id, nil
}

// GetNode loads a node, applying lazy schema migration. Returns
// node.ErrNotFound when absent.
func (s *NodeService) GetNode(ctx context.Context, id string) (*node.Node, error) {
	n, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.schemas.MigrateOnRead(ctx, n)
}

// GetChildren returns a parent's children in sibling order, each lazily
// migrated.
func (s *NodeService) GetChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	children, err := s.store.GetChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for i, c := range children {
		migrated, err := s.schemas.MigrateOnRead(ctx, c)
		if err != nil {
			return nil, err
		}
		children[i] = migrated
	}
	return children, nil
}

// GetChildrenTree materializes the subtree under id sorted by order at each
// level.
func (s *NodeService) GetChildrenTree(ctx context.Context, id string) (*node.Nested, error) {
	return s.store.GetChildrenTree(ctx, id)
}

// GetAllEdges returns every relationship record for initial client sync.
func (s *NodeService) GetAllEdges(ctx context.Context) ([]storage.EdgeRecord, error) {
	return s.store.GetAllEdges(ctx)
}

// QueryNodes executes a structured query definition.
func (s *NodeService) QueryNodes(ctx context.Context, def query.Definition) ([]*node.Node, error) {
	nodes, err := query.Execute(ctx, s.store, def)
	if err != nil {
		return nil, err
	}
	for i, n := range nodes {
		migrated, err := s.schemas.MigrateOnRead(ctx, n)
		if err != nil {
			return nil, err
		}
		nodes[i] = migrated
	}
	return nodes, nil
}

// UpdateNodeWithOCC applies a sparse update under optimistic concurrency.
// Unspecified fields are unchanged. On version mismatch the store returns
// VersionConflict{expected, actual}; callers retry with a fresh version.
func (s *NodeService) UpdateNodeWithOCC(ctx context.Context, id string, expectedVersion int64, upd node.Update) (*node.Node, error) {
	current, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	// Validate the candidate before touching the store. A concurrent writer
	// may slip in between, but then the CAS below fails and nothing partial
	// was persisted.
	candidate := current.Clone()
	if upd.Content != nil {
		candidate.Content = *upd.Content
	}
	if upd.Properties != nil {
		for ns, fields := range upd.Properties {
			for k, v := range fields {
				if candidate.Properties == nil {
					candidate.Properties = map[string]map[string]any{}
				}
				if candidate.Properties[ns] == nil {
					candidate.Properties[ns] = map[string]any{}
				}
				candidate.Properties[ns][k] = v
			}
		}
	}
	if err := s.schemas.ValidateNode(ctx, candidate); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateNode(ctx, id, upd, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.Event{Kind: events.KindNodeUpdated, NodeID: id, Node: updated})
	if upd.Content != nil && *upd.Content != current.Content {
		s.markStale(ctx, id)
	}
	return updated, nil
}

// DeleteNodeWithOCC cascades a delete in one transaction. Idempotent:
// deleting a missing node reports Existed false. The version check applies
// only when the node exists.
func (s *NodeService) DeleteNodeWithOCC(ctx context.Context, id string, expectedVersion int64) (node.DeleteResult, error) {
	current, err := s.store.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return node.DeleteResult{Existed: false}, nil
		}
		return node.DeleteResult{}, err
	}
	if current.Version != expectedVersion {
		return node.DeleteResult{}, &node.VersionConflictError{
			NodeID: id, Expected: expectedVersion, Actual: current.Version,
		}
	}

	res, err := s.store.DeleteNode(ctx, id)
	if err != nil {
		return node.DeleteResult{}, err
	}
	if res.Existed {
		s.emit(ctx, events.Event{Kind: events.KindNodeDeleted, NodeID: id})
	}
	return res, nil
}

// MoveNode re-parents id under newParentID (empty = detach to root) after
// insertAfter. Cycles are rejected before any edge is touched.
func (s *NodeService) MoveNode(ctx context.Context, id, newParentID, insertAfter string) error {
	if _, err := s.store.GetNode(ctx, id); err != nil {
		return err
	}
	if err := s.hier.Move(ctx, id, newParentID, insertAfter); err != nil {
		return err
	}
	if newParentID != "" {
		edges, err := s.store.GetOutgoingEdges(ctx, newParentID, storage.RelHasChild)
		if err == nil {
			for i := range edges {
				if edges[i].Out == id {
					s.emit(ctx, events.Event{Kind: events.KindEdgeCreated, Edge: &edges[i]})
					break
				}
			}
		}
	}
	s.markStale(ctx, id)
	return nil
}

// ReorderNodeWithOCC repositions id among its siblings under a version
// check, then bumps the node's version so concurrent reorders of the same
// node serialize through OCC.
func (s *NodeService) ReorderNodeWithOCC(ctx context.Context, id string, expectedVersion int64, insertAfter string) (*node.Node, error) {
	current, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &node.VersionConflictError{NodeID: id, Expected: expectedVersion, Actual: current.Version}
	}
	if err := s.hier.Reorder(ctx, id, insertAfter); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateNode(ctx, id, node.Update{}, expectedVersion)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.Event{Kind: events.KindNodeUpdated, NodeID: id, Node: updated})
	return updated, nil
}

// UpsertNodeWithParent ensures the node exists with the given content and
// properties, creating it under ParentID when missing. This is the frontend
// autosave path; it still validates the type and schema.
func (s *NodeService) UpsertNodeWithParent(ctx context.Context, req CreateRequest) (string, error) {
	if req.ID == "" {
		return s.CreateNodeWithParent(ctx, req)
	}
	current, err := s.store.GetNode(ctx, req.ID)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return s.CreateNodeWithParent(ctx, req)
		}
		return "", err
	}

	upd := node.Update{Content: &req.Content}
	if req.Properties != nil {
		upd.Properties = req.Properties
	}
	if _, err := s.UpdateNodeWithOCC(ctx, req.ID, current.Version, upd); err != nil {
		return "", err
	}
	return req.ID, nil
}

// EnsureDateNode idempotently creates the daily container for day and
// returns its deterministic id.
func (s *NodeService) EnsureDateNode(ctx context.Context, day time.Time) (string, error) {
	id := day.UTC().Format("2006-01-02")
	_, err := s.store.GetNode(ctx, id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, node.ErrNotFound) {
		return "", err
	}
	return s.CreateNodeWithParent(ctx, CreateRequest{ID: id, NodeType: node.TypeDate, Content: id})
}

// emit publishes an event stamped with the client id from ctx. Emission
// never fails the mutation that already committed.
func (s *NodeService) emit(ctx context.Context, ev events.Event) {
	ev.Client = events.ClientFromContext(ctx)
	s.bus.Emit(ev)
}

// markStale forwards a content change to the embedding subsystem. Failures
// are logged, never returned: embedding is background work.
func (s *NodeService) markStale(ctx context.Context, id string) {
	if s.embed == nil {
		return
	}
	if err := s.embed.QueueForEmbedding(ctx, id); err != nil {
		log.Printf("nodespace: queue embedding for %s: %v", id, err)
	}
}
