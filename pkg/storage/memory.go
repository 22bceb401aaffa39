package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nodespace/nodespace/pkg/math/vector"
	"github.com/nodespace/nodespace/pkg/node"
)

// MemoryEngine is a thread-safe in-memory Store implementation.
//
// Use cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small workspaces that fit entirely in RAM
//   - Development and prototyping
//
// All operations hold an RWMutex; returned nodes are deep copies so callers
// can never mutate stored state directly.
//
// Performance characteristics:
//   - Node lookup by id: O(1)
//   - Children of a parent: O(degree log degree) for the order sort
//   - Cascading delete: O(subtree + incident edges)
//   - Vector search: O(n · d) exact scan
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[string]*node.Node

	// Adjacency, keyed by edgeKey(relType, other). Values are the canonical
	// edge records; outgoing and incoming share pointers.
	outgoing map[string]map[string]*EdgeRecord
	incoming map[string]map[string]*EdgeRecord

	stale  map[string]struct{}
	closed bool

	hub *liveHub
}

var _ Store = (*MemoryEngine)(nil)

// NewMemoryEngine creates an empty in-memory store.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:    make(map[string]*node.Node),
		outgoing: make(map[string]map[string]*EdgeRecord),
		incoming: make(map[string]map[string]*EdgeRecord),
		stale:    make(map[string]struct{}),
		hub:      newLiveHub(),
	}
}

func edgeKey(relType, other string) string { return relType + "\x00" + other }

// CreateNode stores a new node. Fails if the id already exists.
func (m *MemoryEngine) CreateNode(_ context.Context, n *node.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return node.ErrStorageUnavailable
	}
	if n.ID == "" {
		return fmt.Errorf("%w: empty node id", node.ErrInvalidParameter)
	}
	if _, exists := m.nodes[n.ID]; exists {
		return fmt.Errorf("%w: node %s already exists", node.ErrStorage, n.ID)
	}

	stored := n.Clone()
	if stored.Version < 1 {
		stored.Version = 1
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = stored.CreatedAt
	}
	m.nodes[stored.ID] = stored

	m.hub.publish(Change{Op: OpNodeCreated, NodeID: stored.ID, Node: stored.Clone()})
	return nil
}

// GetNode returns a copy of the node, or node.ErrNotFound.
func (m *MemoryEngine) GetNode(_ context.Context, id string) (*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	return n.Clone(), nil
}

// UpdateNode applies a sparse update under a compare-and-set on version.
// On success the stored version increments by exactly one and modified_at is
// refreshed; the updated copy is returned.
func (m *MemoryEngine) UpdateNode(_ context.Context, id string, upd node.Update, expectedVersion int64) (*node.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	if n.Version != expectedVersion {
		return nil, &node.VersionConflictError{NodeID: id, Expected: expectedVersion, Actual: n.Version}
	}

	applyUpdate(n, upd)

	out := n.Clone()
	m.hub.publish(Change{Op: OpNodeUpdated, NodeID: id, Node: out.Clone()})
	return out, nil
}

// applyUpdate mutates n in place: content if set, properties merged per
// namespace, version bumped, modified_at refreshed.
func applyUpdate(n *node.Node, upd node.Update) {
	if upd.Content != nil {
		n.Content = *upd.Content
	}
	if upd.Properties != nil {
		if n.Properties == nil {
			n.Properties = map[string]map[string]any{}
		}
		for ns, fields := range upd.Properties {
			inner, ok := n.Properties[ns]
			if !ok {
				inner = map[string]any{}
				n.Properties[ns] = inner
			}
			for k, v := range fields {
				inner[k] = v
			}
		}
	}
	n.Version++
	n.ModifiedAt = time.Now().UTC()
}

// DeleteNode cascades over has_child depth-first, leaf to root, removing
// every descendant and every edge (any type, either direction) incident to a
// deleted node. Deleting a missing node is not an error: Existed is false.
func (m *MemoryEngine) DeleteNode(_ context.Context, id string) (node.DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return node.DeleteResult{Existed: false}, nil
	}

	order, err := m.collectSubtree(id)
	if err != nil {
		return node.DeleteResult{}, err
	}

	res := node.DeleteResult{Existed: true}
	// Leaf-to-root: order is a pre-order walk, so reverse it.
	for i := len(order) - 1; i >= 0; i-- {
		nid := order[i]
		res.DeletedEdges += m.removeIncidentEdgesLocked(nid)
		delete(m.nodes, nid)
		delete(m.stale, nid)
		res.DeletedNodes++
		m.hub.publish(Change{Op: OpNodeDeleted, NodeID: nid})
	}
	return res, nil
}

// collectSubtree returns the pre-order walk of id's has_child subtree.
func (m *MemoryEngine) collectSubtree(id string) ([]string, error) {
	var order []string
	seen := map[string]struct{}{}
	var walk func(nid string, depth int) error
	walk = func(nid string, depth int) error {
		if depth > MaxHierarchyDepth {
			return fmt.Errorf("%w: depth exceeds %d", node.ErrHierarchyViolation, MaxHierarchyDepth)
		}
		if _, dup := seen[nid]; dup {
			return nil
		}
		seen[nid] = struct{}{}
		order = append(order, nid)
		for _, e := range m.outgoing[nid] {
			if e.RelationshipType == RelHasChild {
				if err := walk(e.Out, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(id, 0); err != nil {
		return nil, err
	}
	return order, nil
}

func (m *MemoryEngine) removeIncidentEdgesLocked(id string) int {
	removed := 0
	for key, e := range m.outgoing[id] {
		delete(m.outgoing[id], key)
		delete(m.incoming[e.Out], edgeKey(e.RelationshipType, id))
		removed++
		m.hub.publish(Change{Op: OpEdgeDeleted, Edge: cloneEdge(e)})
	}
	delete(m.outgoing, id)
	for key, e := range m.incoming[id] {
		delete(m.incoming[id], key)
		delete(m.outgoing[e.In], edgeKey(e.RelationshipType, id))
		removed++
		m.hub.publish(Change{Op: OpEdgeDeleted, Edge: cloneEdge(e)})
	}
	delete(m.incoming, id)
	return removed
}

// GetNodesByIDs bulk-fetches nodes. Missing ids are simply absent from the
// result map.
func (m *MemoryEngine) GetNodesByIDs(_ context.Context, ids []string) (map[string]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*node.Node, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out[id] = n.Clone()
		}
	}
	return out, nil
}

// ScanNodes iterates over a snapshot of all nodes.
func (m *MemoryEngine) ScanNodes(ctx context.Context, fn func(n *node.Node) error) error {
	m.mu.RLock()
	snapshot := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n.Clone())
	}
	m.mu.RUnlock()

	for _, n := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// CreateEdge inserts (or replaces) the edge for (in, relationship_type, out).
// Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(_ context.Context, e EdgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEdgeLocked(e)
}

func (m *MemoryEngine) createEdgeLocked(e EdgeRecord) error {
	if e.RelationshipType == "" {
		return fmt.Errorf("%w: empty relationship_type", node.ErrInvalidParameter)
	}
	if _, ok := m.nodes[e.In]; !ok {
		return fmt.Errorf("%w: edge source %s", node.ErrNotFound, e.In)
	}
	if _, ok := m.nodes[e.Out]; !ok {
		return fmt.Errorf("%w: edge target %s", node.ErrNotFound, e.Out)
	}

	stored := cloneEdge(&e)
	if m.outgoing[e.In] == nil {
		m.outgoing[e.In] = map[string]*EdgeRecord{}
	}
	if m.incoming[e.Out] == nil {
		m.incoming[e.Out] = map[string]*EdgeRecord{}
	}
	m.outgoing[e.In][edgeKey(e.RelationshipType, e.Out)] = stored
	m.incoming[e.Out][edgeKey(e.RelationshipType, e.In)] = stored

	m.hub.publish(Change{Op: OpEdgeCreated, Edge: cloneEdge(stored)})
	return nil
}

// DeleteEdge removes the edge for (in, relType, out) if present.
func (m *MemoryEngine) DeleteEdge(_ context.Context, in, out, relType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outgoing[in][edgeKey(relType, out)]
	if !ok {
		return fmt.Errorf("%w: edge %s -[%s]-> %s", node.ErrNotFound, in, relType, out)
	}
	delete(m.outgoing[in], edgeKey(relType, out))
	delete(m.incoming[out], edgeKey(relType, in))
	m.hub.publish(Change{Op: OpEdgeDeleted, Edge: cloneEdge(e)})
	return nil
}

// UpdateEdgeOrder rewrites the fractional order on an existing has_child edge.
func (m *MemoryEngine) UpdateEdgeOrder(_ context.Context, in, out string, order float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outgoing[in][edgeKey(RelHasChild, out)]
	if !ok {
		return fmt.Errorf("%w: has_child edge %s -> %s", node.ErrNotFound, in, out)
	}
	e.Order = &order
	m.hub.publish(Change{Op: OpEdgeCreated, Edge: cloneEdge(e)})
	return nil
}

// GetOutgoingEdges lists edges from id, filtered by relType when non-empty.
func (m *MemoryEngine) GetOutgoingEdges(_ context.Context, id, relType string) ([]EdgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EdgeRecord
	for _, e := range m.outgoing[id] {
		if relType == "" || e.RelationshipType == relType {
			out = append(out, *cloneEdge(e))
		}
	}
	return out, nil
}

// GetIncomingEdges lists edges into id, filtered by relType when non-empty.
func (m *MemoryEngine) GetIncomingEdges(_ context.Context, id, relType string) ([]EdgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EdgeRecord
	for _, e := range m.incoming[id] {
		if relType == "" || e.RelationshipType == relType {
			out = append(out, *cloneEdge(e))
		}
	}
	return out, nil
}

// GetAllEdges returns every edge record, for initial client synchronization.
func (m *MemoryEngine) GetAllEdges(_ context.Context) ([]EdgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []EdgeRecord
	for _, edges := range m.outgoing {
		for _, e := range edges {
			out = append(out, *cloneEdge(e))
		}
	}
	return out, nil
}

// GetParent returns the parent reached via the incoming has_child edge.
// The second return is false for roots.
func (m *MemoryEngine) GetParent(_ context.Context, id string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[id]; !ok {
		return "", false, fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	for _, e := range m.incoming[id] {
		if e.RelationshipType == RelHasChild {
			return e.In, true, nil
		}
	}
	return "", false, nil
}

// GetChildren returns the parent's children sorted by ascending edge order.
func (m *MemoryEngine) GetChildren(_ context.Context, parentID string) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.childrenLocked(parentID)
}

func (m *MemoryEngine) childrenLocked(parentID string) ([]*node.Node, error) {
	type childEdge struct {
		id    string
		order float64
	}
	var edges []childEdge
	for _, e := range m.outgoing[parentID] {
		if e.RelationshipType != RelHasChild {
			continue
		}
		o := 0.0
		if e.Order != nil {
			o = *e.Order
		}
		edges = append(edges, childEdge{id: e.Out, order: o})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].order < edges[j].order })

	out := make([]*node.Node, 0, len(edges))
	for _, ce := range edges {
		if n, ok := m.nodes[ce.id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// GetChildrenTree materializes the subtree rooted at parentID with children
// sorted by order at every level.
func (m *MemoryEngine) GetChildrenTree(_ context.Context, parentID string) (*node.Nested, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", node.ErrNotFound, parentID)
	}

	var build func(n *node.Node, depth int) (*node.Nested, error)
	build = func(n *node.Node, depth int) (*node.Nested, error) {
		if depth > MaxHierarchyDepth {
			return nil, fmt.Errorf("%w: depth exceeds %d", node.ErrHierarchyViolation, MaxHierarchyDepth)
		}
		children, err := m.childrenLocked(n.ID)
		if err != nil {
			return nil, err
		}
		nt := &node.Nested{Node: n.Clone()}
		for _, c := range children {
			sub, err := build(c, depth+1)
			if err != nil {
				return nil, err
			}
			nt.Children = append(nt.Children, sub)
		}
		return nt, nil
	}
	return build(root, 0)
}

// CreateMention records a mentions edge from src to tgt.
func (m *MemoryEngine) CreateMention(ctx context.Context, src, tgt string) error {
	return m.CreateEdge(ctx, EdgeRecord{In: src, Out: tgt, RelationshipType: RelMentions})
}

// RemoveMention deletes the mentions edge from src to tgt.
func (m *MemoryEngine) RemoveMention(ctx context.Context, src, tgt string) error {
	return m.DeleteEdge(ctx, src, tgt, RelMentions)
}

// GetMentions lists the ids src mentions.
func (m *MemoryEngine) GetMentions(ctx context.Context, src string) ([]string, error) {
	edges, err := m.GetOutgoingEdges(ctx, src, RelMentions)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.Out)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMentionedBy lists the ids that mention tgt.
func (m *MemoryEngine) GetMentionedBy(ctx context.Context, tgt string) ([]string, error) {
	edges, err := m.GetIncomingEdges(ctx, tgt, RelMentions)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.In)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddToCollection links nodeID into collectionID via member_of.
func (m *MemoryEngine) AddToCollection(ctx context.Context, nodeID, collectionID string) error {
	return m.CreateEdge(ctx, EdgeRecord{In: nodeID, Out: collectionID, RelationshipType: RelMemberOf})
}

// RemoveFromCollection removes the member_of edge.
func (m *MemoryEngine) RemoveFromCollection(ctx context.Context, nodeID, collectionID string) error {
	return m.DeleteEdge(ctx, nodeID, collectionID, RelMemberOf)
}

// GetCollectionMembers lists member node ids of a collection.
func (m *MemoryEngine) GetCollectionMembers(ctx context.Context, collectionID string) ([]string, error) {
	edges, err := m.GetIncomingEdges(ctx, collectionID, RelMemberOf)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.In)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetAllCollectionsWithCounts returns every collection node id mapped to its
// member count. Collections with no members are included with count zero.
func (m *MemoryEngine) GetAllCollectionsWithCounts(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for id, n := range m.nodes {
		if n.NodeType != node.TypeCollection {
			continue
		}
		count := 0
		for _, e := range m.incoming[id] {
			if e.RelationshipType == RelMemberOf {
				count++
			}
		}
		out[id] = count
	}
	return out, nil
}

// BulkAddToCollections inserts membership edges in one lock acquisition.
func (m *MemoryEngine) BulkAddToCollections(_ context.Context, memberships []EdgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range memberships {
		e.RelationshipType = RelMemberOf
		if err := m.createEdgeLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// UpdateEmbeddingVector attaches the packed vector to the node and clears the
// stale flag. The version is not bumped: embedding writes are background
// maintenance, not user mutations.
func (m *MemoryEngine) UpdateEmbeddingVector(_ context.Context, id string, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	n.EmbeddingVector = append([]byte(nil), v...)
	delete(m.stale, id)
	return nil
}

// UpdateEmbeddingMetadata merges keys into the node's embedding_metadata
// namespace without bumping the version. Background maintenance must not
// consume user OCC versions.
func (m *MemoryEngine) UpdateEmbeddingMetadata(_ context.Context, id string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	mergeEmbeddingMetadata(n, meta)
	return nil
}

// MarkEmbeddingStale flags the node for re-embedding.
func (m *MemoryEngine) MarkEmbeddingStale(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	m.stale[id] = struct{}{}
	return nil
}

// GetNodesWithStaleEmbeddings returns up to limit stale nodes. limit <= 0
// means no limit. Order is deterministic by id.
func (m *MemoryEngine) GetNodesWithStaleEmbeddings(_ context.Context, limit int) ([]*node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.stale))
	for id := range m.stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// SearchEmbeddings performs an exact cosine scan over all stored vectors.
// Results with similarity >= threshold are returned sorted descending,
// capped at limit.
func (m *MemoryEngine) SearchEmbeddings(_ context.Context, query []float32, limit int, threshold float64) ([]SimilarityMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []SimilarityMatch
	for id, n := range m.nodes {
		if len(n.EmbeddingVector) == 0 {
			continue
		}
		stored, err := vector.FromBytes(n.EmbeddingVector)
		if err != nil {
			return nil, fmt.Errorf("%w: node %s: %v", node.ErrSerialization, id, err)
		}
		score := vector.CosineSimilarity(query, stored)
		if score >= threshold {
			matches = append(matches, SimilarityMatch{NodeID: id, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].NodeID < matches[j].NodeID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// UpdateLifecycleStatus sets the system lifecycle status (active, archived)
// without bumping the version.
func (m *MemoryEngine) UpdateLifecycleStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", node.ErrNotFound, id)
	}
	setLifecycleStatus(n, status)
	return nil
}

// BulkCreateHierarchy inserts nodes and their has_child edges in one lock
// acquisition. Parents may be earlier items in the batch or pre-existing
// nodes; a missing parent fails the whole batch.
func (m *MemoryEngine) BulkCreateHierarchy(_ context.Context, items []HierarchyItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return node.ErrStorageUnavailable
	}

	// Validate before mutating anything: ids fresh, parents resolvable.
	inBatch := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" {
			return fmt.Errorf("%w: empty node id in batch", node.ErrInvalidParameter)
		}
		if _, exists := m.nodes[it.ID]; exists {
			return fmt.Errorf("%w: node %s already exists", node.ErrStorage, it.ID)
		}
		if _, dup := inBatch[it.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s in batch", node.ErrInvalidParameter, it.ID)
		}
		inBatch[it.ID] = struct{}{}
	}
	for _, it := range items {
		if it.ParentID == "" {
			continue
		}
		if _, ok := inBatch[it.ParentID]; ok {
			continue
		}
		if _, ok := m.nodes[it.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s for node %s", node.ErrInvalidParent, it.ParentID, it.ID)
		}
	}

	now := time.Now().UTC()
	for _, it := range items {
		n := &node.Node{
			ID:         it.ID,
			NodeType:   it.NodeType,
			Content:    it.Content,
			Version:    1,
			CreatedAt:  now,
			ModifiedAt: now,
			Properties: it.Properties,
		}
		m.nodes[it.ID] = n.Clone()
	}
	for _, it := range items {
		if it.ParentID == "" {
			continue
		}
		order := it.Order
		if err := m.createEdgeLocked(EdgeRecord{
			In: it.ParentID, Out: it.ID, RelationshipType: RelHasChild, Order: &order,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a live-query subscriber.
func (m *MemoryEngine) Subscribe(predicate func(Change) bool) (<-chan Change, func()) {
	return m.hub.Subscribe(predicate)
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, edges := range m.outgoing {
		count += len(edges)
	}
	return int64(count), nil
}

// Close releases the engine and closes all live-query subscribers.
// Afterwards CreateNode and BulkCreateHierarchy fail with
// node.ErrStorageUnavailable; the other methods keep operating on the
// in-memory maps.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.closeHub()
	return nil
}

func cloneEdge(e *EdgeRecord) *EdgeRecord {
	c := *e
	if e.Order != nil {
		o := *e.Order
		c.Order = &o
	}
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// embeddingMetadataNamespace holds chunking metadata for stored embeddings.
const embeddingMetadataNamespace = "embedding_metadata"

func mergeEmbeddingMetadata(n *node.Node, meta map[string]any) {
	if n.Properties == nil {
		n.Properties = map[string]map[string]any{}
	}
	ns, ok := n.Properties[embeddingMetadataNamespace]
	if !ok {
		ns = map[string]any{}
		n.Properties[embeddingMetadataNamespace] = ns
	}
	for k, v := range meta {
		ns[k] = v
	}
}

// lifecycleNamespace isolates system-managed fields from type namespaces.
const lifecycleNamespace = "_system"

func setLifecycleStatus(n *node.Node, status string) {
	if n.Properties == nil {
		n.Properties = map[string]map[string]any{}
	}
	ns, ok := n.Properties[lifecycleNamespace]
	if !ok {
		ns = map[string]any{}
		n.Properties[lifecycleNamespace] = ns
	}
	ns["lifecycle_status"] = status
}

// LifecycleStatus reads the system lifecycle status of a node, defaulting to
// "active".
func LifecycleStatus(n *node.Node) string {
	if n.Properties == nil {
		return "active"
	}
	ns, ok := n.Properties[lifecycleNamespace]
	if !ok {
		return "active"
	}
	if s, ok := ns["lifecycle_status"].(string); ok {
		return s
	}
	return "active"
}
