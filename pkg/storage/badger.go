package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nodespace/nodespace/pkg/math/vector"
	"github.com/nodespace/nodespace/pkg/node"
)

// Key prefixes for BadgerDB storage organization. Single-byte prefixes keep
// keys compact and make range scans cheap.
const (
	prefixNode     = byte(0x01) // 0x01 + nodeID -> JSON(Node)
	prefixEdge     = byte(0x02) // 0x02 + in + 0x00 + relType + 0x00 + out -> JSON(EdgeRecord)
	prefixIncoming = byte(0x03) // 0x03 + out + 0x00 + relType + 0x00 + in -> empty
	prefixStale    = byte(0x04) // 0x04 + nodeID -> empty (stale embedding index)
)

const keySep = byte(0x00)

// BadgerEngine is the persistent Store implementation over BadgerDB.
//
// Every public mutation runs in a single Badger transaction, which gives the
// atomic-per-call guarantee the core relies on: a cascading delete either
// removes the whole subtree and every incident edge or nothing at all.
//
// Key structure:
//   - Nodes:    0x01 + nodeID
//   - Edges:    0x02 + in + 0x00 + relType + 0x00 + out (canonical record)
//   - Incoming: 0x03 + out + 0x00 + relType + 0x00 + in (index only)
//   - Stale:    0x04 + nodeID (embedding staleness index)
//
// Example:
//
//	store, err := storage.NewBadgerEngine(storage.BadgerOptions{DataDir: dir})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerEngine struct {
	db  *badger.DB
	hub *liveHub
}

var _ Store = (*BadgerEngine)(nil)

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without persistence. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerEngine opens (or creates) a persistent store in opts.DataDir.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	bopts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithLogger(opts.Logger)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", node.ErrStorageUnavailable, err)
	}
	return &BadgerEngine{db: db, hub: newLiveHub()}, nil
}

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKeyBytes(in, relType, out string) []byte {
	k := []byte{prefixEdge}
	k = append(k, in...)
	k = append(k, keySep)
	k = append(k, relType...)
	k = append(k, keySep)
	k = append(k, out...)
	return k
}

func incomingKeyBytes(out, relType, in string) []byte {
	k := []byte{prefixIncoming}
	k = append(k, out...)
	k = append(k, keySep)
	k = append(k, relType...)
	k = append(k, keySep)
	k = append(k, in...)
	return k
}

func staleKey(id string) []byte {
	return append([]byte{prefixStale}, id...)
}

func mapBadgerErr(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return node.ErrNotFound
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return node.ErrStorageUnavailable
	}
	return fmt.Errorf("%w: %v", node.ErrStorage, err)
}

func (b *BadgerEngine) getNodeTxn(txn *badger.Txn, id string) (*node.Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", node.ErrNotFound, id)
		}
		return nil, mapBadgerErr(err)
	}
	var n node.Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	}); err != nil {
		return nil, fmt.Errorf("%w: decode node %s: %v", node.ErrSerialization, id, err)
	}
	return &n, nil
}

func (b *BadgerEngine) putNodeTxn(txn *badger.Txn, n *node.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode node %s: %v", node.ErrSerialization, n.ID, err)
	}
	return txn.Set(nodeKey(n.ID), data)
}

func (b *BadgerEngine) putEdgeTxn(txn *badger.Txn, e *EdgeRecord) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode edge: %v", node.ErrSerialization, err)
	}
	if err := txn.Set(edgeKeyBytes(e.In, e.RelationshipType, e.Out), data); err != nil {
		return mapBadgerErr(err)
	}
	if err := txn.Set(incomingKeyBytes(e.Out, e.RelationshipType, e.In), nil); err != nil {
		return mapBadgerErr(err)
	}
	return nil
}

func (b *BadgerEngine) deleteEdgeTxn(txn *badger.Txn, in, relType, out string) error {
	if err := txn.Delete(edgeKeyBytes(in, relType, out)); err != nil {
		return mapBadgerErr(err)
	}
	if err := txn.Delete(incomingKeyBytes(out, relType, in)); err != nil {
		return mapBadgerErr(err)
	}
	return nil
}

// outgoingEdgesTxn scans the canonical edge records for in, optionally
// filtered by relType.
func (b *BadgerEngine) outgoingEdgesTxn(txn *badger.Txn, in, relType string) ([]EdgeRecord, error) {
	prefix := []byte{prefixEdge}
	prefix = append(prefix, in...)
	prefix = append(prefix, keySep)
	if relType != "" {
		prefix = append(prefix, relType...)
		prefix = append(prefix, keySep)
	}

	var out []EdgeRecord
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var e EdgeRecord
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, fmt.Errorf("%w: decode edge: %v", node.ErrSerialization, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// incomingEdgesTxn resolves the incoming index back to canonical records.
func (b *BadgerEngine) incomingEdgesTxn(txn *badger.Txn, outID, relType string) ([]EdgeRecord, error) {
	prefix := []byte{prefixIncoming}
	prefix = append(prefix, outID...)
	prefix = append(prefix, keySep)
	if relType != "" {
		prefix = append(prefix, relType...)
		prefix = append(prefix, keySep)
	}

	var edges []EdgeRecord
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		rest := key[1:]
		parts := bytes.SplitN(rest, []byte{keySep}, 3)
		if len(parts) != 3 {
			continue
		}
		rel := string(parts[1])
		in := string(parts[2])

		item, err := txn.Get(edgeKeyBytes(in, rel, outID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			return nil, mapBadgerErr(err)
		}
		var e EdgeRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return nil, fmt.Errorf("%w: decode edge: %v", node.ErrSerialization, err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// CreateNode stores a new node. Fails if the id already exists.
func (b *BadgerEngine) CreateNode(_ context.Context, n *node.Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty node id", node.ErrInvalidParameter)
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

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(stored.ID)); err == nil {
			return fmt.Errorf("%w: node %s already exists", node.ErrStorage, stored.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return mapBadgerErr(err)
		}
		return b.putNodeTxn(txn, stored)
	})
	if err != nil {
		return err
	}
	b.hub.publish(Change{Op: OpNodeCreated, NodeID: stored.ID, Node: stored})
	return nil
}

// GetNode returns the node, or node.ErrNotFound.
func (b *BadgerEngine) GetNode(_ context.Context, id string) (*node.Node, error) {
	var n *node.Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = b.getNodeTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// UpdateNode applies a sparse update under a compare-and-set on version.
func (b *BadgerEngine) UpdateNode(_ context.Context, id string, upd node.Update, expectedVersion int64) (*node.Node, error) {
	var out *node.Node
	err := b.db.Update(func(txn *badger.Txn) error {
		n, err := b.getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		if n.Version != expectedVersion {
			return &node.VersionConflictError{NodeID: id, Expected: expectedVersion, Actual: n.Version}
		}
		applyUpdate(n, upd)
		if err := b.putNodeTxn(txn, n); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.hub.publish(Change{Op: OpNodeUpdated, NodeID: id, Node: out.Clone()})
	return out, nil
}

// DeleteNode cascades over has_child in one transaction, removing every
// descendant and every incident edge. Idempotent for missing nodes.
func (b *BadgerEngine) DeleteNode(_ context.Context, id string) (node.DeleteResult, error) {
	res := node.DeleteResult{}
	var deletedIDs []string
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return mapBadgerErr(err)
		}
		res.Existed = true

		// Pre-order walk of the subtree.
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
			children, err := b.outgoingEdgesTxn(txn, nid, RelHasChild)
			if err != nil {
				return err
			}
			for _, e := range children {
				if err := walk(e.Out, depth+1); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(id, 0); err != nil {
			return err
		}

		// Leaf to root: remove incident edges, then the node record.
		for i := len(order) - 1; i >= 0; i-- {
			nid := order[i]
			outs, err := b.outgoingEdgesTxn(txn, nid, "")
			if err != nil {
				return err
			}
			for _, e := range outs {
				if err := b.deleteEdgeTxn(txn, e.In, e.RelationshipType, e.Out); err != nil {
					return err
				}
				res.DeletedEdges++
			}
			ins, err := b.incomingEdgesTxn(txn, nid, "")
			if err != nil {
				return err
			}
			for _, e := range ins {
				if err := b.deleteEdgeTxn(txn, e.In, e.RelationshipType, e.Out); err != nil {
					return err
				}
				res.DeletedEdges++
			}
			if err := txn.Delete(nodeKey(nid)); err != nil {
				return mapBadgerErr(err)
			}
			if err := txn.Delete(staleKey(nid)); err != nil {
				return mapBadgerErr(err)
			}
			res.DeletedNodes++
			deletedIDs = append(deletedIDs, nid)
		}
		return nil
	})
	if err != nil {
		return node.DeleteResult{}, err
	}
	for _, nid := range deletedIDs {
		b.hub.publish(Change{Op: OpNodeDeleted, NodeID: nid})
	}
	return res, nil
}

// GetNodesByIDs bulk-fetches nodes; missing ids are absent from the result.
func (b *BadgerEngine) GetNodesByIDs(_ context.Context, ids []string) (map[string]*node.Node, error) {
	out := make(map[string]*node.Node, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			n, err := b.getNodeTxn(txn, id)
			if err != nil {
				if errors.Is(err, node.ErrNotFound) {
					continue
				}
				return err
			}
			out[id] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanNodes streams every stored node through fn.
func (b *BadgerEngine) ScanNodes(ctx context.Context, fn func(n *node.Node) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var n node.Node
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return fmt.Errorf("%w: decode node: %v", node.ErrSerialization, err)
			}
			if err := fn(&n); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateEdge inserts (or replaces) the edge for (in, relationship_type, out).
func (b *BadgerEngine) CreateEdge(_ context.Context, e EdgeRecord) error {
	if e.RelationshipType == "" {
		return fmt.Errorf("%w: empty relationship_type", node.ErrInvalidParameter)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(e.In)); err != nil {
			return fmt.Errorf("%w: edge source %s", node.ErrNotFound, e.In)
		}
		if _, err := txn.Get(nodeKey(e.Out)); err != nil {
			return fmt.Errorf("%w: edge target %s", node.ErrNotFound, e.Out)
		}
		return b.putEdgeTxn(txn, &e)
	})
	if err != nil {
		return err
	}
	b.hub.publish(Change{Op: OpEdgeCreated, Edge: cloneEdge(&e)})
	return nil
}

// DeleteEdge removes the edge for (in, relType, out).
func (b *BadgerEngine) DeleteEdge(_ context.Context, in, out, relType string) error {
	var deleted *EdgeRecord
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKeyBytes(in, relType, out))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: edge %s -[%s]-> %s", node.ErrNotFound, in, relType, out)
			}
			return mapBadgerErr(err)
		}
		var e EdgeRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return fmt.Errorf("%w: decode edge: %v", node.ErrSerialization, err)
		}
		deleted = &e
		return b.deleteEdgeTxn(txn, in, relType, out)
	})
	if err != nil {
		return err
	}
	b.hub.publish(Change{Op: OpEdgeDeleted, Edge: deleted})
	return nil
}

// UpdateEdgeOrder rewrites the fractional order on a has_child edge.
func (b *BadgerEngine) UpdateEdgeOrder(_ context.Context, in, out string, order float64) error {
	var updated *EdgeRecord
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKeyBytes(in, RelHasChild, out))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: has_child edge %s -> %s", node.ErrNotFound, in, out)
			}
			return mapBadgerErr(err)
		}
		var e EdgeRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
			return fmt.Errorf("%w: decode edge: %v", node.ErrSerialization, err)
		}
		e.Order = &order
		updated = &e
		return b.putEdgeTxn(txn, &e)
	})
	if err != nil {
		return err
	}
	b.hub.publish(Change{Op: OpEdgeCreated, Edge: updated})
	return nil
}

// GetOutgoingEdges lists edges from id, filtered by relType when non-empty.
func (b *BadgerEngine) GetOutgoingEdges(_ context.Context, id, relType string) ([]EdgeRecord, error) {
	var out []EdgeRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = b.outgoingEdgesTxn(txn, id, relType)
		return err
	})
	return out, err
}

// GetIncomingEdges lists edges into id, filtered by relType when non-empty.
func (b *BadgerEngine) GetIncomingEdges(_ context.Context, id, relType string) ([]EdgeRecord, error) {
	var out []EdgeRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = b.incomingEdgesTxn(txn, id, relType)
		return err
	})
	return out, err
}

// GetAllEdges returns every edge record.
func (b *BadgerEngine) GetAllEdges(_ context.Context) ([]EdgeRecord, error) {
	var out []EdgeRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEdge}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e EdgeRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				return fmt.Errorf("%w: decode edge: %v", node.ErrSerialization, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// GetParent returns the parent reached via the incoming has_child edge.
func (b *BadgerEngine) GetParent(_ context.Context, id string) (string, bool, error) {
	var parent string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", node.ErrNotFound, id)
			}
			return mapBadgerErr(err)
		}
		edges, err := b.incomingEdgesTxn(txn, id, RelHasChild)
		if err != nil {
			return err
		}
		if len(edges) > 0 {
			parent = edges[0].In
			found = true
		}
		return nil
	})
	return parent, found, err
}

// GetChildren returns the parent's children sorted by ascending edge order.
func (b *BadgerEngine) GetChildren(_ context.Context, parentID string) ([]*node.Node, error) {
	var out []*node.Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = b.childrenTxn(txn, parentID)
		return err
	})
	return out, err
}

func (b *BadgerEngine) childrenTxn(txn *badger.Txn, parentID string) ([]*node.Node, error) {
	edges, err := b.outgoingEdgesTxn(txn, parentID, RelHasChild)
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool {
		oi, oj := 0.0, 0.0
		if edges[i].Order != nil {
			oi = *edges[i].Order
		}
		if edges[j].Order != nil {
			oj = *edges[j].Order
		}
		return oi < oj
	})
	out := make([]*node.Node, 0, len(edges))
	for _, e := range edges {
		n, err := b.getNodeTxn(txn, e.Out)
		if err != nil {
			if errors.Is(err, node.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// GetChildrenTree materializes the subtree rooted at parentID in a single
// recursive traversal inside one read transaction.
func (b *BadgerEngine) GetChildrenTree(_ context.Context, parentID string) (*node.Nested, error) {
	var tree *node.Nested
	err := b.db.View(func(txn *badger.Txn) error {
		root, err := b.getNodeTxn(txn, parentID)
		if err != nil {
			return err
		}
		var build func(n *node.Node, depth int) (*node.Nested, error)
		build = func(n *node.Node, depth int) (*node.Nested, error) {
			if depth > MaxHierarchyDepth {
				return nil, fmt.Errorf("%w: depth exceeds %d", node.ErrHierarchyViolation, MaxHierarchyDepth)
			}
			children, err := b.childrenTxn(txn, n.ID)
			if err != nil {
				return nil, err
			}
			nt := &node.Nested{Node: n}
			for _, c := range children {
				sub, err := build(c, depth+1)
				if err != nil {
					return nil, err
				}
				nt.Children = append(nt.Children, sub)
			}
			return nt, nil
		}
		tree, err = build(root, 0)
		return err
	})
	return tree, err
}

// CreateMention records a mentions edge from src to tgt.
func (b *BadgerEngine) CreateMention(ctx context.Context, src, tgt string) error {
	return b.CreateEdge(ctx, EdgeRecord{In: src, Out: tgt, RelationshipType: RelMentions})
}

// RemoveMention deletes the mentions edge from src to tgt.
func (b *BadgerEngine) RemoveMention(ctx context.Context, src, tgt string) error {
	return b.DeleteEdge(ctx, src, tgt, RelMentions)
}

// GetMentions lists the ids src mentions, sorted.
func (b *BadgerEngine) GetMentions(ctx context.Context, src string) ([]string, error) {
	edges, err := b.GetOutgoingEdges(ctx, src, RelMentions)
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

// GetMentionedBy lists the ids that mention tgt, sorted.
func (b *BadgerEngine) GetMentionedBy(ctx context.Context, tgt string) ([]string, error) {
	edges, err := b.GetIncomingEdges(ctx, tgt, RelMentions)
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
func (b *BadgerEngine) AddToCollection(ctx context.Context, nodeID, collectionID string) error {
	return b.CreateEdge(ctx, EdgeRecord{In: nodeID, Out: collectionID, RelationshipType: RelMemberOf})
}

// RemoveFromCollection removes the member_of edge.
func (b *BadgerEngine) RemoveFromCollection(ctx context.Context, nodeID, collectionID string) error {
	return b.DeleteEdge(ctx, nodeID, collectionID, RelMemberOf)
}

// GetCollectionMembers lists member node ids of a collection, sorted.
func (b *BadgerEngine) GetCollectionMembers(ctx context.Context, collectionID string) ([]string, error) {
	edges, err := b.GetIncomingEdges(ctx, collectionID, RelMemberOf)
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
// member count.
func (b *BadgerEngine) GetAllCollectionsWithCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var n node.Node
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return fmt.Errorf("%w: decode node: %v", node.ErrSerialization, err)
			}
			if n.NodeType != node.TypeCollection {
				continue
			}
			members, err := b.incomingEdgesTxn(txn, n.ID, RelMemberOf)
			if err != nil {
				return err
			}
			out[n.ID] = len(members)
		}
		return nil
	})
	return out, err
}

// BulkAddToCollections inserts membership edges in one transaction.
func (b *BadgerEngine) BulkAddToCollections(_ context.Context, memberships []EdgeRecord) error {
	var created []EdgeRecord
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, e := range memberships {
			e.RelationshipType = RelMemberOf
			if _, err := txn.Get(nodeKey(e.In)); err != nil {
				return fmt.Errorf("%w: member %s", node.ErrNotFound, e.In)
			}
			if _, err := txn.Get(nodeKey(e.Out)); err != nil {
				return fmt.Errorf("%w: collection %s", node.ErrNotFound, e.Out)
			}
			if err := b.putEdgeTxn(txn, &e); err != nil {
				return err
			}
			created = append(created, e)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range created {
		b.hub.publish(Change{Op: OpEdgeCreated, Edge: &created[i]})
	}
	return nil
}

// UpdateEmbeddingVector attaches the packed vector and clears the stale flag.
// The version is not bumped: embedding writes are background maintenance.
func (b *BadgerEngine) UpdateEmbeddingVector(_ context.Context, id string, v []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		n, err := b.getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		n.EmbeddingVector = append([]byte(nil), v...)
		if err := b.putNodeTxn(txn, n); err != nil {
			return err
		}
		return txn.Delete(staleKey(id))
	})
}

// UpdateEmbeddingMetadata merges keys into the node's embedding_metadata
// namespace without bumping the version.
func (b *BadgerEngine) UpdateEmbeddingMetadata(_ context.Context, id string, meta map[string]any) error {
	return b.db.Update(func(txn *badger.Txn) error {
		n, err := b.getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		mergeEmbeddingMetadata(n, meta)
		return b.putNodeTxn(txn, n)
	})
}

// MarkEmbeddingStale flags the node for re-embedding.
func (b *BadgerEngine) MarkEmbeddingStale(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", node.ErrNotFound, id)
			}
			return mapBadgerErr(err)
		}
		return txn.Set(staleKey(id), nil)
	})
}

// GetNodesWithStaleEmbeddings returns up to limit stale nodes, ordered by id.
func (b *BadgerEngine) GetNodesWithStaleEmbeddings(_ context.Context, limit int) ([]*node.Node, error) {
	var out []*node.Node
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixStale}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			id := string(it.Item().Key()[1:])
			n, err := b.getNodeTxn(txn, id)
			if err != nil {
				if errors.Is(err, node.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

// SearchEmbeddings performs an exact cosine scan over all stored vectors.
func (b *BadgerEngine) SearchEmbeddings(ctx context.Context, query []float32, limit int, threshold float64) ([]SimilarityMatch, error) {
	var matches []SimilarityMatch
	err := b.ScanNodes(ctx, func(n *node.Node) error {
		if len(n.EmbeddingVector) == 0 {
			return nil
		}
		stored, err := vector.FromBytes(n.EmbeddingVector)
		if err != nil {
			return fmt.Errorf("%w: node %s: %v", node.ErrSerialization, n.ID, err)
		}
		score := vector.CosineSimilarity(query, stored)
		if score >= threshold {
			matches = append(matches, SimilarityMatch{NodeID: n.ID, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
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

// UpdateLifecycleStatus sets the system lifecycle status without bumping the
// version.
func (b *BadgerEngine) UpdateLifecycleStatus(_ context.Context, id, status string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		n, err := b.getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		setLifecycleStatus(n, status)
		return b.putNodeTxn(txn, n)
	})
}

// BulkCreateHierarchy inserts nodes and their has_child edges in one
// transaction. Parents may be earlier items in the batch or pre-existing.
func (b *BadgerEngine) BulkCreateHierarchy(_ context.Context, items []HierarchyItem) error {
	now := time.Now().UTC()
	return b.db.Update(func(txn *badger.Txn) error {
		inBatch := make(map[string]struct{}, len(items))
		for _, it := range items {
			if it.ID == "" {
				return fmt.Errorf("%w: empty node id in batch", node.ErrInvalidParameter)
			}
			if _, dup := inBatch[it.ID]; dup {
				return fmt.Errorf("%w: duplicate id %s in batch", node.ErrInvalidParameter, it.ID)
			}
			if _, err := txn.Get(nodeKey(it.ID)); err == nil {
				return fmt.Errorf("%w: node %s already exists", node.ErrStorage, it.ID)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return mapBadgerErr(err)
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
			if _, err := txn.Get(nodeKey(it.ParentID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: parent %s for node %s", node.ErrInvalidParent, it.ParentID, it.ID)
				}
				return mapBadgerErr(err)
			}
		}

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
			if err := b.putNodeTxn(txn, n); err != nil {
				return err
			}
		}
		for _, it := range items {
			if it.ParentID == "" {
				continue
			}
			order := it.Order
			e := EdgeRecord{In: it.ParentID, Out: it.ID, RelationshipType: RelHasChild, Order: &order}
			if err := b.putEdgeTxn(txn, &e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Subscribe registers a live-query subscriber.
func (b *BadgerEngine) Subscribe(predicate func(Change) bool) (<-chan Change, func()) {
	return b.hub.Subscribe(predicate)
}

// NodeCount returns the number of stored nodes.
func (b *BadgerEngine) NodeCount(_ context.Context) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixNode}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// EdgeCount returns the number of stored edges.
func (b *BadgerEngine) EdgeCount(_ context.Context) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEdge}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close shuts down the engine and all live-query subscribers.
func (b *BadgerEngine) Close() error {
	b.hub.closeHub()
	return b.db.Close()
}
