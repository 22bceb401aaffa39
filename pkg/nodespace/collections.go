package nodespace

import (
	"context"
	"errors"
	"strings"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// AddToCollection links nodeID into the collection.
func (s *NodeService) AddToCollection(ctx context.Context, nodeID, collectionID string) error {
	return s.store.AddToCollection(ctx, nodeID, collectionID)
}

// RemoveFromCollection unlinks nodeID from the collection.
func (s *NodeService) RemoveFromCollection(ctx context.Context, nodeID, collectionID string) error {
	return s.store.RemoveFromCollection(ctx, nodeID, collectionID)
}

// GetCollectionMembers lists the node ids belonging to the collection.
func (s *NodeService) GetCollectionMembers(ctx context.Context, collectionID string) ([]string, error) {
	return s.store.GetCollectionMembers(ctx, collectionID)
}

// GetAllCollectionsWithCounts returns every collection id with its member
// count.
func (s *NodeService) GetAllCollectionsWithCounts(ctx context.Context) (map[string]int, error) {
	return s.store.GetAllCollectionsWithCounts(ctx)
}

// EnsureCollectionPath resolves a hierarchical collection path like
// "Architecture:Components" to the leaf collection's node id, creating any
// missing segments. Each segment is a collection node; nesting is expressed
// by member_of edges from child collection to parent collection.
func (s *NodeService) EnsureCollectionPath(ctx context.Context, path string) (string, error) {
	segments := strings.Split(path, ":")
	parentID := ""
	var leafID string
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		id, err := s.ensureCollection(ctx, seg, parentID)
		if err != nil {
			return "", err
		}
		parentID = id
		leafID = id
	}
	if leafID == "" {
		return "", errors.New("empty collection path")
	}
	return leafID, nil
}

// ensureCollection finds a collection named name (optionally a member of
// parentID), creating it when missing.
func (s *NodeService) ensureCollection(ctx context.Context, name, parentID string) (string, error) {
	var existing string
	err := s.store.ScanNodes(ctx, func(n *node.Node) error {
		if n.NodeType != node.TypeCollection || n.Content != name {
			return nil
		}
		if parentID != "" {
			edges, err := s.store.GetOutgoingEdges(ctx, n.ID, storage.RelMemberOf)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if e.Out == parentID {
					existing = n.ID
					return nil
				}
			}
			return nil
		}
		existing = n.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	id, err := s.CreateNodeWithParent(ctx, CreateRequest{NodeType: node.TypeCollection, Content: name})
	if err != nil {
		return "", err
	}
	if parentID != "" {
		if err := s.store.AddToCollection(ctx, id, parentID); err != nil {
			return "", err
		}
	}
	return id, nil
}
