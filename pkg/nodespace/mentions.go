package nodespace

import (
	"context"
	"sort"

	"github.com/nodespace/nodespace/pkg/events"
	"github.com/nodespace/nodespace/pkg/storage"
)

// CreateMention records that src mentions tgt. Both nodes must exist;
// deleting either later removes the edge.
func (s *NodeService) CreateMention(ctx context.Context, src, tgt string) error {
	if err := s.store.CreateMention(ctx, src, tgt); err != nil {
		return err
	}
	s.emit(ctx, events.Event{
		Kind: events.KindEdgeCreated,
		Edge: &storage.EdgeRecord{In: src, Out: tgt, RelationshipType: storage.RelMentions},
	})
	return nil
}

// RemoveMention deletes the mentions edge from src to tgt.
func (s *NodeService) RemoveMention(ctx context.Context, src, tgt string) error {
	if err := s.store.RemoveMention(ctx, src, tgt); err != nil {
		return err
	}
	s.emit(ctx, events.Event{
		Kind: events.KindEdgeDeleted,
		Edge: &storage.EdgeRecord{In: src, Out: tgt, RelationshipType: storage.RelMentions},
	})
	return nil
}

// GetMentions lists the ids src mentions.
func (s *NodeService) GetMentions(ctx context.Context, src string) ([]string, error) {
	return s.store.GetMentions(ctx, src)
}

// GetMentionedBy lists the ids that mention tgt.
func (s *NodeService) GetMentionedBy(ctx context.Context, tgt string) ([]string, error) {
	return s.store.GetMentionedBy(ctx, tgt)
}

// GetMentioningContainers resolves every node mentioning tgt to its root,
// deduplicating. Backlink panels show containers, not individual blocks.
func (s *NodeService) GetMentioningContainers(ctx context.Context, tgt string) ([]string, error) {
	mentioners, err := s.store.GetMentionedBy(ctx, tgt)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var roots []string
	for _, id := range mentioners {
		root, err := s.hier.RootOf(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[root]; dup {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots, nil
}
