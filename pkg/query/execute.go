package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// Execute runs the definition against the store. The scan collects matching
// ids, full nodes are hydrated via batch fetch, and the sort is re-applied
// in memory on the hydrated list so ordering is deterministic regardless of
// engine behavior.
func Execute(ctx context.Context, store storage.Store, def Definition) ([]*node.Node, error) {
	relSets, err := relationshipIDSets(ctx, store, def.Filters)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = store.ScanNodes(ctx, func(n *node.Node) error {
		ok, err := matches(def, n, relSets)
		if err != nil {
			return err
		}
		if ok {
			ids = append(ids, n.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byID, err := store.GetNodesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	nodes := make([]*node.Node, 0, len(byID))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			nodes = append(nodes, n)
		}
	}

	sortNodes(def, nodes)

	if def.Limit > 0 && len(nodes) > def.Limit {
		nodes = nodes[:def.Limit]
	}
	return nodes, nil
}

// relationshipIDSets resolves every relationship filter to the id set its
// sub-select would produce.
func relationshipIDSets(ctx context.Context, store storage.Store, filters []Filter) ([]map[string]struct{}, error) {
	sets := make([]map[string]struct{}, len(filters))
	for i, f := range filters {
		if f.Type != FilterRelationship {
			continue
		}
		var (
			edges []storage.EdgeRecord
			err   error
			useIn bool
		)
		switch f.Relationship {
		case RelChildrenOf:
			edges, err = store.GetOutgoingEdges(ctx, f.NodeID, storage.RelHasChild)
		case RelParentOf:
			edges, err = store.GetIncomingEdges(ctx, f.NodeID, storage.RelHasChild)
			useIn = true
		case RelMentions:
			edges, err = store.GetOutgoingEdges(ctx, f.NodeID, storage.RelMentions)
		case RelMentionedBy:
			edges, err = store.GetIncomingEdges(ctx, f.NodeID, storage.RelMentions)
			useIn = true
		default:
			return nil, fmt.Errorf("%w: unknown relationship %q", node.ErrInvalidParameter, f.Relationship)
		}
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(edges))
		for _, e := range edges {
			if useIn {
				set[e.In] = struct{}{}
			} else {
				set[e.Out] = struct{}{}
			}
		}
		sets[i] = set
	}
	return sets, nil
}

func matches(def Definition, n *node.Node, relSets []map[string]struct{}) (bool, error) {
	if def.TargetType != "" && def.TargetType != WildcardType && n.NodeType != def.TargetType {
		return false, nil
	}
	for i, f := range def.Filters {
		ok, err := matchFilter(def.TargetType, f, n, relSets[i])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchFilter(targetType string, f Filter, n *node.Node, relSet map[string]struct{}) (bool, error) {
	switch f.Type {
	case FilterRelationship:
		_, ok := relSet[n.ID]
		return ok, nil
	case FilterContent:
		return compare(n.Content, f)
	case FilterMetadata:
		v, ok := metadataValue(n, f.Property)
		if !ok {
			return false, nil
		}
		return compare(v, f)
	case FilterProperty:
		v, ok := propertyValue(targetType, n, f.Property)
		if f.Operator == OpExists {
			return ok && v != nil, nil
		}
		if !ok {
			return false, nil
		}
		return compare(v, f)
	default:
		return false, fmt.Errorf("%w: unknown filter type %q", node.ErrInvalidParameter, f.Type)
	}
}

func metadataValue(n *node.Node, field string) (any, bool) {
	switch field {
	case "id":
		return n.ID, true
	case "node_type":
		return n.NodeType, true
	case "content":
		return n.Content, true
	case "created_at":
		return n.CreatedAt.Format(time.RFC3339Nano), true
	case "modified_at":
		return n.ModifiedAt.Format(time.RFC3339Nano), true
	}
	return nil, false
}

// propertyValue resolves a property reference. For a concrete target type
// the namespace is exact; under the wildcard the node's own namespace is
// tried first and then any namespace in sorted order — the documented
// precision loss of wildcard queries.
func propertyValue(targetType string, n *node.Node, field string) (any, bool) {
	if _, meta := metadataFields[field]; meta {
		return metadataValue(n, field)
	}
	if n.Properties == nil {
		return nil, false
	}
	if targetType != "" && targetType != WildcardType {
		ns, ok := n.Properties[targetType]
		if !ok {
			return nil, false
		}
		v, ok := ns[field]
		return v, ok
	}
	if ns, ok := n.Properties[n.NodeType]; ok {
		if v, ok := ns[field]; ok {
			return v, true
		}
	}
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, ok := n.Properties[name][field]; ok {
			return v, true
		}
	}
	return nil, false
}

func compare(value any, f Filter) (bool, error) {
	switch f.Operator {
	case OpEquals:
		return compareValues(value, f.Value) == 0, nil
	case OpContains:
		s, ok := value.(string)
		sub, ok2 := f.Value.(string)
		if !ok || !ok2 {
			return false, nil
		}
		if f.CaseSensitive {
			return strings.Contains(s, sub), nil
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub)), nil
	case OpGt:
		return compareValues(value, f.Value) > 0, nil
	case OpLt:
		return compareValues(value, f.Value) < 0, nil
	case OpGte:
		return compareValues(value, f.Value) >= 0, nil
	case OpLte:
		return compareValues(value, f.Value) <= 0, nil
	case OpIn:
		items, ok := f.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%w: in operator requires an array value", node.ErrInvalidParameter)
		}
		for _, item := range items {
			if compareValues(value, item) == 0 {
				return true, nil
			}
		}
		return false, nil
	case OpExists:
		return value != nil, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", node.ErrInvalidParameter, f.Operator)
	}
}

// compareValues orders two JSON values: strings lexicographic, numbers
// numeric with NaN last, bools false < true, and mixed types by their
// string rendering.
func compareValues(a, b any) int {
	if na, aok := asNumber(a); aok {
		if nb, bok := asNumber(b); bok {
			return compareFloats(na, nb)
		}
	}
	if sa, aok := a.(string); aok {
		if sb, bok := b.(string); bok {
			return strings.Compare(sa, sb)
		}
	}
	if ba, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ba == bb:
				return 0
			case !ba:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1 // NaN sorts last
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// sortNodes applies the definition's sort in memory with a stable id
// tiebreak.
func sortNodes(def Definition, nodes []*node.Node) {
	if len(def.Sorting) == 0 {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
		return
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		for _, s := range def.Sorting {
			va, _ := propertyValue(def.TargetType, nodes[i], s.Field)
			vb, _ := propertyValue(def.TargetType, nodes[j], s.Field)
			c := compareValues(va, vb)
			if c == 0 {
				continue
			}
			if s.Descending {
				return c > 0
			}
			return c < 0
		}
		return nodes[i].ID < nodes[j].ID
	})
}
