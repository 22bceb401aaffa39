// Package query translates structured QueryDefinitions into storage query
// text and executes them against the unified node table.
//
// The translator renders a SELECT over the node collection with ANDed WHERE
// clauses, an ORDER BY list, and a LIMIT; relationship filters rewrite to
// sub-selects over the universal relationship collection discriminated by
// relationship_type. Execution retrieves ids first, hydrates full nodes via
// batch fetch, then re-applies the sort in memory so ordering is
// deterministic regardless of engine behavior.
//
// Example:
//
//	def := query.Definition{
//		TargetType: "task",
//		Filters: []query.Filter{
//			{Type: query.FilterProperty, Property: "status", Operator: query.OpEquals, Value: "open"},
//		},
//		Sorting: []query.Sort{{Field: "modified_at", Descending: true}},
//		Limit:   50,
//	}
//	text, _ := query.Translate(def)   // for logs and saved query nodes
//	nodes, _ := query.Execute(ctx, store, def)
package query

import (
	"fmt"
	"strings"

	"github.com/nodespace/nodespace/pkg/node"
)

// Filter types.
const (
	FilterProperty     = "property"
	FilterContent      = "content"
	FilterRelationship = "relationship"
	FilterMetadata     = "metadata"
)

// Operators.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGte      = "gte"
	OpLte      = "lte"
	OpIn       = "in"
	OpExists   = "exists"
)

// Relationship filter kinds.
const (
	RelChildrenOf  = "children"
	RelParentOf    = "parent"
	RelMentions    = "mentions"
	RelMentionedBy = "mentioned_by"
)

// WildcardType matches every node type. Property filters lose the namespace
// discriminator under the wildcard and fall back to flat access; see the
// package notes in DESIGN.md.
const WildcardType = "*"

// metadataFields are accessed directly on the record rather than through the
// properties namespace.
var metadataFields = map[string]struct{}{
	"created_at":  {},
	"modified_at": {},
	"content":     {},
	"node_type":   {},
	"id":          {},
}

// Filter is one WHERE clause.
type Filter struct {
	Type          string `json:"type"`
	Property      string `json:"property,omitempty"`
	Operator      string `json:"operator"`
	Value         any    `json:"value,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`

	// Relationship filters
	Relationship string `json:"relationship,omitempty"` // children, parent, mentions, mentioned_by
	NodeID       string `json:"node_id,omitempty"`
}

// Sort is one ORDER BY entry.
type Sort struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Definition is the structured query input.
type Definition struct {
	TargetType string   `json:"target_type"`
	Filters    []Filter `json:"filters,omitempty"`
	Sorting    []Sort   `json:"sorting,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// escapeString doubles single quotes for safe interpolation.
func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// fieldPath resolves a field reference namespace-aware: metadata fields are
// direct, type-specific fields live under properties.<target_type>.<field>,
// and the wildcard target falls back to flat properties.<field>.
func fieldPath(targetType, field string) string {
	if _, ok := metadataFields[field]; ok {
		return field
	}
	if targetType == WildcardType || targetType == "" {
		return "properties." + field
	}
	return fmt.Sprintf("properties.%s.%s", targetType, field)
}

// Translate renders the definition as storage query text. The translator
// never executes anything; Execute hands equivalent semantics to the store.
func Translate(def Definition) (string, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM node")

	var conds []string
	if def.TargetType != "" && def.TargetType != WildcardType {
		conds = append(conds, fmt.Sprintf("node_type = '%s'", escapeString(def.TargetType)))
	}
	for _, f := range def.Filters {
		c, err := translateFilter(def.TargetType, f)
		if err != nil {
			return "", err
		}
		conds = append(conds, c)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	if len(def.Sorting) > 0 {
		var orders []string
		for _, s := range def.Sorting {
			dir := "ASC"
			if s.Descending {
				dir = "DESC"
			}
			orders = append(orders, fmt.Sprintf("%s %s", fieldPath(def.TargetType, s.Field), dir))
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orders, ", "))
	}

	if def.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", def.Limit))
	}
	return sb.String(), nil
}

func translateFilter(targetType string, f Filter) (string, error) {
	switch f.Type {
	case FilterRelationship:
		return translateRelationshipFilter(f)
	case FilterContent:
		return translateComparison("content", f)
	case FilterMetadata:
		return translateComparison(f.Property, f)
	case FilterProperty:
		return translateComparison(fieldPath(targetType, f.Property), f)
	default:
		return "", fmt.Errorf("%w: unknown filter type %q", node.ErrInvalidParameter, f.Type)
	}
}

func translateRelationshipFilter(f Filter) (string, error) {
	if f.NodeID == "" {
		return "", fmt.Errorf("%w: relationship filter missing node_id", node.ErrInvalidParameter)
	}
	id := escapeString(f.NodeID)
	switch f.Relationship {
	case RelChildrenOf:
		return fmt.Sprintf("id IN (SELECT VALUE out FROM relationship WHERE in = node:⟨%s⟩ AND relationship_type = 'has_child')", id), nil
	case RelParentOf:
		return fmt.Sprintf("id IN (SELECT VALUE in FROM relationship WHERE out = node:⟨%s⟩ AND relationship_type = 'has_child')", id), nil
	case RelMentions:
		return fmt.Sprintf("id IN (SELECT VALUE out FROM relationship WHERE in = node:⟨%s⟩ AND relationship_type = 'mentions')", id), nil
	case RelMentionedBy:
		return fmt.Sprintf("id IN (SELECT VALUE in FROM relationship WHERE out = node:⟨%s⟩ AND relationship_type = 'mentions')", id), nil
	default:
		return "", fmt.Errorf("%w: unknown relationship %q", node.ErrInvalidParameter, f.Relationship)
	}
}

func translateComparison(path string, f Filter) (string, error) {
	switch f.Operator {
	case OpEquals:
		return fmt.Sprintf("%s = %s", path, renderValue(f.Value)), nil
	case OpContains:
		if f.CaseSensitive {
			return fmt.Sprintf("%s CONTAINS %s", path, renderValue(f.Value)), nil
		}
		return fmt.Sprintf("string::lowercase(%s) CONTAINS string::lowercase(%s)", path, renderValue(f.Value)), nil
	case OpGt:
		return fmt.Sprintf("%s > %s", path, renderValue(f.Value)), nil
	case OpLt:
		return fmt.Sprintf("%s < %s", path, renderValue(f.Value)), nil
	case OpGte:
		return fmt.Sprintf("%s >= %s", path, renderValue(f.Value)), nil
	case OpLte:
		return fmt.Sprintf("%s <= %s", path, renderValue(f.Value)), nil
	case OpIn:
		items, ok := f.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: in operator requires an array value", node.ErrInvalidParameter)
		}
		rendered := make([]string, len(items))
		for i, v := range items {
			rendered[i] = renderValue(v)
		}
		return fmt.Sprintf("%s IN [%s]", path, strings.Join(rendered, ", ")), nil
	case OpExists:
		return fmt.Sprintf("%s != NONE", path), nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", node.ErrInvalidParameter, f.Operator)
	}
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NONE"
	case string:
		return "'" + escapeString(x) + "'"
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", x)
	}
}
