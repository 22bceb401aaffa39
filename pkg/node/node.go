// Package node defines the core data model for NodeSpace.
//
// Every user-visible artifact — a text block, a task, a header, a daily-date
// container, a saved schema, a custom entity — is a Node. Nodes form an ordered
// forest via has_child edges, link to each other via typed relationship edges,
// and carry type-specific data in a properties object namespaced by node type.
//
// The model is deliberately storage-agnostic: persistence lives in pkg/storage,
// business rules in pkg/nodespace. This package holds only the shapes shared by
// every layer plus the error taxonomy.
//
// Example:
//
//	n := node.New("task", "Ship the release")
//	n.SetProperty("status", "open")
//	n.SetProperty("priority", "high")
//
//	status, _ := n.Property("status") // "open"
package node

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Core node types seeded on first run. User-defined types are valid iff a
// schema node of that name exists.
const (
	TypeText        = "text"
	TypeHeader      = "header"
	TypeTask        = "task"
	TypeDate        = "date"
	TypeCodeBlock   = "code-block"
	TypeQuoteBlock  = "quote-block"
	TypeOrderedList = "ordered-list"
	TypeSchema      = "schema"
	TypeCollection  = "collection"
	TypeQuery       = "query"
	TypeAIChat      = "ai-chat"
)

// SchemaVersionKey is the per-namespace key holding the schema version a
// node's properties were written at. Lazy migration compares it against the
// registry's current version on read.
const SchemaVersionKey = "_schema_version"

var dateIDPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Node is the primary entity. Properties are namespaced by node type:
// properties[node_type][field] = value. This isolation lets a node carry
// multiple type-specific views during migration and avoids key collisions.
//
// EmbeddingVector holds the node's own embedding as little-endian packed
// float32 bytes (see pkg/math/vector for the codec). Tree roots carry the
// summary or complete-topic vector; larger trees also carry per-section
// vectors on their section nodes.
type Node struct {
	ID         string                    `json:"id"`
	NodeType   string                    `json:"node_type"`
	Content    string                    `json:"content"`
	Version    int64                     `json:"version"`
	CreatedAt  time.Time                 `json:"created_at"`
	ModifiedAt time.Time                 `json:"modified_at"`
	Properties map[string]map[string]any `json:"properties,omitempty"`

	EmbeddingVector []byte `json:"embedding_vector,omitempty"`

	// Derived views populated by queries; never stored on the record.
	Mentions    []string `json:"mentions,omitempty"`
	MentionedBy []string `json:"mentioned_by,omitempty"`
}

// New creates a node of the given type with a generated id, version 1, and
// current timestamps. Date and schema nodes use deterministic ids; see
// NewDateNode and pkg/schema.
func New(nodeType, content string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:         uuid.NewString(),
		NodeType:   nodeType,
		Content:    content,
		Version:    1,
		CreatedAt:  now,
		ModifiedAt: now,
		Properties: map[string]map[string]any{},
	}
}

// NewWithID creates a node with a caller-supplied id.
func NewWithID(id, nodeType, content string) *Node {
	n := New(nodeType, content)
	n.ID = id
	return n
}

// NewDateNode creates a date node with the deterministic id YYYY-MM-DD.
// Content always equals the id.
func NewDateNode(day time.Time) *Node {
	id := day.UTC().Format("2006-01-02")
	return NewWithID(id, TypeDate, id)
}

// ValidDateID reports whether id is a canonical date-node id.
func ValidDateID(id string) bool { return dateIDPattern.MatchString(id) }

// Namespace returns the node's own property namespace, creating it if absent.
func (n *Node) Namespace() map[string]any {
	if n.Properties == nil {
		n.Properties = map[string]map[string]any{}
	}
	ns, ok := n.Properties[n.NodeType]
	if !ok {
		ns = map[string]any{}
		n.Properties[n.NodeType] = ns
	}
	return ns
}

// Property reads a field from the node's own namespace.
func (n *Node) Property(field string) (any, bool) {
	if n.Properties == nil {
		return nil, false
	}
	ns, ok := n.Properties[n.NodeType]
	if !ok {
		return nil, false
	}
	v, ok := ns[field]
	return v, ok
}

// SetProperty writes a field into the node's own namespace.
func (n *Node) SetProperty(field string, value any) {
	n.Namespace()[field] = value
}

// PropertySchemaVersion returns the namespaced _schema_version, or 0 when the
// namespace has never been stamped.
func (n *Node) PropertySchemaVersion() int64 {
	v, ok := n.Property(SchemaVersionKey)
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

// Clone returns a deep copy. Mutating the copy never affects the original;
// lazy migration relies on this to leave the loaded record untouched.
func (n *Node) Clone() *Node {
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]map[string]any, len(n.Properties))
		for ns, fields := range n.Properties {
			inner := make(map[string]any, len(fields))
			for k, v := range fields {
				inner[k] = deepCopyValue(v)
			}
			c.Properties[ns] = inner
		}
	}
	if n.EmbeddingVector != nil {
		c.EmbeddingVector = append([]byte(nil), n.EmbeddingVector...)
	}
	c.Mentions = append([]string(nil), n.Mentions...)
	c.MentionedBy = append([]string(nil), n.MentionedBy...)
	return &c
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = deepCopyValue(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = deepCopyValue(val)
		}
		return s
	default:
		return v
	}
}

// Validate checks the structural invariants every node must satisfy
// independent of its schema: non-empty type, version ≥ 1, ordered timestamps,
// canonical date ids.
func (n *Node) Validate() error {
	if n.NodeType == "" {
		return &ValidationError{NodeType: n.NodeType, Reason: "node_type is empty"}
	}
	if n.Version < 1 {
		return &ValidationError{NodeType: n.NodeType, Reason: fmt.Sprintf("version %d < 1", n.Version)}
	}
	if n.ModifiedAt.Before(n.CreatedAt) {
		return &ValidationError{NodeType: n.NodeType, Reason: "modified_at precedes created_at"}
	}
	if n.NodeType == TypeDate {
		if !ValidDateID(n.ID) {
			return &ValidationError{NodeType: TypeDate, Field: "id", Reason: "date id must be YYYY-MM-DD"}
		}
		if n.Content != n.ID {
			return &ValidationError{NodeType: TypeDate, Field: "content", Reason: "content must equal id"}
		}
	}
	return nil
}

// Update is a sparse mutation. Nil fields are left unchanged by
// NodeService.UpdateNodeWithOCC.
type Update struct {
	Content    *string
	Properties map[string]map[string]any // merged per namespace; nil = untouched
}

// DeleteResult reports the outcome of a cascading delete.
type DeleteResult struct {
	Existed      bool
	DeletedNodes int
	DeletedEdges int
}

// Nested is a materialized subtree: the node plus its children ordered by
// sibling order, recursively.
type Nested struct {
	Node     *Node     `json:"node"`
	Children []*Nested `json:"children"`
}

// Walk visits the subtree depth-first in sibling order.
func (t *Nested) Walk(fn func(n *Node, depth int)) {
	var rec func(nt *Nested, depth int)
	rec = func(nt *Nested, depth int) {
		fn(nt.Node, depth)
		for _, c := range nt.Children {
			rec(c, depth+1)
		}
	}
	rec(t, 0)
}

// Count returns the number of nodes in the subtree including the root.
func (t *Nested) Count() int {
	n := 0
	t.Walk(func(*Node, int) { n++ })
	return n
}
