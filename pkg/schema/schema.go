// Package schema implements the NodeSpace schema registry and validator.
//
// Schemas are stored as regular nodes (node_type "schema", id = the type
// name) whose "schema" property namespace holds the definition. The registry
// seeds nine core schemas on startup, enforces protection levels on every
// public mutation, and validates nodes before writes.
//
// Protection levels:
//   - core:   immutable through the public API; ships with the product
//   - user:   freely editable; user-added fields require a namespace prefix
//     (custom:, org:, plugin:)
//   - system: auto-managed, read-only
//
// Lazy migration: nodes written at an older schema version are upgraded on
// read via the MigrationRegistry; stored records are never rewritten by a
// read.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nodespace/nodespace/pkg/node"
)

// Protection levels for schema fields.
const (
	ProtectionCore   = "core"
	ProtectionUser   = "user"
	ProtectionSystem = "system"
)

// Field types supported by the validator.
const (
	FieldString  = "string"
	FieldText    = "text" // long-form string; validated identically to string
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldDate    = "date"
	FieldEnum    = "enum"
	FieldArray   = "array"
	FieldObject  = "object"
	FieldRecord  = "record"
	FieldJSON    = "json"
)

// Namespace prefixes allowed for user-added fields.
var userFieldPrefixes = []string{"custom:", "org:", "plugin:"}

// HasUserNamespace reports whether a field name carries one of the required
// user namespace prefixes.
func HasUserNamespace(name string) bool {
	for _, p := range userFieldPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Field describes one schema field.
type Field struct {
	Name        string   `json:"name"`
	FieldType   string   `json:"field_type"`
	Protection  string   `json:"protection"`
	CoreValues  []string `json:"core_values,omitempty"`
	UserValues  []string `json:"user_values,omitempty"`
	Indexed     bool     `json:"indexed"`
	Required    bool     `json:"required,omitempty"`
	Extensible  bool     `json:"extensible,omitempty"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	ItemType    string   `json:"item_type,omitempty"`
	Fields      []Field  `json:"fields,omitempty"`      // nested object fields
	ItemFields  []Field  `json:"item_fields,omitempty"` // array-of-objects element fields
}

// AllowedEnumValues returns the union of core and user values.
func (f *Field) AllowedEnumValues() []string {
	out := make([]string, 0, len(f.CoreValues)+len(f.UserValues))
	out = append(out, f.CoreValues...)
	out = append(out, f.UserValues...)
	return out
}

// RelationshipDef declares a user-defined relationship type on a schema.
type RelationshipDef struct {
	Name        string  `json:"name"`
	TargetType  string  `json:"target_type"`
	Cardinality string  `json:"cardinality,omitempty"` // one, many
	Direction   string  `json:"direction,omitempty"`   // outgoing, incoming, both
	EdgeFields  []Field `json:"edge_fields,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Definition is a full node-type schema, versioned. Version increments on
// every mutation of the schema node.
type Definition struct {
	Type          string            `json:"type"`
	DisplayName   string            `json:"display_name"`
	IsCore        bool              `json:"is_core"`
	Version       int64             `json:"version"`
	Description   string            `json:"description,omitempty"`
	Fields        []Field           `json:"fields"`
	Relationships []RelationshipDef `json:"relationships,omitempty"`
}

// FieldByName finds a field, or nil.
func (d *Definition) FieldByName(name string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// ToNode serializes the definition into its schema node representation:
// id = type name, content = display name, properties.schema = definition.
func (d *Definition) ToNode() (*node.Node, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: encode schema %s: %v", node.ErrSerialization, d.Type, err)
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("%w: decode schema %s: %v", node.ErrSerialization, d.Type, err)
	}
	n := node.NewWithID(d.Type, node.TypeSchema, d.DisplayName)
	n.Properties[node.TypeSchema] = props
	return n, nil
}

// FromNode deserializes a schema node back into a Definition.
func FromNode(n *node.Node) (*Definition, error) {
	if n.NodeType != node.TypeSchema {
		return nil, fmt.Errorf("%w: node %s is %s, not schema", node.ErrInvalidParameter, n.ID, n.NodeType)
	}
	props, ok := n.Properties[node.TypeSchema]
	if !ok {
		return nil, fmt.Errorf("%w: schema node %s has no schema namespace", node.ErrSerialization, n.ID)
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("%w: encode schema node %s: %v", node.ErrSerialization, n.ID, err)
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: decode schema node %s: %v", node.ErrSerialization, n.ID, err)
	}
	if d.Type == "" {
		d.Type = n.ID
	}
	if d.DisplayName == "" {
		d.DisplayName = n.Content
	}
	return &d, nil
}
