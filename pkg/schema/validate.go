package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodespace/nodespace/pkg/node"
)

// coreTypes is the set of always-valid node types. Their schema nodes are
// seeded at boot, but validation must not depend on seeding order.
var coreTypes = map[string]struct{}{
	node.TypeText:        {},
	node.TypeHeader:      {},
	node.TypeTask:        {},
	node.TypeDate:        {},
	node.TypeCodeBlock:   {},
	node.TypeQuoteBlock:  {},
	node.TypeOrderedList: {},
	node.TypeSchema:      {},
	node.TypeCollection:  {},
	node.TypeQuery:       {},
	node.TypeAIChat:      {},
}

// IsCoreType reports whether typ is one of the built-in node types.
func IsCoreType(typ string) bool {
	_, ok := coreTypes[typ]
	return ok
}

// ValidateNode checks a node against its schema before a write:
//   - the node type is a core type or has a schema node (I1)
//   - structural invariants hold (I5, I6)
//   - required fields without defaults are present (I2)
//   - enum fields hold values from core_values ∪ user_values (I3)
//   - present fields type-check against their declared field_type
func (r *Registry) ValidateNode(ctx context.Context, n *node.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}

	def, err := r.GetSchema(ctx, n.NodeType)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			if IsCoreType(n.NodeType) {
				return nil
			}
			return &node.ValidationError{NodeType: n.NodeType, Reason: "no schema for node type"}
		}
		return err
	}

	var ns map[string]any
	if n.Properties != nil {
		ns = n.Properties[n.NodeType]
	}

	for i := range def.Fields {
		f := &def.Fields[i]
		v, present := ns[f.Name]
		if !present || v == nil {
			if f.Required && f.Default == nil {
				return &node.ValidationError{NodeType: n.NodeType, Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		if err := validateFieldValue(n.NodeType, f, v); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills missing fields that declare defaults, and
// stamps the namespace with the schema version. Called by the service on
// create.
func (r *Registry) ApplyDefaults(ctx context.Context, n *node.Node) error {
	def, err := r.GetSchema(ctx, n.NodeType)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return nil
		}
		return err
	}
	ns := n.Namespace()
	for i := range def.Fields {
		f := &def.Fields[i]
		if f.Default == nil {
			continue
		}
		if _, present := ns[f.Name]; !present {
			ns[f.Name] = f.Default
		}
	}
	if _, stamped := ns[node.SchemaVersionKey]; !stamped {
		ns[node.SchemaVersionKey] = def.Version
	}
	return nil
}

func validateFieldValue(nodeType string, f *Field, v any) error {
	fail := func(reason string) error {
		return &node.ValidationError{NodeType: nodeType, Field: f.Name, Reason: reason}
	}

	switch f.FieldType {
	case FieldString, FieldText:
		if _, ok := v.(string); !ok {
			return fail(fmt.Sprintf("expected string, got %T", v))
		}
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fail(fmt.Sprintf("expected number, got %T", v))
		}
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return fail(fmt.Sprintf("expected boolean, got %T", v))
		}
	case FieldDate:
		s, ok := v.(string)
		if !ok {
			return fail(fmt.Sprintf("expected date string, got %T", v))
		}
		if !validDateString(s) {
			return fail(fmt.Sprintf("invalid date %q", s))
		}
	case FieldEnum:
		s, ok := v.(string)
		if !ok {
			return fail(fmt.Sprintf("expected enum string, got %T", v))
		}
		for _, allowed := range f.AllowedEnumValues() {
			if s == allowed {
				return nil
			}
		}
		return fail(fmt.Sprintf("value %q not in allowed enum values", s))
	case FieldArray:
		items, ok := v.([]any)
		if !ok {
			return fail(fmt.Sprintf("expected array, got %T", v))
		}
		if len(f.ItemFields) > 0 {
			for idx, item := range items {
				obj, ok := item.(map[string]any)
				if !ok {
					return fail(fmt.Sprintf("item %d: expected object, got %T", idx, item))
				}
				for j := range f.ItemFields {
					inner := &f.ItemFields[j]
					iv, present := obj[inner.Name]
					if !present {
						if inner.Required && inner.Default == nil {
							return fail(fmt.Sprintf("item %d: required field %q missing", idx, inner.Name))
						}
						continue
					}
					if err := validateFieldValue(nodeType, inner, iv); err != nil {
						return err
					}
				}
			}
		}
	case FieldObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail(fmt.Sprintf("expected object, got %T", v))
		}
		for j := range f.Fields {
			inner := &f.Fields[j]
			iv, present := obj[inner.Name]
			if !present {
				if inner.Required && inner.Default == nil {
					return fail(fmt.Sprintf("required nested field %q missing", inner.Name))
				}
				continue
			}
			if err := validateFieldValue(nodeType, inner, iv); err != nil {
				return err
			}
		}
	case FieldRecord:
		if _, ok := v.(string); !ok {
			return fail(fmt.Sprintf("expected record id string, got %T", v))
		}
	case FieldJSON:
		// Any JSON-serializable value is acceptable.
	default:
		return fail(fmt.Sprintf("unknown field_type %q", f.FieldType))
	}
	return nil
}

func validDateString(s string) bool {
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	if _, err := time.Parse("2006-01-02", s); err == nil {
		return true
	}
	return false
}
