package schema

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// Registry manages schema nodes in the store. It holds no schema cache: the
// seeded core schemas are process-wide reference data initialized once at
// boot, and every subsequent read consults the store so that schema changes
// are immediately visible to all readers.
type Registry struct {
	store      storage.Store
	migrations *MigrationRegistry
}

// NewRegistry creates a registry over the store. migrations may be nil when
// no lazy upgrades are registered.
func NewRegistry(store storage.Store, migrations *MigrationRegistry) *Registry {
	if migrations == nil {
		migrations = NewMigrationRegistry()
	}
	return &Registry{store: store, migrations: migrations}
}

// Migrations exposes the migration registry for step registration.
func (r *Registry) Migrations() *MigrationRegistry { return r.migrations }

// EnsureCoreSchemas seeds any of the nine core schema nodes that are missing.
// Safe to call on every startup; existing schemas (possibly user-extended)
// are left untouched.
func (r *Registry) EnsureCoreSchemas(ctx context.Context) error {
	for _, def := range CoreSchemas() {
		_, err := r.store.GetNode(ctx, def.Type)
		if err == nil {
			continue
		}
		if !errors.Is(err, node.ErrNotFound) {
			return err
		}
		n, err := def.ToNode()
		if err != nil {
			return err
		}
		if err := r.store.CreateNode(ctx, n); err != nil {
			return err
		}
		log.Printf("schema: seeded core schema %q", def.Type)
	}
	return nil
}

// GetSchema loads the current definition for a node type.
func (r *Registry) GetSchema(ctx context.Context, nodeType string) (*Definition, error) {
	n, err := r.store.GetNode(ctx, nodeType)
	if err != nil {
		return nil, err
	}
	return FromNode(n)
}

// SchemaExists reports whether a schema node for nodeType exists.
func (r *Registry) SchemaExists(ctx context.Context, nodeType string) (bool, error) {
	_, err := r.store.GetNode(ctx, nodeType)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, node.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// saveSchema writes the mutated definition back through OCC on the schema
// node. The definition's own version must already be incremented by the
// caller.
func (r *Registry) saveSchema(ctx context.Context, def *Definition) error {
	current, err := r.store.GetNode(ctx, def.Type)
	if err != nil {
		return err
	}
	rendered, err := def.ToNode()
	if err != nil {
		return err
	}
	upd := node.Update{Properties: map[string]map[string]any{
		node.TypeSchema: rendered.Properties[node.TypeSchema],
	}}
	_, err = r.store.UpdateNode(ctx, def.Type, upd, current.Version)
	return err
}

// AddField adds a user field to an existing schema. The field name must
// carry a user namespace prefix (custom:, org:, plugin:); protection is
// forced to user and the schema version increments.
func (r *Registry) AddField(ctx context.Context, nodeType string, field Field) error {
	if !HasUserNamespace(field.Name) {
		return fmt.Errorf("%w: field %q must be prefixed with custom:, org: or plugin:",
			node.ErrNamespaceRequired, field.Name)
	}
	def, err := r.GetSchema(ctx, nodeType)
	if err != nil {
		return err
	}
	if def.FieldByName(field.Name) != nil {
		return fmt.Errorf("%w: field %q already exists on %s", node.ErrSchemaValidation, field.Name, nodeType)
	}
	field.Protection = ProtectionUser
	def.Fields = append(def.Fields, field)
	def.Version++
	return r.saveSchema(ctx, def)
}

// RemoveField removes a user field. Core and system fields are immutable
// through the public API.
func (r *Registry) RemoveField(ctx context.Context, nodeType, fieldName string) error {
	def, err := r.GetSchema(ctx, nodeType)
	if err != nil {
		return err
	}
	f := def.FieldByName(fieldName)
	if f == nil {
		return fmt.Errorf("%w: field %q on %s", node.ErrNotFound, fieldName, nodeType)
	}
	if f.Protection != ProtectionUser {
		return fmt.Errorf("%w: field %q on %s has protection %q",
			node.ErrSchemaProtection, fieldName, nodeType, f.Protection)
	}
	kept := def.Fields[:0]
	for _, existing := range def.Fields {
		if existing.Name != fieldName {
			kept = append(kept, existing)
		}
	}
	def.Fields = kept
	def.Version++
	return r.saveSchema(ctx, def)
}

// ExtendEnumField adds a value to an extensible enum field's user_values.
// Core values are never touched.
func (r *Registry) ExtendEnumField(ctx context.Context, nodeType, fieldName, value string) error {
	def, err := r.GetSchema(ctx, nodeType)
	if err != nil {
		return err
	}
	f := def.FieldByName(fieldName)
	if f == nil {
		return fmt.Errorf("%w: field %q on %s", node.ErrNotFound, fieldName, nodeType)
	}
	if f.FieldType != FieldEnum {
		return fmt.Errorf("%w: field %q on %s is %s, not enum",
			node.ErrSchemaValidation, fieldName, nodeType, f.FieldType)
	}
	if !f.Extensible {
		return fmt.Errorf("%w: enum field %q on %s is not extensible",
			node.ErrSchemaProtection, fieldName, nodeType)
	}
	for _, v := range f.AllowedEnumValues() {
		if v == value {
			return fmt.Errorf("%w: value %q already allowed on %s.%s",
				node.ErrSchemaValidation, value, nodeType, fieldName)
		}
	}
	f.UserValues = append(f.UserValues, value)
	def.Version++
	return r.saveSchema(ctx, def)
}

// RemoveEnumValue removes a value from user_values. Core values are
// protected.
func (r *Registry) RemoveEnumValue(ctx context.Context, nodeType, fieldName, value string) error {
	def, err := r.GetSchema(ctx, nodeType)
	if err != nil {
		return err
	}
	f := def.FieldByName(fieldName)
	if f == nil {
		return fmt.Errorf("%w: field %q on %s", node.ErrNotFound, fieldName, nodeType)
	}
	for _, v := range f.CoreValues {
		if v == value {
			return fmt.Errorf("%w: %q is a core value of %s.%s",
				node.ErrSchemaProtection, value, nodeType, fieldName)
		}
	}
	found := false
	kept := f.UserValues[:0]
	for _, v := range f.UserValues {
		if v == value {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return fmt.Errorf("%w: value %q on %s.%s", node.ErrNotFound, value, nodeType, fieldName)
	}
	f.UserValues = kept
	def.Version++
	return r.saveSchema(ctx, def)
}

// CreateUserSchema creates a new spoke type. Duplicate type names are
// rejected, as are relationship or record fields whose target type has no
// schema node.
func (r *Registry) CreateUserSchema(ctx context.Context, typeName, displayName string, fields []Field, relationships []RelationshipDef) (*Definition, error) {
	if typeName == "" {
		return nil, fmt.Errorf("%w: empty type name", node.ErrInvalidParameter)
	}
	exists, err := r.SchemaExists(ctx, typeName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: schema %q already exists", node.ErrSchemaValidation, typeName)
	}

	for i := range fields {
		if fields[i].Protection == "" {
			fields[i].Protection = ProtectionUser
		}
		if fields[i].FieldType == FieldRecord && fields[i].ItemType != "" {
			ok, err := r.SchemaExists(ctx, fields[i].ItemType)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: record field %q references unknown type %q",
					node.ErrSchemaValidation, fields[i].Name, fields[i].ItemType)
			}
		}
	}
	for _, rel := range relationships {
		ok, err := r.SchemaExists(ctx, rel.TargetType)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: relationship %q targets unknown type %q",
				node.ErrSchemaValidation, rel.Name, rel.TargetType)
		}
	}

	def := &Definition{
		Type:          typeName,
		DisplayName:   displayName,
		IsCore:        false,
		Version:       1,
		Fields:        fields,
		Relationships: relationships,
	}
	n, err := def.ToNode()
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateNode(ctx, n); err != nil {
		return nil, err
	}
	return def, nil
}

// MigrateOnRead applies lazy migration to a loaded node. If the node's type
// has no schema the node passes through untouched; if its stamped version is
// behind the schema version, registered steps run and the upgraded clone is
// returned. The stored record is never rewritten here.
func (r *Registry) MigrateOnRead(ctx context.Context, n *node.Node) (*node.Node, error) {
	if n.NodeType == node.TypeSchema {
		return n, nil
	}
	def, err := r.GetSchema(ctx, n.NodeType)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return n, nil
		}
		return nil, err
	}
	return r.migrations.Apply(n, def.Version)
}
