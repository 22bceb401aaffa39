package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

func setupRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	s := storage.NewMemoryEngine()
	t.Cleanup(func() { s.Close() })
	r := NewRegistry(s, nil)
	require.NoError(t, r.EnsureCoreSchemas(context.Background()))
	return r, s
}

func TestEnsureCoreSchemas(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds_nine_core_schemas", func(t *testing.T) {
		r, s := setupRegistry(t)

		for _, typ := range CoreSchemaTypes {
			n, err := s.GetNode(ctx, typ)
			require.NoError(t, err, typ)
			assert.Equal(t, node.TypeSchema, n.NodeType)
		}
		def, err := r.GetSchema(ctx, node.TypeTask)
		require.NoError(t, err)
		assert.True(t, def.IsCore)
		assert.Equal(t, int64(1), def.Version)
	})

	t.Run("seeding_is_idempotent", func(t *testing.T) {
		r, _ := setupRegistry(t)

		require.NoError(t, r.ExtendEnumField(context.Background(), node.TypeTask, "status", "blocked"))
		require.NoError(t, r.EnsureCoreSchemas(context.Background()))

		def, err := r.GetSchema(context.Background(), node.TypeTask)
		require.NoError(t, err)
		assert.Contains(t, def.FieldByName("status").UserValues, "blocked")
	})

	t.Run("task_schema_ships_with_enums", func(t *testing.T) {
		r, _ := setupRegistry(t)
		def, err := r.GetSchema(context.Background(), node.TypeTask)
		require.NoError(t, err)

		status := def.FieldByName("status")
		require.NotNil(t, status)
		assert.Equal(t, FieldEnum, status.FieldType)
		assert.Equal(t, []string{"open", "in_progress", "done", "cancelled"}, status.CoreValues)

		priority := def.FieldByName("priority")
		require.NotNil(t, priority)
		assert.Equal(t, []string{"low", "medium", "high"}, priority.CoreValues)
	})
}

func TestRegistry_AddRemoveField(t *testing.T) {
	ctx := context.Background()

	t.Run("unprefixed_field_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		err := r.AddField(ctx, node.TypeTask, Field{Name: "estimate", FieldType: FieldNumber})
		assert.ErrorIs(t, err, node.ErrNamespaceRequired)
	})

	t.Run("prefixed_field_added_as_user_and_bumps_version", func(t *testing.T) {
		r, _ := setupRegistry(t)
		require.NoError(t, r.AddField(ctx, node.TypeTask, Field{Name: "custom:estimate", FieldType: FieldNumber}))

		def, err := r.GetSchema(ctx, node.TypeTask)
		require.NoError(t, err)
		f := def.FieldByName("custom:estimate")
		require.NotNil(t, f)
		assert.Equal(t, ProtectionUser, f.Protection)
		assert.Equal(t, int64(2), def.Version)
	})

	t.Run("core_field_cannot_be_removed", func(t *testing.T) {
		r, _ := setupRegistry(t)
		err := r.RemoveField(ctx, node.TypeTask, "status")
		assert.ErrorIs(t, err, node.ErrSchemaProtection)
	})

	t.Run("user_field_removes_cleanly", func(t *testing.T) {
		r, _ := setupRegistry(t)
		require.NoError(t, r.AddField(ctx, node.TypeTask, Field{Name: "org:team", FieldType: FieldString}))
		require.NoError(t, r.RemoveField(ctx, node.TypeTask, "org:team"))

		def, err := r.GetSchema(ctx, node.TypeTask)
		require.NoError(t, err)
		assert.Nil(t, def.FieldByName("org:team"))
		assert.Equal(t, int64(3), def.Version)
	})
}

func TestRegistry_EnumExtension(t *testing.T) {
	ctx := context.Background()

	t.Run("extends_into_user_values", func(t *testing.T) {
		r, _ := setupRegistry(t)
		require.NoError(t, r.ExtendEnumField(ctx, node.TypeTask, "status", "blocked"))

		def, err := r.GetSchema(ctx, node.TypeTask)
		require.NoError(t, err)
		f := def.FieldByName("status")
		assert.Contains(t, f.UserValues, "blocked")
		assert.NotContains(t, f.CoreValues, "blocked")
	})

	t.Run("duplicate_value_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		err := r.ExtendEnumField(ctx, node.TypeTask, "status", "open")
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("core_enum_value_cannot_be_removed", func(t *testing.T) {
		r, _ := setupRegistry(t)
		err := r.RemoveEnumValue(ctx, node.TypeTask, "status", "open")
		assert.ErrorIs(t, err, node.ErrSchemaProtection)
	})

	t.Run("user_enum_value_removes", func(t *testing.T) {
		r, _ := setupRegistry(t)
		require.NoError(t, r.ExtendEnumField(ctx, node.TypeTask, "status", "blocked"))
		require.NoError(t, r.RemoveEnumValue(ctx, node.TypeTask, "status", "blocked"))

		def, err := r.GetSchema(ctx, node.TypeTask)
		require.NoError(t, err)
		assert.Empty(t, def.FieldByName("status").UserValues)
	})

	t.Run("non_extensible_enum_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.CreateUserSchema(ctx, "ticket", "Ticket", []Field{
			{Name: "state", FieldType: FieldEnum, CoreValues: []string{"new"}, Extensible: false},
		}, nil)
		require.NoError(t, err)

		err = r.ExtendEnumField(ctx, "ticket", "state", "old")
		assert.ErrorIs(t, err, node.ErrSchemaProtection)
	})
}

func TestRegistry_CreateUserSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("creates_spoke_type", func(t *testing.T) {
		r, s := setupRegistry(t)
		def, err := r.CreateUserSchema(ctx, "contact", "Contact", []Field{
			{Name: "email", FieldType: FieldString, Required: true},
		}, nil)
		require.NoError(t, err)
		assert.False(t, def.IsCore)
		assert.Equal(t, int64(1), def.Version)

		n, err := s.GetNode(ctx, "contact")
		require.NoError(t, err)
		assert.Equal(t, node.TypeSchema, n.NodeType)
		assert.Equal(t, "Contact", n.Content)
	})

	t.Run("duplicate_type_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.CreateUserSchema(ctx, node.TypeTask, "Task Again", nil, nil)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("relationship_target_must_exist", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.CreateUserSchema(ctx, "meeting", "Meeting", nil, []RelationshipDef{
			{Name: "attendee", TargetType: "person"},
		})
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("record_field_target_must_exist", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.CreateUserSchema(ctx, "invoice", "Invoice", []Field{
			{Name: "customer", FieldType: FieldRecord, ItemType: "nonexistent"},
		}, nil)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})
}

func TestRegistry_ValidateNode(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown_type_without_schema_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		n := node.New("widget", "w")
		err := r.ValidateNode(ctx, n)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("enum_value_outside_union_rejected", func(t *testing.T) {
		r, _ := setupRegistry(t)
		n := node.New(node.TypeTask, "t")
		n.SetProperty("status", "someday")
		err := r.ValidateNode(ctx, n)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)
	})

	t.Run("extended_enum_value_accepted", func(t *testing.T) {
		r, _ := setupRegistry(t)
		require.NoError(t, r.ExtendEnumField(ctx, node.TypeTask, "status", "blocked"))

		n := node.New(node.TypeTask, "t")
		n.SetProperty("status", "blocked")
		assert.NoError(t, r.ValidateNode(ctx, n))
	})

	t.Run("required_field_with_default_may_be_absent", func(t *testing.T) {
		r, _ := setupRegistry(t)
		n := node.New(node.TypeTask, "t")
		assert.NoError(t, r.ValidateNode(ctx, n))
	})

	t.Run("required_field_without_default_enforced", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.CreateUserSchema(ctx, "contact", "Contact", []Field{
			{Name: "email", FieldType: FieldString, Required: true},
		}, nil)
		require.NoError(t, err)

		n := node.New("contact", "Bob")
		err = r.ValidateNode(ctx, n)
		assert.ErrorIs(t, err, node.ErrSchemaValidation)

		n.SetProperty("email", "bob@example.com")
		assert.NoError(t, r.ValidateNode(ctx, n))
	})

	t.Run("date_node_invariants", func(t *testing.T) {
		r, _ := setupRegistry(t)
		bad := node.NewWithID("not-a-date", node.TypeDate, "not-a-date")
		assert.ErrorIs(t, r.ValidateNode(ctx, bad), node.ErrSchemaValidation)

		good := node.NewWithID("2026-08-02", node.TypeDate, "2026-08-02")
		assert.NoError(t, r.ValidateNode(ctx, good))
	})

	t.Run("apply_defaults_fills_and_stamps", func(t *testing.T) {
		r, _ := setupRegistry(t)
		n := node.New(node.TypeTask, "t")
		require.NoError(t, r.ApplyDefaults(ctx, n))

		status, _ := n.Property("status")
		priority, _ := n.Property("priority")
		assert.Equal(t, "open", status)
		assert.Equal(t, "medium", priority)
		assert.Equal(t, int64(1), n.PropertySchemaVersion())
	})
}
