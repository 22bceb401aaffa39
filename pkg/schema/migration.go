package schema

import (
	"fmt"
	"sync"

	"github.com/nodespace/nodespace/pkg/node"
)

// Migration upgrades a node's namespaced properties from one schema version
// to the next. Implementations must be pure: mutate and return the passed
// clone, never touch shared state. The registry stamps _schema_version after
// each step.
type Migration func(n *node.Node) (*node.Node, error)

// MigrationRegistry holds per-type upgrade chains keyed by the version they
// upgrade FROM. Migrations only upgrade; a node whose stamped version is
// newer than the target is returned unchanged (forward-compatible read).
type MigrationRegistry struct {
	mu    sync.RWMutex
	steps map[string]map[int64]Migration
}

// NewMigrationRegistry creates an empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{steps: make(map[string]map[int64]Migration)}
}

// Register adds the transform upgrading nodeType from fromVersion to
// fromVersion+1. Registering the same step twice replaces it.
func (r *MigrationRegistry) Register(nodeType string, fromVersion int64, fn Migration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.steps[nodeType]
	if !ok {
		chain = make(map[int64]Migration)
		r.steps[nodeType] = chain
	}
	chain[fromVersion] = fn
}

// HasSteps reports whether any migration is registered for nodeType.
func (r *MigrationRegistry) HasSteps(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps[nodeType]) > 0
}

// Apply upgrades n's namespaced properties to targetVersion, chaining
// registered steps. The input node is never mutated: callers get either the
// original pointer (no migration needed) or an upgraded clone.
//
// A node with no _schema_version stamp, or one stamped at or beyond
// targetVersion, is returned unchanged. A gap in the chain is a
// SerializationError: it indicates a missing registration, not bad data the
// caller can fix.
func (r *MigrationRegistry) Apply(n *node.Node, targetVersion int64) (*node.Node, error) {
	current := n.PropertySchemaVersion()
	if current == 0 || current >= targetVersion {
		return n, nil
	}

	r.mu.RLock()
	chain := r.steps[n.NodeType]
	r.mu.RUnlock()

	out := n.Clone()
	for v := current; v < targetVersion; v++ {
		fn, ok := chain[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration path from version %d to %d for %s",
				node.ErrSerialization, v, v+1, n.NodeType)
		}
		next, err := fn(out)
		if err != nil {
			return nil, fmt.Errorf("%w: migrating %s from %d: %v", node.ErrSerialization, n.NodeType, v, err)
		}
		next.SetProperty(node.SchemaVersionKey, v+1)
		out = next
	}
	return out, nil
}
