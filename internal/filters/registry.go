package filters

import (
	"context"
	"strings"

	"panelquery/internal/sqlq"
)

// Definition is a named, registry-resolvable query mutation.
type Definition interface {
	Key() string
	Apply(ctx context.Context, q *sqlq.Query, value any) *sqlq.Query
}

// Registry is an ordered set of filter definitions keyed by Key(). Later
// definitions with a duplicate key replace earlier ones in place.
type Registry struct {
	defs  []Definition
	byKey map[string]int
}

// NewRegistry builds a registry from defs.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{byKey: make(map[string]int, len(defs))}
	for _, def := range defs {
		r.Add(def)
	}
	return r
}

// Add registers def.
func (r *Registry) Add(def Definition) {
	if idx, ok := r.byKey[def.Key()]; ok {
		r.defs[idx] = def
		return
	}
	r.byKey[def.Key()] = len(r.defs)
	r.defs = append(r.defs, def)
}

// Lookup finds the definition registered under key.
func (r *Registry) Lookup(key string) (Definition, bool) {
	if r == nil {
		return nil, false
	}
	idx, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	return r.defs[idx], true
}

// Definitions lists the definitions in registration order.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	return append([]Definition(nil), r.defs...)
}

// Len reports the number of registered definitions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

// ApplyFilter binds a resolved definition to the value it should apply.
type ApplyFilter struct {
	Filter Definition
	Value  any
}

// Apply runs the bound definition against q.
func (f ApplyFilter) Apply(ctx context.Context, q *sqlq.Query) *sqlq.Query {
	return f.Filter.Apply(ctx, q, f.Value)
}

// Decoder resolves an encoded blob against a registry.
type Decoder struct {
	blob     string
	registry *Registry
}

// NewDecoder prepares blob for resolution against registry.
func NewDecoder(blob string, registry *Registry) *Decoder {
	return &Decoder{blob: blob, registry: registry}
}

// Filters returns the actionable filters in encode order. Entries with an
// unknown key or an empty value are dropped.
func (d *Decoder) Filters() []ApplyFilter {
	var applied []ApplyFilter
	for _, entry := range Decode(d.blob) {
		def, ok := d.registry.Lookup(entry.Key)
		if !ok {
			continue
		}
		if isEmpty(entry.Value) {
			continue
		}
		applied = append(applied, ApplyFilter{Filter: def, Value: entry.Value})
	}
	return applied
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	case map[any]any:
		return len(v) == 0
	default:
		return false
	}
}
