package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"panelquery/internal/config"
	"panelquery/internal/index"
	"panelquery/internal/query"
	"panelquery/internal/sqlq"
)

var (
	// ErrUnknownResource is returned when a name matches no configured resource.
	ErrUnknownResource = errors.New("resource: unknown resource")
	// ErrNotIndexed is returned when reindexing a resource without an index.
	ErrNotIndexed = errors.New("resource: resource has no search index")
	// ErrInvalidVia is returned when a parent relation leads to another resource.
	ErrInvalidVia = errors.New("resource: relation does not lead to the listed resource")
)

const reindexChunk = 500

// Catalog resolves configured resources by name.
type Catalog struct {
	resources map[string]*Definition
	names     []string
	engines   []*index.Engine
	logger    *slog.Logger
}

// NewCatalog builds every resource, then links their relations.
func NewCatalog(resources []config.ResourceConfig, maxPrimaryKey int64, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{resources: make(map[string]*Definition, len(resources)), logger: logger}

	for _, rc := range resources {
		if _, exists := c.resources[rc.Name]; exists {
			return nil, fmt.Errorf("resource %s declared twice", rc.Name)
		}
		def, err := newDefinition(rc, maxPrimaryKey)
		if err != nil {
			return nil, err
		}
		c.resources[rc.Name] = def
		c.names = append(c.names, rc.Name)
	}

	for _, rc := range resources {
		table := c.resources[rc.Name].table
		for _, relc := range rc.Relations {
			rel, err := c.relation(relc)
			if err != nil {
				return nil, fmt.Errorf("resource %s relation %s: %w", rc.Name, relc.Name, err)
			}
			table.AddRelation(rel)
		}
	}
	return c, nil
}

func (c *Catalog) relation(rc config.RelationConfig) (*sqlq.Relation, error) {
	if rc.Name == "" {
		return nil, errors.New("name is required")
	}
	rel := &sqlq.Relation{
		Name:            rc.Name,
		Kind:            sqlq.RelationKind(strings.ToLower(strings.TrimSpace(rc.Kind))),
		ForeignKey:      rc.ForeignKey,
		OwnerKey:        rc.OwnerKey,
		Pivot:           rc.Pivot,
		PivotParentKey:  rc.PivotParentKey,
		PivotRelatedKey: rc.PivotRelatedKey,
		MorphType:       rc.MorphType,
		MorphID:         rc.MorphID,
	}

	switch rel.Kind {
	case sqlq.HasMany, sqlq.HasOne, sqlq.BelongsTo:
		if rel.ForeignKey == "" {
			return nil, errors.New("foreign_key is required")
		}
	case sqlq.ManyToMany:
		if rel.Pivot == "" || rel.PivotParentKey == "" || rel.PivotRelatedKey == "" {
			return nil, errors.New("pivot, pivot_parent_key and pivot_related_key are required")
		}
	case sqlq.MorphTo:
		if rel.MorphType == "" || rel.MorphID == "" || len(rc.MorphTypes) == 0 {
			return nil, errors.New("morph_type, morph_id and morph_types are required")
		}
		rel.MorphTables = make(map[string]*sqlq.Table, len(rc.MorphTypes))
		for alias, name := range rc.MorphTypes {
			target, ok := c.resources[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
			}
			rel.MorphTables[alias] = target.table
		}
		return rel, nil
	default:
		return nil, fmt.Errorf("unsupported kind '%s'", rc.Kind)
	}

	target, ok := c.resources[rc.Resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, rc.Resource)
	}
	rel.Related = target.table
	return rel, nil
}

// Get returns the named resource.
func (c *Catalog) Get(name string) (*Definition, error) {
	def, ok := c.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return def, nil
}

// List returns the resources in declaration order.
func (c *Catalog) List() []*Definition {
	out := make([]*Definition, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.resources[name])
	}
	return out
}

// Via resolves a listing of child scoped to the parent record parentKey
// through the parent's relation.
func (c *Catalog) Via(child *Definition, parent, relation, parentKey string) (*query.Via, error) {
	owner, err := c.Get(parent)
	if err != nil {
		return nil, err
	}
	rel, ok := owner.table.Relation(relation)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", sqlq.ErrUnknownRelation, parent, relation)
	}
	if rel.Related != child.table {
		return nil, fmt.Errorf("%w: %s.%s is not %s", ErrInvalidVia, parent, relation, child.name)
	}
	keys := owner.table.KeyValues([]string{strings.TrimSpace(parentKey)})
	return &query.Via{Relation: rel, ParentKey: keys[0]}, nil
}

// AttachIndexes registers and opens an engine for every resource that
// declares an index.
func (c *Catalog) AttachIndexes(registry *index.Registry, cfg index.EngineConfig) error {
	for _, def := range c.List() {
		if def.index == nil {
			continue
		}
		idxDef, err := registry.Ensure(def.indexRequest())
		if err != nil {
			return fmt.Errorf("register index for %s: %w", def.name, err)
		}
		engine, err := index.OpenEngine(idxDef, registry, cfg)
		if err != nil {
			return fmt.Errorf("open index for %s: %w", def.name, err)
		}
		def.engine = engine
		c.engines = append(c.engines, engine)
	}
	return nil
}

// Reindex rebuilds the named resource's index from the relational store.
// Soft-deleted rows are indexed too; hydration applies the trashed scope.
func (c *Catalog) Reindex(ctx context.Context, db sqlq.Executor, dialect sqlq.Dialect, name string) (int, error) {
	def, err := c.Get(name)
	if err != nil {
		return 0, err
	}
	if def.engine == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotIndexed, name)
	}

	start := time.Now()
	rows, err := sqlq.New(db, dialect, def.table).OrderBy(def.table.Key, "asc").Lazy(ctx, reindexChunk)
	if err != nil {
		return 0, fmt.Errorf("read %s rows: %w", name, err)
	}
	defer rows.Close()

	// The first chunk is read before the reset so a store that cannot be
	// read leaves the previous index in place.
	batch := make([]index.Document, 0, reindexChunk)
	for len(batch) < reindexChunk && rows.Next() {
		batch = append(batch, def.document(rows.Row()))
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read %s rows: %w", name, err)
	}
	if err := def.engine.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset %s index: %w", name, err)
	}

	total := 0
	interrupted := func(err error) (int, error) {
		c.logger.Error("reindex interrupted", "resource", name, "documents", total, "error", err)
		return total, err
	}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		accepted, _, err := def.engine.Upsert(ctx, batch)
		if err != nil {
			return fmt.Errorf("index %s rows: %w", name, err)
		}
		total += accepted
		batch = batch[:0]
		return nil
	}
	if err := flush(); err != nil {
		return interrupted(err)
	}
	for rows.Next() {
		batch = append(batch, def.document(rows.Row()))
		if len(batch) == reindexChunk {
			if err := flush(); err != nil {
				return interrupted(err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return interrupted(fmt.Errorf("read %s rows: %w", name, err))
	}
	if err := flush(); err != nil {
		return interrupted(err)
	}

	c.logger.Info("resource reindexed", "resource", name, "documents", total, "duration_ms", time.Since(start).Milliseconds())
	return total, nil
}

// Close closes every attached engine.
func (c *Catalog) Close() error {
	var errs []error
	for _, engine := range c.engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
