// Package resource turns configured resources into the descriptors the query
// coordinator lists.
package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"panelquery/internal/config"
	"panelquery/internal/filters"
	"panelquery/internal/index"
	"panelquery/internal/predicate"
	"panelquery/internal/query"
	"panelquery/internal/sqlq"
)

// Definition is one listable resource. It satisfies query.Resource.
type Definition struct {
	name         string
	table        *sqlq.Table
	with         []string
	where        map[string]any
	defaultOrder query.Orderings
	columns      []predicate.Column
	filters      *filters.Registry
	index        *config.ResourceIndexConfig
	engine       *index.Engine
}

var _ query.Resource = (*Definition)(nil)

func newDefinition(cfg config.ResourceConfig, maxPrimaryKey int64) (*Definition, error) {
	table := sqlq.NewTable(cfg.Table)
	if key := strings.TrimSpace(cfg.Key); key != "" {
		table.Key = key
	}
	switch strings.ToLower(strings.TrimSpace(cfg.KeyType)) {
	case "", "int", "integer":
		table.KeyType = sqlq.KeyInt
	case "string", "uuid":
		table.KeyType = sqlq.KeyTypeString
	default:
		return nil, fmt.Errorf("resource %s: unsupported key type '%s'", cfg.Name, cfg.KeyType)
	}
	table.SoftDelete = strings.TrimSpace(cfg.SoftDelete)

	registry := filters.NewRegistry()
	for _, fc := range cfg.Filters {
		kind := filters.KindSelect
		if fc.Kind != "" {
			parsed, err := filters.ParseKind(fc.Kind)
			if err != nil {
				return nil, fmt.Errorf("resource %s: %w", cfg.Name, err)
			}
			kind = parsed
		}
		if fc.Column == "" {
			return nil, fmt.Errorf("resource %s: filter without column", cfg.Name)
		}
		registry.Add(filters.ColumnFilter{Name: fc.Name, Column: fc.Column, Kind: kind})
	}

	d := &Definition{
		name:         cfg.Name,
		table:        table,
		with:         append([]string(nil), cfg.With...),
		where:        cfg.Where,
		defaultOrder: query.ParseOrderings(cfg.DefaultOrder),
		filters:      registry,
		index:        cfg.Index,
	}

	for _, raw := range cfg.Search {
		if raw = strings.TrimSpace(raw); raw != "" {
			d.columns = append(d.columns, predicate.Classify(raw))
		}
	}
	if len(cfg.FullText) > 0 {
		d.columns = append(d.columns, predicate.FullText(cfg.FullText...))
	}
	for _, ms := range cfg.MorphSearch {
		d.columns = append(d.columns, predicate.PolymorphicRelation(ms.Relation, ms.Column, ms.Types...))
	}
	if cfg.SearchKey {
		d.columns = append(d.columns, predicate.PrimaryKey(table.Key, maxPrimaryKey))
	}
	return d, nil
}

func (d *Definition) Name() string { return d.name }

// Table describes the resource's relational table.
func (d *Definition) Table() *sqlq.Table { return d.table }

// Filters lists the filters a request may apply.
func (d *Definition) Filters() *filters.Registry { return d.filters }

func (d *Definition) SearchColumns() []predicate.Column { return d.columns }

// UsesIndex reports whether an engine is attached.
func (d *Definition) UsesIndex() bool { return d.engine != nil }

// Engine returns the attached engine, or nil.
func (d *Definition) Engine() *index.Engine { return d.engine }

// NewQuery starts a relational query over the resource with its eager loads.
func (d *Definition) NewQuery(db sqlq.Executor, dialect sqlq.Dialect) *sqlq.Query {
	q := sqlq.New(db, dialect, d.table)
	if len(d.with) > 0 {
		q.With(d.with...)
	}
	return q
}

func (d *Definition) NewIndexQuery(_ context.Context, term string, hydrate *sqlq.Query) (query.IndexQuery, error) {
	if d.engine == nil {
		return nil, fmt.Errorf("resource %s has no search index", d.name)
	}
	return index.NewQuery(d.engine, term, hydrate), nil
}

// ApplyConstraints adds the configured equality constraints in column order.
func (d *Definition) ApplyConstraints(q *sqlq.Query) {
	columns := make([]string, 0, len(d.where))
	for column := range d.where {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		q.Where(column, "=", d.where[column])
	}
}

// DefaultOrder applies the configured ordering, newest key first otherwise.
func (d *Definition) DefaultOrder(q *sqlq.Query) {
	if len(d.defaultOrder) > 0 {
		d.defaultOrder.Apply(q)
		return
	}
	q.OrderBy(d.table.Key, "desc")
}

// document projects a row onto the configured index fields.
func (d *Definition) document(row sqlq.Row) index.Document {
	fields := make(map[string]any, len(d.index.Fields))
	for name := range d.index.Fields {
		if v, ok := row[name]; ok && v != nil {
			fields[name] = v
		}
	}
	return index.Document{Key: sqlq.KeyString(row[d.table.Key]), Fields: fields}
}

func (d *Definition) indexRequest() index.CreateRequest {
	name := d.index.Name
	if name == "" {
		name = d.name
	}
	fields := make(map[string]index.FieldDefinition, len(d.index.Fields))
	for column, fc := range d.index.Fields {
		fields[column] = index.FieldDefinition{Type: index.FieldType(fc.Type), Weight: fc.Weight, FilterOnly: fc.FilterOnly}
	}
	return index.CreateRequest{Name: name, Fields: fields, Tokenizer: d.index.Tokenizer}
}
