// Package query coordinates one listing request across the relational store
// and an optional search index. Deferred callbacks collected while the
// request is described are applied exactly once to every underlying query
// object before it executes.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"panelquery/internal/filters"
	"panelquery/internal/predicate"
	"panelquery/internal/sqlq"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver reports strategy and reconciliation decisions to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

type indexCallback func(ctx context.Context, iq IndexQuery) error

// Coordinator serves a single listing request. It is not safe for
// concurrent use and must not be reused across requests.
type Coordinator struct {
	resource Resource
	logger   *slog.Logger
	observer Observer

	original *sqlq.Query
	pristine *sqlq.Query
	index    IndexQuery

	callbacks      []Callback
	indexCallbacks []indexCallback
	applied        map[uint64]bool
}

// New returns an unbound coordinator for resource.
func New(resource Resource, opts ...Option) *Coordinator {
	c := &Coordinator{
		resource: resource,
		logger:   slog.Default(),
		applied:  make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) bind(q *sqlq.Query) {
	if c.original != nil {
		panic(ErrAlreadyBound)
	}
	c.original = q
}

func (c *Coordinator) mustBeBound() {
	if c.original == nil {
		panic(ErrNotBound)
	}
}

// WhereKey binds q and restricts it to the record identified by key.
func (c *Coordinator) WhereKey(q *sqlq.Query, key any) *Coordinator {
	c.bind(q)
	q.WhereKey(key)
	c.pristine = q.Clone()
	return c
}

// Search binds q and describes the listing. A nil or blank term means no
// search. The search index serves the request only when the resource is
// index-backed and a term is present.
func (c *Coordinator) Search(ctx context.Context, req Request, q *sqlq.Query, term *string, applied []filters.ApplyFilter, orderings Orderings, trashed TrashedStatus) (*Coordinator, error) {
	c.bind(q)

	search := ""
	if term != nil {
		search = strings.TrimSpace(*term)
	}

	useIndex := c.resource.UsesIndex() && search != ""
	if useIndex {
		iq, err := c.resource.NewIndexQuery(ctx, search, q.Clone())
		if err != nil {
			return c, fmt.Errorf("build index query for %s: %w", c.resource.Name(), err)
		}
		c.index = iq
		search = ""
		if req.Via != nil {
			c.indexCallbacks = append(c.indexCallbacks, viaIndexCallback(q, req.Via))
		}
	}
	if req.Via != nil {
		via := req.Via
		c.callbacks = append(c.callbacks, func(b *sqlq.Query) { b.WhereAttachedTo(via.Relation, via.ParentKey) })
	}

	strategy := StrategyRelational
	if useIndex {
		strategy = StrategyIndex
	}
	if c.observer != nil {
		c.observer.StrategySelected(ctx, c.resource.Name(), strategy)
	}
	c.logger.DebugContext(ctx, "search strategy selected", "resource", c.resource.Name(), "strategy", strategy, "filters", len(applied), "orderings", len(orderings), "trashed", trashed.String())

	c.callbacks = append(c.callbacks, c.resource.ApplyConstraints, trashed.Apply)
	if search != "" {
		columns := c.resource.SearchColumns()
		c.callbacks = append(c.callbacks, func(b *sqlq.Query) { predicate.ApplyAll(b, columns, search) })
	}
	for _, filter := range applied {
		filter := filter
		c.callbacks = append(c.callbacks, func(b *sqlq.Query) { filter.Apply(ctx, b) })
	}
	if len(orderings) > 0 {
		c.callbacks = append(c.callbacks, orderings.Apply)
	}
	if search == "" && len(orderings) == 0 && !useIndex {
		c.callbacks = append(c.callbacks, c.resource.DefaultOrder)
	}

	c.pristine = q.Clone()
	return c, nil
}

// viaIndexCallback narrows the index query to records reachable from the
// parent through via.
func viaIndexCallback(base *sqlq.Query, via *Via) indexCallback {
	rel := via.Relation
	return func(ctx context.Context, iq IndexQuery) error {
		switch rel.Kind {
		case sqlq.HasMany, sqlq.HasOne:
			iq.Where(rel.ForeignKey, via.ParentKey)
			return nil
		case sqlq.ManyToMany:
			pivot := sqlq.New(base.Executor(), base.Dialect(), sqlq.NewTable(rel.Pivot)).
				Where(rel.PivotParentKey, "=", via.ParentKey)
			keys, err := pivot.Pluck(ctx, rel.PivotRelatedKey)
			if err != nil {
				return fmt.Errorf("resolve %s keys: %w", rel.Name, err)
			}
			iq.WhereKeyIn(keys)
			return nil
		default:
			return fmt.Errorf("%w: index listing through %s relation %s", sqlq.ErrUnsupported, rel.Kind, rel.Name)
		}
	}
}

// Take caps the result size on whichever query is active.
func (c *Coordinator) Take(n int) *Coordinator {
	c.mustBeBound()
	if c.index != nil {
		c.index.Take(n)
		return c
	}
	c.original.Limit(n)
	return c
}

// Limit defers a LIMIT to the relational query, even when the index serves
// the request.
func (c *Coordinator) Limit(n int) *Coordinator {
	c.callbacks = append(c.callbacks, func(b *sqlq.Query) { b.Limit(n) })
	return c
}

// UsesIndex reports whether the search index is the active query.
func (c *Coordinator) UsesIndex() bool { return c.index != nil }

// applyTo runs the callbacks against q unless q already received them.
func (c *Coordinator) applyTo(q *sqlq.Query) *sqlq.Query {
	if c.applied[q.ID()] {
		return q
	}
	c.applied[q.ID()] = true
	for _, cb := range c.callbacks {
		cb(q)
	}
	return q
}

// applyToIndex hands the callbacks to the index query, which runs them
// against each relational query it hydrates through.
func (c *Coordinator) applyToIndex(ctx context.Context) error {
	if c.applied[c.index.ID()] {
		return nil
	}
	if err := c.applyIndexCallbacks(ctx); err != nil {
		return err
	}
	c.applied[c.index.ID()] = true

	callbacks := append([]Callback(nil), c.callbacks...)
	c.index.Constrain(func(b *sqlq.Query) {
		for _, cb := range callbacks {
			cb(b)
		}
	})
	return nil
}

func (c *Coordinator) applyIndexCallbacks(ctx context.Context) error {
	// A failed callback stays queued so later reads fail the same way.
	for len(c.indexCallbacks) > 0 {
		if err := c.indexCallbacks[0](ctx, c.index); err != nil {
			return err
		}
		c.indexCallbacks = c.indexCallbacks[1:]
	}
	return nil
}

// Get runs the active query and returns every row.
func (c *Coordinator) Get(ctx context.Context) ([]sqlq.Row, error) {
	c.mustBeBound()
	if c.index != nil {
		if err := c.applyToIndex(ctx); err != nil {
			return nil, err
		}
		return c.index.Get(ctx)
	}
	return c.applyTo(c.original).Get(ctx)
}

// Lazy iterates the active query chunk rows at a time.
func (c *Coordinator) Lazy(ctx context.Context, chunk int) (sqlq.RowIterator, error) {
	c.mustBeBound()
	if c.index != nil {
		if err := c.applyToIndex(ctx); err != nil {
			return nil, err
		}
		return c.index.Lazy(ctx, chunk)
	}
	return c.applyTo(c.original).Lazy(ctx, chunk)
}

// Cursor streams the relational query. Eager loads and index-backed
// requests cannot stream, so those are read in full first.
func (c *Coordinator) Cursor(ctx context.Context) (sqlq.RowIterator, error) {
	c.mustBeBound()
	if c.index != nil || len(c.original.EagerLoads()) > 0 {
		rows, err := c.Get(ctx)
		if err != nil {
			return nil, err
		}
		return sqlq.NewSliceIterator(rows), nil
	}
	return c.applyTo(c.original).Cursor(ctx)
}

// Count counts the rows the active query matches.
func (c *Coordinator) Count(ctx context.Context) (int, error) {
	c.mustBeBound()
	if c.index != nil {
		if err := c.applyToIndex(ctx); err != nil {
			return 0, err
		}
		return c.index.Count(ctx)
	}
	return c.applyTo(c.original).Count(ctx)
}

// Paginate returns one page, the total, and whether that total is exact.
// Index-backed totals are never reported as exact.
func (c *Coordinator) Paginate(ctx context.Context, perPage, page int) (sqlq.Page, int, bool, error) {
	c.mustBeBound()
	if c.index != nil {
		result, err := c.reconcile(ctx, perPage, page)
		if err != nil {
			return sqlq.Page{}, 0, false, err
		}
		return result, result.Total, false, nil
	}

	result, err := c.applyTo(c.original).Paginate(ctx, perPage, page)
	if err != nil {
		return sqlq.Page{}, 0, false, err
	}
	return result, result.Total, true, nil
}

// ToBase returns the ground-truth relational query with the callbacks
// applied, whichever query served earlier reads.
func (c *Coordinator) ToBase() *sqlq.Query {
	c.mustBeBound()
	return c.applyTo(c.original)
}

// ToBaseQueryBuilder is ToBase without eager loads, for callers that compose
// the statement further.
func (c *Coordinator) ToBaseQueryBuilder() *sqlq.Query {
	return c.ToBase().Clone().WithoutEager()
}
