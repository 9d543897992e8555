package query

import (
	"context"
	"errors"
	"strings"

	"panelquery/internal/predicate"
	"panelquery/internal/sqlq"
)

var (
	// ErrAlreadyBound is the panic value when a coordinator is given a second
	// ground-truth query.
	ErrAlreadyBound = errors.New("query: coordinator already bound to a query")
	// ErrNotBound is the panic value when a terminal operation runs before
	// WhereKey or Search.
	ErrNotBound = errors.New("query: coordinator has no query")
)

// Callback is a deferred mutation of a relational query.
type Callback func(*sqlq.Query)

// IndexQuery is the search-index query object the coordinator can route
// reads through instead of the relational store.
type IndexQuery interface {
	ID() uint64
	Constrain(fn func(*sqlq.Query))
	Take(n int)
	Where(field string, value any)
	WhereKeyIn(keys []any)
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context) ([]sqlq.Row, error)
	Lazy(ctx context.Context, chunk int) (sqlq.RowIterator, error)
	Count(ctx context.Context) (int, error)
	Paginate(ctx context.Context, perPage, page int) (sqlq.Page, error)
	PreservesOrder() bool
}

// Resource describes the resource type a coordinator lists.
type Resource interface {
	Name() string
	// UsesIndex reports whether free-text search goes to a search index.
	UsesIndex() bool
	// NewIndexQuery builds an index query for term that hydrates through
	// hydrate.
	NewIndexQuery(ctx context.Context, term string, hydrate *sqlq.Query) (IndexQuery, error)
	// ApplyConstraints adds the resource's default constraints.
	ApplyConstraints(q *sqlq.Query)
	// DefaultOrder orders q when the caller asked for nothing else.
	DefaultOrder(q *sqlq.Query)
	SearchColumns() []predicate.Column
}

// Via scopes a listing to the records attached to a parent through Relation,
// which is declared on the parent's table.
type Via struct {
	Relation  *sqlq.Relation
	ParentKey any
}

// Request carries the per-request context a search needs beyond its term.
type Request struct {
	Via *Via
}

// TrashedStatus selects how soft-deleted rows are treated.
type TrashedStatus int

const (
	TrashedDefault TrashedStatus = iota
	WithTrashed
	OnlyTrashed
)

// ParseTrashed accepts "with" and "only" (and their long forms); anything
// else is the default.
func ParseTrashed(raw string) TrashedStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "with", "with_trashed", "withtrashed":
		return WithTrashed
	case "only", "only_trashed", "onlytrashed":
		return OnlyTrashed
	default:
		return TrashedDefault
	}
}

func (s TrashedStatus) String() string {
	switch s {
	case WithTrashed:
		return "with"
	case OnlyTrashed:
		return "only"
	default:
		return "default"
	}
}

// Apply adds the soft-delete constraint for s to q.
func (s TrashedStatus) Apply(q *sqlq.Query) {
	switch s {
	case WithTrashed:
		q.WithTrashed()
	case OnlyTrashed:
		q.OnlyTrashed()
	default:
		q.WithoutTrashed()
	}
}

// Ordering is one ORDER BY term.
type Ordering struct {
	Column    string
	Direction string
}

// Orderings are applied in slice order, so earlier entries take precedence.
type Orderings []Ordering

// ParseOrderings reads "name:asc,id:desc". A missing direction means asc, an
// unknown one drops the entry, and a repeated column keeps its first position
// with the last direction given.
func ParseOrderings(raw string) Orderings {
	var out Orderings
	positions := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		column, direction, _ := strings.Cut(strings.TrimSpace(part), ":")
		column = strings.TrimSpace(column)
		direction = strings.ToLower(strings.TrimSpace(direction))
		if column == "" {
			continue
		}
		switch direction {
		case "":
			direction = "asc"
		case "asc", "desc":
		default:
			continue
		}
		if idx, ok := positions[column]; ok {
			out[idx].Direction = direction
			continue
		}
		positions[column] = len(out)
		out = append(out, Ordering{Column: column, Direction: direction})
	}
	return out
}

// Apply orders q by every entry.
func (o Orderings) Apply(q *sqlq.Query) {
	for _, ordering := range o {
		q.OrderBy(ordering.Column, ordering.Direction)
	}
}

// Strategy names the backend a search was routed to.
type Strategy string

const (
	StrategyRelational Strategy = "relational"
	StrategyIndex      Strategy = "index"
)

// Observer receives coordinator decisions, typically for metrics.
type Observer interface {
	StrategySelected(ctx context.Context, resource string, strategy Strategy)
	Reconciled(ctx context.Context, resource string, requeried bool)
}
