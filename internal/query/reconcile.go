package query

import (
	"context"
	"fmt"
	"time"

	"panelquery/internal/sqlq"
)

// reconcile pages an index-backed request. When the callbacks leave the
// compiled statement unchanged, the index's own page is trusted. Otherwise
// the ranked keys are re-resolved against the relational store so that
// constraints the index never saw are honoured.
func (c *Coordinator) reconcile(ctx context.Context, perPage, page int) (sqlq.Page, error) {
	start := time.Now()

	base := c.pristine
	if base == nil {
		base = c.original.Clone()
	}
	before, beforeArgs, err := base.ToSQL()
	if err != nil {
		return sqlq.Page{}, fmt.Errorf("compile %s query: %w", c.resource.Name(), err)
	}

	constrained := c.applyTo(base.Clone())
	after, afterArgs, err := constrained.ToSQL()
	if err != nil {
		return sqlq.Page{}, fmt.Errorf("compile constrained %s query: %w", c.resource.Name(), err)
	}

	if before == after && sameArgs(beforeArgs, afterArgs) {
		if err := c.applyToIndex(ctx); err != nil {
			return sqlq.Page{}, err
		}
		result, err := c.index.Paginate(ctx, perPage, page)
		if err != nil {
			return sqlq.Page{}, err
		}
		c.reconciled(ctx, false, start)
		return result, nil
	}

	if err := c.applyIndexCallbacks(ctx); err != nil {
		return sqlq.Page{}, err
	}
	keys, err := c.index.Keys(ctx)
	if err != nil {
		return sqlq.Page{}, err
	}

	values := constrained.Table().KeyValues(keys)
	constrained.WhereKeyIn(values)
	if !c.index.PreservesOrder() {
		constrained.OrderByKeyPosition(values)
	}
	result, err := constrained.Paginate(ctx, perPage, page)
	if err != nil {
		return sqlq.Page{}, err
	}
	c.reconciled(ctx, true, start)
	return result, nil
}

func (c *Coordinator) reconciled(ctx context.Context, requeried bool, start time.Time) {
	if c.observer != nil {
		c.observer.Reconciled(ctx, c.resource.Name(), requeried)
	}
	c.logger.DebugContext(ctx, "index page reconciled", "resource", c.resource.Name(), "requeried", requeried, "duration_ms", time.Since(start).Milliseconds())
}

// sameArgs compares bound parameters by their printed form.
func sameArgs(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fmt.Sprint(a[i]) != fmt.Sprint(b[i]) {
			return false
		}
	}
	return true
}
