package filters

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"panelquery/internal/predicate"
	"panelquery/internal/sqlq"
)

// Kind selects how a ColumnFilter interprets its value.
type Kind string

const (
	KindSelect  Kind = "select"
	KindBoolean Kind = "boolean"
	KindText    Kind = "text"
	KindDate    Kind = "date"
	KindNumber  Kind = "number"
)

// ParseKind validates a configured filter kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindSelect, KindBoolean, KindText, KindDate, KindNumber:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported filter kind '%s'", raw)
	}
}

// ColumnFilter filters on a single column. Its key is "<Name>:<column>",
// where Name defaults to the kind, e.g. "SelectField:status".
type ColumnFilter struct {
	Name   string
	Column string
	Kind   Kind
}

func (f ColumnFilter) Key() string {
	name := f.Name
	if name == "" {
		kind := string(f.Kind)
		if kind == "" {
			kind = string(KindSelect)
		}
		name = strings.ToUpper(kind[:1]) + kind[1:] + "Field"
	}
	return name + ":" + f.Column
}

func (f ColumnFilter) Apply(_ context.Context, q *sqlq.Query, value any) *sqlq.Query {
	switch f.Kind {
	case KindBoolean:
		return f.applyBoolean(q, value)
	case KindText:
		return predicate.Apply(q, predicate.Plain(f.Column), fmt.Sprint(value), sqlq.And)
	case KindDate:
		return f.applyDate(q, value)
	case KindNumber:
		return f.applyNumber(q, value)
	default:
		if list, ok := asList(value); ok {
			return q.WhereIn(f.Column, list)
		}
		return q.Where(f.Column, "=", value)
	}
}

// applyBoolean accepts a plain bool, or a map of option to checked state in
// which case rows matching any checked option are kept.
func (f ColumnFilter) applyBoolean(q *sqlq.Query, value any) *sqlq.Query {
	switch v := value.(type) {
	case bool:
		return q.Where(f.Column, "=", v)
	case map[string]any:
		var options []any
		for option, checked := range v {
			if on, ok := checked.(bool); ok && on {
				options = append(options, option)
			}
		}
		if len(options) == 0 {
			return q
		}
		sortAny(options)
		return q.WhereIn(f.Column, options)
	default:
		return q.Where(f.Column, "=", value)
	}
}

// applyDate accepts a single day or a [from, to] pair with optional ends.
func (f ColumnFilter) applyDate(q *sqlq.Query, value any) *sqlq.Query {
	day := "DATE(" + q.Qualify(f.Column) + ")"
	if list, ok := asList(value); ok {
		if from := bound(list, 0); from != nil {
			q.WhereRaw(day+" >= ?", from)
		}
		if to := bound(list, 1); to != nil {
			q.WhereRaw(day+" <= ?", to)
		}
		return q
	}
	return q.WhereRaw(day+" = ?", value)
}

// applyNumber accepts a single number or a [min, max] pair with optional ends.
func (f ColumnFilter) applyNumber(q *sqlq.Query, value any) *sqlq.Query {
	if list, ok := asList(value); ok {
		if lo := bound(list, 0); lo != nil {
			q.Where(f.Column, ">=", numeric(lo))
		}
		if hi := bound(list, 1); hi != nil {
			q.Where(f.Column, "<=", numeric(hi))
		}
		return q
	}
	return q.Where(f.Column, "=", numeric(value))
}

// Func adapts a function into a Definition with an explicit key.
type Func struct {
	Name string
	Fn   func(ctx context.Context, q *sqlq.Query, value any) *sqlq.Query
}

func (f Func) Key() string { return f.Name }

func (f Func) Apply(ctx context.Context, q *sqlq.Query, value any) *sqlq.Query {
	return f.Fn(ctx, q, value)
}

func asList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		return list, true
	default:
		return nil, false
	}
}

func bound(list []any, idx int) any {
	if idx >= len(list) || isEmpty(list[idx]) {
		return nil
	}
	return list[idx]
}

func numeric(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return value
}

func sortAny(values []any) {
	sort.Slice(values, func(i, j int) bool {
		return fmt.Sprint(values[i]) < fmt.Sprint(values[j])
	})
}
