package view

import (
	"sort"
	"strings"
)

// Predicate selects items for a view.
type Predicate[T any] func(T) bool

// Filter is the derivation applied to the authoritative collection: role scope, free text search, then
// named extra predicates such as a document type filter.
type Filter[T any] struct {
	Scope  Predicate[T]
	Query  string
	Fields func(T) []string
	Extra  map[string]Predicate[T]
}

// Searching reports whether a free text query is set.
func (f Filter[T]) Searching() bool {
	return strings.TrimSpace(f.Query) != ""
}

// Active reports whether a query or an extra predicate narrows the view. Scope alone does not.
func (f Filter[T]) Active() bool {
	return f.Searching() || len(f.Extra) > 0
}

// Match applies scope, search and extra predicates in order.
func (f Filter[T]) Match(item T) bool {
	if f.Scope != nil && !f.Scope(item) {
		return false
	}
	if f.Searching() {
		if f.Fields == nil || !Matches(f.Query, f.Fields(item)...) {
			return false
		}
	}
	for _, pred := range f.Extra {
		if !pred(item) {
			return false
		}
	}
	return true
}

// withExtra returns a copy of f with name bound to pred, or removed when pred is nil.
func (f Filter[T]) withExtra(name string, pred Predicate[T]) Filter[T] {
	extra := make(map[string]Predicate[T], len(f.Extra)+1)
	for k, v := range f.Extra {
		extra[k] = v
	}
	if pred == nil {
		delete(extra, name)
	} else {
		extra[name] = pred
	}
	if len(extra) == 0 {
		extra = nil
	}
	f.Extra = extra
	return f
}

// Result is a derived view: the filtered sequence and its paginated window.
type Result[T any] struct {
	Filtered []T
	Window   []T
	HasMore  bool
}

// Recompute derives the filtered sequence and the window of page pages from all.
// all must already be in display order; Recompute keeps that order.
func Recompute[T any](all []T, filter Filter[T], page, pageSize int) Result[T] {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	filtered := make([]T, 0, len(all))
	for _, item := range all {
		if filter.Match(item) {
			filtered = append(filtered, item)
		}
	}
	size := windowSize(page, pageSize, len(filtered))
	return Result[T]{
		Filtered: filtered,
		Window:   filtered[:size:size],
		HasMore:  size < len(filtered),
	}
}

func windowSize(page, pageSize, total int) int {
	size := page * pageSize
	if size > total {
		return total
	}
	return size
}

// NewestFirst orders by creation time descending, breaking ties by id ascending.
func NewestFirst[T any](id func(T) string, createdAt func(T) int64) Order[T] {
	return func(a, b T) bool {
		ca, cb := createdAt(a), createdAt(b)
		if ca != cb {
			return ca > cb
		}
		return id(a) < id(b)
	}
}

// SortNewestFirst sorts items in NewestFirst order.
func SortNewestFirst[T any](items []T, id func(T) string, createdAt func(T) int64) {
	before := NewestFirst(id, createdAt)
	sort.SliceStable(items, func(i, j int) bool { return before(items[i], items[j]) })
}
