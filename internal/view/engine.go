package view

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the lifecycle of an engine.
type State int

const (
	StateCold State = iota
	StateCached
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateCached:
		return "cached"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultPageSize is used when the configuration leaves it unset.
const DefaultPageSize = 10

// Ticket identifies a pending optimistic op. The zero ticket refers to nothing.
type Ticket uint64

// PageHook runs before a LoadMore commits, outside the engine lock.
type PageHook func(ctx context.Context, nextPage int) error

// Config wires an engine to its item type.
type Config[T any] struct {
	Name      string
	PageSize  int
	ID        func(T) string
	CreatedAt func(T) int64
	// Fields lists the searchable text of an item.
	Fields   func(T) []string
	Scope    Predicate[T]
	PageHook PageHook
	// OnChange receives the new page after every state change. It runs outside the lock.
	OnChange func(Page[T])
	Logger   *zap.Logger
}

// Page is a consistent read of an engine.
type Page[T any] struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Items    []T    `json:"items"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Total    int    `json:"total"`
	HasMore  bool   `json:"hasMore"`
	Query    string `json:"query,omitempty"`
	Loading  bool   `json:"loading"`
	Pending  int    `json:"pending"`
}

// Engine maintains a filtered, paginated projection of a live collection and reconciles optimistic ops
// against wholesale snapshots. All methods are safe for concurrent use.
type Engine[T any] struct {
	mu     sync.Mutex
	cfg    Config[T]
	logger *zap.Logger

	state      State
	filter     Filter[T]
	page       int
	frame      Frame[T]
	loading    bool
	generation uint64

	nextTicket Ticket
	pending    map[Ticket]Op[T]
	lastErr    error
}

// New builds a cold engine. ID and CreatedAt are required.
func New[T any](cfg Config[T]) *Engine[T] {
	if cfg.ID == nil || cfg.CreatedAt == nil {
		panic("view: Config.ID and Config.CreatedAt are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine[T]{
		cfg:     cfg,
		logger:  logger.With(zap.String("view", cfg.Name)),
		state:   StateCold,
		filter:  Filter[T]{Scope: cfg.Scope, Fields: cfg.Fields},
		page:    1,
		pending: make(map[Ticket]Op[T]),
	}
}

// Seed installs a cached collection. It only applies while the engine is cold.
func (e *Engine[T]) Seed(items []T) bool {
	return e.update(func() bool {
		if e.state != StateCold {
			return false
		}
		e.state = StateCached
		e.page = 1
		e.generation++
		e.replaceAllLocked(items)
		return true
	})
}

// ApplySnapshot replaces the collection wholesale. The first live snapshot resets to page 1; later ones
// keep the loaded page count. It reports whether this was the first live snapshot.
func (e *Engine[T]) ApplySnapshot(items []T) (first bool) {
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		if e.state != StateLive {
			first = true
			e.state = StateLive
			e.page = 1
			e.generation++
		}
		e.replaceAllLocked(items)
		return true
	})
	return first
}

// SetQuery changes the free text search and resets to page 1.
func (e *Engine[T]) SetQuery(query string) {
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		e.filter.Query = query
		e.resetLocked()
		return true
	})
}

// ClearSearch drops the free text search and returns to the unfiltered first page.
func (e *Engine[T]) ClearSearch() {
	e.SetQuery("")
}

// SetScope changes the role scope and resets to page 1.
func (e *Engine[T]) SetScope(scope Predicate[T]) {
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		e.filter.Scope = scope
		e.resetLocked()
		return true
	})
}

// SetPredicate binds a named extra predicate, or removes it when pred is nil, and resets to page 1.
func (e *Engine[T]) SetPredicate(name string, pred Predicate[T]) {
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		e.filter = e.filter.withExtra(name, pred)
		e.resetLocked()
		return true
	})
}

// Refresh re-derives page 1 from the latest collection.
func (e *Engine[T]) Refresh() {
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		e.resetLocked()
		return true
	})
}

// LoadMore appends the next page. It is a no-op while a load is in flight, when nothing remains or
// while a search or extra predicate is active. A load overtaken by a filter change is discarded.
func (e *Engine[T]) LoadMore(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.state == StateClosed || e.loading || !e.frame.HasMore() || e.filter.Active() {
		e.mu.Unlock()
		return false, nil
	}
	e.loading = true
	generation := e.generation
	next := e.page + 1
	hook := e.cfg.PageHook
	e.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(ctx, next)
	}

	loaded := false
	e.update(func() bool {
		e.loading = false
		if hookErr != nil || e.state == StateClosed || generation != e.generation {
			return false
		}
		e.page = next
		e.frame.Size = windowSize(next, e.cfg.PageSize, len(e.frame.Filtered))
		loaded = true
		return true
	})
	if hookErr != nil {
		return false, hookErr
	}
	if !loaded {
		e.logger.Debug("load more discarded", zap.Int("page", next))
	}
	return loaded, nil
}

// Optimistic applies op and records its inverse. It returns the zero ticket when op did not apply.
// Inserted or replaced items are placed in the window only when they pass the current filter.
func (e *Engine[T]) Optimistic(op Op[T]) Ticket {
	var ticket Ticket
	e.update(func() bool {
		if e.state == StateClosed {
			return false
		}
		next, inverse := applyOp(e.frame, op, e.cfg.ID, e.filter.Match, e.order())
		if inverse.Kind == OpNone {
			return false
		}
		e.frame = next
		e.nextTicket++
		ticket = e.nextTicket
		e.pending[ticket] = inverse
		return true
	})
	return ticket
}

// Commit forgets the inverse of a confirmed op.
func (e *Engine[T]) Commit(ticket Ticket) {
	e.mu.Lock()
	delete(e.pending, ticket)
	e.mu.Unlock()
}

// Rollback undoes a pending op. Ops superseded by a snapshot or a reset are no longer pending and
// rolling them back does nothing.
func (e *Engine[T]) Rollback(ticket Ticket) bool {
	rolledBack := false
	e.update(func() bool {
		inverse, ok := e.pending[ticket]
		if !ok || e.state == StateClosed {
			return false
		}
		delete(e.pending, ticket)
		e.frame, _ = applyOp(e.frame, inverse, e.cfg.ID, nil, e.order())
		rolledBack = true
		return true
	})
	return rolledBack
}

func (e *Engine[T]) order() Order[T] {
	return NewestFirst(e.cfg.ID, e.cfg.CreatedAt)
}

// Close detaches the engine. Every later mutating call is a no-op.
func (e *Engine[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return
	}
	e.state = StateClosed
	e.generation++
	e.pending = make(map[Ticket]Op[T])
}

// SetError records a non-fatal collection level error.
func (e *Engine[T]) SetError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// LastError returns the last recorded error.
func (e *Engine[T]) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ClearError forgets the last recorded error.
func (e *Engine[T]) ClearError() {
	e.SetError(nil)
}

// Snapshot returns a consistent copy of the current page.
func (e *Engine[T]) Snapshot() Page[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Window returns a copy of the visible items.
func (e *Engine[T]) Window() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.frame.Window())
}

// All returns a copy of the authoritative collection, including optimistic patches.
func (e *Engine[T]) All() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.frame.All)
}

// Filtered returns a copy of the full filtered sequence.
func (e *Engine[T]) Filtered() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.frame.Filtered)
}

// Find looks an item up by id in the collection.
func (e *Engine[T]) Find(id string) (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := indexOf(e.frame.All, id, e.cfg.ID); i >= 0 {
		return e.frame.All[i], true
	}
	var zero T
	return zero, false
}

// State returns the lifecycle state.
func (e *Engine[T]) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HasMore reports whether LoadMore could reveal more items.
func (e *Engine[T]) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame.HasMore()
}

// PendingCount returns the number of unresolved optimistic ops.
func (e *Engine[T]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine[T]) update(fn func() bool) bool {
	e.mu.Lock()
	changed := fn()
	notify := e.cfg.OnChange
	var page Page[T]
	if changed && notify != nil {
		page = e.snapshotLocked()
	}
	e.mu.Unlock()
	if changed && notify != nil {
		notify(page)
	}
	return changed
}

func (e *Engine[T]) replaceAllLocked(items []T) {
	all := clone(items)
	SortNewestFirst(all, e.cfg.ID, e.cfg.CreatedAt)
	e.frame.All = all
	e.recomputeLocked()
}

func (e *Engine[T]) resetLocked() {
	e.page = 1
	e.generation++
	e.recomputeLocked()
}

// recomputeLocked rebuilds the frame from the collection and drops every pending op.
func (e *Engine[T]) recomputeLocked() {
	result := Recompute(e.frame.All, e.filter, e.page, e.cfg.PageSize)
	e.frame.Filtered = result.Filtered
	e.frame.Size = len(result.Window)
	if len(e.pending) > 0 {
		e.logger.Debug("pending ops superseded", zap.Int("count", len(e.pending)))
		e.pending = make(map[Ticket]Op[T])
	}
}

func (e *Engine[T]) snapshotLocked() Page[T] {
	return Page[T]{
		Name:     e.cfg.Name,
		State:    e.state.String(),
		Items:    clone(e.frame.Window()),
		Page:     e.page,
		PageSize: e.cfg.PageSize,
		Total:    len(e.frame.Filtered),
		HasMore:  e.frame.HasMore(),
		Query:    e.filter.Query,
		Loading:  e.loading,
		Pending:  len(e.pending),
	}
}

func clone[T any](items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	return out
}
