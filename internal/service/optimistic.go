package service

import (
	"context"
	"strings"

	"github.com/noah-isme/classroom-sync/internal/view"
)

type pendingOp[T any] struct {
	engine *view.Engine[T]
	ticket view.Ticket
}

// pendingSet tracks one optimistic op applied across several engines.
type pendingSet[T any] []pendingOp[T]

func applyAll[T any](engines []*view.Engine[T], op view.Op[T]) pendingSet[T] {
	set := make(pendingSet[T], 0, len(engines))
	for _, e := range engines {
		if ticket := e.Optimistic(op); ticket != 0 {
			set = append(set, pendingOp[T]{engine: e, ticket: ticket})
		}
	}
	return set
}

func (p pendingSet[T]) commit() {
	for _, op := range p {
		op.engine.Commit(op.ticket)
	}
}

// rollback undoes the ops still pending and reports how many were undone.
func (p pendingSet[T]) rollback() int {
	undone := 0
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].engine.Rollback(p[i].ticket) {
			undone++
		}
	}
	return undone
}

// browse positions e on the requested query and page. Pages are cumulative: page n shows pages 1..n.
func browse[T any](ctx context.Context, e *view.Engine[T], query string, page int) (view.Page[T], error) {
	query = strings.TrimSpace(query)
	if page < 1 {
		page = 1
	}
	current := e.Snapshot()
	if query != current.Query {
		e.SetQuery(query)
		current = e.Snapshot()
	}
	if page < current.Page {
		e.Refresh()
		current = e.Snapshot()
	}
	for current.Page < page {
		loaded, err := e.LoadMore(ctx)
		if err != nil {
			return view.Page[T]{}, err
		}
		if !loaded {
			break
		}
		current = e.Snapshot()
	}
	return current, nil
}
