package view

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID        string
	CreatedAt int64
	Owner     string
	Title     string
	Kind      string
}

func newEngine(pageSize int, mutate ...func(*Config[item])) *Engine[item] {
	cfg := Config[item]{
		Name:      "test",
		PageSize:  pageSize,
		ID:        func(i item) string { return i.ID },
		CreatedAt: func(i item) int64 { return i.CreatedAt },
		Fields:    func(i item) []string { return []string{i.Title, i.Owner} },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return New(cfg)
}

func ids(items []item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func series(n int) []item {
	items := make([]item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, item{ID: fmt.Sprintf("i%02d", i), CreatedAt: int64(1000 - i), Title: fmt.Sprintf("Item %d", i)})
	}
	return items
}

func assertPaginationInvariant(t *testing.T, e *Engine[item]) {
	t.Helper()
	page := e.Snapshot()
	filtered := e.Filtered()
	expected := page.Page * page.PageSize
	if expected > len(filtered) {
		expected = len(filtered)
	}
	assert.Len(t, page.Items, expected)
	assert.Equal(t, len(page.Items) < len(filtered), page.HasMore)
	assert.Equal(t, ids(filtered[:len(page.Items)]), ids(page.Items))
}

func TestThreeItemsPageSizeTwoScenario(t *testing.T) {
	e := newEngine(2)
	e.ApplySnapshot([]item{{ID: "3", CreatedAt: 100}, {ID: "1", CreatedAt: 300}, {ID: "2", CreatedAt: 200}})

	assert.Equal(t, []string{"1", "2"}, ids(e.Window()))
	assert.True(t, e.HasMore())

	loaded, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []string{"1", "2", "3"}, ids(e.Window()))
	assert.False(t, e.HasMore())

	loaded, err = e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestTeacherScopeScenario(t *testing.T) {
	e := newEngine(10, func(cfg *Config[item]) {
		cfg.Scope = func(i item) bool { return i.Owner == "T1" }
	})
	e.ApplySnapshot([]item{{ID: "A", Owner: "T1", CreatedAt: 1}, {ID: "B", Owner: "T2", CreatedAt: 2}})

	assert.Equal(t, []string{"A"}, ids(e.Window()))
	assert.Len(t, e.All(), 2)
}

func TestSnapshotsReplaceWholesale(t *testing.T) {
	e := newEngine(10)
	e.ApplySnapshot([]item{{ID: "a", CreatedAt: 1}, {ID: "b", CreatedAt: 2}})
	e.ApplySnapshot([]item{{ID: "c", CreatedAt: 3}})

	assert.Equal(t, []string{"c"}, ids(e.All()))
	assert.Equal(t, []string{"c"}, ids(e.Window()))

	e.ApplySnapshot(nil)
	assert.Empty(t, e.All())
	assert.Empty(t, e.Window())
	assert.False(t, e.HasMore())
}

func TestSortNewestFirstBreaksTiesByID(t *testing.T) {
	e := newEngine(10)
	e.ApplySnapshot([]item{{ID: "b", CreatedAt: 5}, {ID: "a", CreatedAt: 5}, {ID: "c", CreatedAt: 9}})
	assert.Equal(t, []string{"c", "a", "b"}, ids(e.Window()))
}

func TestPaginationInvariantHoldsAcrossLoads(t *testing.T) {
	for _, total := range []int{0, 1, 2, 3, 7, 10, 11, 25} {
		t.Run(fmt.Sprintf("total=%d", total), func(t *testing.T) {
			e := newEngine(3)
			e.ApplySnapshot(series(total))
			assertPaginationInvariant(t, e)
			for e.HasMore() {
				loaded, err := e.LoadMore(context.Background())
				require.NoError(t, err)
				require.True(t, loaded)
				assertPaginationInvariant(t, e)
			}
			assert.Len(t, e.Window(), total)
		})
	}

	t.Run("after optimistic remove", func(t *testing.T) {
		e := newEngine(2)
		e.ApplySnapshot(series(6))
		require.NotZero(t, e.Optimistic(Remove[item]("i00")))
		assert.Equal(t, []string{"i01"}, ids(e.Window()))

		loaded, err := e.LoadMore(context.Background())
		require.NoError(t, err)
		require.True(t, loaded)
		assertPaginationInvariant(t, e)
		assert.Equal(t, []string{"i01", "i02", "i03", "i04"}, ids(e.Window()))

		loaded, err = e.LoadMore(context.Background())
		require.NoError(t, err)
		require.True(t, loaded)
		assertPaginationInvariant(t, e)
		assert.False(t, e.HasMore())
	})
}

func TestLaterSnapshotKeepsPageCount(t *testing.T) {
	e := newEngine(2)
	e.ApplySnapshot(series(6))
	_, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, e.Snapshot().Page)

	next := series(7)
	e.ApplySnapshot(next)
	assert.Equal(t, 2, e.Snapshot().Page)
	assertPaginationInvariant(t, e)
	assert.True(t, e.HasMore())

	// removing items inside the window shrinks it and hasMore follows the truth
	e.ApplySnapshot(next[:3])
	assert.Equal(t, []string{"i00", "i01", "i02"}, ids(e.Window()))
	assert.False(t, e.HasMore())
}

func TestSeedThenFirstSnapshotResetsToFirstPage(t *testing.T) {
	e := newEngine(2)
	assert.Equal(t, StateCold, e.State())

	require.True(t, e.Seed(series(5)))
	assert.Equal(t, StateCached, e.State())
	_, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.Window(), 4)

	first := e.ApplySnapshot(series(3))
	assert.True(t, first)
	assert.Equal(t, StateLive, e.State())
	assert.Equal(t, 1, e.Snapshot().Page)
	assert.Len(t, e.Window(), 2)

	assert.False(t, e.Seed(series(9)), "cache must not override live data")
	assert.Len(t, e.All(), 3)
	assert.False(t, e.ApplySnapshot(series(3)))
}

func TestSetQueryResetsToFirstPage(t *testing.T) {
	e := newEngine(2)
	e.ApplySnapshot(series(8))
	for i := 0; i < 3; i++ {
		_, err := e.LoadMore(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 4, e.Snapshot().Page)

	e.SetQuery("item")
	page := e.Snapshot()
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, []string{"i00", "i01"}, ids(page.Items))

	loaded, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded, "pagination is disabled while searching")

	e.ClearSearch()
	page = e.Snapshot()
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, "", page.Query)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
}

func TestSearchIsDiacriticInsensitive(t *testing.T) {
	e := newEngine(10)
	e.ApplySnapshot([]item{
		{ID: "1", CreatedAt: 3, Title: "Đại số tuyến tính"},
		{ID: "2", CreatedAt: 2, Title: "Giải tích"},
		{ID: "3", CreatedAt: 1, Title: "Lập trình", Owner: "Thầy Dũng"},
	})

	e.SetQuery("dai SO")
	assert.Equal(t, []string{"1"}, ids(e.Window()))

	e.SetQuery("dung")
	assert.Equal(t, []string{"3"}, ids(e.Window()))

	e.SetQuery("hoá học")
	assert.Empty(t, e.Window())
	assert.False(t, e.HasMore())
}

func TestExtraPredicateFiltersAndResets(t *testing.T) {
	e := newEngine(2)
	items := series(6)
	for i := range items {
		if i%2 == 0 {
			items[i].Kind = "pdf"
		}
	}
	e.ApplySnapshot(items)
	_, err := e.LoadMore(context.Background())
	require.NoError(t, err)

	e.SetPredicate("type", func(i item) bool { return i.Kind == "pdf" })
	assert.Equal(t, []string{"i00", "i02"}, ids(e.Window()))
	assert.Equal(t, 1, e.Snapshot().Page)

	e.SetPredicate("type", nil)
	assert.Equal(t, []string{"i00", "i01"}, ids(e.Window()))
}

func TestJoinIsIdempotentForInsertHead(t *testing.T) {
	e := newEngine(10)
	e.ApplySnapshot(series(2))

	course := item{ID: "new", CreatedAt: 5}
	first := e.Optimistic(InsertHead(course))
	second := e.Optimistic(InsertHead(course))

	assert.NotZero(t, first)
	assert.Zero(t, second)
	assert.Equal(t, []string{"new", "i00", "i01"}, ids(e.Window()))
}

func TestRollbackRestoresWindowExactly(t *testing.T) {
	base := series(5)
	updated := base[1]
	updated.Title = "renamed"

	cases := map[string]Op[item]{
		"insert head":         InsertHead(item{ID: "fresh", CreatedAt: 2000}),
		"remove in window":    Remove[item]("i01"),
		"remove past window":  Remove[item]("i04"),
		"replace":             Replace(updated),
		"remove unknown noop": Remove[item]("missing"),
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEngine(3)
			e.ApplySnapshot(base)
			before := e.Snapshot()
			beforeFiltered := e.Filtered()
			beforeAll := e.All()

			ticket := e.Optimistic(op)
			if ticket != 0 {
				assert.NotEqual(t, beforeFiltered, e.Filtered())
			}
			e.Rollback(ticket)

			assert.Equal(t, before, e.Snapshot())
			assert.Equal(t, beforeFiltered, e.Filtered())
			assert.Equal(t, beforeAll, e.All())
		})
	}
}

func TestOverlappingRemovesRollBackToSortedPosition(t *testing.T) {
	e := newEngine(4)
	e.ApplySnapshot(series(4))

	second := e.Optimistic(Remove[item]("i01"))
	first := e.Optimistic(Remove[item]("i00"))
	require.NotZero(t, second)
	require.NotZero(t, first)
	assert.Equal(t, []string{"i02", "i03"}, ids(e.Window()))

	e.Commit(first)
	require.True(t, e.Rollback(second))

	assert.Equal(t, []string{"i01", "i02", "i03"}, ids(e.Window()))
	assert.Equal(t, []string{"i01", "i02", "i03"}, ids(e.All()))
	assertPaginationInvariant(t, e)
}

func TestCommitForgetsInverse(t *testing.T) {
	e := newEngine(3)
	e.ApplySnapshot(series(3))

	ticket := e.Optimistic(Remove[item]("i00"))
	require.Equal(t, 1, e.PendingCount())
	e.Commit(ticket)
	assert.Equal(t, 0, e.PendingCount())
	assert.False(t, e.Rollback(ticket))
	assert.Equal(t, []string{"i01", "i02"}, ids(e.Window()))
}

func TestSnapshotSupersedesPendingOps(t *testing.T) {
	e := newEngine(3)
	e.ApplySnapshot(series(3))

	ticket := e.Optimistic(Remove[item]("i00"))
	e.ApplySnapshot(series(2))

	assert.Equal(t, 0, e.PendingCount())
	assert.False(t, e.Rollback(ticket))
	assert.Equal(t, []string{"i00", "i01"}, ids(e.Window()))
}

func TestLoadMoreSkipsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	e := newEngine(2, func(cfg *Config[item]) {
		cfg.PageHook = func(ctx context.Context, next int) error {
			close(entered)
			<-release
			return nil
		}
	})
	e.ApplySnapshot(series(6))

	done := make(chan bool)
	go func() {
		loaded, _ := e.LoadMore(context.Background())
		done <- loaded
	}()
	<-entered

	loaded, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.True(t, e.Snapshot().Loading)

	close(release)
	select {
	case loaded := <-done:
		assert.True(t, loaded)
	case <-time.After(time.Second):
		t.Fatal("load more did not finish")
	}
	assert.Len(t, e.Window(), 4)
}

func TestLoadMoreDiscardedWhenFilterChanges(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	e := newEngine(2, func(cfg *Config[item]) {
		cfg.PageHook = func(ctx context.Context, next int) error {
			close(entered)
			<-release
			return nil
		}
	})
	e.ApplySnapshot(series(6))

	done := make(chan bool)
	go func() {
		loaded, _ := e.LoadMore(context.Background())
		done <- loaded
	}()
	<-entered
	e.Refresh()
	close(release)

	assert.False(t, <-done)
	assert.Equal(t, 1, e.Snapshot().Page)
	assert.Len(t, e.Window(), 2)
}

func TestLoadMoreHookErrorLeavesPage(t *testing.T) {
	boom := errors.New("boom")
	e := newEngine(2, func(cfg *Config[item]) {
		cfg.PageHook = func(ctx context.Context, next int) error { return boom }
	})
	e.ApplySnapshot(series(4))

	loaded, err := e.LoadMore(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, loaded)
	assert.Equal(t, 1, e.Snapshot().Page)
	assert.False(t, e.Snapshot().Loading)
}

func TestCloseMakesMutationsNoOps(t *testing.T) {
	var notified int
	e := newEngine(2, func(cfg *Config[item]) {
		cfg.OnChange = func(Page[item]) { notified++ }
	})
	e.ApplySnapshot(series(3))
	require.Equal(t, 1, notified)
	ticket := e.Optimistic(Remove[item]("i00"))

	e.Close()
	e.ApplySnapshot(series(1))
	e.SetQuery("x")
	assert.Zero(t, e.Optimistic(InsertHead(item{ID: "z"})))
	assert.False(t, e.Rollback(ticket))
	loaded, err := e.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, loaded)

	assert.Equal(t, StateClosed, e.State())
	assert.Equal(t, 2, notified)
	assert.Equal(t, []string{"i01", "i02"}, ids(e.All()))
}

func TestLastErrorIsNonFatal(t *testing.T) {
	e := newEngine(2)
	e.ApplySnapshot(series(2))
	e.SetError(errors.New("feed dropped"))

	assert.EqualError(t, e.LastError(), "feed dropped")
	assert.Len(t, e.Window(), 2)
	e.ClearError()
	assert.NoError(t, e.LastError())
}

func TestReplaceMovesItemAcrossScope(t *testing.T) {
	mine := func(i item) bool { return i.Owner == "me" }
	my := newEngine(2, func(c *Config[item]) { c.Scope = mine })
	other := newEngine(2, func(c *Config[item]) { c.Scope = func(i item) bool { return !mine(i) } })

	base := series(4)
	base[0].Owner = "me"
	my.ApplySnapshot(base)
	other.ApplySnapshot(base)
	beforeMy, beforeOther := my.Snapshot(), other.Snapshot()
	beforeOtherFiltered := other.Filtered()

	joined := base[2]
	joined.Owner = "me"
	t1 := my.Optimistic(Replace(joined))
	t2 := other.Optimistic(Replace(joined))
	require.NotZero(t, t1)
	require.NotZero(t, t2)

	assert.Equal(t, []string{"i02", "i00"}, ids(my.Window()))
	assertPaginationInvariant(t, my)
	// Removing a member shrinks the window until the next recompute.
	assert.Equal(t, []string{"i01"}, ids(other.Window()))
	assert.Equal(t, []string{"i01", "i03"}, ids(other.Filtered()))

	my.Rollback(t1)
	other.Rollback(t2)
	assert.Equal(t, beforeMy, my.Snapshot())
	assert.Equal(t, beforeOther, other.Snapshot())
	assert.Equal(t, beforeOtherFiltered, other.Filtered())
}

func TestInsertHeadOutsideScopeStaysHidden(t *testing.T) {
	e := newEngine(2, func(c *Config[item]) { c.Scope = func(i item) bool { return i.Owner == "me" } })
	e.ApplySnapshot(series(2))

	ticket := e.Optimistic(InsertHead(item{ID: "theirs", CreatedAt: 5000, Owner: "them"}))
	require.NotZero(t, ticket)
	assert.Empty(t, e.Window())
	_, ok := e.Find("theirs")
	assert.True(t, ok)

	assert.True(t, e.Rollback(ticket))
	_, ok = e.Find("theirs")
	assert.False(t, ok)
}
