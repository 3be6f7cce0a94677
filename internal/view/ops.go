package view

// OpKind identifies an optimistic patch.
type OpKind int

const (
	OpNone OpKind = iota
	OpInsertHead
	OpRemove
	OpReplace
	OpInsertAt
	OpRestore
)

func (k OpKind) String() string {
	switch k {
	case OpInsertHead:
		return "insert_head"
	case OpRemove:
		return "remove"
	case OpReplace:
		return "replace"
	case OpInsertAt:
		return "insert_at"
	case OpRestore:
		return "restore"
	default:
		return "none"
	}
}

// Op is an optimistic patch against a view frame.
type Op[T any] struct {
	Kind OpKind
	Item T
	ID   string

	// Positions recorded for OpInsertAt and OpRestore. FilteredIndex is -1 when the item was filtered out.
	// With an ordering the item goes back to its sorted position instead, since other ops may have
	// shifted the sequences in between.
	AllIndex      int
	FilteredIndex int
	InWindow      bool
}

// InsertHead places item first. It is a no-op when an item with the same id is present.
func InsertHead[T any](item T) Op[T] {
	return Op[T]{Kind: OpInsertHead, Item: item}
}

// Remove drops the item with id.
func Remove[T any](id string) Op[T] {
	return Op[T]{Kind: OpRemove, ID: id}
}

// Replace swaps the item sharing item's id in place.
func Replace[T any](item T) Op[T] {
	return Op[T]{Kind: OpReplace, Item: item}
}

// Frame is the mutable part of a view: the authoritative collection, the filtered sequence and the
// window length. The window is always Filtered[:Size].
type Frame[T any] struct {
	All      []T
	Filtered []T
	Size     int
}

// Window returns the visible prefix.
func (f Frame[T]) Window() []T {
	return f.Filtered[:f.Size:f.Size]
}

// HasMore reports whether filtered items lie beyond the window.
func (f Frame[T]) HasMore() bool {
	return f.Size < len(f.Filtered)
}

// Order reports whether a sorts before b.
type Order[T any] func(a, b T) bool

// ApplyOp returns the patched frame and the op that undoes it. The input frame is not modified.
// When the op does not apply the frame is returned unchanged with an OpNone inverse. A nil order
// restores items at their recorded positions.
func ApplyOp[T any](f Frame[T], op Op[T], id func(T) string, order Order[T]) (Frame[T], Op[T]) {
	return applyOp(f, op, id, nil, order)
}

// applyOp is ApplyOp with an optional filter. With a filter, inserted items that do not match stay
// out of the filtered sequence and a replacement that flips the match moves the item in or out of it.
func applyOp[T any](f Frame[T], op Op[T], id func(T) string, match Predicate[T], order Order[T]) (Frame[T], Op[T]) {
	none := Op[T]{Kind: OpNone}
	switch op.Kind {
	case OpInsertHead:
		key := id(op.Item)
		if indexOf(f.All, key, id) >= 0 || indexOf(f.Filtered, key, id) >= 0 {
			return f, none
		}
		if match != nil && !match(op.Item) {
			return Frame[T]{All: insertAt(f.All, 0, op.Item), Filtered: f.Filtered, Size: f.Size}, Remove[T](key)
		}
		return Frame[T]{
			All:      insertAt(f.All, 0, op.Item),
			Filtered: insertAt(f.Filtered, 0, op.Item),
			Size:     f.Size + 1,
		}, Remove[T](key)

	case OpRemove:
		next, item, ai, fi, inWindow := take(f, op.ID, id)
		if ai < 0 && fi < 0 {
			return f, none
		}
		return next, Op[T]{Kind: OpInsertAt, Item: item, AllIndex: ai, FilteredIndex: fi, InWindow: inWindow}

	case OpInsertAt:
		key := id(op.Item)
		if indexOf(f.All, key, id) >= 0 || indexOf(f.Filtered, key, id) >= 0 {
			return f, none
		}
		return put(f, op, order), Remove[T](key)

	case OpReplace:
		key := id(op.Item)
		ai := indexOf(f.All, key, id)
		fi := indexOf(f.Filtered, key, id)
		if ai < 0 && fi < 0 {
			return f, none
		}
		if match != nil && (fi >= 0) != match(op.Item) {
			return move(f, op.Item, ai, fi)
		}
		var previous T
		next := Frame[T]{All: f.All, Filtered: f.Filtered, Size: f.Size}
		if ai >= 0 {
			previous = f.All[ai]
			next.All = replaceAt(f.All, ai, op.Item)
		}
		if fi >= 0 {
			previous = f.Filtered[fi]
			next.Filtered = replaceAt(f.Filtered, fi, op.Item)
		}
		return next, Replace(previous)

	case OpRestore:
		next, current, ai, fi, inWindow := take(f, id(op.Item), id)
		return put(next, op, order), Op[T]{Kind: OpRestore, Item: current, AllIndex: ai, FilteredIndex: fi, InWindow: inWindow}
	}
	return f, none
}

// move replaces the item in place in All and moves it into the head of, or out of, the filtered sequence.
func move[T any](f Frame[T], item T, ai, fi int) (Frame[T], Op[T]) {
	var previous T
	next := Frame[T]{All: f.All, Filtered: f.Filtered, Size: f.Size}
	if ai >= 0 {
		previous = f.All[ai]
		next.All = replaceAt(f.All, ai, item)
	}
	inWindow := false
	if fi >= 0 {
		previous = f.Filtered[fi]
		next.Filtered = removeAt(f.Filtered, fi)
		if fi < f.Size {
			inWindow = true
			next.Size--
		}
	} else {
		next.Filtered = insertAt(f.Filtered, 0, item)
		next.Size++
	}
	return next, Op[T]{Kind: OpRestore, Item: previous, AllIndex: ai, FilteredIndex: fi, InWindow: inWindow}
}

// take removes the item with key from both sequences and reports where it was.
func take[T any](f Frame[T], key string, id func(T) string) (next Frame[T], item T, ai, fi int, inWindow bool) {
	ai = indexOf(f.All, key, id)
	fi = indexOf(f.Filtered, key, id)
	next = Frame[T]{All: f.All, Filtered: f.Filtered, Size: f.Size}
	if ai >= 0 {
		item = f.All[ai]
		next.All = removeAt(f.All, ai)
	}
	if fi >= 0 {
		item = f.Filtered[fi]
		next.Filtered = removeAt(f.Filtered, fi)
		if fi < f.Size {
			inWindow = true
			next.Size--
		}
	}
	return next, item, ai, fi, inWindow
}

// put inserts op.Item into the sequences it was taken from, at its sorted position when order is set.
func put[T any](f Frame[T], op Op[T], order Order[T]) Frame[T] {
	next := Frame[T]{All: f.All, Filtered: f.Filtered, Size: f.Size}
	if op.AllIndex >= 0 {
		next.All = insertAt(f.All, position(f.All, op.Item, op.AllIndex, order), op.Item)
	}
	if op.FilteredIndex >= 0 {
		next.Filtered = insertAt(f.Filtered, position(f.Filtered, op.Item, op.FilteredIndex, order), op.Item)
		if op.InWindow {
			next.Size++
		}
	}
	return next
}

// position is the index before the first element item sorts ahead of, or recorded without an order.
func position[T any](items []T, item T, recorded int, order Order[T]) int {
	if order == nil {
		return recorded
	}
	for i, existing := range items {
		if order(item, existing) {
			return i
		}
	}
	return len(items)
}

func indexOf[T any](items []T, key string, id func(T) string) int {
	for i, item := range items {
		if id(item) == key {
			return i
		}
	}
	return -1
}

func insertAt[T any](items []T, i int, item T) []T {
	if i > len(items) {
		i = len(items)
	}
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, item)
	return append(out, items[i:]...)
}

func removeAt[T any](items []T, i int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

func replaceAt[T any](items []T, i int, item T) []T {
	out := make([]T, len(items))
	copy(out, items)
	out[i] = item
	return out
}
