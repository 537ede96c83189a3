package dimension

// ReferenceTable is an append-only keyed dimension. The surrogate key of a
// row is its 1-based position, assigned the first time its natural key is
// seen and never reused or changed.
type ReferenceTable[T any] struct {
	name    string
	natural func(T) string
	withKey func(T, int) T
	rows    []T
	index   map[string]int
}

// NewReferenceTable returns an empty table. natural extracts the natural key
// of a row and withKey stamps the assigned surrogate key onto it.
func NewReferenceTable[T any](name string, natural func(T) string, withKey func(T, int) T) *ReferenceTable[T] {
	return &ReferenceTable[T]{
		name:    name,
		natural: natural,
		withKey: withKey,
		index:   make(map[string]int),
	}
}

// Name returns the dimension name.
func (t *ReferenceTable[T]) Name() string { return t.name }

// Insert adds row if its natural key is new. It returns the surrogate key and
// whether a row was appended. Rows with an empty natural key are ignored and
// return key 0.
func (t *ReferenceTable[T]) Insert(row T) (int, bool) {
	nk := t.natural(row)
	if nk == "" {
		return 0, false
	}
	if pos, ok := t.index[nk]; ok {
		return pos + 1, false
	}
	key := len(t.rows) + 1
	t.rows = append(t.rows, t.withKey(row, key))
	t.index[nk] = len(t.rows) - 1
	return key, true
}

// Upsert inserts every row with an unseen natural key, in input order, and
// returns how many were inserted. Rerunning with the same rows is a no-op.
func (t *ReferenceTable[T]) Upsert(rows []T) int {
	inserted := 0
	for _, r := range rows {
		if _, ok := t.Insert(r); ok {
			inserted++
		}
	}
	return inserted
}

// Lookup returns the row for a natural key.
func (t *ReferenceTable[T]) Lookup(natural string) (T, bool) {
	pos, ok := t.index[natural]
	if !ok {
		var zero T
		return zero, false
	}
	return t.rows[pos], true
}

// Key returns the surrogate key for a natural key.
func (t *ReferenceTable[T]) Key(natural string) (int, bool) {
	pos, ok := t.index[natural]
	if !ok {
		return 0, false
	}
	return pos + 1, true
}

// Len returns the number of rows.
func (t *ReferenceTable[T]) Len() int { return len(t.rows) }

// Rows returns a copy of the rows in surrogate key order.
func (t *ReferenceTable[T]) Rows() []T {
	out := make([]T, len(t.rows))
	copy(out, t.rows)
	return out
}

// Clone returns an independent copy that can be appended to without
// affecting t.
func (t *ReferenceTable[T]) Clone() *ReferenceTable[T] {
	c := NewReferenceTable(t.name, t.natural, t.withKey)
	c.rows = t.Rows()
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}
