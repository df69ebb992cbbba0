package chain

// journal is an append-only list of undo closures, replayed newest first.
type journal struct {
	entries []func()
}

func (j *journal) append(undo func()) {
	j.entries = append(j.entries, undo)
}

func (j *journal) length() int {
	return len(j.entries)
}

func (j *journal) revert(to int) {
	for i := len(j.entries) - 1; i >= to; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:to]
}

// Snapshot marks the current journal position.
func (t *Tx) Snapshot() int {
	return t.journal.length()
}

// RevertToSnapshot undoes every change made after the snapshot id was taken.
func (t *Tx) RevertToSnapshot(id int) {
	t.journal.revert(id)
}

// Set writes m[k] = v and journals the previous entry. Values held by
// pointer (such as *big.Int balances) must be replaced, never mutated.
func Set[K comparable, V any](t *Tx, m map[K]V, k K, v V) {
	prev, existed := m[k]
	t.OnRevert(func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// Delete removes m[k] and journals the previous entry.
func Delete[K comparable, V any](t *Tx, m map[K]V, k K) {
	prev, existed := m[k]
	if !existed {
		return
	}
	t.OnRevert(func() { m[k] = prev })
	delete(m, k)
}

// Assign writes *p = v and journals the previous value.
func Assign[T any](t *Tx, p *T, v T) {
	prev := *p
	t.OnRevert(func() { *p = prev })
	*p = v
}
