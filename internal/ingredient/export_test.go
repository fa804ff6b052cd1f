package ingredient

import "github.com/ShabbirHasan1/picante/internal/key"

// ReadyDeps exposes the dependency edges of a Ready cell to tests.
func (d *Derived[DB, K, V]) ReadyDeps(k K) ([]key.Dep, bool) {
	got, ok := d.cells.Load(k)
	if !ok {
		return nil, false
	}
	c := got.(*cell[V])
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != cellReady {
		return nil, false
	}
	return append([]key.Dep(nil), c.deps...), true
}

// CellCount reports how many cells exist, ready or not.
func (d *Derived[DB, K, V]) CellCount() int {
	n := 0
	d.cells.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
