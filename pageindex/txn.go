package pageindex

import "context"

// WriteTxn accumulates Insert/Remove calls against a View's live
// GroupIndex, running the Compactor once and draining all dirty state to
// the backing tables atomically on Commit (spec.md §4.I).
type WriteTxn struct {
	view      *View
	inserter  *Inserter
	remover   *Remover
	compactor *Compactor
	done      bool
}

// Insert resyncs rowid's placement against what the primary store reports
// for it right now (new row, updated row, or a row that no longer belongs
// in the view).
func (t *WriteTxn) Insert(ctx context.Context, rowid int64) error {
	return t.inserter.Insert(ctx, rowid)
}

// Remove drops rowid from the view outright.
func (t *WriteTxn) Remove(ctx context.Context, rowid int64) error {
	return t.remover.Remove(ctx, rowid)
}

// RemoveRowids bulk-removes every rowid in keyMap (rowid -> key) from the
// single page pageID within group, emitting deleteRow changes in descending
// index order (spec.md §4.G). Callers use this instead of repeated Remove
// calls when they already know every victim lives on one page — e.g. a
// Compactor-driven eviction, or a batch delete against the primary store.
func (t *WriteTxn) RemoveRowids(ctx context.Context, group, pageID string, keyMap map[int64]string) error {
	return t.remover.RemoveRowids(ctx, group, pageID, keyMap)
}

// RemoveAll discards every row from every group, ahead of a full
// repopulation.
func (t *WriteTxn) RemoveAll(ctx context.Context) error {
	return t.remover.RemoveAllRowids(ctx)
}

// Commit runs the Compactor's split/collapse passes, then writes every
// dirty page, link, and map entry to the backing tables in the order
// spec.md §4.I requires, releasing the write gate on the way out
// regardless of outcome.
func (t *WriteTxn) Commit(ctx context.Context) ([]Change, error) {
	defer t.finish()
	if err := t.compactor.Run(ctx); err != nil {
		t.view.store.Rollback()
		return nil, err
	}
	return t.view.store.Commit(ctx)
}

// Rollback discards all accumulated changes without touching the backing
// tables.
func (t *WriteTxn) Rollback() error {
	defer t.finish()
	return t.view.store.Rollback()
}

func (t *WriteTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.view.gate.Release()
}
