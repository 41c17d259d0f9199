package pageindex

import (
	"context"

	"github.com/google/uuid"
)

// hardTriggerFactor and inlineSplitTarget fix the Tunables from spec.md
// §4.F/§6: a page may grow past maxPageSize between Compactor passes, but
// once it exceeds hardTriggerFactor*maxPageSize, placeAt rebalances it
// immediately against a target of inlineSplitTarget*maxPageSize rather than
// waiting for the end-of-transaction pass (Testable Property 4: "never
// reach 32*MAX without triggering an immediate split").
const (
	hardTriggerFactor = 32
	inlineSplitTarget = 16
)

// Inserter implements spec.md §4.F: resolve a rowid's group via the
// grouping predicate, then locate where it belongs among that group's rows
// using the sorting predicate. Page splitting to enforce maxPageSize is
// mostly the Compactor's job, run once at the end of a write transaction
// rather than after every single insert — except for the hard-trigger case
// above, which placeAt handles inline via compactor.SplitInline.
type Inserter struct {
	rows        RowSource
	grouping    GroupingPredicate
	sorting     SortingPredicate
	pages       *GroupIndex
	store       *PageStore
	maxPageSize int
	compactor   *Compactor
}

func NewInserter(rows RowSource, grouping GroupingPredicate, sorting SortingPredicate, pages *GroupIndex, store *PageStore, maxPageSize int, compactor *Compactor) *Inserter {
	return &Inserter{rows: rows, grouping: grouping, sorting: sorting, pages: pages, store: store, maxPageSize: maxPageSize, compactor: compactor}
}

// Insert resyncs rowid's placement against the primary store's current
// view of it: evaluates the grouping predicate fresh, removes any stale
// placement, and re-inserts in sorted position if the row still belongs in
// the view. Safe to call for both brand-new rowids and updates to existing
// ones — the primary store is assumed already mutated by the caller.
func (ins *Inserter) Insert(ctx context.Context, rowid int64) error {
	key, err := ins.rows.KeyForRowid(rowid)
	if err != nil {
		return err
	}

	group, included, err := ins.grouping.evaluate(ins.rows, rowid)
	if err != nil {
		return err
	}

	oldPageID, hadOld, err := ins.store.PageOf(ctx, rowid)
	if err != nil {
		return err
	}
	var oldGroup string
	if hadOld {
		oldGroup, _ = ins.pages.groupOf(oldPageID)
	}

	if !included {
		if !hadOld {
			return nil
		}
		oldIndex, err := removePlacement(ctx, ins.store, ins.pages, oldGroup, oldPageID, rowid)
		if err != nil {
			return err
		}
		ins.store.tombstoneMapEntry(rowid)
		ins.store.appendChange(deleteRowChange(key, oldGroup, oldIndex))
		return nil
	}

	if key == "" || group == "" {
		return invariantf("insert rowid %d: empty key or group", rowid)
	}

	sortKey, object, metadata, err := fetchForArity(ins.rows, ins.sorting.Arity, rowid)
	if err != nil {
		return err
	}
	_ = sortKey // equals key; fetched again only so Arity-specific object/metadata come back together

	if hadOld && oldGroup == group {
		return ins.reposition(ctx, rowid, oldPageID, group, key, object, metadata)
	}

	if hadOld {
		oldIndex, err := removePlacement(ctx, ins.store, ins.pages, oldGroup, oldPageID, rowid)
		if err != nil {
			return err
		}
		ins.store.appendChange(deleteRowChange(key, oldGroup, oldIndex))
	}
	return ins.insertNew(ctx, rowid, group, key, object, metadata)
}

// reposition handles the same-group case. It first tries the
// existing-position fast path from spec.md §4.F.4.a: if the row's new
// key/object/metadata still sorts between its immediate neighbors, it keeps
// its current index and is reported as a plain updateRow — no removal, no
// re-search. Only when a neighbor comparison fails does it fall back to a
// full remove-then-binary-search reinsert.
func (ins *Inserter) reposition(ctx context.Context, rowid int64, oldPageID, group, key string, object, metadata interface{}) error {
	existingIndex, fits, err := ins.fitsAtExistingIndex(ctx, rowid, oldPageID, group, key, object, metadata)
	if err != nil {
		return err
	}
	if fits {
		ins.store.appendChange(updateRowChange(key, group, existingIndex, ChangedObject|ChangedMetadata))
		return nil
	}

	oldIndex, err := removePlacement(ctx, ins.store, ins.pages, group, oldPageID, rowid)
	if err != nil {
		return err
	}

	newIndex, err := ins.findInsertionIndex(ctx, group, key, object, metadata)
	if err != nil {
		return err
	}

	if err := ins.placeAt(ctx, rowid, group, newIndex); err != nil {
		return err
	}

	if newIndex == oldIndex {
		ins.store.appendChange(updateRowChange(key, group, newIndex, ChangedObject|ChangedMetadata))
	} else {
		ins.store.appendChange(deleteRowChange(key, group, oldIndex))
		ins.store.appendChange(insertRowChange(key, group, newIndex))
	}
	return nil
}

// fitsAtExistingIndex implements the tryExistingIndex comparison from
// spec.md §4.F.4.a: without removing rowid from its current slot, compare
// its pending key/object/metadata against the rows immediately before and
// after it. If prev <= current <= next still holds, rowid keeps its index.
func (ins *Inserter) fitsAtExistingIndex(ctx context.Context, rowid int64, oldPageID, group, key string, object, metadata interface{}) (existingIndex int, fits bool, err error) {
	page, err := ins.store.ReadPage(ctx, oldPageID)
	if err != nil {
		return 0, false, err
	}
	localIndex, found := page.IndexOf(rowid)
	if !found {
		return 0, false, invariantf("rowid %d not found in page %q", rowid, oldPageID)
	}
	pages := ins.pages.groupPages(group)
	existingIndex = globalIndexOf(pages, oldPageID, localIndex)

	cc := newCompareContext(ctx, ins.rows, ins.sorting, ins.pages, ins.store, group, key, object, metadata)

	if existingIndex > 0 {
		ord, err := cc.cmpAt(existingIndex - 1)
		if err != nil {
			return 0, false, err
		}
		if ord == Ascending {
			return existingIndex, false, nil
		}
	}
	if existingIndex+1 < ins.pages.groupCount(group) {
		ord, err := cc.cmpAt(existingIndex + 1)
		if err != nil {
			return 0, false, err
		}
		if ord == Descending {
			return existingIndex, false, nil
		}
	}
	return existingIndex, true, nil
}

func (ins *Inserter) insertNew(ctx context.Context, rowid int64, group, key string, object, metadata interface{}) error {
	newIndex, err := ins.findInsertionIndex(ctx, group, key, object, metadata)
	if err != nil {
		return err
	}
	if err := ins.placeAt(ctx, rowid, group, newIndex); err != nil {
		return err
	}
	ins.store.appendChange(insertRowChange(key, group, newIndex))
	return nil
}

// findInsertionIndex implements spec.md §4.F.b: a binary search over the
// group's rows using the sorting predicate, with two shortcuts before
// falling back to a full search — the endpoint hint left by the previous
// insert on this connection, and the trivial empty-group case. Ties resolve
// to the upper bound so repeated equal keys keep stable, append-order
// placement.
func (ins *Inserter) findInsertionIndex(ctx context.Context, group, key string, object, metadata interface{}) (int, error) {
	count := ins.pages.groupCount(group)
	if count == 0 {
		return 0, nil
	}

	cc := newCompareContext(ctx, ins.rows, ins.sorting, ins.pages, ins.store, group, key, object, metadata)
	tx := ins.store.tx

	if tx.lastInsertWasAtLastIndex {
		ord, err := cc.cmpAt(count - 1)
		if err != nil {
			return 0, err
		}
		if ord != Ascending {
			return count, nil
		}
	}
	if tx.lastInsertWasAtFirstIndex {
		ord, err := cc.cmpAt(0)
		if err != nil {
			return 0, err
		}
		if ord == Ascending {
			return 0, nil
		}
	}

	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		ord, err := cc.cmpAt(mid)
		if err != nil {
			return 0, err
		}
		if ord == Ascending {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// placeAt materializes rowid at group-wide index idx: creating the group's
// first page if it has none, otherwise growing the page insertionTarget
// selects. Updates endpoint hint state for the next findInsertionIndex call
// on this connection.
func (ins *Inserter) placeAt(ctx context.Context, rowid int64, group string, idx int) error {
	pages := ins.pages.groupPages(group)
	count := 0
	for _, m := range pages {
		count += m.Count
	}

	ins.store.tx.lastInsertWasAtFirstIndex = idx == 0
	ins.store.tx.lastInsertWasAtLastIndex = idx == count

	if len(pages) == 0 {
		meta := &PageMetadata{PageID: uuid.NewString(), Group: group, PrevPageID: "", Count: 1, IsNew: true}
		page := NewPageFromRowids([]int64{rowid})
		ins.pages.addPage(group, meta)
		ins.store.markPageDirty(meta.PageID, page)
		ins.store.markLinkDirty(meta)
		ins.store.setPageOf(rowid, meta.PageID)
		ins.store.appendChange(insertGroupChange(group))
		ins.store.markGroupMutated(group)
		return nil
	}

	meta, localIndex := insertionTarget(pages, idx, ins.maxPageSize)
	page, err := ins.store.ReadPage(ctx, meta.PageID)
	if err != nil {
		return err
	}
	if err := page.Insert(localIndex, rowid); err != nil {
		return err
	}
	meta.Count++
	ins.store.markPageDirty(meta.PageID, page)
	ins.store.markLinkDirty(meta)
	ins.store.setPageOf(rowid, meta.PageID)
	ins.store.markGroupMutated(group)

	if meta.Count > hardTriggerFactor*ins.maxPageSize {
		return ins.compactor.SplitInline(ctx, group, meta.PageID, inlineSplitTarget*ins.maxPageSize)
	}
	return nil
}
