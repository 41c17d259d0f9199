package pageindex

import "context"

// Query implements spec.md §4.J's read-side operations against a
// (possibly snapshotted) GroupIndex. A Query built over GroupIndex.Snapshot
// sees a point-in-time view even while a concurrent writer mutates the
// live index.
type Query struct {
	rows  RowSource
	pages *GroupIndex
	store *PageStore
}

func NewQuery(rows RowSource, pages *GroupIndex, store *PageStore) *Query {
	return &Query{rows: rows, pages: pages, store: store}
}

func (q *Query) NumberOfGroups() int                    { return q.pages.NumberOfGroups() }
func (q *Query) AllGroups() []string                    { return q.pages.AllGroups() }
func (q *Query) NumberOfKeysInGroup(group string) int   { return q.pages.NumberOfKeysInGroup(group) }
func (q *Query) NumberOfKeysInAllGroups() int           { return q.pages.NumberOfKeysInAllGroups() }
func (q *Query) HasGroup(group string) bool             { return q.pages.hasGroup(group) }

// RowidAtIndex resolves the rowid sitting at group-wide index within group.
func (q *Query) RowidAtIndex(ctx context.Context, group string, index int) (int64, error) {
	pages := q.pages.groupPages(group)
	_, meta, localIndex, err := locatePage(pages, index)
	if err != nil {
		return 0, err
	}
	page, err := q.store.ReadPage(ctx, meta.PageID)
	if err != nil {
		return 0, err
	}
	return page.RowidAt(localIndex)
}

// KeyAtIndex resolves the key sitting at group-wide index within group.
func (q *Query) KeyAtIndex(ctx context.Context, group string, index int) (string, error) {
	rowid, err := q.RowidAtIndex(ctx, group, index)
	if err != nil {
		return "", err
	}
	return q.rows.KeyForRowid(rowid)
}

// GroupAndIndexForRowid reports where rowid currently sits, or found=false
// if it has no placement in the view.
func (q *Query) GroupAndIndexForRowid(ctx context.Context, rowid int64) (group string, index int, found bool, err error) {
	pageID, ok, err := q.store.PageOf(ctx, rowid)
	if err != nil || !ok {
		return "", 0, false, err
	}
	group, ok = q.pages.groupOf(pageID)
	if !ok {
		return "", 0, false, invariantf("rowid %d maps to unindexed page %q", rowid, pageID)
	}
	page, err := q.store.ReadPage(ctx, pageID)
	if err != nil {
		return "", 0, false, err
	}
	localIndex, found := page.IndexOf(rowid)
	if !found {
		return "", 0, false, invariantf("rowid %d missing from its own mapped page %q", rowid, pageID)
	}
	index = globalIndexOf(q.pages.groupPages(group), pageID, localIndex)
	return group, index, true, nil
}

// KeysInRange returns the keys for [r.Start, r.End) within group, honoring
// dir for iteration order.
func (q *Query) KeysInRange(ctx context.Context, group string, r Range, dir Direction) ([]string, error) {
	var keys []string
	var keyErr error
	err := q.Enumerate(ctx, group, r, dir, func(rowid int64, _ int) bool {
		key, kerr := q.rows.KeyForRowid(rowid)
		if kerr != nil {
			keyErr = kerr
			return false
		}
		keys = append(keys, key)
		return true
	})
	if err == nil {
		err = keyErr
	}
	return keys, err
}

// Enumerate walks rowids in group over r in the given direction, calling cb
// with each rowid and its group-wide index; cb returns false to stop.
// Returns a *MutationDuringEnumerationError when a callback that does not
// stop leaves the index's page list or the group's row count changed (e.g.
// the callback itself inserts or removes a row). A callback that only moves
// an existing row within the group is not detected.
func (q *Query) Enumerate(ctx context.Context, group string, r Range, dir Direction, cb func(rowid int64, index int) bool) error {
	startVersion := q.pages.version
	startCount := q.pages.groupCount(group)
	pages := q.pages.groupPages(group)

	indices := make([]int, 0, r.Len())
	if dir == Forward {
		for i := r.Start; i < r.End; i++ {
			indices = append(indices, i)
		}
	} else {
		for i := r.End - 1; i >= r.Start; i-- {
			indices = append(indices, i)
		}
	}

	for _, idx := range indices {
		_, meta, localIndex, err := locatePage(pages, idx)
		if err != nil {
			return err
		}
		page, err := q.store.ReadPage(ctx, meta.PageID)
		if err != nil {
			return err
		}
		rowid, err := page.RowidAt(localIndex)
		if err != nil {
			return err
		}
		if !cb(rowid, idx) {
			return nil
		}
		if q.pages.version != startVersion || q.pages.groupCount(group) != startCount {
			return &MutationDuringEnumerationError{Group: group}
		}
	}
	return nil
}

// FindRangeInGroup implements spec.md §4.J's triple binary search: locate
// any index where pred reports Equal, then binary-search outward for the
// leftmost and rightmost-plus-one indices still reporting Equal. Returns a
// zero-length Range at 0 if no row in group satisfies pred.
func (q *Query) FindRangeInGroup(ctx context.Context, group string, pred FindingPredicate) (Range, error) {
	count := q.pages.NumberOfKeysInGroup(group)
	if count == 0 {
		return Range{}, nil
	}

	evalAt := func(index int) (Ordering, error) {
		rowid, err := q.RowidAtIndex(ctx, group, index)
		if err != nil {
			return Equal, err
		}
		return pred.evaluate(q.rows, group, rowid)
	}

	mid := -1
	lo, hi := 0, count-1
	for lo <= hi {
		m := (lo + hi) / 2
		ord, err := evalAt(m)
		if err != nil {
			return Range{}, err
		}
		switch ord {
		case Equal:
			mid = m
			lo, hi = hi+1, lo-1
		case Ascending:
			lo = m + 1
		case Descending:
			hi = m - 1
		}
	}
	if mid == -1 {
		return Range{}, nil
	}

	lo2, hi2 := 0, mid
	for lo2 < hi2 {
		m := (lo2 + hi2) / 2
		ord, err := evalAt(m)
		if err != nil {
			return Range{}, err
		}
		if ord == Ascending {
			lo2 = m + 1
		} else {
			hi2 = m
		}
	}

	lo3, hi3 := mid, count-1
	for lo3 < hi3 {
		m := (lo3 + hi3 + 1) / 2
		ord, err := evalAt(m)
		if err != nil {
			return Range{}, err
		}
		if ord == Descending {
			hi3 = m - 1
		} else {
			lo3 = m
		}
	}

	return Range{Start: lo2, End: lo3 + 1}, nil
}
