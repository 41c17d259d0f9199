package pageindex

import "context"

// compareContext bundles everything a single Insert/Remove call needs to
// repeatedly compare the row being placed against rows already resident in
// a group, without re-fetching shared state on every comparison (spec.md's
// design note: "factor index-walking and comparison into one context
// struct instead of scattered helpers").
type compareContext struct {
	ctx     context.Context
	rows    RowSource
	sorting SortingPredicate
	pages   *GroupIndex
	store   *PageStore

	group string

	// the row being placed
	key      string
	object   interface{}
	metadata interface{}
}

func newCompareContext(ctx context.Context, rows RowSource, sorting SortingPredicate, pages *GroupIndex, store *PageStore, group, key string, object, metadata interface{}) *compareContext {
	return &compareContext{
		ctx: ctx, rows: rows, sorting: sorting, pages: pages, store: store,
		group: group, key: key, object: object, metadata: metadata,
	}
}

// cmpAt compares the context's pending row against the row currently
// resident at global index `index` within the group, returning how the
// pending row orders relative to it (Ascending: pending sorts before it).
func (c *compareContext) cmpAt(index int) (Ordering, error) {
	pages := c.pages.groupPages(c.group)
	_, meta, localIndex, err := locatePage(pages, index)
	if err != nil {
		return Equal, err
	}
	page, err := c.store.ReadPage(c.ctx, meta.PageID)
	if err != nil {
		return Equal, err
	}
	rowid, err := page.RowidAt(localIndex)
	if err != nil {
		return Equal, err
	}

	otherKey, err := c.rows.KeyForRowid(rowid)
	if err != nil {
		return Equal, err
	}
	var otherObject, otherMetadata interface{}
	if c.sorting.needsObject() {
		if otherObject, err = c.rows.ObjectForRowid(rowid); err != nil {
			return Equal, err
		}
	}
	if c.sorting.needsMetadata() {
		if otherMetadata, err = c.rows.MetadataForRowid(rowid); err != nil {
			return Equal, err
		}
	}

	return c.sorting.compareRows(c.group, c.key, c.object, c.metadata, otherKey, otherObject, otherMetadata), nil
}
