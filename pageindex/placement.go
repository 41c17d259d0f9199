package pageindex

import "context"

// globalIndexOf returns the group-wide index of localIndex within meta,
// given meta's position in pages.
func globalIndexOf(pages []*PageMetadata, pageID string, localIndex int) int {
	offset := 0
	for _, m := range pages {
		if m.PageID == pageID {
			return offset + localIndex
		}
		offset += m.Count
	}
	return localIndex
}

// insertionTarget maps a group-wide insertion index to the page and local
// index that should receive it, applying the page-boundary tie-break from
// spec.md §4.F ("insertAt"): an index landing strictly inside a page is
// unambiguous, one landing exactly on a boundary prefers the next page
// unless it is already full and the previous page has spare room.
func insertionTarget(pages []*PageMetadata, idx, maxPageSize int) (*PageMetadata, int) {
	offset := 0
	for i, m := range pages {
		if idx < offset+m.Count {
			if idx == offset && i > 0 {
				prev := pages[i-1]
				if insertionPageForBoundary(prev, m, maxPageSize) == prev {
					return prev, prev.Count
				}
				return m, 0
			}
			return m, idx - offset
		}
		offset += m.Count
	}
	last := pages[len(pages)-1]
	return last, last.Count
}

// removePlacement removes rowid from its current page, patching the
// GroupIndex and dirty sets, and returns the global index it occupied
// (for the deleteRow change record). It does not touch the rowid->pageId
// map entry; callers decide whether to tombstone or rewrite it.
func removePlacement(ctx context.Context, store *PageStore, pages *GroupIndex, group, pageID string, rowid int64) (globalIndex int, err error) {
	page, err := store.ReadPage(ctx, pageID)
	if err != nil {
		return 0, err
	}
	localIndex, found := page.IndexOf(rowid)
	if !found {
		return 0, invariantf("rowid %d not found in page %q", rowid, pageID)
	}

	groupPages := pages.groupPages(group)
	globalIndex = globalIndexOf(groupPages, pageID, localIndex)

	if _, err := page.RemoveAt(localIndex); err != nil {
		return 0, err
	}

	var meta *PageMetadata
	for _, m := range groupPages {
		if m.PageID == pageID {
			meta = m
			break
		}
	}
	if meta == nil {
		return 0, invariantf("page %q missing from group %q index", pageID, group)
	}
	meta.Count--

	if meta.Count == 0 {
		following, emptied := pages.removePage(group, pageID)
		store.tombstonePage(pageID)
		if following != nil {
			store.markLinkDirty(following)
		}
		if emptied {
			store.appendChange(deleteGroupChange(group))
		}
	} else {
		store.markPageDirty(pageID, page)
		store.markLinkDirty(meta)
	}
	store.markGroupMutated(group)
	return globalIndex, nil
}
