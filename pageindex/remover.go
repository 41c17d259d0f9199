package pageindex

import (
	"context"
	"sort"
)

// Remover implements the removal half of spec.md §4.G: drop a single
// rowid's placement, or discard the whole view ahead of a full repopulation.
type Remover struct {
	rows  RowSource
	pages *GroupIndex
	store *PageStore
}

func NewRemover(rows RowSource, pages *GroupIndex, store *PageStore) *Remover {
	return &Remover{rows: rows, pages: pages, store: store}
}

// Remove drops rowid from the view if it is currently placed. Used when a
// row is deleted outright (as opposed to an update that might just move or
// keep it, handled by Inserter.Insert). Callers must invoke this before
// removing rowid from the primary store, since KeyForRowid must still
// resolve to produce the deleteRow change record's key.
func (r *Remover) Remove(ctx context.Context, rowid int64) error {
	pageID, ok, err := r.store.PageOf(ctx, rowid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	group, ok := r.pages.groupOf(pageID)
	if !ok {
		return invariantf("rowid %d maps to page %q which is not indexed under any group", rowid, pageID)
	}

	key, err := r.rows.KeyForRowid(rowid)
	if err != nil {
		return err
	}

	index, err := removePlacement(ctx, r.store, r.pages, group, pageID, rowid)
	if err != nil {
		return err
	}
	r.store.tombstoneMapEntry(rowid)
	r.store.appendChange(deleteRowChange(key, group, index))
	return nil
}

// RemoveRowids implements spec.md §4.G's bulk remove: every rowid in keyMap
// is already known to live on pageID within group, so unlike Remove there is
// no need to resolve PageOf/groupOf per rowid. It walks the page from high
// local index to low, removing matches and emitting deleteRow changes in
// that descending order, so each recorded index still matches the page's
// array state at the moment of its removal (a caller driving N independent
// Remove calls cannot make this guarantee once the first removal shifts the
// indices of everything after it).
func (r *Remover) RemoveRowids(ctx context.Context, group, pageID string, keyMap map[int64]string) error {
	if len(keyMap) == 0 {
		return nil
	}
	page, err := r.store.ReadPage(ctx, pageID)
	if err != nil {
		return err
	}
	groupPages := r.pages.groupPages(group)
	pageOffset := 0
	var meta *PageMetadata
	for _, m := range groupPages {
		if m.PageID == pageID {
			meta = m
			break
		}
		pageOffset += m.Count
	}
	if meta == nil {
		return invariantf("page %q missing from group %q index", pageID, group)
	}

	type match struct {
		localIndex int
		rowid      int64
		key        string
	}
	matches := make([]match, 0, len(keyMap))
	for rowid, key := range keyMap {
		localIndex, found := page.IndexOf(rowid)
		if !found {
			return invariantf("rowid %d not found in page %q", rowid, pageID)
		}
		matches = append(matches, match{localIndex: localIndex, rowid: rowid, key: key})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].localIndex > matches[j].localIndex })

	for _, m := range matches {
		globalIndex := pageOffset + m.localIndex
		if _, err := page.RemoveAt(m.localIndex); err != nil {
			return err
		}
		meta.Count--
		r.store.tombstoneMapEntry(m.rowid)
		r.store.appendChange(deleteRowChange(m.key, group, globalIndex))
	}

	if meta.Count == 0 {
		following, emptied := r.pages.removePage(group, pageID)
		r.store.tombstonePage(pageID)
		if following != nil {
			r.store.markLinkDirty(following)
		}
		if emptied {
			r.store.appendChange(deleteGroupChange(group))
		}
	} else {
		r.store.markPageDirty(pageID, page)
		r.store.markLinkDirty(meta)
	}
	r.store.markGroupMutated(group)
	return nil
}

// RemoveAllRowids discards every row from every group, emitting a
// resetGroup change per currently non-empty group (spec.md §6) so
// observers can clear their own mirrors in one step rather than replaying
// thousands of individual deleteRow records. Used ahead of Repopulate.
func (r *Remover) RemoveAllRowids(ctx context.Context) error {
	for _, group := range r.pages.AllGroups() {
		r.store.appendChange(resetGroupChange(group))
	}
	if err := r.store.DeleteAllAndResetCaches(ctx); err != nil {
		return err
	}
	r.pages.groupsPages = make(map[string][]*PageMetadata)
	r.pages.pageToGroup = make(map[string]string)
	return nil
}
