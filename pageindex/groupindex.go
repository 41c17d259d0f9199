package pageindex

import "sort"

// PageRow is the shape read back from the page table's non-blob columns,
// used only to rebuild the in-memory GroupIndex on open.
type PageRow struct {
	PageID     string
	Group      string
	PrevPageID string
	Count      int
}

// GroupIndex is the in-memory map described in spec.md §4.C: group to its
// ordered list of PageMetadata, plus the reverse pageId-to-group lookup.
type GroupIndex struct {
	groupsPages map[string][]*PageMetadata
	pageToGroup map[string]string

	// version increments on every structural change (page added, inserted,
	// or removed), letting Query detect a callback that mutates the group
	// it is currently enumerating (spec.md's MutationDuringEnumerationError).
	version int
}

func newGroupIndex() *GroupIndex {
	return &GroupIndex{
		groupsPages: make(map[string][]*PageMetadata),
		pageToGroup: make(map[string]string),
	}
}

// prepareGroupIndex rebuilds the GroupIndex from the page table's rows. It is called
// once per Open (spec.md's "prepareIfNeeded"). Any inconsistency resets the
// index to empty and returns a wrapped ErrCorruption.
func prepareGroupIndex(rows []PageRow) (*GroupIndex, error) {
	gi := newGroupIndex()

	byGroup := make(map[string][]PageRow)
	for _, r := range rows {
		byGroup[r.Group] = append(byGroup[r.Group], r)
	}

	for group, grows := range byGroup {
		links := make(map[string]string, len(grows)) // prevPageId (or "" sentinel) -> pageId
		byID := make(map[string]PageRow, len(grows))
		for _, r := range grows {
			if _, dup := links[r.PrevPageID]; dup {
				return nil, corruptf("group %q: multiple pages share prevPageId %q", group, r.PrevPageID)
			}
			links[r.PrevPageID] = r.PageID
			byID[r.PageID] = r
		}

		var ordered []*PageMetadata
		cur, ok := links[""]
		visited := make(map[string]bool, len(grows))
		for ok {
			if visited[cur] {
				gi.groupsPages = make(map[string][]*PageMetadata)
				gi.pageToGroup = make(map[string]string)
				return nil, corruptf("group %q: circular key ordering detected at page %q", group, cur)
			}
			visited[cur] = true
			row, found := byID[cur]
			if !found {
				gi.groupsPages = make(map[string][]*PageMetadata)
				gi.pageToGroup = make(map[string]string)
				return nil, corruptf("group %q: invalid key ordering, page %q unreachable", group, cur)
			}
			ordered = append(ordered, &PageMetadata{
				PageID:     row.PageID,
				Group:      row.Group,
				PrevPageID: row.PrevPageID,
				Count:      row.Count,
			})
			cur, ok = links[cur]
		}

		if len(ordered) != len(grows) {
			gi.groupsPages = make(map[string][]*PageMetadata)
			gi.pageToGroup = make(map[string]string)
			return nil, corruptf("group %q: missing page(s), traversed %d of %d", group, len(ordered), len(grows))
		}

		gi.groupsPages[group] = ordered
		for _, m := range ordered {
			gi.pageToGroup[m.PageID] = group
		}
	}

	return gi, nil
}

// Snapshot returns an immutable deep copy for a reader connection
// (spec.md §5, "reader-side snapshot of GroupIndex ... shared by value").
func (gi *GroupIndex) Snapshot() *GroupIndex {
	cp := newGroupIndex()
	for group, pages := range gi.groupsPages {
		copied := make([]*PageMetadata, len(pages))
		for i, m := range pages {
			copied[i] = m.clone()
		}
		cp.groupsPages[group] = copied
	}
	for pid, group := range gi.pageToGroup {
		cp.pageToGroup[pid] = group
	}
	return cp
}

func (gi *GroupIndex) groupPages(group string) []*PageMetadata {
	return gi.groupsPages[group]
}

func (gi *GroupIndex) hasGroup(group string) bool {
	_, ok := gi.groupsPages[group]
	return ok
}

func (gi *GroupIndex) groupOf(pageID string) (string, bool) {
	g, ok := gi.pageToGroup[pageID]
	return g, ok
}

func (gi *GroupIndex) groupCount(group string) int {
	total := 0
	for _, m := range gi.groupsPages[group] {
		total += m.Count
	}
	return total
}

// AllGroups returns the sorted group names currently present.
func (gi *GroupIndex) AllGroups() []string {
	names := make([]string, 0, len(gi.groupsPages))
	for g := range gi.groupsPages {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// NumberOfGroups returns the number of non-empty groups.
func (gi *GroupIndex) NumberOfGroups() int { return len(gi.groupsPages) }

// NumberOfKeysInGroup sums PageMetadata.Count over one group.
func (gi *GroupIndex) NumberOfKeysInGroup(group string) int { return gi.groupCount(group) }

// NumberOfKeysInAllGroups sums PageMetadata.Count across every group.
func (gi *GroupIndex) NumberOfKeysInAllGroups() int {
	total := 0
	for g := range gi.groupsPages {
		total += gi.groupCount(g)
	}
	return total
}

// locatePage walks a group's page list accumulating pageOffset until it
// finds the page containing global index `index`. Shared by Inserter's
// insertAt, Query's keyAtIndex and the compare context's cmpAt (spec.md's
// design note recommending a single explicit locator rather than scattered
// walks).
func locatePage(pages []*PageMetadata, index int) (pageOffset int, meta *PageMetadata, localIndex int, err error) {
	offset := 0
	for _, m := range pages {
		if index < offset+m.Count {
			return offset, m, index - offset, nil
		}
		offset += m.Count
	}
	return 0, nil, 0, invariantf("locatePage: index %d out of range (total=%d)", index, offset)
}

// insertionPageForBoundary picks which page an insertion at a page-boundary index
// should land in, per spec.md §4.F "insertAt": landing strictly inside a
// page is unambiguous; landing exactly at a boundary prefers the next page
// unless the next page is already full and the previous one has room.
func insertionPageForBoundary(prev, next *PageMetadata, maxPageSize int) *PageMetadata {
	if next == nil {
		return prev
	}
	if prev != nil && prev.Count < maxPageSize && next.Count >= maxPageSize {
		return prev
	}
	return next
}

// addPage appends a new PageMetadata to the end of a group's list (used when
// creating the very first page of a new group, or appending a split-off page
// at the tail).
func (gi *GroupIndex) addPage(group string, m *PageMetadata) {
	gi.groupsPages[group] = append(gi.groupsPages[group], m)
	gi.pageToGroup[m.PageID] = group
	gi.version++
}

// insertPageAfter inserts newPage immediately after `after` in the group's
// list, or appends it at the tail if `after` is not in the list. after must
// be non-nil; splits always insert after the page being split.
func (gi *GroupIndex) insertPageAfter(group string, after *PageMetadata, newPage *PageMetadata) {
	pages := gi.groupsPages[group]
	idx := -1
	for i, m := range pages {
		if m.PageID == after.PageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		pages = append(pages, newPage)
	} else {
		pages = append(pages, nil)
		copy(pages[idx+2:], pages[idx+1:])
		pages[idx+1] = newPage
	}
	gi.groupsPages[group] = pages
	gi.pageToGroup[newPage.PageID] = group
	gi.version++
}

// removePage drops a (now-empty) PageMetadata from its group's list and
// patches the following page's PrevPageID, returning that following page (if
// any) so the caller can record it dirty-link.
func (gi *GroupIndex) removePage(group, pageID string) (following *PageMetadata, emptied bool) {
	pages := gi.groupsPages[group]
	idx := -1
	for i, m := range pages {
		if m.PageID == pageID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, len(pages) == 0
	}
	removedPrev := pages[idx].PrevPageID
	pages = append(pages[:idx], pages[idx+1:]...)
	if idx < len(pages) {
		pages[idx].PrevPageID = removedPrev
		following = pages[idx]
	}
	delete(gi.pageToGroup, pageID)
	gi.version++
	if len(pages) == 0 {
		delete(gi.groupsPages, group)
		return following, true
	}
	gi.groupsPages[group] = pages
	return following, false
}
