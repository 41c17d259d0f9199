package pageindex

import (
	"context"

	"github.com/google/uuid"
)

// Compactor runs at the end of a write transaction (spec.md §4.H) to keep
// every page within maxPageSize and to collapse any page a removal left
// empty. Two passes: expand (split oversized pages), then collapse
// (remove empty pages, patch links, emit deleteGroup).
//
// The same expand-oversized algorithm also runs inline, mid-transaction,
// when a single insert pushes one page past the hard trigger of
// 32*maxPageSize (spec.md §4.F, Testable Property 4): SplitInline drives it
// against a single page with a target of 16*maxPageSize rather than waiting
// for this end-of-transaction pass to reach it at maxPageSize.
type Compactor struct {
	pages       *GroupIndex
	store       *PageStore
	maxPageSize int
}

func NewCompactor(pages *GroupIndex, store *PageStore, maxPageSize int) *Compactor {
	return &Compactor{pages: pages, store: store, maxPageSize: maxPageSize}
}

// Run executes both passes over every group touched during the
// transaction.
func (c *Compactor) Run(ctx context.Context) error {
	groups := make([]string, 0, len(c.store.tx.mutatedGroups))
	for g := range c.store.tx.mutatedGroups {
		groups = append(groups, g)
	}
	for _, group := range groups {
		if err := c.splitOversized(ctx, group); err != nil {
			return err
		}
	}
	for _, group := range groups {
		if err := c.collapseEmpty(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// splitOversized repeatedly rebalances any page in group whose Count
// exceeds maxPageSize, against a target of maxPageSize.
func (c *Compactor) splitOversized(ctx context.Context, group string) error {
	for {
		pages := c.pages.groupPages(group)
		splitIndex := -1
		for i, meta := range pages {
			if meta.Count > c.maxPageSize {
				splitIndex = i
				break
			}
		}
		if splitIndex == -1 {
			return nil
		}
		if err := c.rebalanceOnePage(ctx, group, pages, splitIndex, c.maxPageSize); err != nil {
			return err
		}
	}
}

// SplitInline applies the same rebalance-or-split step as splitOversized,
// but confined to a single already-known page and against an explicit
// target rather than c.maxPageSize. The caller (Inserter.placeAt) invokes
// this the moment a page's count exceeds the 32*maxPageSize hard trigger,
// with target == 16*maxPageSize, so a single write transaction never lets
// one group's page run away unchecked between Compactor passes.
func (c *Compactor) SplitInline(ctx context.Context, group, pageID string, target int) error {
	for {
		pages := c.pages.groupPages(group)
		idx := -1
		for i, m := range pages {
			if m.PageID == pageID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return invariantf("splitInline: page %q is no longer part of group %q", pageID, group)
		}
		if pages[idx].Count <= target {
			return nil
		}
		if err := c.rebalanceOnePage(ctx, group, pages, idx, target); err != nil {
			return err
		}
	}
}

// rebalanceOnePage implements one step of spec.md §4.H's expand-oversized
// rule for the page at pages[splitIndex]: drain its overflow into a
// neighbor with spare capacity relative to target (previous page first,
// then next), and only allocate a brand new page when neither has room.
func (c *Compactor) rebalanceOnePage(ctx context.Context, group string, pages []*PageMetadata, splitIndex, target int) error {
	meta := pages[splitIndex]
	page, err := c.store.ReadPage(ctx, meta.PageID)
	if err != nil {
		return err
	}
	overflow := meta.Count - target

	var prev, next *PageMetadata
	if splitIndex > 0 {
		prev = pages[splitIndex-1]
	}
	if splitIndex+1 < len(pages) {
		next = pages[splitIndex+1]
	}

	switch {
	case prev != nil && prev.Count < target:
		return c.drainToPrev(ctx, prev, meta, page, minInt(overflow, target-prev.Count))
	case next != nil && next.Count < target:
		return c.drainToNext(ctx, meta, next, page, minInt(overflow, target-next.Count))
	default:
		return c.splitIntoNewPage(ctx, group, meta, page, target)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// drainToPrev moves n leading rowids of page into prev's tail.
func (c *Compactor) drainToPrev(ctx context.Context, prevMeta, meta *PageMetadata, page *Page, n int) error {
	prevPage, err := c.store.ReadPage(ctx, prevMeta.PageID)
	if err != nil {
		return err
	}
	moving := append([]int64(nil), page.Rowids()[:n]...)
	if err := prevPage.AppendRange(page, Range{Start: 0, End: n}); err != nil {
		return err
	}

	prevMeta.Count += n
	meta.Count -= n

	for _, rowid := range moving {
		c.store.setPageOf(rowid, prevMeta.PageID)
	}
	c.store.markPageDirty(prevMeta.PageID, prevPage)
	c.store.markPageDirty(meta.PageID, page)
	c.store.markLinkDirty(prevMeta)
	c.store.markLinkDirty(meta)
	return nil
}

// drainToNext moves n trailing rowids of page into next's head.
func (c *Compactor) drainToNext(ctx context.Context, meta, nextMeta *PageMetadata, page *Page, n int) error {
	nextPage, err := c.store.ReadPage(ctx, nextMeta.PageID)
	if err != nil {
		return err
	}
	start := page.Len() - n
	moving := append([]int64(nil), page.Rowids()[start:]...)
	if err := nextPage.PrependRange(page, Range{Start: start, End: page.Len()}); err != nil {
		return err
	}

	nextMeta.Count += n
	meta.Count -= n

	for _, rowid := range moving {
		c.store.setPageOf(rowid, nextMeta.PageID)
	}
	c.store.markPageDirty(nextMeta.PageID, nextPage)
	c.store.markPageDirty(meta.PageID, page)
	c.store.markLinkDirty(nextMeta)
	c.store.markLinkDirty(meta)
	return nil
}

// splitIntoNewPage allocates a brand new page immediately after meta in the
// group's list and moves min(overflow, target) rowids off meta's tail onto
// it (spec.md §4.H rule 3), patching the link of whatever page used to
// follow meta.
func (c *Compactor) splitIntoNewPage(ctx context.Context, group string, meta *PageMetadata, page *Page, target int) error {
	moveCount := minInt(meta.Count-target, target)
	start := page.Len() - moveCount
	tail, err := page.RemoveRange(Range{Start: start, End: page.Len()})
	if err != nil {
		return err
	}

	newMeta := &PageMetadata{PageID: uuid.NewString(), Group: group, PrevPageID: meta.PageID, Count: len(tail), IsNew: true}
	newPage := NewPageFromRowids(tail)

	c.pages.insertPageAfter(group, meta, newMeta)
	meta.Count = page.Len()

	pages := c.pages.groupPages(group)
	for i, m := range pages {
		if m.PageID == newMeta.PageID && i+1 < len(pages) {
			following := pages[i+1]
			following.PrevPageID = newMeta.PageID
			c.store.markLinkDirty(following)
			break
		}
	}

	for _, rowid := range tail {
		c.store.setPageOf(rowid, newMeta.PageID)
	}
	c.store.markPageDirty(meta.PageID, page)
	c.store.markPageDirty(newMeta.PageID, newPage)
	c.store.markLinkDirty(meta)
	c.store.markLinkDirty(newMeta)
	return nil
}

// collapseEmpty removes any page left with Count == 0 after splitting (a
// defensive sweep; removePlacement already collapses the common case
// inline), patching the following page's link and emitting deleteGroup if
// the group is left with no pages at all.
func (c *Compactor) collapseEmpty(ctx context.Context, group string) error {
	for {
		pages := c.pages.groupPages(group)
		idx := -1
		for i, m := range pages {
			if m.Count == 0 {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil
		}
		meta := pages[idx]
		following, emptied := c.pages.removePage(group, meta.PageID)
		c.store.tombstonePage(meta.PageID)
		if following != nil {
			c.store.markLinkDirty(following)
		}
		if emptied {
			c.store.appendChange(deleteGroupChange(group))
		}
	}
}
