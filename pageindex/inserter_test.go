package pageindex

import (
	"context"
	"fmt"
	"testing"
)

func newTestInserter(t *testing.T, rows *fakeRows) (*Inserter, *GroupIndex, *PageStore) {
	t.Helper()
	return newTestInserterWithMaxPageSize(t, rows, 100)
}

func newTestInserterWithMaxPageSize(t *testing.T, rows *fakeRows, maxPageSize int) (*Inserter, *GroupIndex, *PageStore) {
	t.Helper()
	db := tempDB(t)
	store, _, err := OpenPageStore(context.Background(), db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pages := newGroupIndex()
	grouping := NewGroupingWithKey(groupByFirstLetter)
	sorting := NewSortingWithKey(sortByKey)
	compactor := NewCompactor(pages, store, maxPageSize)
	ins := NewInserter(rows, grouping, sorting, pages, store, maxPageSize, compactor)
	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	return ins, pages, store
}

func TestInserterPlacesFirstRowidAtHead(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", nil, nil)
	ins, pages, _ := newTestInserter(t, rows)

	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if pages.NumberOfKeysInGroup("a") != 1 {
		t.Fatalf("expected 1 key in group a, got %d", pages.NumberOfKeysInGroup("a"))
	}
}

func TestInserterMaintainsSortedOrder(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apricot", nil, nil)
	rows.put(2, "apple", nil, nil)
	rows.put(3, "avocado", nil, nil)
	ins, pages, store := newTestInserter(t, rows)

	for _, rowid := range []int64{1, 2, 3} {
		if err := ins.Insert(ctx, rowid); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}

	page, err := store.ReadPage(ctx, pages.groupPages("a")[0].PageID)
	if err != nil {
		t.Fatalf("readPage: %v", err)
	}
	got := page.Rowids()
	want := []int64{2, 1, 3} // apple, apricot, avocado
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted order %v, got %v", want, got)
		}
	}
}

func TestInserterExcludedRowNeverPlaced(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "", nil, nil) // groupByFirstLetter excludes the empty key
	ins, pages, _ := newTestInserter(t, rows)

	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if pages.NumberOfGroups() != 0 {
		t.Fatalf("expected row excluded by grouping predicate to stay unplaced, got %d groups", pages.NumberOfGroups())
	}
}

func TestInserterMoveAcrossGroupsOnKeyChange(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", nil, nil)
	ins, pages, _ := newTestInserter(t, rows)

	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows.put(1, "banana", nil, nil)
	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("re-insert after key change: %v", err)
	}

	if pages.hasGroup("a") {
		t.Error("expected group a to be emptied")
	}
	if pages.NumberOfKeysInGroup("b") != 1 {
		t.Errorf("expected row relocated into group b, got %d", pages.NumberOfKeysInGroup("b"))
	}
}

func TestRepositionKeepsIndexForTiedUpdate(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", "obj1", nil)
	rows.put(2, "apple", "obj2", nil)
	rows.put(3, "apple", "obj3", nil)
	ins, pages, store := newTestInserter(t, rows)

	for _, rowid := range []int64{1, 2, 3} {
		if err := ins.Insert(ctx, rowid); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}

	// An object-only update to the middle row must not disturb the tie
	// order the upper-bound binary search produced on insert.
	rows.put(2, "apple", "obj2-updated", nil)
	if err := ins.Insert(ctx, 2); err != nil {
		t.Fatalf("reposition: %v", err)
	}

	page, err := store.ReadPage(ctx, pages.groupPages("a")[0].PageID)
	if err != nil {
		t.Fatalf("readPage: %v", err)
	}
	got := page.Rowids()
	want := []int64{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected tied update to keep index, want %v, got %v", want, got)
		}
	}
}

func TestRepositionFallsBackWhenOrderingChanges(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "aaa", nil, nil)
	rows.put(2, "abb", nil, nil)
	rows.put(3, "acc", nil, nil)
	ins, pages, store := newTestInserter(t, rows)

	for _, rowid := range []int64{1, 2, 3} {
		if err := ins.Insert(ctx, rowid); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}

	// rowid 1 sorts after both of its former siblings now.
	rows.put(1, "ad", nil, nil)
	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("reposition: %v", err)
	}

	page, err := store.ReadPage(ctx, pages.groupPages("a")[0].PageID)
	if err != nil {
		t.Fatalf("readPage: %v", err)
	}
	got := page.Rowids()
	want := []int64{2, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected reordering to fall back to full search, want %v, got %v", want, got)
		}
	}
}

func TestPlaceAtTriggersInlineSplitPastHardTrigger(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	ins, pages, _ := newTestInserterWithMaxPageSize(t, rows, 1)

	for i := int64(1); i <= 33; i++ {
		rows.put(i, fmt.Sprintf("k%03d", i), nil, nil)
		if err := ins.Insert(ctx, i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for _, m := range pages.groupPages("k") {
		if m.Count > hardTriggerFactor {
			t.Errorf("page %s exceeded the hard trigger mid-transaction: count=%d", m.PageID, m.Count)
		}
	}
	if pages.NumberOfKeysInGroup("k") != 33 {
		t.Fatalf("expected all 33 rowids still present, got %d", pages.NumberOfKeysInGroup("k"))
	}
}

func TestInsertionTargetBoundaryPrefersNextUnlessFull(t *testing.T) {
	spare := &PageMetadata{PageID: "spare", Count: 2}
	full := &PageMetadata{PageID: "full", Count: 10}

	meta, local := insertionTarget([]*PageMetadata{full, spare}, 10, 10)
	if meta.PageID != "spare" || local != 0 {
		t.Errorf("expected boundary insert to land in spare page at local 0, got %s/%d", meta.PageID, local)
	}
}

func TestInsertionTargetInteriorIndexUnambiguous(t *testing.T) {
	a := &PageMetadata{PageID: "a", Count: 5}
	meta, local := insertionTarget([]*PageMetadata{a}, 3, 10)
	if meta.PageID != "a" || local != 3 {
		t.Errorf("expected interior index to stay in its own page, got %s/%d", meta.PageID, local)
	}
}
