package pageindex

import (
	"context"
	"fmt"
	"testing"
)

func newTestRemover(t *testing.T, rows *fakeRows) (*Inserter, *Remover, *GroupIndex, *PageStore) {
	t.Helper()
	db := tempDB(t)
	store, _, err := OpenPageStore(context.Background(), db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pages := newGroupIndex()
	grouping := NewGroupingWithKey(groupByFirstLetter)
	sorting := NewSortingWithKey(sortByKey)
	compactor := NewCompactor(pages, store, 100)
	ins := NewInserter(rows, grouping, sorting, pages, store, 100, compactor)
	rem := NewRemover(rows, pages, store)
	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	return ins, rem, pages, store
}

func TestRemoverDropsLastRowidAndGroup(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", nil, nil)
	ins, rem, pages, _ := newTestRemover(t, rows)

	if err := ins.Insert(ctx, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rem.Remove(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if pages.hasGroup("a") {
		t.Error("expected group a to be gone once its only row is removed")
	}
}

func TestRemoverLeavesSiblingRowsInPlace(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", nil, nil)
	rows.put(2, "avocado", nil, nil)
	ins, rem, pages, _ := newTestRemover(t, rows)

	for _, rowid := range []int64{1, 2} {
		if err := ins.Insert(ctx, rowid); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}
	if err := rem.Remove(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if pages.NumberOfKeysInGroup("a") != 1 {
		t.Errorf("expected 1 key left in group a, got %d", pages.NumberOfKeysInGroup("a"))
	}
}

func TestRemoverNoOpForUnplacedRowid(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	_, rem, _, _ := newTestRemover(t, rows)

	if err := rem.Remove(ctx, 999); err != nil {
		t.Fatalf("expected no-op for never-placed rowid, got %v", err)
	}
}

func TestRemoveRowidsBulkRemovesInDescendingIndexOrder(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	for i, rowid := range []int64{10, 20, 30, 40, 50} {
		rows.put(rowid, fmt.Sprintf("key%02d", i), nil, nil)
	}
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	pages := newGroupIndex()
	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	metas := seedGroup(t, store, pages, "g", [][]int64{{10, 20, 30, 40, 50}})
	pageID := metas[0].PageID

	rem := NewRemover(rows, pages, store)
	keyMap := map[int64]string{20: "key01", 40: "key03"}
	if err := rem.RemoveRowids(ctx, "g", pageID, keyMap); err != nil {
		t.Fatalf("removeRowids: %v", err)
	}

	changes := store.tx.changes
	if len(changes) != 2 {
		t.Fatalf("expected 2 deleteRow changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].Kind != ChangeDeleteRow || changes[0].Key != "key03" || changes[0].Index != 3 {
		t.Errorf("expected first emitted delete to be rowid 40 at index 3, got %+v", changes[0])
	}
	if changes[1].Kind != ChangeDeleteRow || changes[1].Key != "key01" || changes[1].Index != 1 {
		t.Errorf("expected second emitted delete to be rowid 20 at index 1, got %+v", changes[1])
	}

	page, err := store.ReadPage(ctx, pageID)
	if err != nil {
		t.Fatalf("readPage: %v", err)
	}
	got := page.Rowids()
	want := []int64{10, 30, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected surviving rowids %v, got %v", want, got)
		}
	}
}

func TestRemoveAllRowidsClearsEverything(t *testing.T) {
	ctx := context.Background()
	rows := newFakeRows()
	rows.put(1, "apple", nil, nil)
	rows.put(2, "banana", nil, nil)
	ins, rem, pages, store := newTestRemover(t, rows)

	for _, rowid := range []int64{1, 2} {
		if err := ins.Insert(ctx, rowid); err != nil {
			t.Fatalf("insert %d: %v", rowid, err)
		}
	}
	if err := rem.RemoveAllRowids(ctx); err != nil {
		t.Fatalf("removeAllRowids: %v", err)
	}
	if pages.NumberOfGroups() != 0 {
		t.Errorf("expected 0 groups after removeAllRowids, got %d", pages.NumberOfGroups())
	}
	st := store.Stats()
	if st.PageCacheHits != 0 || st.PageCacheMisses != 0 {
		t.Errorf("expected page cache cleared, got stats %+v", st)
	}
}
