package pageindex

import (
	"context"
	"testing"
)

func TestCommitPersistsPageAndMapRows(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	meta := &PageMetadata{PageID: "p1", Group: "g", Count: 2}
	page := NewPageFromRowids([]int64{1, 2})
	store.markPageDirty(meta.PageID, page)
	store.markLinkDirty(meta)
	store.setPageOf(1, meta.PageID)
	store.setPageOf(2, meta.PageID)
	store.markGroupMutated("g")

	if _, err := store.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rows, err := store.LoadPageRows(ctx)
	if err != nil {
		t.Fatalf("loadPageRows: %v", err)
	}
	if len(rows) != 1 || rows[0].PageID != "p1" || rows[0].Count != 2 {
		t.Fatalf("unexpected persisted page rows: %+v", rows)
	}

	pageID, found, err := store.PageOf(ctx, 1)
	if err != nil {
		t.Fatalf("pageOf: %v", err)
	}
	if !found || pageID != "p1" {
		t.Fatalf("expected rowid 1 mapped to p1, got %q found=%v", pageID, found)
	}
}

func TestCommitClearsActiveTransaction(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	if _, err := store.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.requireTx(); err != ErrNoActiveTransaction {
		t.Fatalf("expected no active transaction after commit, got %v", err)
	}
}

func TestCommitWithoutActiveTransactionErrors(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Commit(ctx); err != ErrNoActiveTransaction {
		t.Fatalf("expected ErrNoActiveTransaction, got %v", err)
	}
}

func TestRollbackInvalidatesCachesAndClearsTransaction(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	meta := &PageMetadata{PageID: "p1", Group: "g", Count: 1}
	store.markPageDirty(meta.PageID, NewPageFromRowids([]int64{1}))
	store.markLinkDirty(meta)
	store.setPageOf(1, meta.PageID)

	if _, ok := store.pageCache.get("p1"); !ok {
		t.Fatal("expected markPageDirty to eagerly populate the clean cache")
	}

	if err := store.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok := store.pageCache.get("p1"); ok {
		t.Error("expected rollback to invalidate the page cache entry")
	}
	if _, err := store.requireTx(); err != ErrNoActiveTransaction {
		t.Fatalf("expected no active transaction after rollback, got %v", err)
	}

	rows, err := store.LoadPageRows(ctx)
	if err != nil {
		t.Fatalf("loadPageRows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected rollback to leave the backing table untouched, got %d rows", len(rows))
	}
}

func TestCommitTombstonesRemovePersistedPage(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	store, _, err := OpenPageStore(ctx, db, "todos", 1, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite: %v", err)
	}
	meta := &PageMetadata{PageID: "p1", Group: "g", Count: 1}
	store.markPageDirty(meta.PageID, NewPageFromRowids([]int64{1}))
	store.markLinkDirty(meta)
	if _, err := store.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	if err := store.beginWrite(); err != nil {
		t.Fatalf("beginWrite 2: %v", err)
	}
	store.tombstonePage("p1")
	if _, err := store.Commit(ctx); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	rows, err := store.LoadPageRows(ctx)
	if err != nil {
		t.Fatalf("loadPageRows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected tombstoned page removed, got %d rows", len(rows))
	}
}
