// Demo of orderedview: projects a collection from storage's custom pager
// into a paged, grouped, sorted index.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/Felmond13/orderedview/pageindex"
	"github.com/Felmond13/orderedview/storage"
)

func main() {
	const pagerPath = "orderedviewdemo_rows.db"
	const indexPath = "orderedviewdemo_index.db"
	defer os.Remove(pagerPath)
	defer os.Remove(indexPath)

	ctx := context.Background()

	pager, err := storage.OpenPager(pagerPath)
	if err != nil {
		log.Fatalf("open pager: %v", err)
	}
	defer pager.Close()

	rows, err := storage.OpenStore(pager, "todos")
	if err != nil {
		log.Fatalf("open primary store: %v", err)
	}

	indexDB, err := sql.Open("sqlite", indexPath)
	if err != nil {
		log.Fatalf("open index db: %v", err)
	}
	defer indexDB.Close()

	grouping := pageindex.NewGroupingWithKey(func(key string) (string, bool) {
		if key == "" {
			return "", false
		}
		return key[:1], true
	})
	sorting := pageindex.NewSortingWithKey(func(_, key1, key2 string) pageindex.Ordering {
		switch {
		case key1 < key2:
			return pageindex.Ascending
		case key1 > key2:
			return pageindex.Descending
		default:
			return pageindex.Equal
		}
	})

	view, needsRepopulate, err := pageindex.Open(ctx, indexDB, "todos", rows, grouping, sorting,
		pageindex.WithMaxPageSize(4))
	if err != nil {
		log.Fatalf("open view: %v", err)
	}

	fmt.Println("=== orderedview demo ===")
	fmt.Println()

	// -------------------------------------------------------
	// 1. Seed the primary store, then resync the view.
	// -------------------------------------------------------
	fmt.Println("--- Seeding rows ---")
	seed := []struct {
		rowid int64
		key   string
	}{
		{1, "apple"}, {2, "apricot"}, {3, "avocado"},
		{4, "banana"}, {5, "blueberry"}, {6, "cherry"},
	}
	for _, row := range seed {
		if err := rows.Put(row.rowid, row.key, []byte("object:"+row.key), nil); err != nil {
			log.Fatalf("put rowid %d: %v", row.rowid, err)
		}
	}

	if needsRepopulate {
		fmt.Println("  view needs repopulating, rebuilding from the primary store...")
		if err := view.Repopulate(ctx); err != nil {
			log.Fatalf("repopulate: %v", err)
		}
	} else {
		tx, err := view.BeginWrite(ctx)
		if err != nil {
			log.Fatalf("beginWrite: %v", err)
		}
		for _, row := range seed {
			if err := tx.Insert(ctx, row.rowid); err != nil {
				tx.Rollback()
				log.Fatalf("insert rowid %d: %v", row.rowid, err)
			}
		}
		if _, err := tx.Commit(ctx); err != nil {
			log.Fatalf("commit: %v", err)
		}
	}
	fmt.Println()

	// -------------------------------------------------------
	// 2. Walk every group in order.
	// -------------------------------------------------------
	fmt.Println("--- Groups, in order ---")
	q := view.Snapshot()
	for _, group := range q.AllGroups() {
		keys, err := q.KeysInRange(ctx, group, pageindex.Range{Start: 0, End: q.NumberOfKeysInGroup(group)}, pageindex.Forward)
		if err != nil {
			log.Fatalf("keysInRange %q: %v", group, err)
		}
		fmt.Printf("  %s: %v\n", group, keys)
	}
	fmt.Println()

	// -------------------------------------------------------
	// 3. Rename a row across groups and re-run Insert.
	// -------------------------------------------------------
	fmt.Println("--- Renaming rowid 6 from cherry to bilberry (moves group c -> b) ---")
	if err := rows.Put(6, "bilberry", []byte("object:bilberry"), nil); err != nil {
		log.Fatalf("put renamed row: %v", err)
	}
	tx, err := view.BeginWrite(ctx)
	if err != nil {
		log.Fatalf("beginWrite: %v", err)
	}
	if err := tx.Insert(ctx, 6); err != nil {
		tx.Rollback()
		log.Fatalf("insert renamed row: %v", err)
	}
	changes, err := tx.Commit(ctx)
	if err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Printf("  %d change record(s) emitted\n\n", len(changes))

	// -------------------------------------------------------
	// 4. Delete a row outright.
	// -------------------------------------------------------
	fmt.Println("--- Deleting rowid 1 (apple) ---")
	tx, err = view.BeginWrite(ctx)
	if err != nil {
		log.Fatalf("beginWrite: %v", err)
	}
	if err := tx.Remove(ctx, 1); err != nil {
		tx.Rollback()
		log.Fatalf("remove: %v", err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		log.Fatalf("commit: %v", err)
	}
	if err := rows.Delete(1); err != nil {
		log.Fatalf("delete from primary store: %v", err)
	}
	fmt.Println()

	fmt.Println("--- Groups after rename + delete ---")
	q = view.Snapshot()
	for _, group := range q.AllGroups() {
		keys, err := q.KeysInRange(ctx, group, pageindex.Range{Start: 0, End: q.NumberOfKeysInGroup(group)}, pageindex.Forward)
		if err != nil {
			log.Fatalf("keysInRange %q: %v", group, err)
		}
		fmt.Printf("  %s: %v\n", group, keys)
	}
	fmt.Println()

	stats := view.Stats()
	fmt.Printf("--- Stats ---\n  %+v\n", stats)
	fmt.Println("=== Done ===")
}
