package pageindex

import (
	"context"
	"database/sql"
	"fmt"
)

// CommitWriter drains a transaction's dirty sets to the backing tables in
// the fixed order spec.md §4.I requires: page tombstones, then page
// inserts/updates, then link-only metadata updates (pages whose blob did
// not change but whose count or prevPageId did, e.g. from a neighbor's
// split), and finally the rowid->page map's tombstones and writes. The
// whole batch runs inside one *sql.Tx so a mid-commit failure leaves the
// backing tables exactly as they were.
func (s *PageStore) Commit(ctx context.Context) ([]Change, error) {
	tx, err := s.requireTx()
	if err != nil {
		return nil, err
	}

	// Held for the whole drain: a concurrent reader snapshot must not observe
	// the dirty maps mid-iteration. The backing sqlite connection is local,
	// so this never blocks on the network.
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storagef("begin commit: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.commitPageTombstones(ctx, sqlTx, tx); err != nil {
		return nil, err
	}
	if err := s.commitPageUpserts(ctx, sqlTx, tx); err != nil {
		return nil, err
	}
	if err := s.commitLinkOnlyUpdates(ctx, sqlTx, tx); err != nil {
		return nil, err
	}
	if err := s.commitMapTombstones(ctx, sqlTx, tx); err != nil {
		return nil, err
	}
	if err := s.commitMapUpserts(ctx, sqlTx, tx); err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, storagef("commit: %w", err)
	}

	changes := tx.changes
	s.tx = nil
	return changes, nil
}

// Rollback discards the active transaction's dirty sets without touching
// the backing tables. Clean caches were written to eagerly during the
// transaction (spec.md §5), so they must be invalidated for every key the
// transaction touched.
func (s *PageStore) Rollback() error {
	tx, err := s.requireTx()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for pageID := range tx.dirtyPages {
		s.pageCache.invalidate(pageID)
	}
	for rowid := range tx.dirtyMaps {
		s.mapCache.invalidate(rowid)
	}
	s.tx = nil
	return nil
}

func (s *PageStore) commitPageTombstones(ctx context.Context, sqlTx *sql.Tx, tx *writeState) error {
	stmt, err := sqlTx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE pageKey = ?`, s.pageTable))
	if err != nil {
		return storagef("prepare page delete: %w", err)
	}
	defer stmt.Close()
	for pageID, entry := range tx.dirtyPages {
		if !entry.tombstone {
			continue
		}
		if _, err := stmt.ExecContext(ctx, pageID); err != nil {
			return storagef("delete page %q: %w", pageID, err)
		}
	}
	return nil
}

func (s *PageStore) commitPageUpserts(ctx context.Context, sqlTx *sql.Tx, tx *writeState) error {
	stmt, err := sqlTx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (pageKey, "group", prevPageKey, count, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pageKey) DO UPDATE SET "group" = excluded."group", prevPageKey = excluded.prevPageKey,
		 count = excluded.count, data = excluded.data`, s.pageTable))
	if err != nil {
		return storagef("prepare page upsert: %w", err)
	}
	defer stmt.Close()

	for pageID, entry := range tx.dirtyPages {
		if entry.tombstone {
			continue
		}
		link := tx.dirtyLinks[pageID]
		if link == nil {
			return invariantf("dirty page %q committed without link metadata", pageID)
		}
		blob := encodeBlob(entry.page.Serialize())
		if _, err := stmt.ExecContext(ctx, pageID, link.Group, nullableString(link.PrevPageID), link.Count, blob); err != nil {
			return storagef("upsert page %q: %w", pageID, err)
		}
		link.IsNew = false
		delete(tx.dirtyLinks, pageID)
	}
	return nil
}

func (s *PageStore) commitLinkOnlyUpdates(ctx context.Context, sqlTx *sql.Tx, tx *writeState) error {
	stmt, err := sqlTx.PrepareContext(ctx, fmt.Sprintf(
		`UPDATE %s SET "group" = ?, prevPageKey = ?, count = ? WHERE pageKey = ?`, s.pageTable))
	if err != nil {
		return storagef("prepare link update: %w", err)
	}
	defer stmt.Close()

	for pageID, link := range tx.dirtyLinks {
		if _, err := stmt.ExecContext(ctx, link.Group, nullableString(link.PrevPageID), link.Count, pageID); err != nil {
			return storagef("update link for page %q: %w", pageID, err)
		}
	}
	return nil
}

func (s *PageStore) commitMapTombstones(ctx context.Context, sqlTx *sql.Tx, tx *writeState) error {
	stmt, err := sqlTx.PrepareContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, s.mapTable))
	if err != nil {
		return storagef("prepare map delete: %w", err)
	}
	defer stmt.Close()
	for rowid, entry := range tx.dirtyMaps {
		if !entry.tombstone {
			continue
		}
		if _, err := stmt.ExecContext(ctx, rowid); err != nil {
			return storagef("delete map entry %d: %w", rowid, err)
		}
	}
	return nil
}

func (s *PageStore) commitMapUpserts(ctx context.Context, sqlTx *sql.Tx, tx *writeState) error {
	stmt, err := sqlTx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (rowid, pageKey) VALUES (?, ?) ON CONFLICT(rowid) DO UPDATE SET pageKey = excluded.pageKey`,
		s.mapTable))
	if err != nil {
		return storagef("prepare map upsert: %w", err)
	}
	defer stmt.Close()
	for rowid, entry := range tx.dirtyMaps {
		if entry.tombstone {
			continue
		}
		if _, err := stmt.ExecContext(ctx, rowid, entry.pageID); err != nil {
			return storagef("upsert map entry %d: %w", rowid, err)
		}
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
