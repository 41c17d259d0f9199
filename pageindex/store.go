package pageindex

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/klauspost/compress/snappy"
)

// currentClassVersion tracks the on-disk schema of the two backing tables
// (spec.md §6). Bump and handle the migration in reconcileVersion when the
// schema changes.
const currentClassVersion = 3

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PageStore backs a GroupIndex with the two relational tables named in
// spec.md §6 (map_<name>, page_<name>) plus a shared extension-registry
// table tracking classVersion/version. It holds the per-connection dirty
// sets and bounded clean caches described in spec.md §4.D. Persistence is a
// *sql.DB — in this module, always opened against modernc.org/sqlite, the
// pure-Go driver exercised the same way in SimonWaldherr/tinySQL's storage
// benchmarks.
type PageStore struct {
	db   *sql.DB
	name string

	mapTable  string
	pageTable string

	mu        sync.Mutex
	pageCache *lruCache[string, *Page]
	mapCache  *lruCache[int64, mapLookup]

	tx *writeState
}

type mapLookup struct {
	pageID string
	found  bool
}

// writeState is the per-transaction dirty-set bundle (spec.md §4.D/§5).
// Exactly one writeState may be active on a PageStore at a time — writers
// are serialized by the host transaction model (see concurrency.WriteGate).
type writeState struct {
	dirtyPages    map[string]*dirtyPageEntry
	dirtyLinks    map[string]*PageMetadata
	dirtyMaps     map[int64]*dirtyMapEntry
	mutatedGroups map[string]bool

	lastInsertWasAtFirstIndex bool
	lastInsertWasAtLastIndex  bool

	changes []Change
}

type dirtyPageEntry struct {
	page      *Page
	tombstone bool
}

type dirtyMapEntry struct {
	pageID    string
	tombstone bool
}

func newWriteState() *writeState {
	return &writeState{
		dirtyPages:    make(map[string]*dirtyPageEntry),
		dirtyLinks:    make(map[string]*PageMetadata),
		dirtyMaps:     make(map[int64]*dirtyMapEntry),
		mutatedGroups: make(map[string]bool),
	}
}

// OpenPageStore creates the backing tables if absent and reconciles the
// extension registry (spec.md §6). needsRepopulate is true when the caller
// must clear and fully rebuild the view: either the schema changed
// (classVersion mismatch — tables are dropped and recreated here) or the
// caller's predicate version changed (tables are kept; the caller still has
// to clear and rebuild them).
func OpenPageStore(ctx context.Context, db *sql.DB, name string, version int, cacheSize int) (store *PageStore, needsRepopulate bool, err error) {
	if !validName.MatchString(name) {
		return nil, false, storagef("invalid view name %q", name)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	store = &PageStore{
		db:        db,
		name:      name,
		mapTable:  "map_" + name,
		pageTable: "page_" + name,
		pageCache: newLRUCache[string, *Page](cacheSize),
		mapCache:  newLRUCache[int64, mapLookup](cacheSize),
	}

	if err := store.ensureRegistry(ctx); err != nil {
		return nil, false, err
	}
	needsRepopulate, err = store.reconcileVersion(ctx, version)
	if err != nil {
		return nil, false, err
	}
	if err := store.ensureTables(ctx); err != nil {
		return nil, false, err
	}
	return store, needsRepopulate, nil
}

func (s *PageStore) ensureRegistry(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pageindex_ext_registry (
			name TEXT PRIMARY KEY,
			classVersion INTEGER NOT NULL,
			version INTEGER NOT NULL
		)`)
	if err != nil {
		return storagef("create registry table: %w", err)
	}
	return nil
}

func (s *PageStore) reconcileVersion(ctx context.Context, version int) (needsRepopulate bool, err error) {
	var storedClass, storedVersion int
	row := s.db.QueryRowContext(ctx,
		`SELECT classVersion, version FROM pageindex_ext_registry WHERE name = ?`, s.name)
	switch err := row.Scan(&storedClass, &storedVersion); err {
	case sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO pageindex_ext_registry (name, classVersion, version) VALUES (?, ?, ?)`,
			s.name, currentClassVersion, version)
		if err != nil {
			return false, storagef("init registry row: %w", err)
		}
		return false, nil
	case nil:
		// fallthrough to comparisons below
	default:
		return false, storagef("read registry row: %w", err)
	}

	if storedClass != currentClassVersion {
		if err := s.dropTables(ctx); err != nil {
			return false, err
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE pageindex_ext_registry SET classVersion = ?, version = ? WHERE name = ?`,
			currentClassVersion, version, s.name); err != nil {
			return false, storagef("update registry after class migration: %w", err)
		}
		return true, nil
	}

	if storedVersion != version {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE pageindex_ext_registry SET version = ? WHERE name = ?`, version, s.name); err != nil {
			return false, storagef("update registry version: %w", err)
		}
		return true, nil
	}

	return false, nil
}

func (s *PageStore) dropTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.mapTable)); err != nil {
		return storagef("drop %s: %w", s.mapTable, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.pageTable)); err != nil {
		return storagef("drop %s: %w", s.pageTable, err)
	}
	return nil
}

func (s *PageStore) ensureTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			rowid INTEGER PRIMARY KEY,
			pageKey TEXT NOT NULL
		)`, s.mapTable))
	if err != nil {
		return storagef("create %s: %w", s.mapTable, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			pageKey TEXT PRIMARY KEY,
			"group" TEXT NOT NULL,
			prevPageKey TEXT,
			count INTEGER NOT NULL,
			data BLOB NOT NULL
		)`, s.pageTable))
	if err != nil {
		return storagef("create %s: %w", s.pageTable, err)
	}
	return nil
}

// LoadPageRows reads (pageKey, group, prevPageKey, count) for every page, for
// GroupIndex reconstruction on open.
func (s *PageStore) LoadPageRows(ctx context.Context) ([]PageRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT pageKey, "group", prevPageKey, count FROM %s`, s.pageTable))
	if err != nil {
		return nil, storagef("load page rows: %w", err)
	}
	defer rows.Close()

	var out []PageRow
	for rows.Next() {
		var r PageRow
		var prev sql.NullString
		if err := rows.Scan(&r.PageID, &r.Group, &prev, &r.Count); err != nil {
			return nil, storagef("scan page row: %w", err)
		}
		r.PrevPageID = prev.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------- Write-transaction lifecycle ----------

func (s *PageStore) beginWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return ErrTransactionActive
	}
	s.tx = newWriteState()
	return nil
}

func (s *PageStore) requireTx() (*writeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, ErrNoActiveTransaction
	}
	return s.tx, nil
}

// ---------- Reads: dirty -> cache -> table ----------

// ReadPage returns the current in-transaction (or committed) contents of a
// page, honoring the dirty-before-cache-before-table order required by
// spec.md §5 so a transaction always observes its own writes.
func (s *PageStore) ReadPage(ctx context.Context, pageID string) (*Page, error) {
	if dirty, tombstoned, ok := s.lookupDirtyPage(pageID); ok {
		if tombstoned {
			return nil, invariantf("read tombstoned page %q", pageID)
		}
		return dirty, nil
	}
	if p, ok := s.pageCache.get(pageID); ok {
		return p.Clone(), nil
	}
	var raw []byte
	var compressed bool
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE pageKey = ?`, s.pageTable), pageID)
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, corruptf("page %q not found", pageID)
		}
		return nil, storagef("read page %q: %w", pageID, err)
	}
	raw, compressed = decodeBlobFlag(raw)
	if compressed {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, storagef("decompress page %q: %w", pageID, err)
		}
		raw = decoded
	}
	page, err := DeserializePage(raw)
	if err != nil {
		return nil, err
	}
	s.pageCache.put(pageID, page.Clone())
	return page, nil
}

// PageOf resolves rowid -> pageId, or found=false if unmapped.
func (s *PageStore) PageOf(ctx context.Context, rowid int64) (pageID string, found bool, err error) {
	if dirtyPageID, tombstoned, ok := s.lookupDirtyMap(rowid); ok {
		if tombstoned {
			return "", false, nil
		}
		return dirtyPageID, true, nil
	}
	if v, ok := s.mapCache.get(rowid); ok {
		return v.pageID, v.found, nil
	}
	var pageID2 string
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT pageKey FROM %s WHERE rowid = ?`, s.mapTable), rowid)
	switch err := row.Scan(&pageID2); err {
	case nil:
		s.mapCache.put(rowid, mapLookup{pageID: pageID2, found: true})
		return pageID2, true, nil
	case sql.ErrNoRows:
		s.mapCache.put(rowid, mapLookup{found: false})
		return "", false, nil
	default:
		return "", false, storagef("lookup page for rowid %d: %w", rowid, err)
	}
}

// ---------- Writes: update dirty set and clean cache eagerly ----------
//
// Every dirty-set access (read or write) below takes s.mu. The engine's
// concurrency model allows only one writer at a time, so this is never
// contended between writers; it exists so a concurrent reader snapshot
// doesn't race the Go map underneath an in-flight transaction.

func (s *PageStore) lookupDirtyPage(pageID string) (page *Page, tombstoned bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil, false, false
	}
	entry, ok := s.tx.dirtyPages[pageID]
	if !ok {
		return nil, false, false
	}
	return entry.page, entry.tombstone, true
}

func (s *PageStore) lookupDirtyMap(rowid int64) (pageID string, tombstoned bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return "", false, false
	}
	entry, ok := s.tx.dirtyMaps[rowid]
	if !ok {
		return "", false, false
	}
	return entry.pageID, entry.tombstone, true
}

func (s *PageStore) markPageDirty(pageID string, page *Page) {
	s.mu.Lock()
	s.tx.dirtyPages[pageID] = &dirtyPageEntry{page: page}
	s.mu.Unlock()
	s.pageCache.put(pageID, page.Clone())
}

func (s *PageStore) tombstonePage(pageID string) {
	s.mu.Lock()
	s.tx.dirtyPages[pageID] = &dirtyPageEntry{tombstone: true}
	delete(s.tx.dirtyLinks, pageID)
	s.mu.Unlock()
	s.pageCache.invalidate(pageID)
}

func (s *PageStore) markLinkDirty(meta *PageMetadata) {
	s.mu.Lock()
	s.tx.dirtyLinks[meta.PageID] = meta
	s.mu.Unlock()
}

func (s *PageStore) setPageOf(rowid int64, pageID string) {
	s.mu.Lock()
	s.tx.dirtyMaps[rowid] = &dirtyMapEntry{pageID: pageID}
	s.mu.Unlock()
	s.mapCache.put(rowid, mapLookup{pageID: pageID, found: true})
}

func (s *PageStore) tombstoneMapEntry(rowid int64) {
	s.mu.Lock()
	s.tx.dirtyMaps[rowid] = &dirtyMapEntry{tombstone: true}
	s.mu.Unlock()
	s.mapCache.put(rowid, mapLookup{found: false})
}

func (s *PageStore) markGroupMutated(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx.mutatedGroups[group] = true
}

func (s *PageStore) appendChange(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx.changes = append(s.tx.changes, c)
}

// DeleteAllAndResetCaches implements removeAllRowids (spec.md §4.G):
// deletes every row of both tables and clears every cache. It runs directly
// on the *sql.DB, outside the write transaction's dirty sets and outside the
// *sql.Tx that Commit uses, so a Rollback does not restore the deleted rows.
func (s *PageStore) DeleteAllAndResetCaches(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.mapTable)); err != nil {
		return storagef("truncate %s: %w", s.mapTable, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.pageTable)); err != nil {
		return storagef("truncate %s: %w", s.pageTable, err)
	}
	s.pageCache.clear()
	s.mapCache.clear()
	return nil
}

// Stats reports cache hit and miss counts and in-flight dirty-set sizes, a diagnostic
// surface grounded on the teacher's Pager.CacheStats/CacheHitRate.
type Stats struct {
	PageCacheHits, PageCacheMisses         uint64
	MapCacheHits, MapCacheMisses           uint64
	DirtyPageCount, DirtyLinkCount, DirtyMapCount int
}

func (s *PageStore) Stats() Stats {
	ph, pm, _, _ := s.pageCache.stats()
	mh, mm, _, _ := s.mapCache.stats()
	st := Stats{PageCacheHits: ph, PageCacheMisses: pm, MapCacheHits: mh, MapCacheMisses: mm}
	s.mu.Lock()
	if s.tx != nil {
		st.DirtyPageCount = len(s.tx.dirtyPages)
		st.DirtyLinkCount = len(s.tx.dirtyLinks)
		st.DirtyMapCount = len(s.tx.dirtyMaps)
	}
	s.mu.Unlock()
	return st
}

// ---------- Page blob codec: snappy, with a one-byte compression flag ----------

const (
	blobFlagPlain      byte = 0
	blobFlagCompressed byte = 1
)

func encodeBlob(data []byte) []byte {
	compressed := snappy.Encode(nil, data)
	if len(compressed)+1 < len(data) {
		return append([]byte{blobFlagCompressed}, compressed...)
	}
	return append([]byte{blobFlagPlain}, data...)
}

func decodeBlobFlag(raw []byte) (data []byte, compressed bool) {
	if len(raw) == 0 {
		return raw, false
	}
	return raw[1:], raw[0] == blobFlagCompressed
}
