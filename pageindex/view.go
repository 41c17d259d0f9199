package pageindex

import (
	"context"
	"database/sql"

	"github.com/Felmond13/orderedview/concurrency"
)

// Option configures a View at Open time.
type Option func(*openConfig)

type openConfig struct {
	maxPageSize int
	cacheSize   int
	version     int
	lockPolicy  concurrency.LockPolicy
}

func defaultConfig() *openConfig {
	return &openConfig{maxPageSize: 50, cacheSize: 1024, version: 1, lockPolicy: concurrency.LockPolicyWait}
}

// WithMaxPageSize bounds how many rowids a single page may hold before the
// Compactor splits it (spec.md §4.A).
func WithMaxPageSize(n int) Option {
	return func(c *openConfig) { c.maxPageSize = n }
}

// WithCacheSize bounds the page and rowid->page LRU caches.
func WithCacheSize(n int) Option {
	return func(c *openConfig) { c.cacheSize = n }
}

// WithVersion ties the view's data to a caller-chosen predicate version
// (spec.md §6): bumping it whenever grouping/sorting semantics change makes
// the next Open report needsRepopulate. Open does not repopulate by itself;
// the caller runs Repopulate.
func WithVersion(n int) Option {
	return func(c *openConfig) { c.version = n }
}

// WithLockPolicy selects whether a second concurrent writer blocks
// (LockPolicyWait, the default) or fails immediately (LockPolicyFail).
func WithLockPolicy(p concurrency.LockPolicy) Option {
	return func(c *openConfig) { c.lockPolicy = p }
}

// View is the top-level ordered materialized view described in spec.md §2:
// a named, durable, paged projection of a primary row store under a
// grouping predicate and a within-group sorting predicate.
type View struct {
	name        string
	rows        RowSource
	grouping    GroupingPredicate
	sorting     SortingPredicate
	maxPageSize int

	store *PageStore
	pages *GroupIndex
	gate  *concurrency.WriteGate
}

// Open creates the backing tables if needed, loads and validates the
// GroupIndex, and returns whether the caller must repopulate the view from
// scratch (schema or predicate version changed since the last Open).
func Open(ctx context.Context, db *sql.DB, name string, rows RowSource, grouping GroupingPredicate, sorting SortingPredicate, opts ...Option) (*View, bool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	store, needsRepopulate, err := OpenPageStore(ctx, db, name, cfg.version, cfg.cacheSize)
	if err != nil {
		return nil, false, err
	}

	rowsFromDB, err := store.LoadPageRows(ctx)
	if err != nil {
		return nil, false, err
	}
	pages, err := prepareGroupIndex(rowsFromDB)
	if err != nil {
		return nil, false, err
	}

	v := &View{
		name:        name,
		rows:        rows,
		grouping:    grouping,
		sorting:     sorting,
		maxPageSize: cfg.maxPageSize,
		store:       store,
		pages:       pages,
		gate:        concurrency.NewWriteGate(cfg.lockPolicy),
	}
	return v, needsRepopulate, nil
}

// Snapshot returns a read-only Query over an immutable copy of the current
// GroupIndex, safe to use concurrently with an in-flight writer
// (spec.md §5).
func (v *View) Snapshot() *Query {
	return NewQuery(v.rows, v.pages.Snapshot(), v.store)
}

// Stats reports cache and in-flight dirty-set diagnostics.
func (v *View) Stats() Stats {
	return v.store.Stats()
}

// BeginWrite blocks (or fails, per the configured LockPolicy) until no
// other write transaction is active, then returns a WriteTxn bound to the
// live GroupIndex.
func (v *View) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	if err := v.gate.Acquire(); err != nil {
		return nil, err
	}
	if err := v.store.beginWrite(); err != nil {
		v.gate.Release()
		return nil, err
	}
	compactor := NewCompactor(v.pages, v.store, v.maxPageSize)
	return &WriteTxn{
		view:      v,
		inserter:  NewInserter(v.rows, v.grouping, v.sorting, v.pages, v.store, v.maxPageSize, compactor),
		remover:   NewRemover(v.rows, v.pages, v.store),
		compactor: compactor,
	}, nil
}

// RowEnumerator is implemented by a RowSource that can additionally list
// every rowid it currently holds, which Repopulate needs to rebuild a view
// from scratch (spec.md's "repopulation" design note).
type RowEnumerator interface {
	AllRowids(ctx context.Context) ([]int64, error)
}

// Repopulate clears the view and re-inserts every rowid the primary store
// reports, in one write transaction. Used after Open reports
// needsRepopulate, or whenever the caller wants to force a full rebuild
// (e.g. after correcting corrupted state).
func (v *View) Repopulate(ctx context.Context) error {
	enum, ok := v.rows.(RowEnumerator)
	if !ok {
		return storagef("repopulate: row source does not implement RowEnumerator")
	}
	rowids, err := enum.AllRowids(ctx)
	if err != nil {
		return err
	}

	tx, err := v.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := tx.RemoveAll(ctx); err != nil {
		tx.Rollback()
		return err
	}
	for _, rowid := range rowids {
		if err := tx.Insert(ctx, rowid); err != nil {
			tx.Rollback()
			return err
		}
	}
	_, err = tx.Commit(ctx)
	return err
}
