package pageindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

// tempDB opens a fresh on-disk sqlite database for one test, mirroring the
// teacher's tempPath(t) helper in storage/pager_test.go.
func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "orderedview_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	return db
}

// testRow is one row a fakeRows fixture knows about.
type testRow struct {
	key      string
	object   interface{}
	metadata interface{}
}

// fakeRows is a minimal in-memory RowSource + RowEnumerator fixture, used in
// place of a real primary store so pageindex tests exercise the engine in
// isolation.
type fakeRows struct {
	rows map[int64]testRow
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: make(map[int64]testRow)}
}

func (f *fakeRows) put(rowid int64, key string, object, metadata interface{}) {
	f.rows[rowid] = testRow{key: key, object: object, metadata: metadata}
}

func (f *fakeRows) delete(rowid int64) {
	delete(f.rows, rowid)
}

func (f *fakeRows) KeyForRowid(rowid int64) (string, error) {
	r, ok := f.rows[rowid]
	if !ok {
		return "", fmt.Errorf("fakeRows: rowid %d not found", rowid)
	}
	return r.key, nil
}

func (f *fakeRows) ObjectForRowid(rowid int64) (interface{}, error) {
	r, ok := f.rows[rowid]
	if !ok {
		return nil, fmt.Errorf("fakeRows: rowid %d not found", rowid)
	}
	return r.object, nil
}

func (f *fakeRows) MetadataForRowid(rowid int64) (interface{}, error) {
	r, ok := f.rows[rowid]
	if !ok {
		return nil, fmt.Errorf("fakeRows: rowid %d not found", rowid)
	}
	return r.metadata, nil
}

func (f *fakeRows) AllRowids(_ context.Context) ([]int64, error) {
	out := make([]int64, 0, len(f.rows))
	for rowid := range f.rows {
		out = append(out, rowid)
	}
	return out, nil
}

// groupByFirstLetter groups rows by the first byte of their key — enough
// variety for multi-group tests without needing real domain objects.
func groupByFirstLetter(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	return key[:1], true
}

// sortByKey orders rows lexicographically by key within a group.
func sortByKey(_ string, key1, key2 string) Ordering {
	switch {
	case key1 < key2:
		return Ascending
	case key1 > key2:
		return Descending
	default:
		return Equal
	}
}
