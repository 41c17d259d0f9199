package storage

import (
	"context"
	"fmt"
	"sync"
)

// recordLocation pins a rowid to the page and in-page slot offset holding
// its current record, so Update/Delete don't need a full collection scan.
type recordLocation struct {
	pageID uint32
	offset uint16
}

// Store adapts a Pager collection into the primary row store collaborator
// an ordered materialized view projects from: each row carries an opaque
// key plus opaque object/metadata payloads, addressed by a caller-assigned
// rowid. This is the out-of-scope "primary store" in the view's own
// design — here it is a concrete implementation for tests and the demo
// command, backed by the same paged document file as the rest of this
// package.
type Store struct {
	pager      *Pager
	collection string
	coll       *CollectionMeta

	mu        sync.RWMutex
	locations map[int64]recordLocation
}

// Row is one record as round-tripped through the Store.
type Row struct {
	Rowid    int64
	Key      string
	Object   []byte
	Metadata []byte
}

// OpenStore opens (creating if absent) the named collection and rebuilds
// the rowid->location index by scanning its page chain once.
func OpenStore(pager *Pager, collection string) (*Store, error) {
	coll, err := pager.GetOrCreateCollection(collection)
	if err != nil {
		return nil, fmt.Errorf("primarystore: open collection %q: %w", collection, err)
	}
	s := &Store{pager: pager, collection: collection, coll: coll, locations: make(map[int64]recordLocation)}
	if err := s.rebuildLocations(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildLocations() error {
	pageID := s.coll.FirstPageID
	for pageID != 0 {
		page, err := s.pager.ReadPage(pageID)
		if err != nil {
			return fmt.Errorf("primarystore: scan page %d: %w", pageID, err)
		}
		for _, slot := range page.ReadRecords() {
			if slot.Deleted {
				continue
			}
			s.locations[int64(slot.RecordID)] = recordLocation{pageID: pageID, offset: slot.Offset}
		}
		pageID = page.NextPageID()
	}
	return nil
}

func encodeRow(key string, object, metadata []byte) ([]byte, error) {
	doc := NewDocument()
	doc.Set("key", key)
	doc.Set("object", string(object))
	doc.Set("metadata", string(metadata))
	return doc.Encode()
}

func decodeRow(rowid int64, data []byte) (Row, error) {
	doc, err := Decode(data)
	if err != nil {
		return Row{}, fmt.Errorf("primarystore: decode rowid %d: %w", rowid, err)
	}
	key, _ := doc.Get("key")
	object, _ := doc.Get("object")
	metadata, _ := doc.Get("metadata")
	ks, _ := key.(string)
	os_, _ := object.(string)
	ms, _ := metadata.(string)
	return Row{Rowid: rowid, Key: ks, Object: []byte(os_), Metadata: []byte(ms)}, nil
}

// Put inserts a brand-new rowid, or overwrites an existing one: in place when
// the encoded record keeps its length, otherwise by tombstoning the old slot
// and appending the new record.
// Callers driving a pageindex.View must call View/WriteTxn.Insert with the
// same rowid afterward to resync the view.
func (s *Store) Put(rowid int64, key string, object, metadata []byte) error {
	data, err := encodeRow(key, object, metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loc, ok := s.locations[rowid]; ok {
		if err := s.pager.UpdateRecordAtomic(s.coll, loc.pageID, loc.offset, uint64(rowid), data); err != nil {
			return err
		}
		return s.rebuildLocations()
	}

	if err := s.pager.InsertRecordAtomic(s.coll, uint64(rowid), data); err != nil {
		return err
	}
	return s.rebuildLocations()
}

// Delete removes rowid outright. Callers must still call
// WriteTxn.Remove(rowid) to resync the view.
func (s *Store) Delete(rowid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[rowid]
	if !ok {
		return nil
	}
	if err := s.pager.MarkDeletedAtomic(loc.pageID, loc.offset); err != nil {
		return err
	}
	delete(s.locations, rowid)
	return nil
}

// Get returns the current row for rowid, or found=false if absent.
func (s *Store) Get(rowid int64) (Row, bool, error) {
	s.mu.RLock()
	loc, ok := s.locations[rowid]
	s.mu.RUnlock()
	if !ok {
		return Row{}, false, nil
	}

	page, err := s.pager.ReadPage(loc.pageID)
	if err != nil {
		return Row{}, false, err
	}
	for _, slot := range page.ReadRecords() {
		if slot.Offset != loc.offset || slot.Deleted {
			continue
		}
		if slot.Overflow {
			totalLen, firstPage := slot.OverflowInfo()
			raw, err := s.pager.ReadOverflowData(totalLen, firstPage)
			if err != nil {
				return Row{}, false, err
			}
			row, err := decodeRow(rowid, raw)
			return row, true, err
		}
		raw, err := DecompressRecord(&slot)
		if err != nil {
			return Row{}, false, err
		}
		row, err := decodeRow(rowid, raw)
		return row, true, err
	}
	return Row{}, false, nil
}

// ---------- pageindex.RowSource ----------

// KeyForRowid implements pageindex.RowSource.
func (s *Store) KeyForRowid(rowid int64) (string, error) {
	row, ok, err := s.Get(rowid)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("primarystore: rowid %d not found", rowid)
	}
	return row.Key, nil
}

// ObjectForRowid implements pageindex.RowSource.
func (s *Store) ObjectForRowid(rowid int64) (interface{}, error) {
	row, ok, err := s.Get(rowid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("primarystore: rowid %d not found", rowid)
	}
	return row.Object, nil
}

// MetadataForRowid implements pageindex.RowSource.
func (s *Store) MetadataForRowid(rowid int64) (interface{}, error) {
	row, ok, err := s.Get(rowid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("primarystore: rowid %d not found", rowid)
	}
	return row.Metadata, nil
}

// AllRowids implements pageindex.RowEnumerator, letting a view repopulate
// itself from scratch.
func (s *Store) AllRowids(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.locations))
	for rowid := range s.locations {
		out = append(out, rowid)
	}
	return out, nil
}
