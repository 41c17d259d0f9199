package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/snappy"
)

// MetaPage layout (page 0):
//   [PageHeader 16 bytes]
//   [16] totalPages  uint32
//   [20] numCollections uint16
//   [22..] per collection:
//       [nameLen uint16][name bytes][firstPageID uint32][nextRecordID uint64]
//   followed by index definitions and view definitions, same length-prefixed
//   shape (see flushMeta/loadMetaPage).

const metaHeaderOffset = PageHeaderSize

// CollectionMeta is one collection's durable metadata: its name, the first
// page of its data chain, and the next record ID to hand out.
type CollectionMeta struct {
	Name         string
	FirstPageID  uint32
	NextRecordID uint64
}

// IndexDef describes a persisted index: the collection and field it covers,
// and the root page of its on-disk structure.
type IndexDef struct {
	Collection string
	Field      string
	RootPageID uint32
}

// Pager owns the single paged file beneath a primarystore.Store: it
// multiplexes page-level reads and writes, an LRU page cache, the
// write-ahead log, and the single in-flight write transaction over one
// os.File (or, in-memory mode, one MemFile).
type Pager struct {
	mu   sync.RWMutex // multi-reader / single-writer
	file StorageFile
	path string
	wal  *WAL      // write-ahead log (nil when disabled, e.g. in-memory mode)
	lock *fileLock // OS-level file lock (inter-process)

	totalPages  uint32
	collections map[string]*CollectionMeta
	indexDefs   []IndexDef        // persisted index definitions
	viewDefs    map[string]string // view name -> source query
	readOnly    bool              // true = reject all writes

	// LRU page cache
	cache *lruCache

	// Transaction support
	inTx          bool
	txUndoLog     map[uint32][PageSize]byte  // pageID -> before-image
	txNewPages    map[uint32]bool            // pages allocated during the tx
	txTotalPages  uint32                     // totalPages at tx start
	txCollections map[string]*CollectionMeta // collections snapshot
	txIndexDefs   []IndexDef                 // indexDefs snapshot
	txViewDefs    map[string]string          // viewDefs snapshot
}

// ErrReadOnly is returned when a write operation is attempted on a read-only database.
var ErrReadOnly = errors.New("pager: database is read-only")

// OpenPager opens or creates the database file.
func OpenPager(path string) (*Pager, error) {
	return openPager(path, false)
}

// OpenPagerReadOnly opens the database file in read-only mode. Any write
// attempt returns ErrReadOnly.
func OpenPagerReadOnly(path string) (*Pager, error) {
	return openPager(path, true)
}

func openPager(path string, readOnly bool) (*Pager, error) {
	// Acquire the OS-level file lock first, to keep a second process out.
	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("pager: cannot open file: %w", err)
	}

	p := &Pager{
		file:        file,
		path:        path,
		lock:        lock,
		collections: make(map[string]*CollectionMeta),
		viewDefs:    make(map[string]string),
		cache:       newLRUCache(1024), // 1024 pages = 4 MB cache
		readOnly:    readOnly,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if readOnly {
			file.Close()
			lock.unlock()
			return nil, errors.New("pager: cannot create database in read-only mode")
		}
		// New file: lay down the meta page.
		if err := p.initMetaPage(); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
	} else {
		if err := p.loadMetaPage(); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
	}

	if !readOnly {
		wal, err := OpenWAL(path)
		if err != nil {
			file.Close()
			lock.unlock()
			return nil, fmt.Errorf("pager: %w", err)
		}
		p.wal = wal

		// Recovery: replay the WAL if it holds committed writes we haven't applied.
		if err := p.recoverFromWAL(); err != nil {
			wal.Close()
			file.Close()
			lock.unlock()
			return nil, fmt.Errorf("pager: recovery failed: %w", err)
		}
	}

	return p, nil
}

// OpenPagerMemory creates a pager entirely in memory, with no backing file
// and no WAL. Used for embedding an ordered view in a process with no
// durable storage of its own.
func OpenPagerMemory() (*Pager, error) {
	mem := NewMemFile()
	p := &Pager{
		file:        mem,
		path:        ":memory:",
		collections: make(map[string]*CollectionMeta),
		viewDefs:    make(map[string]string),
		cache:       newLRUCache(1024),
	}
	if err := p.initMetaPage(); err != nil {
		return nil, err
	}
	// no WAL in memory mode
	return p, nil
}

// Close flushes metadata, syncs the data file, and releases the file lock.
// A final checkpoint truncates the WAL since everything is now durable in
// the data file itself.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.flushMeta(); err != nil {
			return err
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}
	if p.wal != nil {
		p.wal.Truncate()
		p.wal.Close()
	}
	fileErr := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return fileErr
}

// IsReadOnly returns true if the database is opened in read-only mode.
func (p *Pager) IsReadOnly() bool {
	return p.readOnly
}

// ReadPage reads one page from the file. Takes the read lock, so concurrent
// readers don't block each other.
func (p *Pager) ReadPage(pageID uint32) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageUnlocked(pageID)
}

func (p *Pager) readPageUnlocked(pageID uint32) (*Page, error) {
	if pageID >= p.totalPages {
		return nil, fmt.Errorf("pager: page %d out of range (total=%d)", pageID, p.totalPages)
	}
	if data, ok := p.cache.get(pageID); ok {
		page := &Page{}
		page.Data = data
		return page, nil
	}
	// Cache miss: go to disk.
	page := &Page{}
	_, err := p.file.ReadAt(page.Data[:], int64(pageID)*PageSize)
	if err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", pageID, err)
	}
	p.cache.put(pageID, page.Data)
	return page, nil
}

// WritePage writes a page to disk.
func (p *Pager) WritePage(page *Page) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageUnlocked(page)
}

func (p *Pager) writePageUnlocked(page *Page) error {
	pid := page.PageID()
	if pid >= p.totalPages {
		return fmt.Errorf("pager: page %d out of range (total=%d)", pid, p.totalPages)
	}
	// Inside a transaction, capture the before-image the first time this
	// page is touched, so RollbackTx can restore it.
	if p.inTx {
		if _, exists := p.txUndoLog[pid]; !exists {
			if !p.txNewPages[pid] {
				old, err := p.readPageUnlocked(pid)
				if err == nil {
					p.txUndoLog[pid] = old.Data
				}
			}
		}
	}
	// WAL: log the after-image before touching the data file.
	if p.wal != nil {
		if _, err := p.wal.LogPageWrite(pid, page.Data[:]); err != nil {
			return fmt.Errorf("pager: wal log: %w", err)
		}
	}
	_, err := p.file.WriteAt(page.Data[:], int64(pid)*PageSize)
	if err == nil {
		p.cache.put(pid, page.Data)
	}
	return err
}

// AllocatePage allocates a new page and returns its ID.
func (p *Pager) AllocatePage(ptype PageType) (uint32, error) {
	if p.readOnly {
		return 0, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocatePageUnlocked(ptype)
}

// allocatePageUnlocked allocates a page; caller must already hold p.mu.
func (p *Pager) allocatePageUnlocked(ptype PageType) (uint32, error) {
	newID := p.totalPages
	p.totalPages++ // bump first so writePageUnlocked accepts the new page
	page := NewPage(ptype, newID)

	if p.inTx {
		p.txNewPages[newID] = true
	}

	if err := p.writePageUnlocked(page); err != nil {
		p.totalPages-- // roll back the count on failure
		if p.inTx {
			delete(p.txNewPages, newID)
		}
		return 0, fmt.Errorf("pager: allocate page: %w", err)
	}
	return newID, nil
}

// GetCollection returns a collection's metadata, or nil if it doesn't exist.
func (p *Pager) GetCollection(name string) *CollectionMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collections[name]
}

// CreateCollection creates a new collection with an initial data page.
func (p *Pager) CreateCollection(name string) (*CollectionMeta, error) {
	if p.readOnly {
		return nil, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.collections[name]; exists {
		return nil, fmt.Errorf("pager: collection %q already exists", name)
	}

	// Inline, since we already hold the lock.
	pageID, err := p.allocatePageUnlocked(PageTypeData)
	if err != nil {
		return nil, err
	}

	meta := &CollectionMeta{
		Name:         name,
		FirstPageID:  pageID,
		NextRecordID: 1,
	}
	p.collections[name] = meta

	if err := p.flushMeta(); err != nil {
		return nil, err
	}
	return meta, nil
}

// GetOrCreateCollection returns an existing collection or creates it.
func (p *Pager) GetOrCreateCollection(name string) (*CollectionMeta, error) {
	if c := p.GetCollection(name); c != nil {
		return c, nil
	}
	return p.CreateCollection(name)
}

// NextRecordID returns and increments the next record ID for a collection.
func (p *Pager) NextRecordID(collName string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.collections[collName]
	if !ok {
		return 0, fmt.Errorf("pager: collection %q not found", collName)
	}
	id := c.NextRecordID
	c.NextRecordID++
	return id, nil
}

// FlushMeta persists metadata to disk. It takes the write lock itself, so the
// caller must not already hold it.
func (p *Pager) FlushMeta() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushMeta()
}

func (p *Pager) flushMeta() error {
	page := NewPage(PageTypeMeta, 0)

	off := uint16(metaHeaderOffset)
	binary.LittleEndian.PutUint32(page.Data[off:], p.totalPages)
	off += 4
	binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(p.collections)))
	off += 2

	for _, c := range p.collections {
		nameBytes := []byte(c.Name)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(nameBytes)))
		off += 2
		copy(page.Data[off:], nameBytes)
		off += uint16(len(nameBytes))
		binary.LittleEndian.PutUint32(page.Data[off:], c.FirstPageID)
		off += 4
		binary.LittleEndian.PutUint64(page.Data[off:], c.NextRecordID)
		off += 8
	}

	// Index definitions: [numIndexes:2] then [collLen:2][coll][fieldLen:2][field][rootPageID:4]
	binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(p.indexDefs)))
	off += 2
	for _, idx := range p.indexDefs {
		collBytes := []byte(idx.Collection)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(collBytes)))
		off += 2
		copy(page.Data[off:], collBytes)
		off += uint16(len(collBytes))
		fieldBytes := []byte(idx.Field)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(fieldBytes)))
		off += 2
		copy(page.Data[off:], fieldBytes)
		off += uint16(len(fieldBytes))
		binary.LittleEndian.PutUint32(page.Data[off:], idx.RootPageID)
		off += 4
	}

	// View definitions: [numViews:2] then [nameLen:2][name][queryLen:2][query]
	binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(p.viewDefs)))
	off += 2
	for name, query := range p.viewDefs {
		nameBytes := []byte(name)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(nameBytes)))
		off += 2
		copy(page.Data[off:], nameBytes)
		off += uint16(len(nameBytes))
		queryBytes := []byte(query)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(queryBytes)))
		off += 2
		copy(page.Data[off:], queryBytes)
		off += uint16(len(queryBytes))
	}

	// WAL: log the meta page before touching the data file.
	if p.wal != nil {
		if _, err := p.wal.LogPageWrite(0, page.Data[:]); err != nil {
			return fmt.Errorf("pager: wal log meta: %w", err)
		}
	}

	_, err := p.file.WriteAt(page.Data[:], 0)
	return err
}

func (p *Pager) initMetaPage() error {
	p.totalPages = 1 // page 0 = meta
	return p.flushMeta()
}

func (p *Pager) loadMetaPage() error {
	page := &Page{}
	_, err := p.file.ReadAt(page.Data[:], 0)
	if err != nil {
		return fmt.Errorf("pager: read meta page: %w", err)
	}
	if page.Type() != PageTypeMeta {
		return errors.New("pager: page 0 is not a meta page")
	}

	off := uint16(metaHeaderOffset)
	p.totalPages = binary.LittleEndian.Uint32(page.Data[off:])
	off += 4
	numColl := binary.LittleEndian.Uint16(page.Data[off:])
	off += 2

	for i := 0; i < int(numColl); i++ {
		nameLen := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		name := string(page.Data[off : off+nameLen])
		off += nameLen
		firstPage := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		nextRID := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8

		p.collections[name] = &CollectionMeta{
			Name:         name,
			FirstPageID:  firstPage,
			NextRecordID: nextRID,
		}
	}

	// Index definitions section is newer than the collection section; older
	// files may end right after collections, so check there's room first.
	if int(off)+2 <= len(page.Data) {
		numIdx := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		p.indexDefs = nil
		for i := 0; i < int(numIdx); i++ {
			collLen := binary.LittleEndian.Uint16(page.Data[off:])
			off += 2
			coll := string(page.Data[off : off+collLen])
			off += collLen
			fieldLen := binary.LittleEndian.Uint16(page.Data[off:])
			off += 2
			field := string(page.Data[off : off+fieldLen])
			off += fieldLen
			rootPageID := binary.LittleEndian.Uint32(page.Data[off:])
			off += 4
			p.indexDefs = append(p.indexDefs, IndexDef{Collection: coll, Field: field, RootPageID: rootPageID})
		}
	}

	// Same compatibility guard for the view definitions section.
	if int(off)+2 <= len(page.Data) {
		numViews := binary.LittleEndian.Uint16(page.Data[off:])
		off += 2
		p.viewDefs = make(map[string]string)
		for i := 0; i < int(numViews); i++ {
			nameLen := binary.LittleEndian.Uint16(page.Data[off:])
			off += 2
			name := string(page.Data[off : off+nameLen])
			off += nameLen
			queryLen := binary.LittleEndian.Uint16(page.Data[off:])
			off += 2
			query := string(page.Data[off : off+queryLen])
			off += queryLen
			p.viewDefs[name] = query
		}
	}

	return nil
}

// AddIndexDef adds a persisted index definition and flushes the meta page.
func (p *Pager) AddIndexDef(collection, field string, rootPageID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.indexDefs {
		if d.Collection == collection && d.Field == field {
			p.indexDefs[i].RootPageID = rootPageID
			return p.flushMeta()
		}
	}
	p.indexDefs = append(p.indexDefs, IndexDef{Collection: collection, Field: field, RootPageID: rootPageID})
	return p.flushMeta()
}

// RemoveIndexDef removes a persisted index definition and flushes the meta page.
func (p *Pager) RemoveIndexDef(collection, field string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.indexDefs {
		if d.Collection == collection && d.Field == field {
			p.indexDefs = append(p.indexDefs[:i], p.indexDefs[i+1:]...)
			return p.flushMeta()
		}
	}
	return nil
}

// RemoveAllIndexDefsForCollection removes every index definition for a collection.
func (p *Pager) RemoveAllIndexDefsForCollection(collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []IndexDef
	for _, d := range p.indexDefs {
		if d.Collection != collection {
			kept = append(kept, d)
		}
	}
	p.indexDefs = kept
	return p.flushMeta()
}

// IndexDefs returns the list of persisted index definitions.
func (p *Pager) IndexDefs() []IndexDef {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]IndexDef, len(p.indexDefs))
	copy(cp, p.indexDefs)
	return cp
}

// ---------- Views ----------

// AddView adds or replaces a view definition and flushes the meta page.
func (p *Pager) AddView(name, query string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewDefs[name] = query
	return p.flushMeta()
}

// RemoveView removes a view definition and flushes the meta page.
func (p *Pager) RemoveView(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.viewDefs, name)
	return p.flushMeta()
}

// GetView returns a view's source query, or ok=false if it doesn't exist.
func (p *Pager) GetView(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.viewDefs[name]
	return q, ok
}

// ListViews returns the names of every defined view.
func (p *Pager) ListViews() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.viewDefs))
	for n := range p.viewDefs {
		names = append(names, n)
	}
	return names
}

// ListCollections returns the names of every collection.
func (p *Pager) ListCollections() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.collections))
	for name := range p.collections {
		names = append(names, name)
	}
	return names
}

// AllocateAndChain allocates a new page and chains it after currentPageID.
func (p *Pager) AllocateAndChain(currentPageID uint32, ptype PageType) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newID, err := p.allocatePageUnlocked(ptype)
	if err != nil {
		return 0, err
	}

	current, err := p.readPageUnlocked(currentPageID)
	if err != nil {
		return 0, err
	}
	current.SetNextPageID(newID)
	if err := p.writePageUnlocked(current); err != nil {
		return 0, err
	}
	return newID, nil
}

// MarkDeletedAtomic tombstones a record as one read-modify-write under lock.
func (p *Pager) MarkDeletedAtomic(pageID uint32, slotOffset uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	page, err := p.readPageUnlocked(pageID)
	if err != nil {
		return err
	}
	page.MarkDeleted(slotOffset)
	return p.writePageUnlocked(page)
}

// UpdateRecordAtomic updates a record in place when possible. If the new
// data is a different length, it tombstones the old slot and reinserts via
// InsertRecordAtomic instead (called after releasing this method's own lock).
func (p *Pager) UpdateRecordAtomic(coll *CollectionMeta, pageID uint32, slotOffset uint16, recordID uint64, newData []byte) error {
	p.mu.Lock()

	page, err := p.readPageUnlocked(pageID)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	if page.UpdateRecordInPlace(slotOffset, newData) {
		err = p.writePageUnlocked(page)
		p.mu.Unlock()
		return err
	}

	// Size changed: tombstone the old slot, then reinsert.
	page.MarkDeleted(slotOffset)
	if err := p.writePageUnlocked(page); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	// Reinsert under the same record ID; InsertRecordAtomic takes its own lock.
	return p.InsertRecordAtomic(coll, recordID, newData)
}

// maxInlineRecordSize is the largest record that fits directly in a data page.
const maxInlineRecordSize = PageSize - PageHeaderSize - RecordSlotHeaderSize

// InsertRecordAtomic inserts a record into a collection's page chain.
// Records past maxInlineRecordSize are stored in an overflow chain instead.
func (p *Pager) InsertRecordAtomic(coll *CollectionMeta, recordID uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Try snappy first; only keep it if it actually shrinks the record.
	storeData, storeFlag := p.compressRecord(data)

	if len(storeData) > maxInlineRecordSize {
		return p.insertOverflowRecord(coll, recordID, data)
	}

	pageID := coll.FirstPageID
	var lastPageID uint32

	for pageID != 0 {
		page, err := p.readPageUnlocked(pageID)
		if err != nil {
			return err
		}
		if page.AppendRecordWithFlag(recordID, storeData, storeFlag) {
			return p.writePageUnlocked(page)
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	// No existing page had room: allocate one and chain it on.
	newID, err := p.allocatePageUnlocked(PageTypeData)
	if err != nil {
		return err
	}

	prev, err := p.readPageUnlocked(lastPageID)
	if err != nil {
		return err
	}
	prev.SetNextPageID(newID)
	if err := p.writePageUnlocked(prev); err != nil {
		return err
	}

	newPage, err := p.readPageUnlocked(newID)
	if err != nil {
		return err
	}
	if !newPage.AppendRecordWithFlag(recordID, storeData, storeFlag) {
		return fmt.Errorf("pager: record too large for a single page")
	}
	return p.writePageUnlocked(newPage)
}

// insertOverflowRecord stores a large record across a chain of overflow
// pages, then appends an overflow pointer slot to the collection's data
// page chain.
func (p *Pager) insertOverflowRecord(coll *CollectionMeta, recordID uint64, data []byte) error {
	totalLen := uint32(len(data))

	var firstOverflowID uint32
	var prevOverflowPage *Page
	offset := 0
	for offset < len(data) {
		ovID, err := p.allocatePageUnlocked(PageTypeOverflow)
		if err != nil {
			return err
		}
		if firstOverflowID == 0 {
			firstOverflowID = ovID
		}
		if prevOverflowPage != nil {
			prevOverflowPage.SetNextPageID(ovID)
			if err := p.writePageUnlocked(prevOverflowPage); err != nil {
				return err
			}
		}

		ovPage, err := p.readPageUnlocked(ovID)
		if err != nil {
			return err
		}
		chunkEnd := offset + OverflowDataCapacity
		if chunkEnd > len(data) {
			chunkEnd = len(data)
		}
		ovPage.WriteOverflowData(data[offset:chunkEnd])
		offset = chunkEnd
		prevOverflowPage = ovPage
	}
	// Write the last overflow page, with NextPageID left at 0.
	if prevOverflowPage != nil {
		if err := p.writePageUnlocked(prevOverflowPage); err != nil {
			return err
		}
	}

	// Now append the overflow pointer to the collection's data page chain.
	pageID := coll.FirstPageID
	var lastPageID uint32
	for pageID != 0 {
		page, err := p.readPageUnlocked(pageID)
		if err != nil {
			return err
		}
		if page.AppendOverflowPointer(recordID, totalLen, firstOverflowID) {
			return p.writePageUnlocked(page)
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	// No room for the pointer either: allocate a fresh data page for it.
	newID, err := p.allocatePageUnlocked(PageTypeData)
	if err != nil {
		return err
	}
	prev, err := p.readPageUnlocked(lastPageID)
	if err != nil {
		return err
	}
	prev.SetNextPageID(newID)
	if err := p.writePageUnlocked(prev); err != nil {
		return err
	}
	newPage, err := p.readPageUnlocked(newID)
	if err != nil {
		return err
	}
	if !newPage.AppendOverflowPointer(recordID, totalLen, firstOverflowID) {
		return fmt.Errorf("pager: cannot write overflow pointer")
	}
	return p.writePageUnlocked(newPage)
}

// ReadOverflowData reassembles a record's full data from its overflow chain.
func (p *Pager) ReadOverflowData(totalLen uint32, firstPageID uint32) ([]byte, error) {
	result := make([]byte, 0, totalLen)
	remaining := int(totalLen)
	pageID := firstPageID

	for pageID != 0 && remaining > 0 {
		page, err := p.readPageUnlocked(pageID)
		if err != nil {
			return nil, err
		}
		chunkLen := remaining
		if chunkLen > OverflowDataCapacity {
			chunkLen = OverflowDataCapacity
		}
		result = append(result, page.ReadOverflowData(chunkLen)...)
		remaining -= chunkLen
		pageID = page.NextPageID()
	}
	return result, nil
}

// FreeOverflowPages frees the overflow chain starting at firstPageID.
func (p *Pager) FreeOverflowPages(firstPageID uint32) error {
	pageID := firstPageID
	for pageID != 0 {
		page, err := p.readPageUnlocked(pageID)
		if err != nil {
			return err
		}
		nextID := page.NextPageID()
		page.Data[0] = byte(PageTypeFree)
		page.SetNextPageID(0)
		if err := p.writePageUnlocked(page); err != nil {
			return err
		}
		pageID = nextID
	}
	return nil
}

// ---------- Transaction support ----------

// BeginTx starts a transaction, snapshotting the pager's current state.
// Only one transaction runs at a time (single-writer).
func (p *Pager) BeginTx() error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTx {
		return fmt.Errorf("pager: transaction already active")
	}
	p.inTx = true
	p.txUndoLog = make(map[uint32][PageSize]byte)
	p.txNewPages = make(map[uint32]bool)
	p.txTotalPages = p.totalPages

	p.txCollections = make(map[string]*CollectionMeta, len(p.collections))
	for k, v := range p.collections {
		cp := *v
		p.txCollections[k] = &cp
	}
	p.txIndexDefs = make([]IndexDef, len(p.indexDefs))
	copy(p.txIndexDefs, p.indexDefs)
	p.txViewDefs = make(map[string]string, len(p.viewDefs))
	for k, v := range p.viewDefs {
		p.txViewDefs[k] = v
	}

	return nil
}

// CommitTx commits the current transaction, making its writes permanent.
func (p *Pager) CommitTx() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return fmt.Errorf("pager: no active transaction")
	}

	// Flush meta and commit the WAL so the writes are durable.
	if err := p.flushMeta(); err != nil {
		return err
	}
	if p.wal != nil {
		if err := p.wal.Commit(); err != nil {
			return err
		}
	}

	p.txUndoLog = nil
	p.txNewPages = nil
	p.txCollections = nil
	p.txIndexDefs = nil
	p.txViewDefs = nil
	p.inTx = false
	return nil
}

// RollbackTx aborts the current transaction, restoring every before-image.
func (p *Pager) RollbackTx() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTx {
		return fmt.Errorf("pager: no active transaction")
	}

	for pid, data := range p.txUndoLog {
		dataCopy := data // local copy, avoid aliasing the map's storage
		if _, err := p.file.WriteAt(dataCopy[:], int64(pid)*PageSize); err != nil {
			return fmt.Errorf("pager: rollback write page %d: %w", pid, err)
		}
	}

	// Pages allocated during the tx are abandoned.
	p.totalPages = p.txTotalPages

	p.collections = p.txCollections
	p.indexDefs = p.txIndexDefs
	p.viewDefs = p.txViewDefs

	if err := p.flushMeta(); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	// Cached pages may hold the tx's writes; drop them now that the
	// underlying file has been rolled back.
	p.cache.clear()

	if p.wal != nil {
		p.wal.Truncate()
	}

	p.txUndoLog = nil
	p.txNewPages = nil
	p.txCollections = nil
	p.txIndexDefs = nil
	p.txViewDefs = nil
	p.inTx = false
	return nil
}

// ClearCache empties the LRU page cache.
func (p *Pager) ClearCache() {
	p.cache.clear()
}

// CacheStats returns the LRU cache's hit/miss counters and current size/capacity.
func (p *Pager) CacheStats() (hits, misses uint64, size, capacity int) {
	return p.cache.stats() // the cache guards its own counters
}

// CacheHitRate returns the cache's hit rate, from 0.0 to 1.0.
func (p *Pager) CacheHitRate() float64 {
	return p.cache.hitRate()
}

// InTx reports whether a transaction is currently active.
func (p *Pager) InTx() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inTx
}

// ---------- WAL integration ----------

// CommitWAL writes a commit marker to the WAL and fsyncs it. Called after
// each complete write operation (insert, update, delete). If a transaction
// is active, the commit is deferred to CommitTx.
func (p *Pager) CommitWAL() error {
	if p.wal == nil {
		return nil
	}
	p.mu.RLock()
	inTx := p.inTx
	p.mu.RUnlock()
	if inTx {
		return nil // CommitTx will commit the WAL
	}
	return p.wal.Commit()
}

// Checkpoint applies the WAL's committed page writes to the data file, then
// truncates the WAL.
func (p *Pager) Checkpoint() error {
	if p.wal == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	records := p.wal.CommittedPageWrites()
	for _, rec := range records {
		if len(rec.Data) != PageSize {
			continue
		}
		// A page allocated but not yet written needs the file extended first.
		for rec.PageID >= p.totalPages {
			p.totalPages = rec.PageID + 1
		}
		if _, err := p.file.WriteAt(rec.Data, int64(rec.PageID)*PageSize); err != nil {
			return fmt.Errorf("pager: checkpoint write page %d: %w", rec.PageID, err)
		}
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pager: checkpoint fsync: %w", err)
	}

	return p.wal.Truncate()
}

// recoverFromWAL replays the WAL's committed page writes into the data
// file. Runs automatically when a pager opens, to recover from a crash
// between the WAL commit and the next checkpoint.
func (p *Pager) recoverFromWAL() error {
	if p.wal == nil {
		return nil
	}

	records := p.wal.CommittedPageWrites()
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if len(rec.Data) != PageSize {
			continue
		}
		for rec.PageID >= p.totalPages {
			p.totalPages = rec.PageID + 1
		}
		if _, err := p.file.WriteAt(rec.Data, int64(rec.PageID)*PageSize); err != nil {
			return fmt.Errorf("recovery: write page %d: %w", rec.PageID, err)
		}
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("recovery: fsync: %w", err)
	}

	// Meta may have changed as part of the replayed writes; reload it.
	if err := p.loadMetaPage(); err != nil {
		return fmt.Errorf("recovery: reload meta: %w", err)
	}

	return p.wal.Truncate()
}

// DropCollection removes a collection's metadata. Its data pages are not
// physically freed (v1); the collection simply becomes unreachable once
// it's gone from the meta page.
func (p *Pager) DropCollection(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.collections[name]; !ok {
		return fmt.Errorf("pager: collection %q not found", name)
	}
	delete(p.collections, name)
	return p.flushMeta()
}

// VacuumCollection rewrites a collection's page chain without its
// tombstoned records, returning how many records were reclaimed.
func (p *Pager) VacuumCollection(collName string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	coll, ok := p.collections[collName]
	if !ok {
		return 0, fmt.Errorf("pager: collection %q not found", collName)
	}

	var liveRecords []struct {
		recordID uint64
		data     []byte
	}
	var reclaimedCount int

	pageID := coll.FirstPageID
	for pageID != 0 {
		page, err := p.readPageUnlocked(pageID)
		if err != nil {
			return 0, err
		}
		for _, slot := range page.ReadRecords() {
			if slot.Deleted {
				// Free the overflow chain of any tombstoned overflow record.
				if slot.Overflow || page.SlotFlags(slot.Offset) == SlotFlagDelOver {
					if len(slot.Data) >= 8 {
						_, firstOvPage := slot.OverflowInfo()
						p.FreeOverflowPages(firstOvPage)
					}
				}
				reclaimedCount++
			} else if slot.Overflow {
				// Live record with overflow data: read the full payload back.
				totalLen, firstOvPage := slot.OverflowInfo()
				fullData, err := p.ReadOverflowData(totalLen, firstOvPage)
				if err != nil {
					return 0, err
				}
				// The old overflow chain is freed; it gets reallocated below.
				p.FreeOverflowPages(firstOvPage)
				liveRecords = append(liveRecords, struct {
					recordID uint64
					data     []byte
				}{slot.RecordID, fullData})
			} else {
				recData := slot.Data
				if slot.Compressed {
					dec, err := snappy.Decode(nil, slot.Data)
					if err != nil {
						return 0, fmt.Errorf("vacuum: snappy decode: %w", err)
					}
					recData = dec
				}
				liveRecords = append(liveRecords, struct {
					recordID uint64
					data     []byte
				}{slot.RecordID, recData})
			}
		}
		pageID = page.NextPageID()
	}

	if reclaimedCount == 0 {
		return 0, nil // nothing to compact
	}

	newFirstPageID, err := p.allocatePageUnlocked(PageTypeData)
	if err != nil {
		return 0, err
	}

	currentPageID := newFirstPageID
	// Temporary CollectionMeta so insertOverflowRecord has a chain to target.
	tempColl := &CollectionMeta{FirstPageID: newFirstPageID}

	for _, rec := range liveRecords {
		if len(rec.data) > maxInlineRecordSize {
			tempColl.FirstPageID = currentPageID
			if err := p.insertOverflowRecord(tempColl, rec.recordID, rec.data); err != nil {
				return 0, err
			}
			// The chain may have grown; find its new tail.
			pid := tempColl.FirstPageID
			for pid != 0 {
				pg, _ := p.readPageUnlocked(pid)
				if pg.NextPageID() == 0 {
					currentPageID = pid
					break
				}
				pid = pg.NextPageID()
			}
			continue
		}

		storeData, storeFlag := p.compressRecord(rec.data)

		page, err := p.readPageUnlocked(currentPageID)
		if err != nil {
			return 0, err
		}
		if !page.AppendRecordWithFlag(rec.recordID, storeData, storeFlag) {
			nextID, err := p.allocatePageUnlocked(PageTypeData)
			if err != nil {
				return 0, err
			}
			page.SetNextPageID(nextID)
			if err := p.writePageUnlocked(page); err != nil {
				return 0, err
			}
			currentPageID = nextID
			newPage, err := p.readPageUnlocked(nextID)
			if err != nil {
				return 0, err
			}
			newPage.AppendRecordWithFlag(rec.recordID, storeData, storeFlag)
			if err := p.writePageUnlocked(newPage); err != nil {
				return 0, err
			}
			continue
		}
		if err := p.writePageUnlocked(page); err != nil {
			return 0, err
		}
	}

	coll.FirstPageID = newFirstPageID

	// The old chain's pages are not physically freed in v1.
	if err := p.flushMeta(); err != nil {
		return 0, err
	}

	return reclaimedCount, nil
}

// WALPath returns the path of the WAL file.
func (p *Pager) WALPath() string {
	if p.wal == nil {
		return ""
	}
	return p.wal.path
}

// ---------- Snappy compression ----------

// compressRecord compresses data with snappy, returning the bytes to store
// and the flag to tag them with. Falls back to the original bytes and
// SlotFlagActive when compression doesn't actually shrink the record.
func (p *Pager) compressRecord(data []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, data)
	if len(compressed) < len(data) {
		return compressed, SlotFlagCompressed
	}
	return data, SlotFlagActive
}

// DecompressRecord decompresses a record's data if it was stored compressed;
// otherwise it returns the stored bytes unchanged.
func DecompressRecord(slot *RecordSlot) ([]byte, error) {
	if !slot.Compressed {
		return slot.Data, nil
	}
	decoded, err := snappy.Decode(nil, slot.Data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return decoded, nil
}
