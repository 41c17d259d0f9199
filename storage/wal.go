package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WALRecordType identifies what kind of entry a WAL record is.
type WALRecordType byte

const (
	WALPageWrite  WALRecordType = 1 // a full page's after-image
	WALCommit     WALRecordType = 2 // commit marker
	WALCheckpoint WALRecordType = 3 // checkpoint-complete marker
)

// walHeaderSize is the size of the WAL file's header.
// [0-3]  magic number ("DWAL")
// [4-7]  version (uint32)
// [8-15] reserved
const walHeaderSize = 16

var walMagic = [4]byte{'D', 'W', 'A', 'L'}

// WALRecord is one entry in the write-ahead log.
//
// On-disk layout:
//
//	[LSN:uint64][Type:byte][PageID:uint32][DataLen:uint32][Data:bytes][CRC32:uint32]
//
// A WALCommit record has DataLen=0 and no Data.
const walRecordHeaderSize = 8 + 1 + 4 + 4 // LSN + Type + PageID + DataLen
const walRecordCRCSize = 4

type WALRecord struct {
	LSN    uint64
	Type   WALRecordType
	PageID uint32
	Data   []byte // the page's after-image
}

// WAL is the write-ahead log backing Pager's durability.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	nextLSN   uint64
	synced    bool // true if the last write has been fsynced
	records   []WALRecord
	commitLSN uint64 // last committed LSN
}

// OpenWAL opens or creates the WAL file alongside a database at dbPath,
// named dbPath + ".wal".
func OpenWAL(dbPath string) (*WAL, error) {
	walPath := dbPath + ".wal"
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: cannot open file: %w", err)
	}

	w := &WAL{
		file:    file,
		path:    walPath,
		nextLSN: 1,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
	} else {
		if err := w.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := w.loadRecords(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return w, nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// LogPageWrite records a page write, storing the after-image (the page as
// it will read once the write completes).
func (w *WAL) LogPageWrite(pageID uint32, afterImage []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	rec := WALRecord{
		LSN:    lsn,
		Type:   WALPageWrite,
		PageID: pageID,
		Data:   make([]byte, len(afterImage)),
	}
	copy(rec.Data, afterImage)

	if err := w.appendRecord(&rec); err != nil {
		return 0, err
	}

	w.records = append(w.records, rec)
	w.synced = false
	return lsn, nil
}

// Commit writes a commit marker and fsyncs the WAL. Every page write logged
// before this call is durable once it returns.
func (w *WAL) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	rec := WALRecord{
		LSN:  lsn,
		Type: WALCommit,
	}

	if err := w.appendRecord(&rec); err != nil {
		return err
	}

	// This fsync is the durability boundary.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync commit: %w", err)
	}

	w.commitLSN = lsn
	w.records = append(w.records, rec)
	w.synced = true
	return nil
}

// Sync forces an fsync of the WAL without writing a commit marker.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// CommittedPageWrites returns every WALPageWrite record that made it into a
// committed transaction, in chronological order. Used by recovery and checkpoint.
func (w *WAL) CommittedPageWrites() []WALRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	var committed []WALRecord
	var pending []WALRecord

	for _, r := range w.records {
		switch r.Type {
		case WALPageWrite:
			pending = append(pending, r)
		case WALCommit:
			committed = append(committed, pending...)
			pending = nil
		}
	}
	// Pending writes with no trailing commit belong to an unfinished
	// transaction and are dropped.
	return committed
}

// HasUncommittedWrites reports whether the WAL's tail holds page writes with
// no trailing commit marker.
func (w *WAL) HasUncommittedWrites() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := len(w.records) - 1; i >= 0; i-- {
		switch w.records[i].Type {
		case WALPageWrite:
			return true // a write with nothing committing it after
		case WALCommit:
			return false // the last meaningful entry is a commit
		}
	}
	return false
}

// Truncate empties the WAL after a successful checkpoint, cutting the file
// back to its header and discarding every record.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(walHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek after truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync after truncate: %w", err)
	}

	w.records = nil
	w.commitLSN = 0
	return nil
}

// RecordCount returns the number of records currently in the WAL.
func (w *WAL) RecordCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// --- internals ---

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[0:4], walMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], 1) // version 1
	_, err := w.file.WriteAt(hdr[:], 0)
	return err
}

func (w *WAL) readHeader() error {
	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != walMagic[0] || hdr[1] != walMagic[1] || hdr[2] != walMagic[2] || hdr[3] != walMagic[3] {
		return fmt.Errorf("wal: invalid magic number")
	}
	version := binary.LittleEndian.Uint32(hdr[4:8])
	if version != 1 {
		return fmt.Errorf("wal: unsupported version %d", version)
	}
	return nil
}

func (w *WAL) appendRecord(rec *WALRecord) error {
	dataLen := len(rec.Data)
	totalSize := walRecordHeaderSize + dataLen + walRecordCRCSize
	buf := make([]byte, totalSize)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], rec.LSN)
	off += 8
	buf[off] = byte(rec.Type)
	off++
	binary.LittleEndian.PutUint32(buf[off:], rec.PageID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(dataLen))
	off += 4

	if dataLen > 0 {
		copy(buf[off:], rec.Data)
		off += dataLen
	}

	// CRC32 over the whole record except the CRC field itself.
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek end: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return nil
}

func (w *WAL) loadRecords() error {
	w.records = nil

	offset := int64(walHeaderSize)
	hdrBuf := make([]byte, walRecordHeaderSize)

	for {
		n, err := w.file.ReadAt(hdrBuf, offset)
		if err == io.EOF || n < walRecordHeaderSize {
			break // end of file, or a truncated header left by a crash
		}
		if err != nil {
			return fmt.Errorf("wal: read record header at offset %d: %w", offset, err)
		}

		lsn := binary.LittleEndian.Uint64(hdrBuf[0:8])
		rtype := WALRecordType(hdrBuf[8])
		pageID := binary.LittleEndian.Uint32(hdrBuf[9:13])
		dataLen := binary.LittleEndian.Uint32(hdrBuf[13:17])

		remaining := int(dataLen) + walRecordCRCSize
		dataBuf := make([]byte, remaining)
		n, err = w.file.ReadAt(dataBuf, offset+int64(walRecordHeaderSize))
		if err == io.EOF || n < remaining {
			break // record truncated mid-write by a crash; stop here
		}
		if err != nil {
			return fmt.Errorf("wal: read record data at offset %d: %w", offset, err)
		}

		crcOffset := int(dataLen)
		storedCRC := binary.LittleEndian.Uint32(dataBuf[crcOffset:])

		fullBuf := make([]byte, walRecordHeaderSize+int(dataLen))
		copy(fullBuf, hdrBuf)
		copy(fullBuf[walRecordHeaderSize:], dataBuf[:dataLen])
		computedCRC := crc32.ChecksumIEEE(fullBuf)

		if storedCRC != computedCRC {
			// Corrupt tail record from a torn write; stop before it so
			// recovery only replays whole, verified records.
			break
		}

		var data []byte
		if dataLen > 0 {
			data = make([]byte, dataLen)
			copy(data, dataBuf[:dataLen])
		}

		rec := WALRecord{
			LSN:    lsn,
			Type:   rtype,
			PageID: pageID,
			Data:   data,
		}
		w.records = append(w.records, rec)

		if lsn >= w.nextLSN {
			w.nextLSN = lsn + 1
		}
		if rtype == WALCommit && lsn > w.commitLSN {
			w.commitLSN = lsn
		}

		offset += int64(walRecordHeaderSize) + int64(remaining)
	}

	return nil
}
