package storage

import (
	"encoding/binary"
)

// PageSize is the size of one page on disk, in bytes (4 KB) — the unit Pager
// reads and writes in a single os.File call.
const PageSize = 4096

// PageType identifies what a page holds.
type PageType byte

const (
	PageTypeMeta     PageType = 1 // pager/collection metadata
	PageTypeData     PageType = 2 // documents (rows)
	PageTypeIndex    PageType = 3 // index page
	PageTypeFree     PageType = 4 // free, available for reuse
	PageTypeOverflow PageType = 5 // continuation page for an oversized document
)

// PageHeaderSize is the 16-byte header common to every page.
// Layout:
//
//	[0]    PageType
//	[1-4]  PageID (uint32)
//	[5-6]  NumRecords (uint16)      — data pages only
//	[7-8]  FreeSpaceOffset (uint16) — first free byte in the page
//	[9-12] NextPageID (uint32)      — page chaining (0 = none)
//	[13-15] reserved
const PageHeaderSize = 16

// Page is one raw 4 KB page as Pager reads and writes it.
type Page struct {
	Data [PageSize]byte
}

// NewPage allocates an empty page tagged with ptype and pageID.
func NewPage(ptype PageType, pageID uint32) *Page {
	p := &Page{}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[1:5], pageID)
	// free space starts right after the header
	binary.LittleEndian.PutUint16(p.Data[7:9], PageHeaderSize)
	return p
}

// Type returns the page's type tag.
func (p *Page) Type() PageType {
	return PageType(p.Data[0])
}

// PageID returns the page's identifier.
func (p *Page) PageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[1:5])
}

// NumRecords returns the number of records stored in the page.
func (p *Page) NumRecords() uint16 {
	return binary.LittleEndian.Uint16(p.Data[5:7])
}

// SetNumRecords updates the record count.
func (p *Page) SetNumRecords(n uint16) {
	binary.LittleEndian.PutUint16(p.Data[5:7], n)
}

// FreeSpaceOffset returns the offset of the first free byte in the page.
func (p *Page) FreeSpaceOffset() uint16 {
	return binary.LittleEndian.Uint16(p.Data[7:9])
}

// SetFreeSpaceOffset updates the free-space offset.
func (p *Page) SetFreeSpaceOffset(off uint16) {
	binary.LittleEndian.PutUint16(p.Data[7:9], off)
}

// NextPageID returns the ID of the next page in the chain.
func (p *Page) NextPageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[9:13])
}

// SetNextPageID sets the ID of the next page in the chain.
func (p *Page) SetNextPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[9:13], id)
}

// FreeSpace returns the number of unused bytes left in the page.
func (p *Page) FreeSpace() int {
	return PageSize - int(p.FreeSpaceOffset())
}

// Slot flags.
const (
	SlotFlagActive       byte = 0x00 // live record, data inline in the page
	SlotFlagDeleted      byte = 0x01 // tombstoned record
	SlotFlagOverflow     byte = 0x02 // live record, data in an overflow chain
	SlotFlagDelOver      byte = 0x03 // tombstoned record that had overflow pages
	SlotFlagCompressed   byte = 0x04 // live record, snappy-compressed data
	SlotFlagCompOverflow byte = 0x06 // live record, overflow + compressed
)

// OverflowSlotSize is the size of an overflow-pointer slot in a data page.
// Layout: [record_id:8][data_len=8:2][flags=0x02:1][total_len:4][overflow_page:4]
const OverflowSlotSize = 8 + 2 + 1 + 4 + 4 // = 19 bytes

// OverflowDataCapacity is the raw payload capacity of one overflow page.
const OverflowDataCapacity = PageSize - PageHeaderSize // = 4080 bytes

// AppendRecord appends one encoded document to the page.
// Slot layout: [record_id:uint64][data_len:uint16][flags:byte][data_bytes...]
// Returns false if the page has no room for it.
const RecordSlotHeaderSize = 8 + 2 + 1 // record_id + data_len + flags

func (p *Page) AppendRecord(recordID uint64, data []byte) bool {
	return p.AppendRecordWithFlag(recordID, data, SlotFlagActive)
}

// AppendRecordWithFlag appends a record tagged with an explicit flag (e.g.
// SlotFlagCompressed for snappy-compressed payloads).
func (p *Page) AppendRecordWithFlag(recordID uint64, data []byte, flag byte) bool {
	needed := RecordSlotHeaderSize + len(data)
	if p.FreeSpace() < needed {
		return false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint64(p.Data[off:], recordID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], uint16(len(data)))
	p.Data[off+10] = flag
	copy(p.Data[off+11:], data)

	p.SetFreeSpaceOffset(off + uint16(needed))
	p.SetNumRecords(p.NumRecords() + 1)
	return true
}

// AppendOverflowPointer appends an overflow-pointer slot: the record's data
// lives in a chain of overflow pages starting at firstOverflowPage, not
// inline, so the slot only records totalLen and that first page.
func (p *Page) AppendOverflowPointer(recordID uint64, totalLen uint32, firstOverflowPage uint32) bool {
	if p.FreeSpace() < OverflowSlotSize {
		return false
	}
	off := p.FreeSpaceOffset()
	binary.LittleEndian.PutUint64(p.Data[off:], recordID)
	binary.LittleEndian.PutUint16(p.Data[off+8:], 8) // data_len = 8 (totalLen + pageID)
	p.Data[off+10] = SlotFlagOverflow
	binary.LittleEndian.PutUint32(p.Data[off+11:], totalLen)
	binary.LittleEndian.PutUint32(p.Data[off+15:], firstOverflowPage)

	p.SetFreeSpaceOffset(off + OverflowSlotSize)
	p.SetNumRecords(p.NumRecords() + 1)
	return true
}

// WriteOverflowData writes raw bytes into an overflow page, after its header.
func (p *Page) WriteOverflowData(data []byte) {
	copy(p.Data[PageHeaderSize:], data)
}

// ReadOverflowData reads length raw bytes back out of an overflow page.
func (p *Page) ReadOverflowData(length int) []byte {
	if length > OverflowDataCapacity {
		length = OverflowDataCapacity
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}

// RecordSlot is one record as read back from a page.
type RecordSlot struct {
	RecordID   uint64
	Data       []byte
	Deleted    bool
	Overflow   bool   // true if the data lives in an overflow chain
	Compressed bool   // true if the data is snappy-compressed
	Offset     uint16 // slot's offset in the page, for in-place updates
}

// OverflowInfo extracts totalLen and the first overflow page ID from an
// overflow slot's Data.
func (s *RecordSlot) OverflowInfo() (totalLen uint32, firstPage uint32) {
	if len(s.Data) < 8 {
		return 0, 0
	}
	totalLen = binary.LittleEndian.Uint32(s.Data[0:4])
	firstPage = binary.LittleEndian.Uint32(s.Data[4:8])
	return
}

// ReadRecords reads every slot in the page, live and tombstoned alike —
// callers filter on Deleted. Overflow slots come back with
// Data = [totalLen:4][overflowPageID:4].
func (p *Page) ReadRecords() []RecordSlot {
	slots := make([]RecordSlot, 0, p.NumRecords())
	off := uint16(PageHeaderSize)
	end := p.FreeSpaceOffset()

	for off < end {
		if off+RecordSlotHeaderSize > end {
			break
		}
		rid := binary.LittleEndian.Uint64(p.Data[off:])
		dlen := binary.LittleEndian.Uint16(p.Data[off+8:])
		flags := p.Data[off+10]

		dataStart := off + RecordSlotHeaderSize
		if int(dataStart)+int(dlen) > PageSize {
			break
		}
		dataCopy := make([]byte, dlen)
		copy(dataCopy, p.Data[dataStart:dataStart+dlen])

		slots = append(slots, RecordSlot{
			RecordID:   rid,
			Data:       dataCopy,
			Deleted:    flags == SlotFlagDeleted || flags == SlotFlagDelOver,
			Overflow:   flags == SlotFlagOverflow || flags == SlotFlagCompOverflow,
			Compressed: flags == SlotFlagCompressed || flags == SlotFlagCompOverflow,
			Offset:     off,
		})
		off = dataStart + dlen
	}
	return slots
}

// MarkDeleted tombstones the slot at slotOffset, preserving its overflow flag
// so the caller can still find and free the overflow chain afterward.
func (p *Page) MarkDeleted(slotOffset uint16) {
	flag := p.Data[slotOffset+10]
	if flag == SlotFlagOverflow || flag == SlotFlagCompOverflow {
		p.Data[slotOffset+10] = SlotFlagDelOver
	} else {
		p.Data[slotOffset+10] = SlotFlagDeleted
	}
}

// SlotFlags returns the raw flag byte of the slot at slotOffset.
func (p *Page) SlotFlags(slotOffset uint16) byte {
	return p.Data[slotOffset+10]
}

// UpdateRecordInPlace overwrites a record's data without moving the slot, but
// only if newData is exactly the old data's length. Returns false otherwise,
// leaving the caller to fall back to a delete-and-reappend.
func (p *Page) UpdateRecordInPlace(slotOffset uint16, newData []byte) bool {
	oldLen := binary.LittleEndian.Uint16(p.Data[slotOffset+8:])
	if uint16(len(newData)) != oldLen {
		return false
	}
	copy(p.Data[slotOffset+RecordSlotHeaderSize:], newData)
	return true
}
