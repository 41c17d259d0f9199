package pageindex

import (
	"encoding/binary"
	"fmt"
)

// Range is a half-open index interval [Start, End) over a group's
// concatenated rowid sequence, or over a single Page's local indices.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

// Direction controls enumeration order.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Page is a fixed-capacity ordered sequence of rowids. It knows nothing
// about groups, pageIds or persistence — those live in PageMetadata and
// PageStore. Its on-disk form is an opaque blob to the rest of the engine
// (spec.md §4.A); PageStore owns compressing/decompressing that blob.
type Page struct {
	rowids []int64
}

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{}
}

// NewPageFromRowids wraps an existing slice without copying; callers must
// not retain the slice afterward.
func NewPageFromRowids(rowids []int64) *Page {
	return &Page{rowids: rowids}
}

// Clone returns a deep copy, used when handing pages to a reader snapshot.
func (p *Page) Clone() *Page {
	cp := make([]int64, len(p.rowids))
	copy(cp, p.rowids)
	return &Page{rowids: cp}
}

// Len returns the number of rowids currently in the page.
func (p *Page) Len() int { return len(p.rowids) }

// Rowids returns the backing slice; callers must treat it as read-only.
func (p *Page) Rowids() []int64 { return p.rowids }

// RowidAt returns the rowid at a local index.
func (p *Page) RowidAt(index int) (int64, error) {
	if index < 0 || index >= len(p.rowids) {
		return 0, invariantf("page: index %d out of range (len=%d)", index, len(p.rowids))
	}
	return p.rowids[index], nil
}

// IndexOf returns the local index of rowid, or false if absent. Rowids are
// unique within a page (spec.md §4.A); a linear scan is fine at MAX=50.
func (p *Page) IndexOf(rowid int64) (int, bool) {
	for i, r := range p.rowids {
		if r == rowid {
			return i, true
		}
	}
	return 0, false
}

// Insert inserts rowid at local index, shifting the tail right.
func (p *Page) Insert(index int, rowid int64) error {
	if index < 0 || index > len(p.rowids) {
		return invariantf("page: insert index %d out of range (len=%d)", index, len(p.rowids))
	}
	p.rowids = append(p.rowids, 0)
	copy(p.rowids[index+1:], p.rowids[index:])
	p.rowids[index] = rowid
	return nil
}

// Append adds rowid at the end. Equivalent to Insert(Len(), rowid).
func (p *Page) Append(rowid int64) {
	p.rowids = append(p.rowids, rowid)
}

// RemoveAt removes and returns the rowid at local index, shifting the tail left.
func (p *Page) RemoveAt(index int) (int64, error) {
	if index < 0 || index >= len(p.rowids) {
		return 0, invariantf("page: removeAt index %d out of range (len=%d)", index, len(p.rowids))
	}
	rowid := p.rowids[index]
	p.rowids = append(p.rowids[:index], p.rowids[index+1:]...)
	return rowid, nil
}

// RemoveRange removes and returns the contiguous slice [r.Start, r.End).
func (p *Page) RemoveRange(r Range) ([]int64, error) {
	if r.Start < 0 || r.End > len(p.rowids) || r.Start > r.End {
		return nil, invariantf("page: removeRange %v out of range (len=%d)", r, len(p.rowids))
	}
	removed := make([]int64, r.Len())
	copy(removed, p.rowids[r.Start:r.End])
	p.rowids = append(p.rowids[:r.Start], p.rowids[r.End:]...)
	return removed, nil
}

// AppendRange moves other.rowids[r.Start:r.End] onto the end of p, in order,
// removing them from other. Used by the Compactor to spill the head of an
// oversized page onto the end of its predecessor (spec.md §4.H rule 1).
func (p *Page) AppendRange(other *Page, r Range) error {
	moved, err := other.RemoveRange(r)
	if err != nil {
		return err
	}
	p.rowids = append(p.rowids, moved...)
	return nil
}

// PrependRange moves other.rowids[r.Start:r.End] onto the front of p, in
// order, removing them from other. Used by the Compactor to spill the tail
// of an oversized page onto the front of its successor (spec.md §4.H rule 2).
func (p *Page) PrependRange(other *Page, r Range) error {
	moved, err := other.RemoveRange(r)
	if err != nil {
		return err
	}
	p.rowids = append(moved, p.rowids...)
	return nil
}

// Enumerate yields (rowid, localIndex) over r in the given direction,
// stopping early if cb returns true. r must lie within the page; a
// zero-valued Range enumerates nothing.
func (p *Page) Enumerate(r Range, dir Direction, cb func(rowid int64, localIndex int) (stop bool)) error {
	if r.Start < 0 || r.End > len(p.rowids) || r.Start > r.End {
		return invariantf("page: enumerate range %v out of bounds (len=%d)", r, len(p.rowids))
	}
	if dir == Forward {
		for i := r.Start; i < r.End; i++ {
			if cb(p.rowids[i], i) {
				return nil
			}
		}
		return nil
	}
	for i := r.End - 1; i >= r.Start; i-- {
		if cb(p.rowids[i], i) {
			return nil
		}
	}
	return nil
}

// pageBlobVersion guards the stable-for-a-class-version encoding contract in
// spec.md §4.A. Bump when the on-disk layout changes incompatibly.
const pageBlobVersion = 1

// Serialize encodes the page to its stable binary form:
// [version:byte][count:uint32]([rowid:int64])*count
// Compression of this blob is PageStore's concern, not Page's.
func (p *Page) Serialize() []byte {
	buf := make([]byte, 1+4+8*len(p.rowids))
	buf[0] = pageBlobVersion
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(p.rowids)))
	off := 5
	for _, r := range p.rowids {
		binary.LittleEndian.PutUint64(buf[off:], uint64(r))
		off += 8
	}
	return buf
}

// DeserializePage decodes a blob produced by Serialize.
func DeserializePage(data []byte) (*Page, error) {
	if len(data) < 5 {
		return nil, corruptf("page: blob too short (%d bytes)", len(data))
	}
	if data[0] != pageBlobVersion {
		return nil, corruptf("page: unsupported blob version %d", data[0])
	}
	count := binary.LittleEndian.Uint32(data[1:5])
	want := 5 + 8*int(count)
	if len(data) != want {
		return nil, corruptf("page: blob length %d does not match count %d (want %d)", len(data), count, want)
	}
	rowids := make([]int64, count)
	off := 5
	for i := range rowids {
		rowids[i] = int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	return &Page{rowids: rowids}, nil
}

func (p *Page) String() string {
	return fmt.Sprintf("Page(len=%d)", len(p.rowids))
}
