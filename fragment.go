package squashfs

import (
	"encoding/binary"
)

// FragmentEntry describes one fragment block: its on-disk location, its stored (possibly
// compressed) size, and whether that data is stored uncompressed.
type FragmentEntry struct {
	Start        uint64
	Size         uint32
	Uncompressed bool
}

// fragmentSizeMask and fragmentUncompressedBit split a fragment table entry's raw size
// field into its actual byte count and compression flag: bit 24 marks "stored
// uncompressed", mirroring the same convention metadata block headers use at a different
// bit position (§4.3, §9 design note on one on-disk idiom reused at two bit widths).
const (
	fragmentSizeMask         = 1<<24 - 1
	fragmentUncompressedBit  = 1 << 24
	fragmentEntriesPerBlock  = 512
	fragmentEntryRawSize     = 16
)

// FragmentTable is the two-level index described in §4.1/§4.4: a flat array of u64
// pointers (one per up-to-512-entry group) lives at the superblock's fragment_table_start,
// each pointing to a metadata block holding that group's FragmentEntry records.
type FragmentTable struct {
	src   BlockSource
	order binary.ByteOrder
	algo  SquashComp

	blockPositions []uint64
	mr             *MetaReader
}

// NewFragmentTable reads the pointer array at tableStart (count entries) and opens a
// MetaReader over the metadata blocks it points into. count is the superblock's
// fragment_count field; the pointer array itself has ceil(count/512) entries.
func NewFragmentTable(src BlockSource, order binary.ByteOrder, algo SquashComp, tableStart uint64, count uint32) (*FragmentTable, error) {
	if count == 0 {
		return &FragmentTable{src: src, order: order, algo: algo}, nil
	}
	numPtrs := (int(count) + fragmentEntriesPerBlock - 1) / fragmentEntriesPerBlock
	raw := make([]byte, numPtrs*8)
	if _, err := src.ReadAt(raw, int64(tableStart)); err != nil {
		return nil, err
	}
	ptrs := make([]uint64, numPtrs)
	for i := range ptrs {
		ptrs[i] = order.Uint64(raw[i*8:])
	}

	// The metadata blocks pointed to by consecutive entries are contiguous in the common
	// case, but nothing guarantees it; bound the MetaReader generously and let
	// scanPositions stop wherever headers run out. We bound it by the first pointer
	// through the end of the image region covered by tableStart, which is always a safe
	// upper bound since the pointer array itself sits after all fragment metadata blocks.
	start := int64(ptrs[0])
	end := int64(tableStart)
	mr, err := NewMetaReader(src, algo, start, end)
	if err != nil {
		return nil, err
	}
	return &FragmentTable{src: src, order: order, algo: algo, blockPositions: ptrs, mr: mr}, nil
}

// Lookup decodes the FragmentEntry for fragment index idx.
func (ft *FragmentTable) Lookup(idx uint32) (FragmentEntry, error) {
	if ft.mr == nil {
		return FragmentEntry{}, corruptf("fragment lookup on image with no fragment table")
	}
	group := idx / fragmentEntriesPerBlock
	if int(group) >= len(ft.blockPositions) {
		return FragmentEntry{}, corruptf("fragment index %d out of range", idx)
	}
	blockStart := ft.blockPositions[group] - uint64(ft.blockPositions[0])
	within := idx % fragmentEntriesPerBlock

	ref := MetaRef{Block: uint32(blockStart), Offset: uint16(within * fragmentEntryRawSize)}
	c, err := ft.mr.NewCursor(ref)
	if err != nil {
		return FragmentEntry{}, err
	}
	var raw struct {
		Start  uint64
		Size   uint32
		Unused uint32
	}
	if err := binary.Read(c, ft.order, &raw); err != nil {
		return FragmentEntry{}, err
	}
	return FragmentEntry{
		Start:        raw.Start,
		Size:         raw.Size & fragmentSizeMask,
		Uncompressed: raw.Size&fragmentUncompressedBit != 0,
	}, nil
}
