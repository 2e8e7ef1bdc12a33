package squashfs

import "encoding/binary"

const idEntriesPerBlock = metadataBlockSize / 4

// IdTable resolves the uid/gid indexes stored in inodes to the 32-bit ids they represent.
// Like the fragment table, it is a two-level index: a flat pointer array at the
// superblock's id_table_start, each pointing to a metadata block of up to 2048 packed
// uint32 values.
type IdTable struct {
	mr    *MetaReader
	order binary.ByteOrder
	ptrs  []uint64
}

// NewIdTable reads the id_table_start pointer array (count entries) and opens a
// MetaReader over the id metadata blocks.
func NewIdTable(src BlockSource, order binary.ByteOrder, algo SquashComp, tableStart uint64, count uint16) (*IdTable, error) {
	if count == 0 {
		return &IdTable{order: order}, nil
	}
	numPtrs := (int(count) + idEntriesPerBlock - 1) / idEntriesPerBlock
	raw := make([]byte, numPtrs*8)
	if _, err := src.ReadAt(raw, int64(tableStart)); err != nil {
		return nil, err
	}
	ptrs := make([]uint64, numPtrs)
	for i := range ptrs {
		ptrs[i] = order.Uint64(raw[i*8:])
	}
	mr, err := NewMetaReader(src, algo, int64(ptrs[0]), int64(tableStart))
	if err != nil {
		return nil, err
	}
	return &IdTable{mr: mr, order: order, ptrs: ptrs}, nil
}

// Resolve returns the 32-bit id at index idx.
func (t *IdTable) Resolve(idx uint16) (uint32, error) {
	if t.mr == nil {
		return 0, corruptf("id lookup on image with no id table")
	}
	group := int(idx) / idEntriesPerBlock
	within := int(idx) % idEntriesPerBlock
	if group >= len(t.ptrs) {
		return 0, corruptf("id index %d out of range", idx)
	}
	blockStart := t.ptrs[group] - t.ptrs[0]
	ref := MetaRef{Block: uint32(blockStart), Offset: uint16(within * 4)}
	c, err := t.mr.NewCursor(ref)
	if err != nil {
		return 0, err
	}
	var v uint32
	if err := binary.Read(c, t.order, &v); err != nil {
		return 0, err
	}
	return v, nil
}
