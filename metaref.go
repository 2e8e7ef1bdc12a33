package squashfs

import "fmt"

// MetaRef is a logical 48-bit metadata reference: the byte offset, relative to the start
// of some table, of the metadata-block header that holds the referenced data (Block), and
// the byte offset within that block's decompressed payload where the data begins (Offset).
//
// Two physically distinct coordinate systems show up throughout this package: a MetaRef
// addresses on-disk block *positions*, while a DecodedOffset addresses a flat byte index
// into a table's fully reconstructed (decompressed, concatenated) stream. Keeping them as
// distinct types is deliberate — the original C driver this package is modeled on mixes
// the two informally, which is a standing source of off-by-one bugs when a directory's
// on-disk start_block is compared against a decoded-stream offset.
type MetaRef struct {
	Block  uint32 // byte offset of a metadata-block header, relative to a table's start
	Offset uint16 // byte offset into that block's decompressed payload
}

func (m MetaRef) String() string {
	return fmt.Sprintf("metaref(block=0x%x,offset=0x%x)", m.Block, m.Offset)
}

// DecodedOffset is a flat byte index into a table's fully decompressed stream, as opposed
// to the on-disk block position a MetaRef carries.
type DecodedOffset uint64
