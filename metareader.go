package squashfs

import (
	"encoding/binary"
	"io"
	"sort"
	"sync"
)

// metadataBlockSize is the fixed decompressed size of every metadata block except
// possibly the last one in a table (§3 "Metadata block").
const metadataBlockSize = 8192

// MetaReader turns a table's on-disk run of variable-sized, possibly-compressed metadata
// blocks into addressable decompressed storage. It is built once per table (inode table,
// directory table, fragment index blocks, ...) and then handed out MetaCursors cheaply:
// the position list is scanned once up front, and decoded block payloads are cached, so
// repeated cursors over the same table (as InodeTable.Find performs on every path
// component) pay decompression cost at most once per physical block.
//
// This consolidates what used to be two near-identical, TODO-ridden readers
// (tableReader for directory/fragment lookups, inodeReader for inode records) into one
// type with one cache, per the "duplicated roots" note in the design doc.
type MetaReader struct {
	src   BlockSource
	algo  SquashComp
	start int64 // absolute image offset of the table
	end   int64 // absolute image offset bounding the table (exclusive)

	mu        sync.Mutex
	positions []int64  // block positions, relative to start, ascending
	sizes     []int    // on-disk data_size per position (header's low 15 bits)
	flags     []bool   // per position, whether the stored data is compressed
	cache     [][]byte // decoded payload per position, populated lazily
}

// NewMetaReader builds a MetaReader over the table occupying [start, end) of src,
// compressed with algo. It eagerly scans block headers (but does not decompress) to
// build the position list, per §4.3.
func NewMetaReader(src BlockSource, algo SquashComp, start, end int64) (*MetaReader, error) {
	if end < start {
		return nil, corruptf("metadata table end (%d) precedes start (%d)", end, start)
	}
	mr := &MetaReader{src: src, algo: algo, start: start, end: end}
	if err := mr.scanPositions(); err != nil {
		return nil, err
	}
	return mr, nil
}

func (mr *MetaReader) scanPositions() error {
	bound := mr.end - mr.start
	pos := int64(0)
	for pos < bound {
		hdr := make([]byte, 2)
		if _, err := mr.src.ReadAt(hdr, mr.start+pos); err != nil {
			return err
		}
		raw := binary.LittleEndian.Uint16(hdr)
		compressed := raw&0x8000 == 0
		dataSize := int(raw & 0x7fff)

		next := pos + 2 + int64(dataSize)
		if next > bound {
			return corruptf("metadata block at position 0x%x overruns table bound", pos)
		}

		mr.positions = append(mr.positions, pos)
		mr.sizes = append(mr.sizes, dataSize)
		mr.flags = append(mr.flags, compressed)
		mr.cache = append(mr.cache, nil)

		pos = next
	}
	return nil
}

func (mr *MetaReader) indexOf(blockPos uint32) (int, bool) {
	target := int64(blockPos)
	i := sort.Search(len(mr.positions), func(i int) bool { return mr.positions[i] >= target })
	if i < len(mr.positions) && mr.positions[i] == target {
		return i, true
	}
	return 0, false
}

// decodedBlock returns (decompressing and caching on first use) the decoded payload of
// the physical block at position index idx in the scan order.
func (mr *MetaReader) decodedBlock(idx int) ([]byte, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if b := mr.cache[idx]; b != nil {
		return b, nil
	}

	dataSize := mr.sizes[idx]
	raw := make([]byte, dataSize)
	if _, err := mr.src.ReadAt(raw, mr.start+mr.positions[idx]+2); err != nil {
		return nil, err
	}

	var out []byte
	if mr.flags[idx] {
		dst := make([]byte, metadataBlockSize)
		n, err := Decompress(mr.algo, dst, raw)
		if err != nil {
			return nil, err
		}
		out = dst[:n]
	} else {
		out = raw
	}
	if len(out) > metadataBlockSize {
		return nil, corruptf("decoded metadata block exceeds %d bytes", metadataBlockSize)
	}

	mr.cache[idx] = out
	return out, nil
}

// NewCursor returns a byte stream starting at ref, within this table.
func (mr *MetaReader) NewCursor(ref MetaRef) (*MetaCursor, error) {
	if ref.Offset >= metadataBlockSize {
		return nil, corruptf("metadata reference offset 0x%x out of range", ref.Offset)
	}
	idx, ok := mr.indexOf(ref.Block)
	if !ok {
		return nil, corruptf("metadata reference points outside table: block=0x%x", ref.Block)
	}
	return &MetaCursor{mr: mr, blockIdx: idx, inBlock: int(ref.Offset)}, nil
}

// DecodedOffset resolves ref to a flat index into the table's fully reconstructed
// (decompressed, concatenated) byte stream. Every block but possibly the table's last
// decodes to exactly metadataBlockSize bytes (§3), so this never needs to decompress
// anything: the flat offset of the block at position-list index i is simply
// i*metadataBlockSize. InodeTable's linear walk uses it to step from one variable-length
// record to the next; directory listings are read through a MetaCursor instead.
func (mr *MetaReader) DecodedOffset(ref MetaRef) (DecodedOffset, error) {
	if ref.Offset >= metadataBlockSize {
		return 0, corruptf("metadata reference offset 0x%x out of range", ref.Offset)
	}
	idx, ok := mr.indexOf(ref.Block)
	if !ok {
		return 0, corruptf("metadata reference points outside table: block=0x%x", ref.Block)
	}
	return DecodedOffset(idx*metadataBlockSize + int(ref.Offset)), nil
}

// ReadAll decodes every block of the table into one contiguous buffer. OpenWith calls
// this on the directory table when WithEagerDirectoryLoad is set; since every decoded
// block is also cached, later MetaCursors over this table do no further I/O or
// decompression.
func (mr *MetaReader) ReadAll() ([]byte, error) {
	var out []byte
	for i := range mr.positions {
		b, err := mr.decodedBlock(i)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// MetaCursor is a sequential byte stream over a MetaReader's table, starting at some
// MetaRef. Reads that cross an 8KiB block boundary transparently advance to the next
// physical block in the table's scan order.
type MetaCursor struct {
	mr       *MetaReader
	blockIdx int
	inBlock  int
}

func (c *MetaCursor) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if c.blockIdx >= len(c.mr.positions) {
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		blk, err := c.mr.decodedBlock(c.blockIdx)
		if err != nil {
			return n, err
		}
		if c.inBlock >= len(blk) {
			c.blockIdx++
			c.inBlock = 0
			continue
		}
		cpy := copy(p[n:], blk[c.inBlock:])
		n += cpy
		c.inBlock += cpy
	}
	return n, nil
}
