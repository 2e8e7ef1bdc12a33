package squashfs

import (
	"encoding/binary"
	"io"
)

// Inode is the decoded form of one on-disk inode record: a common 16-byte header plus a
// type-tagged Variant holding whatever trailer that inode type carries (§4.4).
//
// The original driver this package is modeled on decodes inodes into a C union keyed by
// inode_type. A tagged Go interface does the same job without the union's unsafe aliasing,
// at the cost of one allocation per inode — decode is linear-walk-bound anyway (§4.4), so
// that cost doesn't change the asymptotics.
type Inode struct {
	Type    Type
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32

	Variant InodeVariant
}

// InodeVariant holds the fields specific to one inode type. Use a type switch on the
// value returned by Inode.Variant to recover them.
type InodeVariant interface {
	isInodeVariant()
}

type DirVariant struct {
	StartBlock uint32
	NLink      uint32
	FileSize   uint16
	Offset     uint16
	ParentIno  uint32
}

type XDirVariant struct {
	NLink      uint32
	FileSize   uint32
	StartBlock uint32
	ParentIno  uint32
	IdxCount   uint16
	Offset     uint16
	XattrIdx   uint32
	Index      []DirIndexEntry
}

// DirIndexEntry is one entry of an extended directory's lookup index (§4.4).
type DirIndexEntry struct {
	Index uint32 // byte offset into the directory's decoded entry stream
	Start uint32 // start_block of the metadata block holding that offset
	Name  string
}

type FileVariant struct {
	StartBlock uint32
	FragBlock  uint32
	FragOffset uint32
	FileSize   uint32
	Blocks     []uint32
}

type XFileVariant struct {
	StartBlock uint64
	FileSize   uint64
	Sparse     uint64
	NLink      uint32
	FragBlock  uint32
	FragOffset uint32
	XattrIdx   uint32
	Blocks     []uint32
}

type SymlinkVariant struct {
	NLink    uint32
	Target   string
	XattrIdx uint32 // only meaningful when the inode's Type is XSymlinkType
}

type DeviceVariant struct {
	NLink uint32
	Rdev  uint32
}

type XDeviceVariant struct {
	NLink    uint32
	Rdev     uint32
	XattrIdx uint32
}

type IPCVariant struct {
	NLink uint32
}

type XIPCVariant struct {
	NLink    uint32
	XattrIdx uint32
}

func (DirVariant) isInodeVariant()     {}
func (XDirVariant) isInodeVariant()    {}
func (FileVariant) isInodeVariant()    {}
func (XFileVariant) isInodeVariant()   {}
func (SymlinkVariant) isInodeVariant() {}
func (DeviceVariant) isInodeVariant()  {}
func (XDeviceVariant) isInodeVariant() {}
func (IPCVariant) isInodeVariant()     {}
func (XIPCVariant) isInodeVariant()    {}

// blockListSize computes the number of 4-byte block-list entries a regular file's record
// carries, per §4.4: ceil(file_size/block_size) normally, but floor when the file ends in
// a fragment (fragment index != 0xFFFFFFFF), since the tail partial block lives in the
// fragment instead of getting its own block-list entry. Grounded on sqfs_inode.c's
// datablk_count computation, which applies the same floor/ceil split.
func blockListSize(fileSize uint64, blockSize uint32, hasFragment bool) int {
	whole := fileSize / uint64(blockSize)
	if hasFragment {
		return int(whole)
	}
	if fileSize%uint64(blockSize) != 0 {
		whole++
	}
	return int(whole)
}

const noFragment = 0xFFFFFFFF

// decodeInode reads one inode record from r, which must be positioned at the start of the
// inode's 16-byte base header, using byte order order and the image's block size (needed
// for the block-list-size computation on regular files).
func decodeInode(r io.Reader, order binary.ByteOrder, blockSize uint32) (*Inode, error) {
	ino := &Inode{}
	var hdr struct {
		Type    uint16
		Perm    uint16
		UidIdx  uint16
		GidIdx  uint16
		ModTime int32
		Ino     uint32
	}
	if err := binary.Read(r, order, &hdr); err != nil {
		return nil, err
	}
	ino.Type = Type(hdr.Type)
	ino.Perm = hdr.Perm
	ino.UidIdx = hdr.UidIdx
	ino.GidIdx = hdr.GidIdx
	ino.ModTime = hdr.ModTime
	ino.Ino = hdr.Ino

	switch ino.Type {
	case DirType:
		var v struct {
			StartBlock uint32
			NLink      uint32
			FileSize   uint16
			Offset     uint16
			ParentIno  uint32
		}
		if err := binary.Read(r, order, &v); err != nil {
			return nil, err
		}
		ino.Variant = DirVariant(v)

	case XDirType:
		var fixed struct {
			NLink      uint32
			FileSize   uint32
			StartBlock uint32
			ParentIno  uint32
			IdxCount   uint16
			Offset     uint16
			XattrIdx   uint32
		}
		if err := binary.Read(r, order, &fixed); err != nil {
			return nil, err
		}
		xd := XDirVariant{
			NLink:      fixed.NLink,
			FileSize:   fixed.FileSize,
			StartBlock: fixed.StartBlock,
			ParentIno:  fixed.ParentIno,
			IdxCount:   fixed.IdxCount,
			Offset:     fixed.Offset,
			XattrIdx:   fixed.XattrIdx,
		}
		// §4.4: i_count follows the same "one less than the real count" convention as a
		// directory chunk header's count field; i_count == 0 means no index at all (not
		// one entry), but i_count > 0 means i_count+1 actual entries follow.
		if fixed.IdxCount > 0 {
			for i := 0; i < int(fixed.IdxCount)+1; i++ {
				var e struct {
					Index uint32
					Start uint32
					Size  uint32
				}
				if err := binary.Read(r, order, &e); err != nil {
					return nil, err
				}
				// §5/§9: the 256-byte name bound must gate the allocation itself, same as
				// a directory entry's name_size (dir.go) — e.Size is on-disk and unbounded.
				nameLen := e.Size + 1
				if nameLen > 256 {
					return nil, corruptf("directory index entry name length %d exceeds maximum", nameLen)
				}
				name := make([]byte, nameLen)
				if _, err := io.ReadFull(r, name); err != nil {
					return nil, err
				}
				xd.Index = append(xd.Index, DirIndexEntry{Index: e.Index, Start: e.Start, Name: string(name)})
			}
		}
		ino.Variant = xd

	case FileType:
		var fixed struct {
			StartBlock uint32
			FragBlock  uint32
			FragOffset uint32
			FileSize   uint32
		}
		if err := binary.Read(r, order, &fixed); err != nil {
			return nil, err
		}
		fv := FileVariant{
			StartBlock: fixed.StartBlock,
			FragBlock:  fixed.FragBlock,
			FragOffset: fixed.FragOffset,
			FileSize:   fixed.FileSize,
		}
		n := blockListSize(uint64(fixed.FileSize), blockSize, fixed.FragBlock != noFragment)
		fv.Blocks = make([]uint32, n)
		if err := binary.Read(r, order, &fv.Blocks); err != nil {
			return nil, err
		}
		ino.Variant = fv

	case XFileType:
		var fixed struct {
			StartBlock uint64
			FileSize   uint64
			Sparse     uint64
			NLink      uint32
			FragBlock  uint32
			FragOffset uint32
			XattrIdx   uint32
		}
		if err := binary.Read(r, order, &fixed); err != nil {
			return nil, err
		}
		xf := XFileVariant{
			StartBlock: fixed.StartBlock,
			FileSize:   fixed.FileSize,
			Sparse:     fixed.Sparse,
			NLink:      fixed.NLink,
			FragBlock:  fixed.FragBlock,
			FragOffset: fixed.FragOffset,
			XattrIdx:   fixed.XattrIdx,
		}
		n := blockListSize(fixed.FileSize, blockSize, fixed.FragBlock != noFragment)
		xf.Blocks = make([]uint32, n)
		if err := binary.Read(r, order, &xf.Blocks); err != nil {
			return nil, err
		}
		ino.Variant = xf

	case SymlinkType, XSymlinkType:
		// Both variants share one on-disk shape here: nlink, then a u32 symlink_size,
		// then that many raw bytes. Grounded on original_source/sqfs_filesystem.h's
		// squashfs_symlink_inode, which the reference driver reuses unchanged for
		// SQUASHFS_LSYMLINK_TYPE (no separate xattr trailer for the extended form,
		// unlike device/ipc). An xattr index is reserved on SymlinkVariant for forward
		// compatibility but is never populated by this decoder.
		var fixed struct {
			NLink       uint32
			SymlinkSize uint32
		}
		if err := binary.Read(r, order, &fixed); err != nil {
			return nil, err
		}
		if fixed.SymlinkSize > 65535 {
			return nil, corruptf("symlink target length %d exceeds maximum", fixed.SymlinkSize)
		}
		buf := make([]byte, fixed.SymlinkSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		ino.Variant = SymlinkVariant{NLink: fixed.NLink, Target: string(buf)}

	case BlockDevType, CharDevType:
		var v struct {
			NLink uint32
			Rdev  uint32
		}
		if err := binary.Read(r, order, &v); err != nil {
			return nil, err
		}
		ino.Variant = DeviceVariant(v)

	case XBlockDevType, XCharDevType:
		var v struct {
			NLink    uint32
			Rdev     uint32
			XattrIdx uint32
		}
		if err := binary.Read(r, order, &v); err != nil {
			return nil, err
		}
		ino.Variant = XDeviceVariant(v)

	case FifoType, SocketType:
		var v struct {
			NLink uint32
		}
		if err := binary.Read(r, order, &v); err != nil {
			return nil, err
		}
		ino.Variant = IPCVariant(v)

	case XFifoType, XSocketType:
		var v struct {
			NLink    uint32
			XattrIdx uint32
		}
		if err := binary.Read(r, order, &v); err != nil {
			return nil, err
		}
		ino.Variant = XIPCVariant(v)

	default:
		return nil, corruptf("unknown inode type %d", hdr.Type)
	}

	return ino, nil
}

// InodeTable resolves inode numbers to decoded Inode records. Lookup is a linear walk from
// the start of the table on every cold call (§4.4's documented worst case), backed by an
// opportunistic cache for repeats; see inodecache.go.
type InodeTable struct {
	mr        *MetaReader
	root      MetaRef
	order     binary.ByteOrder
	blockSize uint32
	cache     *inodeCache
}

// NewInodeTable builds an InodeTable over the decoded inode table addressed by mr, whose
// root record starts at root.
func NewInodeTable(mr *MetaReader, root MetaRef, order binary.ByteOrder, blockSize uint32) *InodeTable {
	return &InodeTable{mr: mr, root: root, order: order, blockSize: blockSize, cache: newInodeCache()}
}

// CachedCount reports how many distinct inode numbers this table has resolved and cached
// so far. Exposed so callers (and tests) can confirm that repeat Find calls for the same
// path components are actually hitting the cache rather than re-walking the table.
func (t *InodeTable) CachedCount() int {
	return t.cache.len()
}

// At decodes the single inode record starting at ref.
func (t *InodeTable) At(ref MetaRef) (*Inode, error) {
	c, err := t.mr.NewCursor(ref)
	if err != nil {
		return nil, err
	}
	return decodeInode(c, t.order, t.blockSize)
}

// Root decodes the filesystem's root inode.
func (t *InodeTable) Root() (*Inode, error) {
	return t.At(t.root)
}

// Find performs the spec-mandated linear walk over the inode table looking for inode
// number ino, always restarting from the table's first physical record and re-decoding
// every record in between — the same starting point as All(), not the root inode's own
// position, since the root is numbered last (§3: "root inode has inode_number ==
// superblock.inodes") but is not guaranteed to sit first in physical layout. A hit is
// cached so a later Find for the same inode number short-circuits, but the worst case —
// an inode number never seen before — always walks the whole table: this package does
// not implement the original format's ID-to-offset export shortcut, per the grounding in
// original_source/sqfs_inode.c's sqfs_find_inode, which always restarts the walk from
// offset 0 of the inode table, even when looking up the root inode by inode_count.
func (t *InodeTable) Find(ino uint32) (*Inode, MetaRef, error) {
	if ref, ok := t.cache.get(ino); ok {
		i, err := t.At(ref)
		return i, ref, err
	}

	ref := MetaRef{Block: 0, Offset: 0}
	for {
		i, err := t.At(ref)
		if err != nil {
			return nil, MetaRef{}, err
		}
		t.cache.put(i.Ino, ref)
		if i.Ino == ino {
			return i, ref, nil
		}

		next, err := t.mr.DecodedOffset(ref)
		if err != nil {
			return nil, MetaRef{}, err
		}
		size, err := inodeRecordSize(i)
		if err != nil {
			return nil, MetaRef{}, err
		}
		nextOff := next + DecodedOffset(size)
		nextRef, err := decodedOffsetToMetaRef(t.mr, nextOff)
		if err != nil {
			return nil, MetaRef{}, corruptf("inode table exhausted looking for inode %d", ino)
		}
		ref = nextRef
	}
}

// All decodes every inode record in the table in physical on-disk order, starting from
// the table's first byte regardless of which inode number happens to live there (mkfs
// does not guarantee inode 1 is written first). Used by the diagnostic dumper's -i mode,
// which reports the whole table rather than resolving one path at a time.
func (t *InodeTable) All() ([]*Inode, error) {
	var out []*Inode
	ref := MetaRef{Block: 0, Offset: 0}
	for {
		i, err := t.At(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
		t.cache.put(i.Ino, ref)

		next, err := t.mr.DecodedOffset(ref)
		if err != nil {
			return nil, err
		}
		size, err := inodeRecordSize(i)
		if err != nil {
			return nil, err
		}
		nextRef, err := decodedOffsetToMetaRef(t.mr, next+DecodedOffset(size))
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		ref = nextRef
	}
}

// inodeRecordSize computes the on-disk byte length of i's record, used to advance the
// linear walk to the next inode without re-scanning.
func inodeRecordSize(i *Inode) (int, error) {
	const base = 16
	switch v := i.Variant.(type) {
	case DirVariant:
		return base + 16, nil
	case XDirVariant:
		n := base + 24
		for _, e := range v.Index {
			n += 12 + len(e.Name)
		}
		return n, nil
	case FileVariant:
		return base + 16 + 4*len(v.Blocks), nil
	case XFileVariant:
		return base + 40 + 4*len(v.Blocks), nil
	case SymlinkVariant:
		return base + 8 + len(v.Target), nil
	case DeviceVariant:
		return base + 8, nil
	case XDeviceVariant:
		return base + 12, nil
	case IPCVariant:
		return base + 4, nil
	case XIPCVariant:
		return base + 8, nil
	default:
		return 0, corruptf("unhandled inode variant %T", v)
	}
}

// decodedOffsetToMetaRef converts a flat decoded-stream offset back into a MetaRef
// (start_block, in-block offset) addressable by mr.NewCursor. Used when advancing the
// inode walk past a variable-length record.
func decodedOffsetToMetaRef(mr *MetaReader, off DecodedOffset) (MetaRef, error) {
	blockIdx := int(off) / metadataBlockSize
	inBlock := int(off) % metadataBlockSize
	if blockIdx >= len(mr.positions) {
		return MetaRef{}, io.EOF
	}
	return MetaRef{Block: uint32(mr.positions[blockIdx]), Offset: uint16(inBlock)}, nil
}
