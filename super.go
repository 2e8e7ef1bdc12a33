package squashfs

import (
	"bytes"
	"encoding/binary"
	"log"
	"reflect"
)

// noTableMarker is the sentinel value a *_table_start field holds when that table is
// absent from the image (eg. no xattrs, no export table).
const noTableMarker = 0xFFFFFFFFFFFFFFFF

const squashMagicLE = 0x73717368 // "hsqs" read little-endian

// Superblock is the 96-byte root record at offset 0 of every SquashFS image. Every
// other table in the image is located by an absolute byte offset stored here.
//
// https://dr-emann.github.io/squashfs/
type Superblock struct {
	src   BlockSource
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              SquashComp
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64
}

// New reads and validates the superblock from src. It performs no further decoding; call
// Probe first if all you need is a yes/no check that src holds a SquashFS image.
func New(src BlockSource) (*Superblock, error) {
	sb := &Superblock{src: src}
	head := make([]byte, sb.binarySize())

	if _, err := src.ReadAt(head, 0); err != nil {
		return nil, err
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}

	return sb, nil
}

// Probe reports whether src begins with a recognizable SquashFS magic, without fully
// decoding or validating the rest of the superblock.
func Probe(src BlockSource) error {
	head := make([]byte, 4)
	if _, err := src.ReadAt(head, 0); err != nil {
		return err
	}
	switch string(head) {
	case "hsqs", "sqsh":
		return nil
	default:
		return ErrInvalidFile
	}
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrInvalidFile
	}
	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return ErrInvalidFile
	}

	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	// Fields are decoded in declaration order, same as the on-disk layout; the field
	// name's leading-uppercase check skips the unexported fs/order bookkeeping fields.
	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		if err := binary.Read(r, s.order, v.Field(i).Addr().Interface()); err != nil {
			return err
		}
	}

	return nil
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}

// validate enforces the superblock invariants from spec §3: magic, block_size a power of
// two consistent with block_log in [4096, 1MiB], and every *_table_start either absent or
// within bytes_used.
func (s *Superblock) validate() error {
	if s.order == binary.LittleEndian && s.Magic != squashMagicLE {
		return ErrInvalidFile
	}
	if s.VMajor != 4 {
		return ErrInvalidVersion
	}
	if s.BlockSize < 4096 || s.BlockSize > 1<<20 {
		return corruptf("block size %d out of range [4096, 1048576]", s.BlockSize)
	}
	if s.BlockSize != 1<<s.BlockLog {
		return corruptf("block size %d does not match block log %d", s.BlockSize, s.BlockLog)
	}

	tables := []struct {
		name string
		val  uint64
	}{
		{"id_table_start", s.IdTableStart},
		{"xattr_id_table_start", s.XattrIdTableStart},
		{"inode_table_start", s.InodeTableStart},
		{"directory_table_start", s.DirTableStart},
		{"fragment_table_start", s.FragTableStart},
		{"export_table_start", s.ExportTableStart},
	}
	for _, t := range tables {
		if tableAbsent(t.val) {
			continue
		}
		if t.val > s.BytesUsed {
			return corruptf("%s (%d) exceeds bytes_used (%d)", t.name, t.val, s.BytesUsed)
		}
	}

	log.Printf("squashfs: superblock ok, %d inodes, block size %d, compression %s", s.InodeCnt, s.BlockSize, s.Comp)
	return nil
}

// RootMetaRef decodes the superblock's root_inode field into a metadata reference: the
// low 16 bits are the in-block offset, the next 32 bits the start_block.
func (s *Superblock) RootMetaRef() MetaRef {
	return MetaRef{
		Block:  uint32((s.RootInode >> 16) & 0xffffffff),
		Offset: uint16(s.RootInode & 0xffff),
	}
}

// tableAbsent reports whether start (as read from the superblock) marks a table that
// simply isn't present in this image.
func tableAbsent(start uint64) bool {
	return start == noTableMarker
}
