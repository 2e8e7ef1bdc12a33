package squashfs

import (
	"encoding/binary"
	"io"
	"io/fs"
	"sort"
	"strings"
)

// Entry is one resolved directory entry: a name, the type advertised by the directory
// (which may only be the Basic() form — the extended/basic distinction is only known once
// the target inode is itself decoded), and the inode number to resolve it.
type Entry struct {
	Name string
	Type Type
	Ino  uint32
}

// DirTable decodes SquashFS directory listings. A directory's content lives in the shared
// directory metadata table; §4.4 describes its chunk format: chunks carry a shared
// start_block/inode_number base, and entries within a chunk carry only small deltas
// relative to that base.
type DirTable struct {
	mr    *MetaReader
	order binary.ByteOrder
}

// NewDirTable wraps the decoded directory metadata table addressed by mr.
func NewDirTable(mr *MetaReader, order binary.ByteOrder) *DirTable {
	return &DirTable{mr: mr, order: order}
}

// ReadDir decodes the full directory listing for a directory inode located at ref
// (the directory's own MetaRef, i.e. DirVariant.StartBlock/Offset or the XDirVariant
// equivalent) with the given on-disk size in bytes.
//
// §4.4 stops scanning once exactly fileSize-3 bytes have been consumed: the stored
// file_size over-counts by 3 relative to the actual encoded byte count, a quirk of the
// original format that every reader must replicate or it will either truncate the last
// chunk or read past it looking for one more.
func (d *DirTable) ReadDir(ref MetaRef, fileSize uint32) ([]Entry, error) {
	if fileSize < 3 {
		return nil, nil
	}
	c, err := d.mr.NewCursor(ref)
	if err != nil {
		return nil, err
	}
	target := int64(fileSize) - 3

	var entries []Entry
	var consumed int64
	for consumed < target {
		var hdr struct {
			Count      uint32
			StartBlock uint32
			InodeNum   uint32
		}
		if err := binary.Read(c, d.order, &hdr); err != nil {
			return nil, err
		}
		consumed += 12

		for i := uint32(0); i <= hdr.Count; i++ {
			var e struct {
				Offset      uint16
				InodeOffset int16
				EntryType   uint16
				NameSize    uint16
			}
			if err := binary.Read(c, d.order, &e); err != nil {
				return nil, err
			}
			// §5: "no allocation depends on untrusted name_size beyond a 256-byte bound" —
			// the bound must gate the allocation itself, not just reject after the fact,
			// since e.NameSize is attacker/corruption-controlled and unchecked would allow
			// up to a 65536-byte allocation per entry.
			nameLen := int(e.NameSize) + 1
			if nameLen > 256 {
				return nil, corruptf("directory entry name length %d exceeds maximum", nameLen)
			}
			name := make([]byte, nameLen)
			if _, err := io.ReadFull(c, name); err != nil {
				return nil, err
			}
			consumed += 8 + int64(len(name))

			ino := uint32(int64(hdr.InodeNum) + int64(e.InodeOffset))
			entries = append(entries, Entry{
				Name: string(name),
				Type: Type(e.EntryType),
				Ino:  ino,
			})
		}
	}
	return entries, nil
}

// ErrEmptyDir-worthy directories (file_size == 3, no chunks) legitimately decode to a nil,
// nil entries slice above; callers distinguish "empty directory" from "not a directory" by
// checking the inode type before calling ReadDir.

// splitPath splits a slash-separated lookup path into components. A trailing slash is
// dropped here ("bin/" and "bin" split the same way); Image.Resolve checks it separately
// and then requires the resolved inode to be a directory.
func splitPath(name string) []string {
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return nil
	}
	return strings.Split(name, "/")
}

// dirEntryInfo adapts an Entry plus its resolved Inode to fs.DirEntry.
type dirEntryInfo struct {
	img  *Image
	name string
	typ  Type
	ino  *Inode
}

var _ fs.DirEntry = (*dirEntryInfo)(nil)

func (e *dirEntryInfo) Name() string { return e.name }
func (e *dirEntryInfo) IsDir() bool  { return e.typ.IsDir() }
func (e *dirEntryInfo) Type() fs.FileMode {
	return e.typ.Mode().Type()
}
func (e *dirEntryInfo) Info() (fs.FileInfo, error) {
	return &fileinfo{img: e.img, ino: e.ino, name: e.name}, nil
}

// sortEntries orders decoded entries by name, matching fs.ReadDir's documented contract
// and the order real directory listings are expected in by callers of io/fs walkers.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
