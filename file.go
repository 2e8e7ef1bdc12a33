package squashfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// File is a convenience object allowing use of a regular-file or symlink inode as if it
// were an *os.File. Directory inodes are served by FileDir instead.
type File struct {
	img  *Image
	ino  *Inode
	name string

	symlink bool
	target  string

	pos int64
}

// FileDir is a convenience object allowing use of a directory inode as a fs.ReadDirFile.
type FileDir struct {
	img     *Image
	ino     *Inode
	name    string
	entries []Entry
	pos     int
}

type fileinfo struct {
	img  *Image
	ino  *Inode
	name string
}

var _ fs.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)
var _ io.Seeker = (*File)(nil)

var _ fs.ReadDirFile = (*FileDir)(nil)

var _ fs.FileInfo = (*fileinfo)(nil)

// Stat returns the details of the open file.
func (f *File) Stat() (fs.FileInfo, error) {
	return &fileinfo{img: f.img, name: path.Base(f.name), ino: f.ino}, nil
}

// Sys returns the underlying *Inode for this file.
func (f *File) Sys() any { return f.ino }

// Close does nothing; Image holds no per-File resources to release.
func (f *File) Close() error { return nil }

// Read implements io.Reader. Symlink inodes read back their target text, matching the
// behavior of reading a symlink with O_NOFOLLOW on a real filesystem.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(f.size())
	default:
		return 0, fs.ErrInvalid
	}
	np := base + offset
	if np < 0 {
		return 0, fs.ErrInvalid
	}
	f.pos = np
	return np, nil
}

func (f *File) size() uint64 {
	if f.symlink {
		return uint64(len(f.target))
	}
	return f.img.fileSize(f.ino)
}

// ReadAt implements io.ReaderAt over the inode's decoded content, per §4.5: block-list
// entries are streamed and decompressed in order, sparse (zero-size) entries are
// zero-filled without touching the image, and any fragment tail is read from the shared
// fragment block at the appropriate byte range.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.symlink {
		if off >= int64(len(f.target)) {
			return 0, io.EOF
		}
		n := copy(p, f.target[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}

	size := f.size()
	if off >= int64(size) {
		return 0, io.EOF
	}
	if rem := int64(size) - off; int64(len(p)) > rem {
		p = p[:rem]
	}

	var startBlock uint64
	var blocks []uint32
	var fragBlock, fragOffset uint32
	var hasFrag bool

	switch v := f.ino.Variant.(type) {
	case FileVariant:
		startBlock = uint64(v.StartBlock)
		blocks = v.Blocks
		fragBlock, fragOffset = v.FragBlock, v.FragOffset
		hasFrag = v.FragBlock != noFragment
	case XFileVariant:
		startBlock = v.StartBlock
		blocks = v.Blocks
		fragBlock, fragOffset = v.FragBlock, v.FragOffset
		hasFrag = v.FragBlock != noFragment
	default:
		return 0, ErrUnsupported
	}

	blockSize := int64(f.img.sb.BlockSize)
	n := 0
	want := int64(len(p))
	cur := startBlock

	for i, entry := range blocks {
		blockLogicalStart := int64(i) * blockSize
		blockLogicalEnd := blockLogicalStart + blockSize
		if blockLogicalEnd <= off {
			if entry != 0 {
				cur += uint64(entry & dataBlockSizeMask)
			}
			continue
		}
		if blockLogicalStart >= off+want {
			break
		}

		var decoded []byte
		if entry == 0 {
			// Sparse block: logically all zero, no on-disk storage (§4.5 "Sparse
			// blocks").
			decoded = make([]byte, blockSize)
		} else {
			dataSize := int64(entry & dataBlockSizeMask)
			compressed := entry&dataBlockUncompressedBit == 0
			if err := checkStoredSize(dataSize, blockSize); err != nil {
				return n, err
			}
			decoded = make([]byte, blockSize)
			raw := make([]byte, dataSize)
			if _, err := f.img.sb.src.ReadAt(raw, int64(cur)); err != nil {
				return n, err
			}
			if compressed {
				got, err := Decompress(f.img.sb.Comp, decoded, raw)
				if err != nil {
					return n, err
				}
				decoded = decoded[:got]
			} else {
				decoded = raw
			}
			cur += uint64(dataSize)
		}

		lo := off - blockLogicalStart
		if lo < 0 {
			lo = 0
		}
		hi := int64(len(decoded))
		if blockLogicalEnd > off+want {
			hi = off + want - blockLogicalStart
		}
		if lo >= hi {
			continue
		}
		cpy := copy(p[blockLogicalStart+lo-off:], decoded[lo:hi])
		n += cpy
	}

	if hasFrag && n < len(p) {
		fragStart := int64(len(blocks)) * blockSize
		if off+want > fragStart {
			tail, err := f.readFragmentTail(fragBlock, fragOffset, size, fragStart)
			if err != nil {
				return n, err
			}
			lo := off - fragStart
			if lo < 0 {
				lo = 0
			}
			hi := int64(len(tail))
			if fragStart+hi > off+want {
				hi = off + want - fragStart
			}
			if lo < hi {
				cpy := copy(p[fragStart+lo-off:], tail[lo:hi])
				n += cpy
			}
		}
	}

	if int64(n) < want {
		return n, io.EOF
	}
	return n, nil
}

// dataBlockSizeMask/dataBlockUncompressedBit split a data-block-list entry the same way
// a fragment table entry is split (§4.5): bit 24 marks "stored uncompressed", low 24 bits
// are the stored byte count. A value of exactly 0 marks a sparse block.
const (
	dataBlockSizeMask        = 1<<24 - 1
	dataBlockUncompressedBit = 1 << 24
)

// maxStoredSizeSlack bounds how far a data-block or fragment-table on-disk size field may
// exceed the image's logical block_size before being rejected as corrupt, per §4.5
// Errors: "any on-disk size exceeds block_size + small-slack". A legitimate stored-size
// field is never larger than block_size; the slack only guards against an off-by-a-few
// rounding quirk in some encoders, not a genuinely oversized block.
const maxStoredSizeSlack = 32

// checkStoredSize rejects an on-disk block size that couldn't possibly belong to a valid
// block_size-bounded block, before it is used to size a read or treated as already-decoded
// (uncompressed) data.
func checkStoredSize(dataSize, blockSize int64) error {
	if dataSize > blockSize+maxStoredSizeSlack {
		return corruptf("stored block size %d exceeds block size %d", dataSize, blockSize)
	}
	return nil
}

// readFragmentTail decodes the fragment block holding this file's trailing partial block
// and slices out the byte range belonging to this file
// (fragOffset..fragOffset+(fileSize-fragStart)).
func (f *File) readFragmentTail(fragBlock, fragOffset uint32, fileSize uint64, fragStart int64) ([]byte, error) {
	if f.img.frags == nil {
		return nil, corruptf("file references a fragment but image has no fragment table")
	}
	entry, err := f.img.frags.Lookup(fragBlock)
	if err != nil {
		return nil, err
	}
	if err := checkStoredSize(int64(entry.Size), int64(f.img.sb.BlockSize)); err != nil {
		return nil, err
	}
	tailLen := int64(fileSize) - fragStart
	raw := make([]byte, entry.Size)
	if _, err := f.img.sb.src.ReadAt(raw, int64(entry.Start)); err != nil {
		return nil, err
	}
	var decoded []byte
	if entry.Uncompressed {
		decoded = raw
	} else {
		decoded = make([]byte, f.img.sb.BlockSize)
		got, err := Decompress(f.img.sb.Comp, decoded, raw)
		if err != nil {
			return nil, err
		}
		decoded = decoded[:got]
	}
	end := int64(fragOffset) + tailLen
	if end > int64(len(decoded)) {
		return nil, corruptf("fragment tail extends past decoded fragment block")
	}
	return decoded[fragOffset:end], nil
}

// (FileDir)

// Read on a directory is invalid and always fails, matching os.File's behavior.
func (d *FileDir) Read(p []byte) (int, error) {
	return 0, fs.ErrInvalid
}

// Stat returns details on the directory.
func (d *FileDir) Stat() (fs.FileInfo, error) {
	return &fileinfo{img: d.img, name: path.Base(d.name), ino: d.ino}, nil
}

// Sys returns the underlying *Inode for this directory.
func (d *FileDir) Sys() any { return d.ino }

// Close releases the cached entry listing.
func (d *FileDir) Close() error {
	d.entries = nil
	return nil
}

// ReadDir implements fs.ReadDirFile, decoding the whole listing on first call and then
// paging through it n entries at a time (n<=0 returns everything remaining).
func (d *FileDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		ref, fsz, err := dirMeta(d.ino)
		if err != nil {
			return nil, err
		}
		list, err := d.img.dirs.ReadDir(ref, fsz)
		if err != nil {
			return nil, err
		}
		sortEntries(list)
		d.entries = list
	}

	remaining := len(d.entries) - d.pos
	if remaining <= 0 {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	if n <= 0 || n > remaining {
		n = remaining
	}

	out := make([]fs.DirEntry, 0, n)
	for _, e := range d.entries[d.pos : d.pos+n] {
		child, _, err := d.img.inodes.Find(e.Ino)
		if err != nil {
			return nil, err
		}
		out = append(out, &dirEntryInfo{img: d.img, name: e.Name, typ: e.Type, ino: child})
	}
	d.pos += n
	return out, nil
}

// (fileinfo)

func (fi *fileinfo) Name() string { return fi.name }

func (fi *fileinfo) Size() int64 {
	if v, ok := fi.ino.Variant.(SymlinkVariant); ok {
		return int64(len(v.Target))
	}
	return int64(fi.img.fileSize(fi.ino))
}

func (fi *fileinfo) Mode() fs.FileMode {
	return fi.img.resolveMode(fi.ino)
}

// ModTime returns the inode's stored modification time. SquashFS stores this as an int32
// unix timestamp, so it rolls over in 2038 same as the original format.
func (fi *fileinfo) ModTime() time.Time {
	return time.Unix(int64(fi.ino.ModTime), 0)
}

func (fi *fileinfo) IsDir() bool { return fi.ino.Type.IsDir() }

func (fi *fileinfo) Sys() any { return fi.ino }
