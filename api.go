package squashfs

import (
	"io/fs"
	"strings"
)

// Image is an opened, validated SquashFS filesystem image: the decoded superblock plus
// every supporting table (inodes, directories, fragments, ids) needed to resolve paths
// and stream file content. It implements io/fs.FS.
//
// Open only scans the metadata block headers of the inode and directory tables; every
// table's blocks are decompressed on first use and cached. OpenWith with
// WithEagerDirectoryLoad decodes the whole directory table up front instead.
type Image struct {
	sb *Superblock

	inodes *InodeTable
	dirs   *DirTable
	frags  *FragmentTable
	ids    *IdTable
}

var _ fs.FS = (*Image)(nil)
var _ fs.StatFS = (*Image)(nil)

// Open validates src as a SquashFS image and builds every table needed to serve fs.FS
// operations against it.
func Open(src BlockSource) (*Image, error) {
	sb, err := New(src)
	if err != nil {
		return nil, err
	}

	inodeMR, err := NewMetaReader(src, sb.Comp, int64(sb.InodeTableStart), int64(nextTableBound(sb, sb.InodeTableStart)))
	if err != nil {
		return nil, err
	}

	dirMR, err := NewMetaReader(src, sb.Comp, int64(sb.DirTableStart), int64(nextTableBound(sb, sb.DirTableStart)))
	if err != nil {
		return nil, err
	}

	img := &Image{
		sb:     sb,
		inodes: NewInodeTable(inodeMR, sb.RootMetaRef(), sb.order, sb.BlockSize),
		dirs:   NewDirTable(dirMR, sb.order),
	}

	if !tableAbsent(sb.FragTableStart) && sb.FragCount > 0 {
		ft, err := NewFragmentTable(src, sb.order, sb.Comp, sb.FragTableStart, sb.FragCount)
		if err != nil {
			return nil, err
		}
		img.frags = ft
	}
	if !tableAbsent(sb.IdTableStart) && sb.IdCount > 0 {
		it, err := NewIdTable(src, sb.order, sb.Comp, sb.IdTableStart, sb.IdCount)
		if err != nil {
			return nil, err
		}
		img.ids = it
	}

	return img, nil
}

// Superblock returns the image's decoded superblock.
func (img *Image) Superblock() *Superblock { return img.sb }

// Inodes returns the image's inode table, for callers that need to walk every inode
// directly (diagnostic dumps) rather than resolve paths one at a time.
func (img *Image) Inodes() *InodeTable { return img.inodes }

// ReadDir returns the directory listing for a directory inode. It returns
// ErrNotDirectory if ino is not a directory.
func (img *Image) ReadDir(ino *Inode) ([]Entry, error) {
	ref, fsz, err := dirMeta(ino)
	if err != nil {
		return nil, err
	}
	return img.dirs.ReadDir(ref, fsz)
}

// ResolveId resolves a uid/gid table index to its 32-bit id. It returns an error if the
// image carries no id table, which Non-goal-scoped callers (the filesystem API itself)
// never need to call.
func (img *Image) ResolveId(idx uint16) (uint32, error) {
	if img.ids == nil {
		return 0, corruptf("image has no id table")
	}
	return img.ids.Resolve(idx)
}

// ModeOf returns the fs.FileMode (type bits plus permission bits) for an inode.
func (img *Image) ModeOf(ino *Inode) fs.FileMode { return img.resolveMode(ino) }

// SizeOf returns the file size recorded in a file inode, or 0 for non-file types.
func (img *Image) SizeOf(ino *Inode) uint64 { return img.fileSize(ino) }

// Root decodes and returns the filesystem's root inode.
func (img *Image) Root() (*Inode, error) {
	return img.inodes.Root()
}

// Resolve walks a slash-separated path from the root inode, decoding one directory level
// per path component. It returns ErrNotDirectory if a non-final component names something
// other than a directory, and fs.ErrNotExist if a component is never found in its parent's
// listing. A trailing slash requires the final component to be a directory; otherwise
// Resolve returns ErrNotDirectory.
func (img *Image) Resolve(name string) (*Inode, error) {
	parts := splitPath(name)
	wantDir := len(parts) > 0 && strings.HasSuffix(name, "/")
	cur, err := img.Root()
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		if !cur.Type.IsDir() {
			return nil, ErrNotDirectory
		}
		ref, fsz, err := dirMeta(cur)
		if err != nil {
			return nil, err
		}
		list, err := img.dirs.ReadDir(ref, fsz)
		if err != nil {
			return nil, err
		}
		found := false
		var nextIno uint32
		for _, e := range list {
			if e.Name == part {
				nextIno = e.Ino
				found = true
				break
			}
		}
		if !found {
			return nil, fs.ErrNotExist
		}
		next, _, err := img.inodes.Find(nextIno)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if wantDir && !cur.Type.IsDir() {
		return nil, ErrNotDirectory
	}
	return cur, nil
}

// nextTableBound returns the closest table boundary strictly after `after`, used to bound a
// table's MetaReader without assuming any fixed table adjacency: on a real image the
// directory table is always followed by the fragment table if present, or the export or
// id table otherwise, or finally bytes_used if none of those exist either.
func nextTableBound(sb *Superblock, after uint64) uint64 {
	bound := sb.BytesUsed
	for _, start := range []uint64{sb.DirTableStart, sb.FragTableStart, sb.ExportTableStart, sb.IdTableStart} {
		if tableAbsent(start) || start <= after {
			continue
		}
		if start < bound {
			bound = start
		}
	}
	return bound
}

// dirMeta extracts the MetaRef and on-disk size needed to read a directory inode's
// listing, regardless of whether it's the basic or extended variant.
func dirMeta(ino *Inode) (MetaRef, uint32, error) {
	switch v := ino.Variant.(type) {
	case DirVariant:
		return MetaRef{Block: v.StartBlock, Offset: v.Offset}, uint32(v.FileSize), nil
	case XDirVariant:
		return MetaRef{Block: v.StartBlock, Offset: v.Offset}, v.FileSize, nil
	default:
		return MetaRef{}, 0, ErrNotDirectory
	}
}

// Open implements io/fs.FS.
func (img *Image) Open(name string) (fs.File, error) {
	if name == "." {
		root, err := img.Root()
		if err != nil {
			return nil, err
		}
		return img.openFile(root, name)
	}
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := img.Resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return img.openFile(ino, name)
}

// Stat implements io/fs.StatFS.
func (img *Image) Stat(name string) (fs.FileInfo, error) {
	f, err := img.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (img *Image) openFile(ino *Inode, name string) (fs.File, error) {
	switch v := ino.Variant.(type) {
	case DirVariant, XDirVariant:
		return &FileDir{img: img, ino: ino, name: name}, nil
	case SymlinkVariant:
		return &File{img: img, ino: ino, name: name, symlink: true, target: v.Target}, nil
	default:
		return &File{img: img, ino: ino, name: name}, nil
	}
}

func (img *Image) fileSize(ino *Inode) uint64 {
	switch v := ino.Variant.(type) {
	case FileVariant:
		return uint64(v.FileSize)
	case XFileVariant:
		return v.FileSize
	default:
		return 0
	}
}

func (img *Image) resolveMode(ino *Inode) fs.FileMode {
	mode := ino.Type.Mode() | fs.FileMode(ino.Perm&0777)
	return mode
}
