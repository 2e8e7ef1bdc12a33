package squashfs_test

import (
	"fmt"
	"io"
	"io/fs"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-squashfs/squashfs"
	"github.com/go-squashfs/squashfs/internal/sqfsbuild"
)

// TestCompression tests the String() method for SquashComp values.
func TestCompression(t *testing.T) {
	compressionTypes := []squashfs.SquashComp{
		squashfs.GZip,
		squashfs.LZMA,
		squashfs.LZO,
		squashfs.XZ,
		squashfs.LZ4,
		squashfs.ZSTD,
	}

	expectedNames := []string{"GZip", "LZMA", "LZO", "XZ", "LZ4", "ZSTD"}

	for i, compType := range compressionTypes {
		if compType.String() != expectedNames[i] {
			t.Errorf("expected compression type %d name to be %s, got %s",
				compType, expectedNames[i], compType.String())
		}
	}

	unknownType := squashfs.SquashComp(99)
	if unknownType.String() != "SquashComp(99)" {
		t.Errorf("expected unknown compression type to be SquashComp(99), got %s", unknownType.String())
	}
}

func fileOpsFixture() *sqfsbuild.Node {
	return sqfsbuild.Dir("",
		sqfsbuild.Dir("include",
			sqfsbuild.File("zlib.h", []byte("#ifndef ZLIB_H\n#define ZLIB_H\n#endif\n")),
			sqfsbuild.File("zconf.h", []byte("/* zconf.h */\n")),
		),
		sqfsbuild.Dir("lib", sqfsbuild.File("libz.a", []byte("archive"))),
	)
}

// TestFileOperations exercises ReadDir, DirEntry/FileInfo consistency, and basic
// open+read+stat through the fs.FS surface.
func TestFileOperations(t *testing.T) {
	img := openFixture(t, fileOpsFixture())

	entries, err := fs.ReadDir(img, "include")
	if err != nil {
		t.Errorf("failed to read directory 'include': %s", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	want := []string{"zconf.h", "zlib.h"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("include listing mismatch (-want +got):\n%s", diff)
	}

	for _, entry := range entries {
		name := entry.Name()
		info, err := entry.Info()
		if err != nil {
			t.Errorf("failed to get info for %s: %s", name, err)
			continue
		}
		if info.Name() != name {
			t.Errorf("info.Name() returned %s, expected %s", info.Name(), name)
		}
		if info.IsDir() != entry.IsDir() {
			t.Errorf("isDir mismatch for %s: entry.IsDir()=%v, info.IsDir()=%v", name, entry.IsDir(), info.IsDir())
		}
	}

	file, err := img.Open("include/zlib.h")
	if err != nil {
		t.Errorf("failed to open include/zlib.h: %s", err)
	} else {
		defer file.Close()

		fileInfo, err := file.Stat()
		if err != nil {
			t.Errorf("failed to get stat on open file: %s", err)
		} else if fileInfo.Name() != "zlib.h" {
			t.Errorf("expected filename to be zlib.h, got %s", fileInfo.Name())
		}

		buf := make([]byte, 100)
		n, err := file.Read(buf)
		if err != nil && err != io.EOF {
			t.Errorf("failed to read from file: %s", err)
		}
		if n == 0 {
			t.Errorf("read 0 bytes from file")
		}
	}

	if _, err := fs.ReadDir(img, "nonexistent"); err == nil {
		t.Errorf("expected error when reading non-existent directory")
	}
	if _, err := img.Open("nonexistent/file.txt"); err == nil {
		t.Errorf("expected error when opening non-existent file")
	}
}

// TestSymlinkHandling exercises resolving a symlink itself (not auto-following it) and
// a path with a symlink as a non-final component, which must fail with ErrNotDirectory.
func TestSymlinkHandling(t *testing.T) {
	root := sqfsbuild.Dir("",
		sqfsbuild.Dir("lib64", sqfsbuild.File("libfoo.a", []byte("data"))),
		sqfsbuild.Symlink("lib", "lib64"),
	)
	img := openFixture(t, root)

	ino, err := img.Resolve("lib")
	if err != nil {
		t.Fatalf("failed to resolve symlink 'lib': %s", err)
	}
	if !ino.Type.IsSymlink() {
		t.Errorf("'lib' should resolve to a symlink inode, got %s", ino.Type)
	}

	// walking through the symlink as an intermediate path component is not supported:
	// squashfs.Open's path resolution never dereferences symlinks mid-path.
	if _, err := img.Resolve("lib/libfoo.a"); err != squashfs.ErrNotDirectory {
		t.Errorf("expected ErrNotDirectory resolving through a symlink, got %v", err)
	}

	direct, err := img.Resolve("lib64/libfoo.a")
	if err != nil {
		t.Errorf("failed to find inode 'lib64/libfoo.a': %s", err)
	} else if direct.Type != squashfs.FileType {
		t.Errorf("lib64/libfoo.a resolved to unexpected type %s", direct.Type)
	}
}

// TestInodeAttributes tests access to inode uid/gid (through the id table, the one
// legitimate use of resolved ownership per the package's non-goals) and fs.FileMode.
func TestInodeAttributes(t *testing.T) {
	root := sqfsbuild.Dir("",
		sqfsbuild.Dir("include", &sqfsbuild.Node{
			Name: "zlib.h", Type: squashfs.FileType, Mode: 0644, Uid: 1000, Gid: 1000,
			Data: []byte("content"),
		}),
	)
	img := openFixture(t, root)

	ino, err := img.Resolve("include/zlib.h")
	if err != nil {
		t.Fatalf("failed to find include/zlib.h: %s", err)
	}
	uid, err := img.ResolveId(ino.UidIdx)
	if err != nil {
		t.Errorf("failed to resolve uid: %s", err)
	} else if uid != 1000 {
		t.Errorf("expected uid 1000, got %d", uid)
	}
	gid, err := img.ResolveId(ino.GidIdx)
	if err != nil {
		t.Errorf("failed to resolve gid: %s", err)
	} else if gid != 1000 {
		t.Errorf("expected gid 1000, got %d", gid)
	}

	fileInfo, err := fs.Stat(img, "include/zlib.h")
	if err != nil {
		t.Fatalf("failed to stat include/zlib.h: %s", err)
	}
	mode := fileInfo.Mode()
	if mode.IsDir() {
		t.Errorf("include/zlib.h should not be a directory")
	}
	if !mode.IsRegular() {
		t.Errorf("include/zlib.h should be a regular file")
	}
	if mode&0400 == 0 {
		t.Errorf("include/zlib.h should have read permission")
	}
}

// TestSubFS tests the fs.Sub interface for creating sub-filesystems.
func TestSubFS(t *testing.T) {
	img := openFixture(t, fileOpsFixture())

	subFS, err := fs.Sub(img, "include")
	if err != nil {
		t.Fatalf("failed to create sub-filesystem: %s", err)
	}

	data, err := fs.ReadFile(subFS, "zlib.h")
	if err != nil {
		t.Errorf("failed to read zlib.h from sub-filesystem: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from zlib.h in sub-filesystem")
	}

	entries, err := fs.ReadDir(subFS, ".")
	if err != nil {
		t.Errorf("failed to read directory entries from sub-filesystem: %s", err)
	} else if len(entries) != 2 {
		t.Errorf("expected 2 entries found in sub-filesystem, got %d", len(entries))
	}

	if _, err := fs.ReadFile(subFS, "../lib/libz.a"); err == nil {
		t.Errorf("should not be able to access files outside the sub-filesystem")
	}
}

// TestErrorCases tests various error conditions through the fs.FS surface.
func TestErrorCases(t *testing.T) {
	img := openFixture(t, fileOpsFixture())

	if _, err := img.Open(".."); err == nil {
		t.Errorf("expected error opening invalid path '..'")
	}

	dir, err := img.Open("include")
	if err != nil {
		t.Errorf("failed to open directory: %s", err)
	} else {
		defer dir.Close()
		buf := make([]byte, 100)
		if _, err := dir.Read(buf); err == nil {
			t.Errorf("expected error reading from directory")
		}
	}

	if _, err := fs.ReadFile(img, "include/nonexistent.h"); err == nil {
		t.Errorf("expected error reading non-existent file")
	}
}

// TestFileServerCompatibility verifies the interface surface http.FileServer relies on.
func TestFileServerCompatibility(t *testing.T) {
	img := openFixture(t, fileOpsFixture())

	var fsys fs.FS = img
	var _ fs.StatFS = img

	if _, err := fs.Stat(fsys, "include/zlib.h"); err != nil {
		t.Errorf("fs.Stat failed: %s", err)
	}
	if _, err := fs.ReadDir(fsys, "include"); err != nil {
		t.Errorf("fs.ReadDir failed: %s", err)
	}

	f, err := fsys.Open("include/zlib.h")
	if err != nil {
		t.Fatalf("Open failed: %s", err)
	}
	defer f.Close()

	if _, err := f.Stat(); err != nil {
		t.Errorf("file.Stat failed: %s", err)
	}
	buf := make([]byte, 100)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		t.Errorf("file.Read failed: %s", err)
	}
	if _, ok := f.(io.ReadSeeker); !ok {
		t.Errorf("file doesn't implement io.ReadSeeker interface")
	}
}

// TestDirectoryReadingAtScale exercises listing and lookup in a directory large enough
// to span multiple 8 KiB metadata blocks.
func TestDirectoryReadingAtScale(t *testing.T) {
	const n = 2000
	entries := make([]*sqfsbuild.Node, n)
	for i := range entries {
		entries[i] = sqfsbuild.File(fmtName(i), nil)
	}
	root := sqfsbuild.Dir("", sqfsbuild.Dir("bigdir", entries...))
	img := openFixture(t, root)

	for _, name := range []string{fmtName(0), fmtName(n / 2), fmtName(n - 1)} {
		if _, err := fs.Stat(img, "bigdir/"+name); err != nil {
			t.Errorf("unexpected error accessing bigdir/%s: %s", name, err)
		}
	}
	if _, err := fs.Stat(img, "bigdir/nonexistent.txt"); err == nil {
		t.Errorf("expected error for nonexistent file")
	}
}

func fmtName(i int) string {
	return fmt.Sprintf("f%d.txt", i)
}

// TestInodeFindCaching checks that repeat InodeTable.Find calls for an inode number
// already seen during path resolution don't grow the cache further, confirming the
// cache actually short-circuits repeat lookups rather than just tracking along silently.
func TestInodeFindCaching(t *testing.T) {
	root := sqfsbuild.Dir("",
		sqfsbuild.Dir("a", sqfsbuild.Dir("b", &sqfsbuild.Node{
			Name: "c.bin", Type: squashfs.FileType, Mode: 0644, Data: []byte("x"),
		})),
	)
	img := openFixture(t, root)

	if _, err := img.Resolve("a/b/c.bin"); err != nil {
		t.Fatalf("resolve: %s", err)
	}
	before := img.Inodes().CachedCount()
	if before == 0 {
		t.Fatalf("expected resolving a path to populate the inode cache")
	}

	if _, err := img.Resolve("a/b/c.bin"); err != nil {
		t.Fatalf("second resolve: %s", err)
	}
	after := img.Inodes().CachedCount()
	if after != before {
		t.Errorf("expected cache size to stay at %d after a repeat resolve, got %d", before, after)
	}
}

// TestOpenOnMemorySource tests opening an image directly from an in-memory BlockSource.
func TestOpenOnMemorySource(t *testing.T) {
	b := sqfsbuild.New(fileOpsFixture(), 131072, squashfs.GZip)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("building fixture image: %s", err)
	}

	img, err := squashfs.Open(squashfs.NewMemorySource(data))
	if err != nil {
		t.Fatalf("failed to open image from memory source: %s", err)
	}

	data, err = fs.ReadFile(img, "include/zlib.h")
	if err != nil {
		t.Errorf("failed to read file from memory-sourced image: %s", err)
	} else if len(data) == 0 {
		t.Errorf("read 0 bytes from file")
	}
}
