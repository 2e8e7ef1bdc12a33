package squashfs_test

import (
	"bytes"
	"io/fs"
	"testing"

	"github.com/go-squashfs/squashfs"
	"github.com/go-squashfs/squashfs/internal/sqfsbuild"
)

// TestFragmentTail verifies a file whose tail is shorter than a full data block is
// stored as a fragment and read back correctly, spanning one full block plus the tail.
func TestFragmentTail(t *testing.T) {
	blockSize := 4096
	content := bytes.Repeat([]byte{'A'}, blockSize)
	content = append(content, []byte("short tail")...)

	root := sqfsbuild.Dir("", sqfsbuild.File("f.bin", content))
	b := sqfsbuild.New(root, uint32(blockSize), squashfs.GZip)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("building fixture: %s", err)
	}
	img, err := squashfs.Open(squashfs.NewMemorySource(data))
	if err != nil {
		t.Fatalf("opening fixture: %s", err)
	}

	got, err := fs.ReadFile(img, "f.bin")
	if err != nil {
		t.Fatalf("reading f.bin: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("fragment-tailed file read back %d bytes, want %d; mismatch", len(got), len(content))
	}
}

// TestNoFragmentFlag verifies a file whose tail is forced into the block list (instead of
// the fragment table) still reads back correctly.
func TestNoFragmentFlag(t *testing.T) {
	blockSize := 4096
	content := bytes.Repeat([]byte{'B'}, blockSize+100)

	node := sqfsbuild.File("f.bin", content)
	node.NoFragment = true
	root := sqfsbuild.Dir("", node)

	b := sqfsbuild.New(root, uint32(blockSize), squashfs.GZip)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("building fixture: %s", err)
	}
	img, err := squashfs.Open(squashfs.NewMemorySource(data))
	if err != nil {
		t.Fatalf("opening fixture: %s", err)
	}

	got, err := fs.ReadFile(img, "f.bin")
	if err != nil {
		t.Fatalf("reading f.bin: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("no-fragment file mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// TestSparseFile verifies a sparse (hole-punched) data block reads back as zeros without
// the image carrying any stored bytes for it.
func TestSparseFile(t *testing.T) {
	blockSize := 4096
	whole := bytes.Repeat([]byte{'C'}, blockSize)
	content := append(append([]byte{}, whole...), whole...)

	node := sqfsbuild.File("f.bin", content)
	node.Sparse = []bool{false, true}
	root := sqfsbuild.Dir("", node)

	b := sqfsbuild.New(root, uint32(blockSize), squashfs.GZip)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("building fixture: %s", err)
	}
	img, err := squashfs.Open(squashfs.NewMemorySource(data))
	if err != nil {
		t.Fatalf("opening fixture: %s", err)
	}

	got, err := fs.ReadFile(img, "f.bin")
	if err != nil {
		t.Fatalf("reading f.bin: %s", err)
	}
	if len(got) != len(content) {
		t.Fatalf("got %d bytes, want %d", len(got), len(content))
	}
	if !bytes.Equal(got[:blockSize], whole) {
		t.Errorf("first block should be unchanged")
	}
	for i, by := range got[blockSize:] {
		if by != 0 {
			t.Fatalf("sparse block byte %d = %#x, want 0", i, by)
		}
	}
}

// TestExtendedDirectory verifies an extended directory (XDirType, carrying a
// directory-index trailer with i_count > 0) decodes its inode record at the right
// length and its listing still resolves normally.
func TestExtendedDirectory(t *testing.T) {
	root := sqfsbuild.Dir("", sqfsbuild.ExtDir("conf",
		sqfsbuild.File("a.conf", []byte("a")),
		sqfsbuild.File("b.conf", []byte("b")),
		sqfsbuild.File("c.conf", []byte("c")),
	))
	img := openFixture(t, root)

	ino, err := img.Resolve("conf")
	if err != nil {
		t.Fatalf("resolving extended directory: %s", err)
	}
	if _, ok := ino.Variant.(squashfs.XDirVariant); !ok {
		t.Fatalf("expected XDirVariant, got %T", ino.Variant)
	}

	entries, err := fs.ReadDir(img, "conf")
	if err != nil {
		t.Fatalf("reading extended directory: %s", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	got, err := fs.ReadFile(img, "conf/b.conf")
	if err != nil {
		t.Fatalf("reading conf/b.conf: %s", err)
	}
	if string(got) != "b" {
		t.Errorf("conf/b.conf content = %q, want %q", got, "b")
	}
}

// TestEmptyDirectory verifies a directory with no children decodes with file_size == 3
// (the §4.4 3-byte overcount with zero payload bytes) and readdir yields no entries.
func TestEmptyDirectory(t *testing.T) {
	root := sqfsbuild.Dir("", sqfsbuild.Dir("empty"))
	img := openFixture(t, root)

	ino, err := img.Resolve("empty")
	if err != nil {
		t.Fatalf("resolving empty directory: %s", err)
	}
	dv, ok := ino.Variant.(squashfs.DirVariant)
	if !ok {
		t.Fatalf("expected DirVariant, got %T", ino.Variant)
	}
	if dv.FileSize != 3 {
		t.Errorf("empty directory file_size = %d, want 3", dv.FileSize)
	}

	entries, err := fs.ReadDir(img, "empty")
	if err != nil {
		t.Fatalf("reading empty directory: %s", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

// TestExactBlockSizeNoFragment verifies a file whose size is an exact multiple of
// block_size carries no fragment at all (no trailing partial block to place one in).
func TestExactBlockSizeNoFragment(t *testing.T) {
	blockSize := 4096
	content := bytes.Repeat([]byte{'D'}, blockSize*3)

	root := sqfsbuild.Dir("", sqfsbuild.File("f.bin", content))
	b := sqfsbuild.New(root, uint32(blockSize), squashfs.GZip)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("building fixture: %s", err)
	}
	img, err := squashfs.Open(squashfs.NewMemorySource(data))
	if err != nil {
		t.Fatalf("opening fixture: %s", err)
	}

	got, err := fs.ReadFile(img, "f.bin")
	if err != nil {
		t.Fatalf("reading f.bin: %s", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("block-aligned file mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// randomish returns n bytes that zlib cannot meaningfully shrink, so writeDataBlock and
// writeFragmentTable fall back to storing them raw with the uncompressed-block bit set.
func randomish(n int) []byte {
	out := make([]byte, n)
	x := uint32(13)
	for i := range out {
		x = x*1103515245 + 12345
		out[i] = byte(x >> 16)
	}
	return out
}

// TestMixedCompressionBlocks covers both pairings of §8's "fragment uncompressed while
// data blocks are compressed, and vice versa" boundary case: one fixture whose whole data
// block compresses while its fragment tail doesn't, another where it's reversed.
func TestMixedCompressionBlocks(t *testing.T) {
	blockSize := 4096

	compData := bytes.Repeat([]byte{'E'}, blockSize)
	rawFrag := randomish(100)
	fixtureA := append(append([]byte{}, compData...), rawFrag...)

	rawData := randomish(blockSize)
	compFrag := bytes.Repeat([]byte{'F'}, 100)
	fixtureB := append(append([]byte{}, rawData...), compFrag...)

	for _, tc := range []struct {
		name    string
		content []byte
	}{
		{"compdata-rawfrag.bin", fixtureA},
		{"rawdata-compfrag.bin", fixtureB},
	} {
		root := sqfsbuild.Dir("", sqfsbuild.File(tc.name, tc.content))
		b := sqfsbuild.New(root, uint32(blockSize), squashfs.GZip)
		data, err := b.Build()
		if err != nil {
			t.Fatalf("building fixture for %s: %s", tc.name, err)
		}
		img, err := squashfs.Open(squashfs.NewMemorySource(data))
		if err != nil {
			t.Fatalf("opening fixture for %s: %s", tc.name, err)
		}
		got, err := fs.ReadFile(img, tc.name)
		if err != nil {
			t.Fatalf("reading %s: %s", tc.name, err)
		}
		if !bytes.Equal(got, tc.content) {
			t.Errorf("%s: got %d bytes, want %d", tc.name, len(got), len(tc.content))
		}
	}
}

// TestNameLengthBoundaries verifies names at the 1-byte and 256-byte extremes the
// directory-entry name_size field can encode round-trip correctly. The fixture uses a
// plain directory, so extended-directory index entries are not exercised.
func TestNameLengthBoundaries(t *testing.T) {
	short := "a"
	long := string(bytes.Repeat([]byte{'x'}, 256))

	root := sqfsbuild.Dir("",
		sqfsbuild.File(short, []byte("short")),
		sqfsbuild.File(long, []byte("long")),
	)
	img := openFixture(t, root)

	got, err := fs.ReadFile(img, short)
	if err != nil {
		t.Fatalf("reading 1-byte-named file: %s", err)
	}
	if string(got) != "short" {
		t.Errorf("1-byte-named file content = %q, want %q", got, "short")
	}

	got, err = fs.ReadFile(img, long)
	if err != nil {
		t.Fatalf("reading 256-byte-named file: %s", err)
	}
	if string(got) != "long" {
		t.Errorf("256-byte-named file content = %q, want %q", got, "long")
	}
}

// TestRootPath verifies the single-component path "/" resolves directly to the root
// directory without needing any child path component.
func TestRootPath(t *testing.T) {
	root := sqfsbuild.Dir("", sqfsbuild.File("f.txt", []byte("x")))
	img := openFixture(t, root)

	ino, err := img.Resolve("/")
	if err != nil {
		t.Fatalf("resolving /: %s", err)
	}
	if !ino.Type.IsDir() {
		t.Errorf("/ should resolve to a directory, got %s", ino.Type)
	}

	entries, err := fs.ReadDir(img, ".")
	if err != nil {
		t.Fatalf("reading root directory via fs.FS: %s", err)
	}
	if len(entries) != 1 || entries[0].Name() != "f.txt" {
		t.Errorf("unexpected root listing: %v", entries)
	}
}

// TestDeviceNode verifies a device inode's type, rdev and mode are exposed correctly;
// uid/gid resolution is not checked here.
func TestDeviceNode(t *testing.T) {
	root := sqfsbuild.Dir("", sqfsbuild.Device("null", squashfs.CharDevType, 0x0103))
	img := openFixture(t, root)

	ino, err := img.Resolve("null")
	if err != nil {
		t.Fatalf("resolving device node: %s", err)
	}
	if ino.Type.Basic() != squashfs.CharDevType {
		t.Errorf("expected CharDevType, got %s", ino.Type)
	}
	dv, ok := ino.Variant.(squashfs.DeviceVariant)
	if !ok {
		t.Fatalf("expected DeviceVariant, got %T", ino.Variant)
	}
	if dv.Rdev != 0x0103 {
		t.Errorf("expected rdev 0x103, got %#x", dv.Rdev)
	}

	mode := img.ModeOf(ino)
	if mode&squashfs.CharDevType.Mode() == 0 {
		t.Errorf("mode %v missing char-device bits", mode)
	}
}
