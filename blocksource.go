package squashfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// BlockSource is random-access read of fixed-size sectors over an immutable image.
// It guarantees a full read or an error; callers never see a short read. An in-memory
// image is a degenerate BlockSource whose effective sector size is 1 byte.
type BlockSource interface {
	ReadAt(p []byte, off int64) (int, error)
}

// memorySource is a BlockSource over a fully mapped byte slice; ReadAt is a bounds-checked
// slice copy, equivalent to a sector size of 1.
type memorySource struct {
	data []byte
}

// NewMemorySource wraps an already-loaded image (e.g. a mmap'd or read-into-RAM file) as
// a BlockSource.
func NewMemorySource(data []byte) BlockSource {
	return &memorySource{data: data}
}

func (m *memorySource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// mmapSource memory-maps a file read-only and serves ReadAt directly against the mapping,
// avoiding a read syscall per access. Created by NewMappedFile.
type mmapSource struct {
	f    *os.File
	data []byte
}

// NewMappedFile opens path and maps its entire contents read-only.
func NewMappedFile(path string) (BlockSource, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.Size() == 0 {
		f.Close()
		return nil, nil, ErrInvalidFile
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	ms := &mmapSource{f: f, data: data}
	closer := func() error {
		err := unix.Munmap(ms.data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return ms, closer, nil
}

func (m *mmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// blockDeviceSource reads from a block device that only exposes fixed-size sector reads.
// An unaligned (offset, len) request is translated to a sector-aligned read covering the
// whole requested span, then sliced down to the caller's window.
type blockDeviceSource struct {
	f          *os.File
	sectorSize int
}

// NewBlockDeviceSource wraps f (expected to be a block device, but any *os.File works)
// so that all reads are rounded up to sectorSize-aligned, sectorSize-sized reads.
func NewBlockDeviceSource(f *os.File, sectorSize int) BlockSource {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	return &blockDeviceSource{f: f, sectorSize: sectorSize}
}

// OpenBlockDevice opens path and queries its logical sector size via the Linux BLKSSZGET
// ioctl; if the ioctl fails or reports a non-positive size it falls back to 512.
func OpenBlockDevice(path string) (BlockSource, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	sectorSize := querySectorSize(f)
	return NewBlockDeviceSource(f, sectorSize), f.Close, nil
}

func querySectorSize(f *os.File) int {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		return 512
	}
	return sz
}

func (b *blockDeviceSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	ss := int64(b.sectorSize)
	alignedOff := (off / ss) * ss
	within := int(off - alignedOff)
	spanLen := within + len(p)
	sectors := (spanLen + b.sectorSize - 1) / b.sectorSize

	buf := make([]byte, sectors*b.sectorSize)
	n, err := b.f.ReadAt(buf, alignedOff)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n < within+len(p) {
		return 0, io.ErrUnexpectedEOF
	}

	copy(p, buf[within:within+len(p)])
	return len(p), nil
}
