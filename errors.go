package squashfs

import (
	"errors"
	"fmt"
)

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS major version is not 4
	// This library only supports SquashFS 4.x images; the minor version is not checked
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrEmptyDir names the empty-directory case (file_size == 3, ie. just the header
	// stub). Resolve and the ReadDir methods report an empty directory as success with
	// zero entries; no function in this package returns ErrEmptyDir.
	ErrEmptyDir = errors.New("directory is empty")

	// ErrUnsupported is returned for operations squashfs doesn't implement on a given
	// inode type (streaming a non-regular-file, or an unregistered compression algorithm).
	ErrUnsupported = errors.New("unsupported operation")

	// ErrBufferTooSmall is returned by a Codec when the destination buffer cannot hold
	// the decompressed payload; this always indicates a corrupt or oversized block.
	ErrBufferTooSmall = errors.New("decompression destination buffer too small")
)

// CorruptError reports a violated on-disk invariant: an oversized metadata header, a
// table bound overrun, an unknown inode type, a failed decompression, an out-of-range
// fragment index, or an out-of-range name length. It wraps ErrCorruptImage so callers
// can test with errors.Is(err, ErrCorruptImage) without caring about the detail text.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt squashfs image: %s", e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorruptImage
}

// ErrCorruptImage is the sentinel every CorruptError wraps.
var ErrCorruptImage = errors.New("corrupt squashfs image")

func corruptf(format string, args ...any) error {
	return &CorruptError{Reason: fmt.Sprintf(format, args...)}
}
