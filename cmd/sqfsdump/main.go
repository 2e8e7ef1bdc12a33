// Command sqfsdump is a diagnostic tool for inspecting SquashFS images: it dumps the
// superblock, the full inode table, the full directory table, or one resolved entry.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/go-squashfs/squashfs"
)

const usage = `sqfsdump - SquashFS diagnostic dump tool

Usage:
  sqfsdump -s <image>          dump superblock
  sqfsdump -i <image>          dump full inode table, entry by entry
  sqfsdump -d <image>          dump full directory table
  sqfsdump -e <image> [path]   dump the entry at path (default "/")
  sqfsdump -h                  show this help message
`

func main() {
	var (
		sFlag = flag.Bool("s", false, "dump superblock")
		iFlag = flag.Bool("i", false, "dump full inode table")
		dFlag = flag.Bool("d", false, "dump full directory table")
		eFlag = flag.Bool("e", false, "dump the entry at path")
		hFlag = flag.Bool("h", false, "show this help message")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	set := 0
	for _, f := range []bool{*sFlag, *iFlag, *dFlag, *eFlag, *hFlag} {
		if f {
			set++
		}
	}
	if set > 1 {
		fmt.Fprintln(os.Stderr, "sqfsdump: -s, -i, -d, -e, and -h are mutually exclusive")
		os.Exit(1)
	}
	if *hFlag || set == 0 {
		fmt.Print(usage)
		if set == 0 {
			os.Exit(1)
		}
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "sqfsdump: missing image path")
		os.Exit(1)
	}
	imagePath, rest := args[0], args[1:]

	src, closer, err := squashfs.NewMappedFile(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdump: %s: %s\n", imagePath, err)
		os.Exit(1)
	}
	defer closer()

	img, err := squashfs.Open(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdump: %s: %s\n", imagePath, err)
		os.Exit(1)
	}

	out := os.Stdout
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())

	switch {
	case *sFlag:
		err = dumpSuperblock(out, img, tty)
	case *iFlag:
		err = dumpInodes(out, img, tty)
	case *dFlag:
		err = dumpDirectories(out, img, tty)
	case *eFlag:
		path := "/"
		if len(rest) > 0 {
			path = rest[0]
		}
		err = dumpEntry(out, img, path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqfsdump: %s\n", err)
		os.Exit(1)
	}
}

func dumpSuperblock(out *os.File, img *squashfs.Image, tty bool) error {
	sb := img.Superblock()
	if tty {
		fmt.Fprintf(out, "magic:            hsqs\n")
		fmt.Fprintf(out, "inode count:      %d\n", sb.InodeCnt)
		fmt.Fprintf(out, "mkfs time:        %s\n", time.Unix(int64(sb.ModTime), 0).Local())
		fmt.Fprintf(out, "block size:       %d\n", sb.BlockSize)
		fmt.Fprintf(out, "compression:      %s\n", sb.Comp)
		fmt.Fprintf(out, "flags:            %s\n", sb.Flags)
		fmt.Fprintf(out, "id table:         0x%x\n", sb.IdTableStart)
		fmt.Fprintf(out, "inode table:      0x%x\n", sb.InodeTableStart)
		fmt.Fprintf(out, "directory table:  0x%x\n", sb.DirTableStart)
		fmt.Fprintf(out, "fragment table:   0x%x\n", sb.FragTableStart)
		fmt.Fprintf(out, "export table:     0x%x\n", sb.ExportTableStart)
		return nil
	}
	fmt.Fprintf(out, "inodes=%d\tblock_size=%d\tcomp=%s\tflags=%s\n", sb.InodeCnt, sb.BlockSize, sb.Comp, sb.Flags)
	return nil
}

func dumpInodes(out *os.File, img *squashfs.Image, tty bool) error {
	inodes, err := img.Inodes().All()
	if err != nil {
		return fmt.Errorf("dumping inode table: %w", err)
	}
	for _, ino := range inodes {
		uid, gid := resolveIds(img, ino)
		if tty {
			fmt.Fprintf(out, "inode %-6d type=%-12s perm=%#o uid=%-6d gid=%-6d mtime=%s\n",
				ino.Ino, ino.Type, ino.Perm, uid, gid, time.Unix(int64(ino.ModTime), 0).Local().Format(time.RFC3339))
		} else {
			fmt.Fprintf(out, "%d\t%s\t%#o\t%d\t%d\t%d\n", ino.Ino, ino.Type, ino.Perm, uid, gid, ino.ModTime)
		}
	}
	return nil
}

func dumpDirectories(out *os.File, img *squashfs.Image, tty bool) error {
	inodes, err := img.Inodes().All()
	if err != nil {
		return fmt.Errorf("dumping directory table: %w", err)
	}
	for _, ino := range inodes {
		if !ino.Type.IsDir() {
			continue
		}
		entries, err := img.ReadDir(ino)
		if err != nil {
			return fmt.Errorf("reading directory for inode %d: %w", ino.Ino, err)
		}
		if tty {
			fmt.Fprintf(out, "directory inode %d (%d entries):\n", ino.Ino, len(entries))
			for _, e := range entries {
				fmt.Fprintf(out, "  %-24s ino=%-6d type=%s\n", e.Name, e.Ino, e.Type)
			}
		} else {
			for _, e := range entries {
				fmt.Fprintf(out, "%d\t%s\t%d\t%s\n", ino.Ino, e.Name, e.Ino, e.Type)
			}
		}
	}
	return nil
}

func dumpEntry(out *os.File, img *squashfs.Image, path string) error {
	isDir := strings.HasSuffix(path, "/") && path != "/"
	lookup := path
	if lookup == "/" {
		lookup = "."
	} else {
		lookup = strings.TrimPrefix(lookup, "/")
		lookup = strings.TrimSuffix(lookup, "/")
	}

	ino, err := img.Resolve(lookup)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", path, err)
	}
	if isDir && !ino.Type.IsDir() {
		return fmt.Errorf("%q: not a directory", path)
	}

	uid, gid := resolveIds(img, ino)
	fmt.Fprintf(out, "path:  %s\n", path)
	fmt.Fprintf(out, "inode: %d\n", ino.Ino)
	fmt.Fprintf(out, "type:  %s\n", ino.Type)
	fmt.Fprintf(out, "mode:  %s\n", img.ModeOf(ino))
	fmt.Fprintf(out, "uid:   %d\n", uid)
	fmt.Fprintf(out, "gid:   %d\n", gid)
	fmt.Fprintf(out, "mtime: %s\n", time.Unix(int64(ino.ModTime), 0).Local())

	if ino.Type.IsDir() {
		entries, err := img.ReadDir(ino)
		if err != nil {
			return fmt.Errorf("reading directory %q: %w", path, err)
		}
		fmt.Fprintf(out, "entries:\n")
		for _, e := range entries {
			fmt.Fprintf(out, "  %s\t%s\n", e.Name, e.Type)
		}
		return nil
	}

	fmt.Fprintf(out, "size:  %d\n", img.SizeOf(ino))
	return nil
}

func resolveIds(img *squashfs.Image, ino *squashfs.Inode) (uint32, uint32) {
	uid, err := img.ResolveId(ino.UidIdx)
	if err != nil {
		uid = 0
	}
	gid, err := img.ResolveId(ino.GidIdx)
	if err != nil {
		gid = 0
	}
	return uid, gid
}
