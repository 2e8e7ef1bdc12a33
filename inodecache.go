package squashfs

import (
	"sync"

	"github.com/google/btree"
)

// inodeCache remembers, for inode numbers already located by a linear walk, the MetaRef
// where their record starts. It mirrors the teacher library's sb.inoIdx map (inode.go),
// backed by a btree instead of a bare map since InodeTable.All's physical-order walk
// already populates it in increasing position (not inode-number) order as a side effect.
//
// The cache only ever shortcuts a *repeat* lookup of the same inode number within one
// InodeTable's lifetime. A cold lookup always walks the table from its first record until
// it reaches the inode, which is what keeps InodeTable.Find's documented O(n) worst case
// honest (§4.4).
type inodeCache struct {
	mu   sync.Mutex
	tree *btree.BTree
}

type inodeCacheEntry struct {
	ino uint32
	ref MetaRef
}

func (e *inodeCacheEntry) Less(than btree.Item) bool {
	return e.ino < than.(*inodeCacheEntry).ino
}

func newInodeCache() *inodeCache {
	return &inodeCache{tree: btree.New(16)}
}

func (c *inodeCache) get(ino uint32) (MetaRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.tree.Get(&inodeCacheEntry{ino: ino})
	if item == nil {
		return MetaRef{}, false
	}
	return item.(*inodeCacheEntry).ref, true
}

func (c *inodeCache) put(ino uint32, ref MetaRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.ReplaceOrInsert(&inodeCacheEntry{ino: ino, ref: ref})
}

// len reports how many inode numbers have been resolved and cached so far.
func (c *inodeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}
