package proofdb

import "errors"

var ErrNoMoreLeaves = errors.New("no more leaves exist")

//Cursor represents an iterator that can traverse over all non empty leaves of a snapshot in index order.
//Cursors are valid as long as the snapshot is not released.
//Empty subtrees are skipped without being visited, so iterating a sparse tree costs height reads per leaf.
type Cursor struct {
	snap *Snapshot
	next uint64 // smallest index not yet returned
	end  bool
}

// get Cursor which is used as an iterator over all non empty leaves of the snapshot
func (s *Snapshot) Cursor() *Cursor {
	return &Cursor{snap: s}
}

// First moves the cursor to the first non empty leaf. If the tree is empty then ErrNoMoreLeaves is returned.
func (c *Cursor) First() (index uint64, leaf Hash, err error) {
	c.next, c.end = 0, false
	return c.Next()
}

// Next moves the cursor to the next non empty leaf. If there are none left ErrNoMoreLeaves is returned.
func (c *Cursor) Next() (index uint64, leaf Hash, err error) {
	if c.end {
		return 0, leaf, ErrNoMoreLeaves
	}
	t := c.snap.tree
	var found bool
	if index, leaf, found, err = c.seek(t.height-1, 0); err != nil {
		return
	}
	if !found {
		c.end = true
		return 0, leaf, ErrNoMoreLeaves
	}
	if index == t.LeafCount()-1 {
		c.end = true
	} else {
		c.next = index + 1
	}
	return index, leaf, nil
}

// seek finds the first non empty leaf with index >= c.next below the node
func (c *Cursor) seek(level uint8, index uint64) (uint64, Hash, bool, error) {
	t := c.snap.tree
	last := (index+1)<<level - 1 // last leaf covered by this node
	if last < c.next {
		return 0, Hash{}, false, nil
	}

	h, err := t.readNode(c.snap.r, level, index, c.snap.stamp)
	if err != nil || h == t.empty[level] {
		return 0, Hash{}, false, err
	}
	if level == 0 {
		return index, h, true, nil
	}

	if i, leaf, found, err := c.seek(level-1, 2*index); err != nil || found {
		return i, leaf, found, err
	}
	return c.seek(level-1, 2*index+1)
}
