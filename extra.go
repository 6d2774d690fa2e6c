package proofdb

import "crypto/rand"

// Random returns a random non empty leaf of the snapshot, provided the tree has any.
// the following are limitations
// an empty tree returns ErrNoMoreLeaves
// randomness is per branch, a leaf alone in a big subtree is more likely than its crowded neighbours
func (s *Snapshot) Random() (index uint64, leaf Hash, err error) {
	return s.random(s.tree.height-1, 0)
}

func (s *Snapshot) random(level uint8, index uint64) (uint64, Hash, error) {
	t := s.tree
	h, err := t.readNode(s.r, level, index, s.stamp)
	if err != nil {
		return 0, Hash{}, err
	}
	if h == t.empty[level] {
		return 0, Hash{}, ErrNoMoreLeaves
	}
	if level == 0 {
		return index, h, nil
	}

	left, err := t.readNode(s.r, level-1, 2*index, s.stamp)
	if err != nil {
		return 0, Hash{}, err
	}
	right, err := t.readNode(s.r, level-1, 2*index+1, s.stamp)
	if err != nil {
		return 0, Hash{}, err
	}

	leftFull, rightFull := left != t.empty[level-1], right != t.empty[level-1]
	if leftFull && rightFull { // we have an option to choose from left or right randomly
		var rbyte [1]byte
		if _, err = rand.Read(rbyte[:]); err != nil {
			return 0, Hash{}, err
		}
		if rbyte[0]&1 == 1 {
			return s.random(level-1, 2*index+1) // descend further
		}
		return s.random(level-1, 2*index) // descend further
	}
	if rightFull {
		return s.random(level-1, 2*index+1) // descend further without any option
	}
	return s.random(level-1, 2*index) // descend further without any option
}

// LeafCount counts the non empty leaves of the snapshot, stopping at limit when limit > 0
func (s *Snapshot) LeafCount(limit int) (count int, err error) {
	c := s.Cursor()
	for _, _, err = c.First(); err == nil; _, _, err = c.Next() {
		count++
		if limit > 0 && count >= limit {
			return count, nil
		}
	}
	if err == ErrNoMoreLeaves {
		err = nil
	}
	return count, err
}
