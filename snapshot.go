package proofdb

import "time"

// 		Snapshot is a consistent read view of a tree at any point in time.
// 		It combines a storage snapshot (later commits are invisible) with an asOf instant
// 		(records stamped after asOf are ignored), so every node read by the snapshot
// 		resolves against the same tree state, even while workers keep writing.
type Snapshot struct {
	tree    *Tree
	asOf    time.Time
	stamp   uint64
	r       reader
	release func()
}

// AsOf returns the instant this snapshot resolves to, zero means the snapshot's creation time
func (s *Snapshot) AsOf() time.Time {
	return s.asOf
}

func (s *Snapshot) Tree() *Tree {
	return s.tree
}

// Release the snapshot, it cannot be used afterwards
func (s *Snapshot) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

func (s *Snapshot) Node(level uint8, index uint64) (Hash, error) {
	if err := s.tree.checkNode(level, index); err != nil {
		return Hash{}, err
	}
	return s.tree.readNode(s.r, level, index, s.stamp)
}

func (s *Snapshot) Root() (Hash, error) {
	return s.tree.readNode(s.r, s.tree.height-1, 0, s.stamp)
}

func (s *Snapshot) Leaf(index uint64) (Hash, error) {
	return s.Node(0, index)
}

// Witness collects one sibling per level, from the leaf level upto just below the root
func (s *Snapshot) Witness(index uint64) (Witness, error) {
	if err := s.tree.checkNode(0, index); err != nil {
		return nil, err
	}

	w := make(Witness, 0, s.tree.height-1)
	for level := uint8(0); level < s.tree.height-1; level++ {
		sibling, err := s.tree.readNode(s.r, level, index^1, s.stamp)
		if err != nil {
			return nil, err
		}
		w = append(w, WitnessNode{Hash: sibling, IsLeft: index&1 == 0})
		index >>= 1
	}
	return w, nil
}

// Prove returns the leaf, its witness and the root in one consistent read
func (s *Snapshot) Prove(index uint64) (leaf Hash, w Witness, root Hash, err error) {
	if leaf, err = s.Leaf(index); err != nil {
		return
	}
	if w, err = s.Witness(index); err != nil {
		return
	}
	root, err = s.Root()
	return
}
