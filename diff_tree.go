package proofdb

import "fmt"

// All changes are reported through this handler with the leaf hash in base and head.
// A leaf which is empty in base was inserted, a leaf empty in head was cleared.
type DiffHandler func(index uint64, base, head Hash) error

type diffTree struct {
	base, head *Snapshot
}

// Diff can be used to find all leaves which changed between 2 snapshots of the same tree,
// typically the same tree at two points in time.
// The algorithm only descends into subtrees whose hashes differ, so it is linear in the number of changes.
func Diff(base, head *Snapshot, handler DiffHandler) error {
	if base.tree.name != head.tree.name || base.tree.height != head.tree.height {
		return fmt.Errorf("cannot diff tree %s with tree %s", base.tree.name, head.tree.name)
	}
	dt := diffTree{base: base, head: head}
	return dt.compare_nodes(base.tree.height-1, 0, handler)
}

func (dt *diffTree) compare_nodes(level uint8, index uint64, handler DiffHandler) (err error) {
	var base_hash, head_hash Hash
	if base_hash, err = dt.base.tree.readNode(dt.base.r, level, index, dt.base.stamp); err != nil {
		return
	}
	if head_hash, err = dt.head.tree.readNode(dt.head.r, level, index, dt.head.stamp); err != nil {
		return
	}

	if base_hash == head_hash {
		return nil
	}
	if level == 0 {
		return handler(index, base_hash, head_hash)
	}

	if err = dt.compare_nodes(level-1, 2*index, handler); err != nil {
		return
	}
	return dt.compare_nodes(level-1, 2*index+1, handler)
}
