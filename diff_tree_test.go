package proofdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type change struct {
	base, head Hash
}

func collectDiff(t *testing.T, base, head *Snapshot) map[uint64]change {
	changes := map[uint64]change{}
	require.NoError(t, Diff(base, head, func(index uint64, b, h Hash) error {
		changes[index] = change{base: b, head: h}
		return nil
	}))
	return changes
}

func TestDiffTree(t *testing.T) {
	store, tree := setupTree(t, 12)
	for i := 0; i < 30; i++ {
		writeLeaf(t, store, tree, uint64(i*50), Sum([]byte{byte(i)}), at(1))
	}

	writeLeaf(t, store, tree, 50, Sum([]byte("modified")), at(2))
	writeLeaf(t, store, tree, 7, Sum([]byte("inserted")), at(3))
	writeLeaf(t, store, tree, 100, zerosHash, at(4))

	base, err := tree.Snapshot(at(1))
	require.NoError(t, err)
	defer base.Release()
	head, err := tree.Snapshot(time.Time{})
	require.NoError(t, err)
	defer head.Release()

	changes := collectDiff(t, base, head)
	require.Len(t, changes, 3)
	require.Equal(t, change{base: Sum([]byte{1}), head: Sum([]byte("modified"))}, changes[50])
	require.Equal(t, change{base: zerosHash, head: Sum([]byte("inserted"))}, changes[7])
	require.Equal(t, change{base: Sum([]byte{2}), head: zerosHash}, changes[100])

	// reversed diff reports the same leaves
	require.Len(t, collectDiff(t, head, base), 3)
	require.Empty(t, collectDiff(t, head, head))
}

func TestDiffTreeHandlerError(t *testing.T) {
	store, tree := setupTree(t, 6)
	writeLeaf(t, store, tree, 1, Sum([]byte("a")), at(1))
	writeLeaf(t, store, tree, 2, Sum([]byte("b")), at(2))

	base, err := tree.Snapshot(at(0))
	require.NoError(t, err)
	defer base.Release()
	head, err := tree.Snapshot(at(2))
	require.NoError(t, err)
	defer head.Release()

	calls := 0
	err = Diff(base, head, func(uint64, Hash, Hash) error {
		calls++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestDiffTreeMismatch(t *testing.T) {
	store, ms := setupMerkleStore(t)
	var a, b *Tree
	require.NoError(t, store.Update(func(sess *Session) (err error) {
		if a, err = ms.CreateTree(sess, "a", 8); err != nil {
			return
		}
		b, err = ms.CreateTree(sess, "b", 8)
		return
	}))

	sa, err := a.Snapshot(time.Time{})
	require.NoError(t, err)
	defer sa.Release()
	sb, err := b.Snapshot(time.Time{})
	require.NoError(t, err)
	defer sb.Release()

	require.Error(t, Diff(sa, sb, func(uint64, Hash, Hash) error { return nil }))
}
