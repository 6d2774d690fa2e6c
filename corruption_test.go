package proofdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// a node record tampered with directly in the store is detected by any verifier holding a published root
func TestCorruptionDetected(t *testing.T) {
	store, tree := setupTree(t, 12)

	value := Sum([]byte("This value is good"))
	corrupted := Sum([]byte("Corrupted value !!"))

	writeLeaf(t, store, tree, 300, Sum([]byte("neighbour")), at(1))
	root := writeLeaf(t, store, tree, 301, value, at(2))

	// overwrite the leaf record in place, bypassing SetLeaf
	require.NoError(t, store.Update(func(sess *Session) error {
		return sess.put(makeKey(tree.nodePrefix(0, 301), stampOf(at(2))), corrupted[:])
	}))

	snap, err := tree.Snapshot(time.Time{})
	require.NoError(t, err)
	defer snap.Release()

	leaf, w, current, err := snap.Prove(301)
	require.NoError(t, err)
	require.Equal(t, corrupted, leaf)
	require.Equal(t, root, current) // ancestors were not recomputed
	require.False(t, Verify(w, leaf, root))

	// the neighbour's witness carries the corrupted leaf as its sibling
	nw, err := snap.Witness(300)
	require.NoError(t, err)
	require.False(t, Verify(nw, Sum([]byte("neighbour")), root))
}
