package proofdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff.InitialInterval = time.Millisecond
	cfg.Backoff.MaxInterval = 5 * time.Millisecond
	return cfg
}

func setupDB(tb testing.TB, cfg Config) *DB {
	d, err := Open(cfg, zerolog.Nop(), prometheus.NewRegistry())
	require.NoError(tb, err)
	tb.Cleanup(func() { d.Close() })
	return d
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Tree.DefaultHeight = 1
	_, err := Open(cfg, zerolog.Nop(), nil)
	require.ErrorIs(t, err, ErrInvalidHeight)
}

func TestDBMutateValidation(t *testing.T) {
	d := setupDB(t, testConfig())

	_, err := d.Mutate("users", MutationPayload{MerkleIndex: 1})
	require.ErrorIs(t, err, ErrTreeNotFound)

	tree, err := d.CreateTree("users", 0)
	require.NoError(t, err)
	require.Equal(t, uint8(12), tree.Height())

	_, err = d.Mutate("users", MutationPayload{MerkleIndex: tree.LeafCount()})
	require.ErrorIs(t, err, ErrOutOfRange)

	seq, err := d.Mutate("users", MutationPayload{MerkleIndex: 1, CollectionName: "profiles"})
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)

	// mutations only enter through the operational cluster
	err = d.Artifact().Update(func(sess *Session) error {
		_, err := d.MutateIn(sess, "users", MutationPayload{MerkleIndex: 2})
		return err
	})
	require.ErrorIs(t, err, ErrSessionRequired)

	// a tree and its first mutation can share a session
	require.NoError(t, d.Operational().Update(func(sess *Session) error {
		if _, err := d.Trees().CreateTree(sess, "orders", 4); err != nil {
			return err
		}
		_, err := d.MutateIn(sess, "orders", MutationPayload{MerkleIndex: 7})
		return err
	}))
}

func TestDBDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Operational = StoreConfig{Engine: EngineDisk, Path: filepath.Join(dir, "operational")}
	cfg.Artifact = StoreConfig{Engine: EngineDisk, Path: filepath.Join(dir, "artifact")}

	d, err := Open(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	_, err = d.CreateTree("users", 8)
	require.NoError(t, err)
	_, err = d.Mutate("users", MutationPayload{MerkleIndex: 3, UpdatedLeafHash: Sum([]byte("x"))})
	require.NoError(t, err)
	worked, err := d.NewWorker("").ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	require.NoError(t, d.Close())

	d, err = Open(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer d.Close()
	rec, err := d.Transitions().Get("users", 0)
	require.NoError(t, err)
	root, err := d.Trees().GetRoot("users", time.Time{})
	require.NoError(t, err)
	require.Equal(t, rec.MerkleRootNew, root)
}
