package proofdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingComposer struct{}

func (failingComposer) Compose(context.Context, Hash, []*TransitionRecord) (Hash, error) {
	return Hash{}, errors.New("prover unavailable")
}

func mutateAndExecute(tb testing.TB, d *DB, db string, n int) {
	for i := 0; i < n; i++ {
		_, err := d.Mutate(db, MutationPayload{MerkleIndex: uint64(i), UpdatedLeafHash: Sum([]byte{byte(i), 42})})
		require.NoError(tb, err)
	}
	require.Equal(tb, n, processAll(tb, d.NewWorker(db)))
}

func TestRollupConsumer(t *testing.T) {
	cfg := testConfig()
	cfg.Rollup.MaxBatch = 2
	d := setupDB(t, cfg)
	_, err := d.CreateTree("db", 8)
	require.NoError(t, err)
	mutateAndExecute(t, d, "db", 5)

	st, err := d.Rollups().Get("db")
	require.NoError(t, err)
	require.Equal(t, RollupOutdated, st.State)

	rc := d.NewRollupConsumer(nil)
	ctx := context.Background()

	// batches of two, then the remaining tasks find nothing left to fold
	expected := []int64{1, 3, 4, 4, 4}
	for _, consumed := range expected {
		worked, err := rc.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, worked)
		st, err = d.Rollups().Get("db")
		require.NoError(t, err)
		require.Equal(t, consumed, st.LastConsumed)
	}
	worked, err := rc.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, worked)

	require.Equal(t, RollupUpdated, st.State)
	records, err := d.Transitions().Range("db", 0, 4)
	require.NoError(t, err)
	proof, err := HashChainComposer{}.Compose(ctx, Hash{}, records)
	require.NoError(t, err)
	require.Equal(t, proof, st.Proof)

	done, err := d.Queue().Tasks("db", KindRollup, TaskSuccess)
	require.NoError(t, err)
	require.Len(t, done, 5)
}

func TestRollupConsumerComposerFailure(t *testing.T) {
	d := setupDB(t, testConfig())
	_, err := d.CreateTree("db", 8)
	require.NoError(t, err)
	mutateAndExecute(t, d, "db", 2)

	rc := d.NewRollupConsumer(failingComposer{})
	worked, err := rc.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	st, err := d.Rollups().Get("db")
	require.NoError(t, err)
	require.Equal(t, RollupFailed, st.State)
	require.Equal(t, int64(-1), st.LastConsumed)
	require.Equal(t, "prover unavailable", st.Error)

	failed, err := d.Queue().Tasks("db", KindRollup, TaskFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// the next task retries with a working composer
	worked, err = d.NewRollupConsumer(nil).ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	st, err = d.Rollups().Get("db")
	require.NoError(t, err)
	require.Equal(t, RollupUpdated, st.State)
	require.Equal(t, int64(1), st.LastConsumed)
}

func TestHashChainComposerRejects(t *testing.T) {
	d := setupDB(t, testConfig())
	_, err := d.CreateTree("db", 8)
	require.NoError(t, err)
	mutateAndExecute(t, d, "db", 3)

	records, err := d.Transitions().Range("db", 0, 2)
	require.NoError(t, err)
	ctx := context.Background()

	// a batch must continue from one root to the next
	_, err = HashChainComposer{}.Compose(ctx, Hash{}, []*TransitionRecord{records[0], records[2]})
	require.Error(t, err)

	forged := *records[1]
	forged.LeafNew = Sum([]byte("forged"))
	_, err = HashChainComposer{}.Compose(ctx, Hash{}, []*TransitionRecord{records[0], &forged})
	require.Error(t, err)

	// folding in pieces gives the same accumulator
	whole, err := HashChainComposer{}.Compose(ctx, Hash{}, records)
	require.NoError(t, err)
	part, err := HashChainComposer{}.Compose(ctx, Hash{}, records[:1])
	require.NoError(t, err)
	part, err = HashChainComposer{}.Compose(ctx, part, records[1:])
	require.NoError(t, err)
	require.Equal(t, whole, part)
}

// a fold whose state was lost to the artifact cluster is retried by a follow up task
func TestRollupConsumerPartialCommit(t *testing.T) {
	d := setupDB(t, testConfig())
	_, err := d.CreateTree("db", 8)
	require.NoError(t, err)
	mutateAndExecute(t, d, "db", 1)
	ctx := context.Background()

	rc := d.NewRollupConsumer(nil)
	// MarkUpdating commits, the advance does not
	failCommitsAfter(d.Artifact(), 1, 1)
	worked, err := rc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	st, err := d.Rollups().Get("db")
	require.NoError(t, err)
	require.Equal(t, RollupUpdating, st.State)
	require.Equal(t, int64(-1), st.LastConsumed)

	worked, err = rc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	st, err = d.Rollups().Get("db")
	require.NoError(t, err)
	require.Equal(t, RollupUpdated, st.State)
	require.Equal(t, int64(0), st.LastConsumed)

	tasks, err := d.Queue().Tasks("db", KindRollup)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.Equal(t, TaskSuccess, task.Status)
	}

	worked, err = rc.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, worked)
}
