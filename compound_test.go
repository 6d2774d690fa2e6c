package proofdb

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type compoundFixture struct {
	operational, artifact *Store
	queue                 *Queue
	transitions           *TransitionLog
	coordinator           *Coordinator
	metrics               *Metrics
}

func setupCompound(tb testing.TB) *compoundFixture {
	operational, err := NewMemStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { operational.Close() })
	artifact, err := NewMemStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { artifact.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	return &compoundFixture{
		operational: operational,
		artifact:    artifact,
		queue:       NewQueue(operational, QueueConfig{}, metrics, zerolog.Nop()),
		transitions: NewTransitionLog(artifact, metrics, zerolog.Nop()),
		coordinator: NewCoordinator(operational, artifact, metrics, zerolog.Nop()),
		metrics:     metrics,
	}
}

// claimed enqueues a task and claims it
func (f *compoundFixture) claimed(tb testing.TB) *Task {
	enqueue(tb, f.operational, f.queue, "a", KindMutation, nil)
	task, err := f.queue.AcquireNext(context.Background(), "a", KindMutation)
	require.NoError(tb, err)
	require.NotNil(tb, task)
	return task
}

func (f *compoundFixture) status(tb testing.TB, id string) TaskStatus {
	task, err := f.queue.Get(id)
	require.NoError(tb, err)
	return task.Status
}

func TestCompoundCommit(t *testing.T) {
	f := setupCompound(t)
	task := f.claimed(t)

	op, err := RunCompound(context.Background(), f.coordinator, func(op, art *Session) (uint64, error) {
		if err := f.queue.Complete(op, task.ID, TaskSuccess); err != nil {
			return 0, err
		}
		return task.SequenceNumber, f.transitions.Append(art, record("a", task.SequenceNumber))
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), op)

	require.Equal(t, TaskSuccess, f.status(t, task.ID))
	last, err := f.transitions.Last("a")
	require.NoError(t, err)
	require.Equal(t, int64(0), last)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.compoundRuns.WithLabelValues("committed")))
}

// the artifact side write fails inside the unit of work, the task stays Executing
func TestCompoundAtomicity(t *testing.T) {
	f := setupCompound(t)
	task := f.claimed(t)

	err := f.coordinator.Run(context.Background(), func(op, art *Session) error {
		if err := f.queue.Complete(op, task.ID, TaskSuccess); err != nil {
			return err
		}
		return f.transitions.Append(art, record("a", 7))
	})
	require.ErrorIs(t, err, ErrSequenceGap)
	require.False(t, IsPartialCommit(err))

	require.Equal(t, TaskExecuting, f.status(t, task.ID))
	last, err := f.transitions.Last("a")
	require.NoError(t, err)
	require.Equal(t, int64(-1), last)
}

func TestCompoundOperationalCommitFailure(t *testing.T) {
	f := setupCompound(t)
	task := f.claimed(t)
	failCommits(f.operational, 1)

	err := f.coordinator.Run(context.Background(), func(op, art *Session) error {
		if err := f.queue.Complete(op, task.ID, TaskSuccess); err != nil {
			return err
		}
		return f.transitions.Append(art, record("a", 0))
	})
	require.ErrorIs(t, err, errInjected)
	require.False(t, IsPartialCommit(err))

	require.Equal(t, TaskExecuting, f.status(t, task.ID))
	last, err := f.transitions.Last("a")
	require.NoError(t, err)
	require.Equal(t, int64(-1), last)
}

func TestCompoundPartialCommit(t *testing.T) {
	f := setupCompound(t)
	task := f.claimed(t)
	failCommits(f.artifact, 1)

	err := f.coordinator.Run(context.Background(), func(op, art *Session) error {
		op.Label("task", task.ID)
		if err := f.queue.Complete(op, task.ID, TaskSuccess); err != nil {
			return err
		}
		return f.transitions.Append(art, record("a", 0))
	})
	require.Error(t, err)
	require.True(t, IsPartialCommit(err))
	require.ErrorIs(t, err, ErrPartialCommit)
	require.ErrorIs(t, err, errInjected)

	var pc *PartialCommitError
	require.True(t, errors.As(err, &pc))
	require.Equal(t, []string{"task", task.ID, "database", "a", "operation", "0"}, pc.Labels)

	// operational side is durable, artifact side is not
	require.Equal(t, TaskSuccess, f.status(t, task.ID))
	last, err := f.transitions.Last("a")
	require.NoError(t, err)
	require.Equal(t, int64(-1), last)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.partialCommits))
}

func TestCompoundPanic(t *testing.T) {
	f := setupCompound(t)
	task := f.claimed(t)

	require.Panics(t, func() {
		f.coordinator.Run(context.Background(), func(op, art *Session) error {
			if err := f.queue.Complete(op, task.ID, TaskSuccess); err != nil {
				return err
			}
			panic("boom")
		})
	})

	// both sessions were released and nothing was committed
	require.Equal(t, TaskExecuting, f.status(t, task.ID))
	require.NoError(t, f.coordinator.Run(context.Background(), func(op, art *Session) error {
		return f.queue.Complete(op, task.ID, TaskFailed)
	}))
	require.Equal(t, TaskFailed, f.status(t, task.ID))
}

func TestCompoundCancelled(t *testing.T) {
	f := setupCompound(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := f.coordinator.Run(ctx, func(op, art *Session) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
