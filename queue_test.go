package proofdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func setupQueue(tb testing.TB, cfg QueueConfig) (*Store, *Queue) {
	store, err := NewMemStore()
	require.NoError(tb, err)
	tb.Cleanup(func() { store.Close() })
	return store, NewQueue(store, cfg, NewMetrics(nil), zerolog.Nop())
}

func enqueue(tb testing.TB, store *Store, q *Queue, db, kind string, payload interface{}) (seq uint64) {
	require.NoError(tb, store.Update(func(sess *Session) (err error) {
		seq, err = q.Enqueue(sess, db, kind, payload)
		return
	}))
	return seq
}

func complete(tb testing.TB, store *Store, q *Queue, id string, outcome TaskStatus) error {
	return store.Update(func(sess *Session) error {
		return q.Complete(sess, id, outcome)
	})
}

func TestQueueSequenceNumbers(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	for i := 0; i < 3; i++ {
		require.Equal(t, uint64(i), enqueue(t, store, q, "a", KindMutation, map[string]int{"i": i}))
	}
	require.Equal(t, uint64(0), enqueue(t, store, q, "b", KindMutation, nil))
	require.Equal(t, uint64(0), enqueue(t, store, q, "a", KindRollup, nil))
	require.Equal(t, uint64(3), enqueue(t, store, q, "a", KindMutation, nil))

	// allocation is part of the session, an aborted session allocates nothing
	sess, err := store.Begin()
	require.NoError(t, err)
	seq, err := q.Enqueue(sess, "a", KindMutation, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
	sess.Abort()
	require.Equal(t, uint64(4), enqueue(t, store, q, "a", KindMutation, nil))

	task, err := q.BySequence("a", KindMutation, 1)
	require.NoError(t, err)
	require.Equal(t, TaskQueued, task.Status)
	var payload map[string]int
	require.NoError(t, task.Decode(&payload))
	require.Equal(t, 1, payload["i"])

	_, err = q.BySequence("a", KindMutation, 99)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestQueueEnqueueValidation(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})

	_, err := q.Enqueue(nil, "a", KindMutation, nil)
	require.ErrorIs(t, err, ErrSessionRequired)

	err = store.Update(func(sess *Session) error {
		_, err := q.Enqueue(sess, "", KindMutation, nil)
		return err
	})
	require.ErrorIs(t, err, ErrInvalidName)

	err = store.Update(func(sess *Session) error {
		_, err := q.Enqueue(sess, "a", KindMutation, make([]byte, MAX_PAYLOAD+1))
		return err
	})
	require.Error(t, err)
}

func TestQueueAcquireEmpty(t *testing.T) {
	_, q := setupQueue(t, QueueConfig{})
	task, err := q.AcquireNext(context.Background(), "", KindMutation)
	require.NoError(t, err)
	require.Nil(t, task)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.AcquireNext(ctx, "", KindMutation)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueFIFO(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	for i := 0; i < 5; i++ {
		enqueue(t, store, q, "a", KindMutation, nil)
		enqueue(t, store, q, "b", KindMutation, nil)
	}
	enqueue(t, store, q, "a", KindRollup, nil)

	ctx := context.Background()

	// filtered by database
	for i := 0; i < 5; i++ {
		task, err := q.AcquireNextFor(ctx, "w1", "b", KindMutation)
		require.NoError(t, err)
		require.Equal(t, "b", task.Database)
		require.Equal(t, uint64(i), task.SequenceNumber)
		require.Equal(t, TaskExecuting, task.Status)
		require.Equal(t, "w1", task.AcquiredBy)
		require.Equal(t, 1, task.Attempts)
	}
	task, err := q.AcquireNext(ctx, "b", KindMutation)
	require.NoError(t, err)
	require.Nil(t, task)

	// any database, enqueue order
	var prev time.Time
	for i := 0; i < 5; i++ {
		task, err := q.AcquireNext(ctx, "", KindMutation)
		require.NoError(t, err)
		require.Equal(t, "a", task.Database)
		require.Equal(t, uint64(i), task.SequenceNumber)
		require.True(t, task.CreatedAt.After(prev))
		prev = task.CreatedAt
	}

	task, err = q.AcquireNext(ctx, "", KindRollup)
	require.NoError(t, err)
	require.Equal(t, KindRollup, task.Kind)
}

// every task is handed to exactly one of many concurrent callers, each caller sees increasing sequence numbers
func TestQueueExactlyOnce(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	const databases, perDatabase, callers = 4, 50, 16
	for i := 0; i < perDatabase; i++ {
		for d := 0; d < databases; d++ {
			enqueue(t, store, q, fmt.Sprintf("db%d", d), KindMutation, nil)
		}
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			last := map[string]int64{}
			for {
				task, err := q.AcquireNextFor(context.Background(), fmt.Sprint(c), "", KindMutation)
				if err != nil {
					errs <- err
					return
				}
				if task == nil {
					return
				}
				if prev, ok := last[task.Database]; ok && int64(task.SequenceNumber) <= prev {
					errs <- fmt.Errorf("%s: sequence %d claimed after %d", task.Database, task.SequenceNumber, prev)
					return
				}
				last[task.Database] = int64(task.SequenceNumber)
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, claimed, databases*perDatabase)
	for id, n := range claimed {
		require.Equal(t, 1, n, "task %s", id)
	}
	count, err := q.Count(KindMutation, TaskExecuting)
	require.NoError(t, err)
	require.Equal(t, databases*perDatabase, count)
}

func TestQueueComplete(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	enqueue(t, store, q, "a", KindMutation, nil)
	queued, err := q.BySequence("a", KindMutation, 0)
	require.NoError(t, err)

	// not Executing yet
	require.ErrorIs(t, complete(t, store, q, queued.ID, TaskSuccess), ErrInvalidTransition)

	task, err := q.AcquireNext(context.Background(), "a", KindMutation)
	require.NoError(t, err)
	require.ErrorIs(t, complete(t, store, q, task.ID, TaskQueued), ErrInvalidTransition)
	require.ErrorIs(t, complete(t, store, q, "missing", TaskSuccess), ErrTaskNotFound)
	require.ErrorIs(t, q.Complete(nil, task.ID, TaskSuccess), ErrSessionRequired)

	require.NoError(t, complete(t, store, q, task.ID, TaskSuccess))
	got, err := q.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskSuccess, got.Status)

	// terminal states are final
	require.ErrorIs(t, complete(t, store, q, task.ID, TaskFailed), ErrInvalidTransition)
	require.ErrorIs(t, store.Update(func(sess *Session) error {
		return q.Release(sess, task.ID)
	}), ErrInvalidTransition)

	enqueue(t, store, q, "a", KindMutation, nil)
	task, err = q.AcquireNext(context.Background(), "a", KindMutation)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(sess *Session) error {
		return q.Fail(sess, task.ID, ErrOutOfRange)
	}))
	got, err = q.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskFailed, got.Status)
	require.Equal(t, ErrOutOfRange.Error(), got.Error)

	tasks, err := q.Tasks("a", KindMutation)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	tasks, err = q.Tasks("a", KindMutation, TaskFailed)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, uint64(1), tasks[0].SequenceNumber)
}

func TestQueueRelease(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	enqueue(t, store, q, "a", KindMutation, nil)
	enqueue(t, store, q, "a", KindMutation, nil)
	ctx := context.Background()

	first, err := q.AcquireNext(ctx, "", KindMutation)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(sess *Session) error {
		return q.Release(sess, first.ID)
	}))

	// a released task keeps its place in line
	again, err := q.AcquireNext(ctx, "a", KindMutation)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
	require.True(t, first.CreatedAt.Equal(again.CreatedAt))
}

func TestQueueLease(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{LeaseTimeout: time.Minute})
	clock := testEpoch
	q.now = func() time.Time { return clock }
	ctx := context.Background()

	enqueue(t, store, q, "a", KindMutation, nil)
	enqueue(t, store, q, "a", KindMutation, nil)

	task, err := q.AcquireNextFor(ctx, "crashed", "a", KindMutation)
	require.NoError(t, err)
	require.True(t, clock.Add(time.Minute).Equal(task.LeaseExpiresAt))

	// lease still valid, the next task is handed out
	clock = clock.Add(30 * time.Second)
	next, err := q.AcquireNextFor(ctx, "alive", "a", KindMutation)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next.SequenceNumber)
	require.NoError(t, q.Heartbeat(next.ID, "alive"))

	clock = clock.Add(45 * time.Second)
	reclaimed, err := q.AcquireNextFor(ctx, "rescuer", "", KindMutation)
	require.NoError(t, err)
	require.Equal(t, task.ID, reclaimed.ID)
	require.Equal(t, "rescuer", reclaimed.AcquiredBy)
	require.Equal(t, 2, reclaimed.Attempts)

	// the heartbeat kept the second lease alive
	none, err := q.AcquireNextFor(ctx, "rescuer", "", KindMutation)
	require.NoError(t, err)
	require.Nil(t, none)

	require.ErrorIs(t, q.Heartbeat(task.ID, "crashed"), ErrClaimLost)
	require.NoError(t, complete(t, store, q, reclaimed.ID, TaskSuccess))
	require.ErrorIs(t, q.Heartbeat(task.ID, "rescuer"), ErrClaimLost)
}

// only the current claimant moves a task on, a worker whose lease was reclaimed cannot
func TestQueueOwnerChecks(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{LeaseTimeout: time.Second})
	clock := testEpoch
	q.now = func() time.Time { return clock }
	ctx := context.Background()
	enqueue(t, store, q, "a", KindMutation, nil)

	task, err := q.AcquireNextFor(ctx, "slow", "a", KindMutation)
	require.NoError(t, err)
	clock = clock.Add(2 * time.Second)
	reclaimed, err := q.AcquireNextFor(ctx, "rescuer", "a", KindMutation)
	require.NoError(t, err)
	require.Equal(t, task.ID, reclaimed.ID)

	for _, fn := range []func(*Session) error{
		func(sess *Session) error { return q.FailBy(sess, task.ID, "slow", ErrSequenceGap) },
		func(sess *Session) error { return q.CompleteBy(sess, task.ID, "slow", TaskSuccess) },
		func(sess *Session) error { return q.ReleaseBy(sess, task.ID, "slow") },
	} {
		require.ErrorIs(t, store.Update(fn), ErrClaimLost)
	}

	current, err := q.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskExecuting, current.Status)
	require.Equal(t, "rescuer", current.AcquiredBy)
	require.Empty(t, current.Error)

	require.NoError(t, store.Update(func(sess *Session) error {
		return q.CompleteBy(sess, task.ID, "rescuer", TaskSuccess)
	}))
	// terminal tasks belong to nobody
	require.ErrorIs(t, store.Update(func(sess *Session) error {
		return q.FailBy(sess, task.ID, "rescuer", ErrSequenceGap)
	}), ErrClaimLost)
}

func TestQueueAcquireSkips(t *testing.T) {
	store, q := setupQueue(t, QueueConfig{})
	enqueue(t, store, q, "a", KindMutation, nil)
	enqueue(t, store, q, "a", KindMutation, nil)
	enqueue(t, store, q, "b", KindMutation, nil)
	ctx := context.Background()

	task, err := q.acquire(ctx, "w", "", KindMutation, map[string]bool{"a": true})
	require.NoError(t, err)
	require.Equal(t, "b", task.Database)

	none, err := q.acquire(ctx, "w", "a", KindMutation, map[string]bool{"a": true})
	require.NoError(t, err)
	require.Nil(t, none)

	task, err = q.acquire(ctx, "w", "", KindMutation, map[string]bool{"b": true})
	require.NoError(t, err)
	require.Equal(t, "a", task.Database)
	require.Equal(t, uint64(0), task.SequenceNumber)
}

func TestTaskStatusText(t *testing.T) {
	for _, s := range []TaskStatus{TaskQueued, TaskExecuting, TaskSuccess, TaskFailed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var decoded TaskStatus
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, s, decoded)
	}
	var s TaskStatus
	require.Error(t, s.UnmarshalText([]byte("paused")))
	require.True(t, TaskFailed.IsTerminal())
	require.False(t, TaskExecuting.IsTerminal())
}
