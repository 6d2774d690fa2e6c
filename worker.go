package proofdb

import "context"
import "errors"
import "strconv"
import "time"

import "github.com/google/uuid"
import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

var errMalformedPayload = errors.New("malformed mutation payload")

// MutationPayload is the payload of a mutation task, a single leaf write
type MutationPayload struct {
	MerkleIndex     uint64 `json:"merkleIndex"`
	UpdatedLeafHash Hash   `json:"updatedLeafHash"`
	CollectionName  string `json:"collectionName"`
	DocumentID      string `json:"documentId,omitempty"`
}

// RollupJob is the payload of a rollup task, enqueued for every recorded transition
type RollupJob struct {
	Database        string `json:"databaseName"`
	OperationNumber uint64 `json:"operationNumber"`
}

// structural errors are never retried, the task fails
func isStructural(err error) bool {
	for _, target := range []error{ErrOutOfRange, ErrSequenceGap, ErrInvalidTransition, ErrTreeNotFound, ErrInvalidName, errMalformedPayload} {
		if xerrors.Is(err, target) {
			return true
		}
	}
	return false
}

// Worker executes mutation tasks. For each task it writes the leaf, completes the task
// and records the transition in one compound transaction.
// Operations of one database are executed in sequence order: a task whose predecessor is not
// recorded yet is handed back to the queue.
type Worker struct {
	id          string
	database    string // empty serves every database
	queue       *Queue
	trees       *MerkleStore
	transitions *TransitionLog
	coordinator *Coordinator
	reconciler  *Reconciler
	backoff     *Backoff
	log         zerolog.Logger
}

func NewWorker(database string, queue *Queue, trees *MerkleStore, transitions *TransitionLog, coordinator *Coordinator, reconciler *Reconciler, backoff *Backoff, log zerolog.Logger) *Worker {
	id := uuid.New().String()
	return &Worker{
		id:          id,
		database:    database,
		queue:       queue,
		trees:       trees,
		transitions: transitions,
		coordinator: coordinator,
		reconciler:  reconciler,
		backoff:     backoff,
		log:         log.With().Str("component", "worker").Str("worker", id).Logger(),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Run polls for tasks until ctx is done, idling with backoff when nothing can be executed
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug().Str("database", w.database).Msg("Worker started")
	defer w.log.Debug().Msg("Worker stopped")

	for {
		worked, err := w.ProcessNext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("Task processing failed, retrying")
		}
		if worked {
			w.backoff.Reset()
			continue
		}
		if err = w.backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// ProcessNext claims and executes at most one task. It reports whether a task was finished,
// successfully or not. Errors are transient, the task has been handed back to the queue.
// A database whose next operation cannot run yet is passed over, the claim moves on to the others.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	blocked := map[string]bool{}
	for {
		task, err := w.queue.acquire(ctx, w.id, w.database, KindMutation, blocked)
		if err != nil || task == nil {
			return false, err
		}

		ready, err := w.predecessorRecorded(ctx, task)
		if err == nil && !ready {
			w.log.Debug().Str("database", task.Database).Uint64("seq", task.SequenceNumber).Msg("Predecessor not recorded yet")
			if err = w.release(task); err != nil && !xerrors.Is(err, ErrClaimLost) {
				return false, err
			}
			blocked[task.Database] = true
			continue
		}
		return w.process(ctx, task, err)
	}
}

// process executes a claimed task, cause is an error found before execution started
func (w *Worker) process(ctx context.Context, task *Task, cause error) (bool, error) {
	log := w.log.With().Str("database", task.Database).Uint64("seq", task.SequenceNumber).Str("task", task.ID).Logger()

	var rec *TransitionRecord
	err := cause
	if err == nil {
		if err = w.queue.Heartbeat(task.ID, w.id); err == nil {
			rec, err = w.execute(ctx, task)
		}
	}

	switch {
	case err == nil:
		log.Debug().Stringer("root", rec.MerkleRootNew).Msg("Mutation executed")
		return true, nil
	case xerrors.Is(err, ErrClaimLost):
		// the lease expired and another worker owns the task now
		log.Warn().Err(err).Msg("Task lease lost")
		return false, nil
	case IsPartialCommit(err):
		// task is Success, the record is rebuilt when the next operation of the database runs
		log.Error().Err(err).Msg("Mutation committed without its transition record")
		return true, nil
	case isStructural(err):
		log.Error().Err(err).Msg("Mutation failed")
		ferr := w.coordinator.operational.Update(func(sess *Session) error {
			return w.queue.FailBy(sess, task.ID, w.id, err)
		})
		if xerrors.Is(ferr, ErrClaimLost) {
			log.Warn().Err(ferr).Msg("Task lease lost")
			return false, nil
		} else if ferr != nil {
			log.Error().Err(ferr).Msg("Marking task failed did not succeed")
		}
		return true, nil
	default:
		if rerr := w.release(task); rerr != nil {
			log.Error().Err(rerr).Msg("Task release failed")
		}
		return false, err
	}
}

// predecessorRecorded makes sure operation seq-1 of the task's database is in the log.
// A failed predecessor will never be recorded, so the task fails as well.
func (w *Worker) predecessorRecorded(ctx context.Context, task *Task) (bool, error) {
	expected := int64(task.SequenceNumber) - 1
	last, err := w.transitions.Last(task.Database)
	if err != nil {
		return false, err
	}
	if last == expected {
		return true, nil
	}
	if last > expected {
		return false, xerrors.Errorf("%w: %s operation %d already recorded", ErrSequenceGap, task.Database, task.SequenceNumber)
	}

	// the predecessor may have lost its record to a partial commit
	if _, err = w.reconciler.Reconcile(ctx, task.Database); err != nil {
		return false, err
	}
	if last, err = w.transitions.Last(task.Database); err != nil {
		return false, err
	}
	if last == expected {
		return true, nil
	}

	missing, err := w.queue.BySequence(task.Database, KindMutation, uint64(last+1))
	if err != nil {
		return false, err
	}
	if missing.Status == TaskFailed {
		return false, xerrors.Errorf("%w: %s operation %d failed", ErrSequenceGap, task.Database, missing.SequenceNumber)
	}
	return false, nil
}

func (w *Worker) release(task *Task) error {
	return w.coordinator.operational.Update(func(sess *Session) error {
		return w.queue.ReleaseBy(sess, task.ID, w.id)
	})
}

func (w *Worker) execute(ctx context.Context, task *Task) (*TransitionRecord, error) {
	var p MutationPayload
	if err := task.Decode(&p); err != nil {
		return nil, xerrors.Errorf("%w: %v", errMalformedPayload, err)
	}
	tree, err := w.trees.Tree(task.Database)
	if err != nil {
		return nil, err
	}

	return RunCompound(ctx, w.coordinator, func(op, art *Session) (*TransitionRecord, error) {
		op.Label("database", task.Database)
		op.Label("task", task.ID)
		op.Label("operation", strconv.FormatUint(task.SequenceNumber, 10))

		current, err := w.queue.GetIn(op, task.ID)
		if err != nil {
			return nil, err
		}
		if err = checkClaim(current, w.id); err != nil {
			return nil, err
		}

		// the tree as it was just before this operation, later operations are not executed yet
		before, err := tree.SnapshotIn(op, task.CreatedAt.Add(-time.Nanosecond))
		if err != nil {
			return nil, err
		}
		leafOld, witness, rootOld, err := before.Prove(p.MerkleIndex)
		if err != nil {
			return nil, err
		}

		rootNew, err := tree.SetLeafAt(op, p.MerkleIndex, p.UpdatedLeafHash, task.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err = w.queue.CompleteBy(op, task.ID, w.id, TaskSuccess); err != nil {
			return nil, err
		}
		if _, err = w.queue.Enqueue(op, task.Database, KindRollup, &RollupJob{Database: task.Database, OperationNumber: task.SequenceNumber}); err != nil {
			return nil, err
		}

		rec := &TransitionRecord{
			Database:        task.Database,
			OperationNumber: task.SequenceNumber,
			LeafIndex:       p.MerkleIndex,
			LeafOld:         leafOld,
			LeafNew:         p.UpdatedLeafHash,
			MerkleRootOld:   rootOld,
			MerkleRootNew:   rootNew,
			MerkleWitness:   witness,
			TaskID:          task.ID,
			CreatedAt:       task.CreatedAt,
		}
		if err = w.transitions.Append(art, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}
