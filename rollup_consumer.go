package proofdb

import "context"
import "encoding/binary"

import "github.com/google/uuid"
import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

// ProofComposer folds transition records, in operation order, into the proof accumulated so far
type ProofComposer interface {
	Compose(ctx context.Context, prev Hash, records []*TransitionRecord) (Hash, error)
}

// HashChainComposer chains record digests, it stands in for a recursive prover.
// It rejects records which do not verify or do not continue the previous root.
type HashChainComposer struct{}

func (HashChainComposer) Compose(ctx context.Context, prev Hash, records []*TransitionRecord) (Hash, error) {
	acc := prev
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return Hash{}, err
		}
		if !rec.Verify() {
			return Hash{}, xerrors.Errorf("%s operation %d does not verify against its witness", rec.Database, rec.OperationNumber)
		}
		if i > 0 && records[i-1].MerkleRootNew != rec.MerkleRootOld {
			return Hash{}, xerrors.Errorf("%s operation %d does not continue root %s", rec.Database, rec.OperationNumber, records[i-1].MerkleRootNew)
		}

		var op [8]byte
		binary.BigEndian.PutUint64(op[:], rec.OperationNumber)
		h := hasher()
		h.Write(acc[:])
		h.Write(op[:])
		h.Write(rec.MerkleRootOld[:])
		h.Write(rec.MerkleRootNew[:])
		copy(acc[:], h.Sum(nil))
	}
	return acc, nil
}

// RollupConsumer is the proof pipeline's loop: it takes rollup tasks, feeds the pending records of
// the task's database to the composer and advances the rollup state.
type RollupConsumer struct {
	id          string
	maxBatch    int
	queue       *Queue
	transitions *TransitionLog
	tracker     *RollupTracker
	coordinator *Coordinator
	reconciler  *Reconciler
	composer    ProofComposer
	backoff     *Backoff
	log         zerolog.Logger
}

func NewRollupConsumer(cfg RollupConfig, queue *Queue, transitions *TransitionLog, tracker *RollupTracker, coordinator *Coordinator, reconciler *Reconciler, composer ProofComposer, backoff *Backoff, log zerolog.Logger) *RollupConsumer {
	if composer == nil {
		composer = HashChainComposer{}
	}
	id := uuid.New().String()
	return &RollupConsumer{
		id:          id,
		maxBatch:    cfg.MaxBatch,
		queue:       queue,
		transitions: transitions,
		tracker:     tracker,
		coordinator: coordinator,
		reconciler:  reconciler,
		composer:    composer,
		backoff:     backoff,
		log:         log.With().Str("component", "rollup_consumer").Str("consumer", id).Logger(),
	}
}

func (rc *RollupConsumer) Run(ctx context.Context) error {
	for {
		worked, err := rc.ProcessNext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			rc.log.Warn().Err(err).Msg("Rollup step failed, retrying")
		}
		if worked {
			rc.backoff.Reset()
			continue
		}
		if err = rc.backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// ProcessNext handles at most one rollup task, see Worker.ProcessNext for the result
func (rc *RollupConsumer) ProcessNext(ctx context.Context) (bool, error) {
	task, err := rc.queue.AcquireNextFor(ctx, rc.id, "", KindRollup)
	if err != nil || task == nil {
		return false, err
	}
	db := task.Database
	log := rc.log.With().Str("database", db).Uint64("seq", task.SequenceNumber).Logger()

	if _, err = rc.reconciler.Reconcile(ctx, db); err != nil {
		log.Warn().Err(err).Msg("Reconciliation failed")
	}

	st, err := rc.tracker.Get(db)
	if err != nil {
		return false, rc.giveBack(task, err)
	}
	last, err := rc.transitions.Last(db)
	if err != nil {
		return false, rc.giveBack(task, err)
	}
	if last <= st.LastConsumed { // folded by an earlier batch
		return true, rc.coordinator.operational.Update(func(sess *Session) error {
			return rc.queue.CompleteBy(sess, task.ID, rc.id, TaskSuccess)
		})
	}

	upTo := last
	if rc.maxBatch > 0 && upTo-st.LastConsumed > int64(rc.maxBatch) {
		upTo = st.LastConsumed + int64(rc.maxBatch)
	}
	records, err := rc.transitions.Range(db, uint64(st.LastConsumed+1), uint64(upTo))
	if err != nil {
		return false, rc.giveBack(task, err)
	}

	if err = rc.coordinator.artifact.Update(func(sess *Session) error {
		return rc.tracker.MarkUpdating(sess, db)
	}); err != nil {
		return false, rc.giveBack(task, err)
	}

	proof, cerr := rc.composer.Compose(ctx, st.Proof, records)
	if cerr != nil {
		if ctx.Err() != nil {
			return false, rc.giveBack(task, cerr)
		}
		log.Error().Err(cerr).Int64("from", st.LastConsumed+1).Int64("to", upTo).Msg("Proof composition failed")
		return true, rc.coordinator.Run(ctx, func(op, art *Session) error {
			if err := rc.queue.FailBy(op, task.ID, rc.id, cerr); err != nil {
				return err
			}
			return rc.tracker.MarkFailed(art, db, cerr)
		})
	}

	err = rc.coordinator.Run(ctx, func(op, art *Session) error {
		op.Label("database", db)
		op.Label("task", task.ID)
		if err := rc.queue.CompleteBy(op, task.ID, rc.id, TaskSuccess); err != nil {
			return err
		}
		return rc.tracker.Advance(art, db, uint64(upTo), proof)
	})
	switch {
	case err == nil:
		log.Debug().Int64("consumed", upTo).Stringer("proof", proof).Msg("Rollup advanced")
		return true, nil
	case IsPartialCommit(err):
		// the task is done but the state did not move, a follow up task folds the same records again
		log.Error().Err(err).Msg("Rollup task completed without its state")
		return true, rc.coordinator.operational.Update(func(sess *Session) error {
			_, err := rc.queue.Enqueue(sess, db, KindRollup, &RollupJob{Database: db, OperationNumber: uint64(upTo)})
			return err
		})
	case xerrors.Is(err, ErrClaimLost):
		log.Warn().Err(err).Msg("Rollup task lease lost")
		return false, nil
	case xerrors.Is(err, ErrInvalidTransition): // a concurrent consumer advanced first
		return true, rc.coordinator.operational.Update(func(sess *Session) error {
			return rc.queue.CompleteBy(sess, task.ID, rc.id, TaskSuccess)
		})
	default:
		return false, rc.giveBack(task, err)
	}
}

func (rc *RollupConsumer) giveBack(task *Task, cause error) error {
	if err := rc.coordinator.operational.Update(func(sess *Session) error {
		return rc.queue.ReleaseBy(sess, task.ID, rc.id)
	}); err != nil {
		rc.log.Error().Err(err).Str("task", task.ID).Msg("Task release failed")
	}
	return cause
}
