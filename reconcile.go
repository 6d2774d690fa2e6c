package proofdb

import "context"

import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

// Reconciler rebuilds transition records lost to partial commits.
// A mutation task in Success whose operation is missing from the log had its artifact commit fail,
// the record is recomputed by replaying the tree at the task's logical time.
type Reconciler struct {
	queue       *Queue
	trees       *MerkleStore
	transitions *TransitionLog
	artifact    *Store
	metrics     *Metrics
	log         zerolog.Logger
}

func NewReconciler(queue *Queue, trees *MerkleStore, transitions *TransitionLog, artifact *Store, metrics *Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		queue:       queue,
		trees:       trees,
		transitions: transitions,
		artifact:    artifact,
		metrics:     metrics,
		log:         log.With().Str("component", "reconciler").Logger(),
	}
}

// Pending lists, in order, the Success mutation tasks of db directly following the last recorded operation
func (r *Reconciler) Pending(db string) ([]*Task, error) {
	last, err := r.transitions.Last(db)
	if err != nil {
		return nil, err
	}
	var tasks []*Task
	for seq := uint64(last + 1); ; seq++ {
		t, err := r.queue.BySequence(db, KindMutation, seq)
		if xerrors.Is(err, ErrTaskNotFound) {
			break
		} else if err != nil {
			return nil, err
		}
		if t.Status != TaskSuccess {
			break
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Reconcile appends the missing records of db and returns how many were appended
func (r *Reconciler) Reconcile(ctx context.Context, db string) (int, error) {
	tasks, err := r.Pending(db)
	if err != nil || len(tasks) == 0 {
		return 0, err
	}
	tree, err := r.trees.Tree(db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range tasks {
		if err = ctx.Err(); err != nil {
			return count, err
		}
		rec, err := r.rebuild(tree, t)
		if err != nil {
			return count, err
		}

		appended := false
		err = r.artifact.Update(func(sess *Session) error {
			last, err := r.transitions.LastIn(sess, db)
			if err != nil {
				return err
			}
			if last >= int64(rec.OperationNumber) { // someone else got here first
				return nil
			}
			appended = true
			return r.transitions.Append(sess, rec)
		})
		if err != nil {
			return count, err
		}
		if appended {
			count++
			r.metrics.reconciled()
			r.log.Info().Str("database", db).Uint64("operation", rec.OperationNumber).Str("task", t.ID).Msg("Reconciled transition record")
		}
	}
	return count, nil
}

func (r *Reconciler) rebuild(tree *Tree, t *Task) (*TransitionRecord, error) {
	var p MutationPayload
	if err := t.Decode(&p); err != nil {
		return nil, err
	}
	tr, err := tree.Transition(p.MerkleIndex, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &TransitionRecord{
		Database:        t.Database,
		OperationNumber: t.SequenceNumber,
		LeafIndex:       tr.Index,
		LeafOld:         tr.LeafOld,
		LeafNew:         tr.LeafNew,
		MerkleRootOld:   tr.RootOld,
		MerkleRootNew:   tr.RootNew,
		MerkleWitness:   tr.Witness,
		TaskID:          t.ID,
		CreatedAt:       t.CreatedAt,
	}, nil
}
