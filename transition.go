package proofdb

import "strconv"
import "time"

import "github.com/rs/zerolog"
import "github.com/syndtr/goleveldb/leveldb/util"
import "golang.org/x/xerrors"

// TransitionRecord is the effect of one executed mutation on its database's tree.
// OperationNumber equals the sequence number of the task which produced it.
type TransitionRecord struct {
	Database        string    `json:"databaseName"`
	OperationNumber uint64    `json:"operationNumber"`
	LeafIndex       uint64    `json:"leafIndex"`
	LeafOld         Hash      `json:"leafOld"`
	LeafNew         Hash      `json:"leafNew"`
	MerkleRootOld   Hash      `json:"merkleRootOld"`
	MerkleRootNew   Hash      `json:"merkleRootNew"`
	MerkleWitness   Witness   `json:"merkleWitness"`
	TaskID          string    `json:"taskId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Verify checks the record is internally consistent, both roots must follow from the witness
func (r *TransitionRecord) Verify() bool {
	return Verify(r.MerkleWitness, r.LeafOld, r.MerkleRootOld) && Verify(r.MerkleWitness, r.LeafNew, r.MerkleRootNew) &&
		r.MerkleWitness.CalculateIndex() == r.LeafIndex
}

// TransitionLog is the gap free, append only log of transition records kept in the artifact cluster
type TransitionLog struct {
	store   *Store
	metrics *Metrics
	log     zerolog.Logger
}

func NewTransitionLog(store *Store, metrics *Metrics, log zerolog.Logger) *TransitionLog {
	return &TransitionLog{store: store, metrics: metrics, log: log.With().Str("component", "transitions").Logger()}
}

func transitionKey(db string, op uint64) []byte {
	return makeKey(prefixTransition, db, op)
}

func lastOf(r reader, db string) (int64, error) {
	buf, err := get(r, makeKey(prefixTransLast, db))
	if err == ErrNotFound {
		return noOperation, nil
	} else if err != nil {
		return noOperation, err
	}
	return int64(decodeUint64(buf)), nil
}

func recordOf(r reader, db string, op uint64) (*TransitionRecord, error) {
	buf, err := get(r, transitionKey(db, op))
	if err != nil {
		return nil, err
	}
	var rec TransitionRecord
	if err = decodeDoc(buf, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Append adds rec to the log of its database, its operation number must directly follow the last one
func (tl *TransitionLog) Append(sess *Session, rec *TransitionRecord) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	if err := checkName(rec.Database, DB_NAME_LIMIT); err != nil {
		return err
	}
	last, err := lastOf(sess.txn, rec.Database)
	if err != nil {
		return err
	}
	if int64(rec.OperationNumber) != last+1 {
		return xerrors.Errorf("%w: %s expected operation %d, got %d", ErrSequenceGap, rec.Database, last+1, rec.OperationNumber)
	}
	if exists, err := sess.has(transitionKey(rec.Database, rec.OperationNumber)); err != nil {
		return err
	} else if exists {
		return xerrors.Errorf("%w: %s operation %d already recorded", ErrSequenceGap, rec.Database, rec.OperationNumber)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	buf, err := encodeDoc(rec)
	if err != nil {
		return err
	}
	if err = sess.put(transitionKey(rec.Database, rec.OperationNumber), buf); err != nil {
		return err
	}
	if err = sess.put(makeKey(prefixTransLast, rec.Database), encodeUint64(rec.OperationNumber)); err != nil {
		return err
	}

	sess.Label("database", rec.Database)
	sess.Label("operation", strconv.FormatUint(rec.OperationNumber, 10))
	tl.metrics.appended()
	tl.log.Debug().Str("database", rec.Database).Uint64("operation", rec.OperationNumber).Stringer("root", rec.MerkleRootNew).Msg("Transition appended")
	return nil
}

// Last returns the last recorded operation number of db, -1 when nothing is recorded
func (tl *TransitionLog) Last(db string) (int64, error) {
	if tl.store.isClosed() {
		return noOperation, ErrClosed
	}
	return lastOf(tl.store.ldb, db)
}

// LastIn is Last as seen by the session
func (tl *TransitionLog) LastIn(sess *Session, db string) (int64, error) {
	if err := requireSession(sess); err != nil {
		return noOperation, err
	}
	return lastOf(sess.txn, db)
}

func (tl *TransitionLog) Get(db string, op uint64) (*TransitionRecord, error) {
	if tl.store.isClosed() {
		return nil, ErrClosed
	}
	rec, err := recordOf(tl.store.ldb, db, op)
	if err == ErrNotFound {
		return nil, xerrors.Errorf("%w: %s operation %d", ErrNotFound, db, op)
	}
	return rec, err
}

// Range returns the records with operation numbers in [from, to]
func (tl *TransitionLog) Range(db string, from, to uint64) ([]*TransitionRecord, error) {
	if to < from {
		return nil, nil
	}
	if to-from >= MAX_RANGE {
		return nil, xerrors.Errorf("range of %d records exceeds the limit of %d", to-from+1, MAX_RANGE)
	}
	var records []*TransitionRecord
	err := tl.Iterate(db, from, func(rec *TransitionRecord) (bool, error) {
		if rec.OperationNumber > to {
			return false, nil
		}
		records = append(records, rec)
		return true, nil
	})
	return records, err
}

// Iterate feeds the records of db starting at from to fn in operation order, until fn returns false
func (tl *TransitionLog) Iterate(db string, from uint64, fn func(*TransitionRecord) (bool, error)) error {
	snap, err := tl.store.snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return iterateRecords(snap, db, from, fn)
}

func iterateRecords(r reader, db string, from uint64, fn func(*TransitionRecord) (bool, error)) error {
	prefix := makeKey(prefixTransition, db)
	it := r.NewIterator(&util.Range{Start: makeKey(prefix, from), Limit: util.BytesPrefix(prefix).Limit}, nil)
	defer it.Release()

	for it.Next() {
		var rec TransitionRecord
		if err := decodeDoc(it.Value(), &rec); err != nil {
			return err
		}
		if more, err := fn(&rec); err != nil || !more {
			return err
		}
	}
	return it.Error()
}
