package proofdb

import "time"

import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

// RollupStatus is the aggregate state of a database's proof relative to its transition log
type RollupStatus uint8

const (
	RollupUpdated  RollupStatus = iota // every recorded transition is folded into the proof
	RollupOutdated                     // recorded transitions are waiting
	RollupUpdating                     // a composer is folding transitions
	RollupFailed                       // the last composition failed
)

var rollupStatusNames = [...]string{"updated", "outdated", "updating", "failed"}

func (s RollupStatus) String() string {
	if int(s) < len(rollupStatusNames) {
		return rollupStatusNames[s]
	}
	return "unknown"
}

func (s RollupStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(rollupStatusNames) {
		return nil, xerrors.Errorf("unknown rollup status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *RollupStatus) UnmarshalText(text []byte) error {
	for i, name := range rollupStatusNames {
		if name == string(text) {
			*s = RollupStatus(i)
			return nil
		}
	}
	return xerrors.Errorf("unknown rollup status %q", text)
}

type RollupState struct {
	Database     string       `json:"databaseName"`
	LastConsumed int64        `json:"lastConsumedOperationNumber"` // -1 until the first record is consumed
	State        RollupStatus `json:"state"`
	Proof        Hash         `json:"proof"` // accumulator of the composer upto LastConsumed
	Error        string       `json:"error,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// RollupTracker keeps the per database consumption progress of the proof pipeline, in the artifact cluster
type RollupTracker struct {
	store   *Store
	metrics *Metrics
	log     zerolog.Logger
}

func NewRollupTracker(store *Store, metrics *Metrics, log zerolog.Logger) *RollupTracker {
	return &RollupTracker{store: store, metrics: metrics, log: log.With().Str("component", "rollup").Logger()}
}

func rollupKey(db string) []byte {
	return makeKey(prefixRollup, db)
}

func (rt *RollupTracker) load(r reader, db string) (*RollupState, error) {
	buf, err := get(r, rollupKey(db))
	if err == ErrNotFound {
		return &RollupState{Database: db, LastConsumed: noOperation, State: RollupUpdated}, nil
	} else if err != nil {
		return nil, err
	}
	var st RollupState
	if err = decodeDoc(buf, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (rt *RollupTracker) save(sess *Session, st *RollupState) error {
	st.UpdatedAt = time.Now().UTC()
	buf, err := encodeDoc(st)
	if err != nil {
		return err
	}
	return sess.put(rollupKey(st.Database), buf)
}

// derive folds the log progress into the stored state, Updating and Failed stick until changed explicitly
func derive(r reader, st *RollupState) error {
	if st.State == RollupUpdating || st.State == RollupFailed {
		return nil
	}
	last, err := lastOf(r, st.Database)
	if err != nil {
		return err
	}
	if last > st.LastConsumed {
		st.State = RollupOutdated
	} else {
		st.State = RollupUpdated
	}
	return nil
}

// Get returns the committed rollup state of db
func (rt *RollupTracker) Get(db string) (*RollupState, error) {
	snap, err := rt.store.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	st, err := rt.load(snap, db)
	if err != nil {
		return nil, err
	}
	return st, derive(snap, st)
}

// GetIn returns the rollup state of db as seen by the session
func (rt *RollupTracker) GetIn(sess *Session, db string) (*RollupState, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	st, err := rt.load(sess.txn, db)
	if err != nil {
		return nil, err
	}
	return st, derive(sess.txn, st)
}

// Advance marks every record upto and including upTo as consumed, proof is the composer's
// accumulator after upTo. Nothing changes unless every record in (last consumed, upTo] exists.
func (rt *RollupTracker) Advance(sess *Session, db string, upTo uint64, proof Hash) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	if err := checkName(db, DB_NAME_LIMIT); err != nil {
		return err
	}
	st, err := rt.load(sess.txn, db)
	if err != nil {
		return err
	}
	if int64(upTo) <= st.LastConsumed {
		return xerrors.Errorf("%w: %s already consumed upto %d", ErrInvalidTransition, db, st.LastConsumed)
	}

	for op := uint64(st.LastConsumed + 1); op <= upTo; op++ {
		exists, err := sess.has(transitionKey(db, op))
		if err != nil {
			return err
		}
		if !exists {
			return xerrors.Errorf("%w: %s operation %d is not recorded", ErrIncomplete, db, op)
		}
	}

	st.LastConsumed = int64(upTo)
	st.Proof = proof
	st.Error = ""
	st.State = RollupUpdated
	if err = derive(sess.txn, st); err != nil {
		return err
	}
	if err = rt.save(sess, st); err != nil {
		return err
	}

	rt.metrics.consumed(db, st.LastConsumed)
	rt.log.Debug().Str("database", db).Int64("consumed", st.LastConsumed).Str("state", st.State.String()).Msg("Rollup advanced")
	return nil
}

// MarkUpdating records that a composer is working on db
func (rt *RollupTracker) MarkUpdating(sess *Session, db string) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	st, err := rt.load(sess.txn, db)
	if err != nil {
		return err
	}
	st.State = RollupUpdating
	return rt.save(sess, st)
}

// MarkFailed records that composing db failed, the consumed progress is kept
func (rt *RollupTracker) MarkFailed(sess *Session, db string, cause error) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	st, err := rt.load(sess.txn, db)
	if err != nil {
		return err
	}
	st.State = RollupFailed
	if cause != nil {
		st.Error = cause.Error()
	}
	if err = rt.save(sess, st); err != nil {
		return err
	}
	rt.log.Warn().Str("database", db).Int64("consumed", st.LastConsumed).Err(cause).Msg("Rollup failed")
	return nil
}
