package proofdb

import "context"
import "time"

import "github.com/google/uuid"
import "github.com/rs/zerolog"
import "github.com/syndtr/goleveldb/leveldb/util"
import "golang.org/x/xerrors"

// TaskStatus is the lifecycle state of a queued task
type TaskStatus uint8

const (
	TaskQueued TaskStatus = iota
	TaskExecuting
	TaskSuccess
	TaskFailed
)

var taskStatusNames = [...]string{"queued", "executing", "success", "failed"}

func (s TaskStatus) String() string {
	if int(s) < len(taskStatusNames) {
		return taskStatusNames[s]
	}
	return "unknown"
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

func (s TaskStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(taskStatusNames) {
		return nil, xerrors.Errorf("unknown task status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *TaskStatus) UnmarshalText(text []byte) error {
	for i, name := range taskStatusNames {
		if name == string(text) {
			*s = TaskStatus(i)
			return nil
		}
	}
	return xerrors.Errorf("unknown task status %q", text)
}

// Task is one queued unit of work
type Task struct {
	ID             string     `json:"id"`
	Database       string     `json:"databaseName"`
	Kind           string     `json:"queueKind"`
	SequenceNumber uint64     `json:"sequenceNumber"`
	Payload        []byte     `json:"payload"`
	Status         TaskStatus `json:"status"`
	AcquiredBy     string     `json:"acquiredBy,omitempty"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"` // logical time, strictly increasing per cluster
	UpdatedAt      time.Time  `json:"updatedAt"`
	LeaseExpiresAt time.Time  `json:"leaseExpiresAt"`
}

// Decode the payload into v
func (t *Task) Decode(v interface{}) error {
	return decodeDoc(t.Payload, v)
}

// Queue is a set of ordered task queues, one per (database, kind), stored in the operational cluster.
// Sequence numbers are allocated under the enqueuing session, so ordering is fixed before
// any worker sees the task. Claims happen inside an exclusive transaction which re-checks
// the task is still Queued, thus a task is handed to exactly one caller.
type Queue struct {
	store   *Store
	cfg     QueueConfig
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewQueue(store *Store, cfg QueueConfig, metrics *Metrics, log zerolog.Logger) *Queue {
	return &Queue{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("component", "queue").Logger(),
		now:     time.Now,
	}
}

func taskKey(id string) []byte {
	return makeKey(prefixTask, id)
}

func readyKey(t *Task) []byte {
	return makeKey(prefixReady, t.Kind, stampOf(t.CreatedAt), []byte(t.ID))
}

func readyDBKey(t *Task) []byte {
	return makeKey(prefixReadyDB, t.Kind, t.Database, t.SequenceNumber)
}

func leaseKey(t *Task) []byte {
	return makeKey(prefixLease, t.Kind, stampOf(t.LeaseExpiresAt), []byte(t.ID))
}

func seqKey(kind, db string, seq uint64) []byte {
	return makeKey(prefixTaskSeq, kind, db, seq)
}

func doneKey(t *Task) []byte {
	return makeKey(prefixDone, t.Kind, t.Database, t.SequenceNumber)
}

func (q *Queue) loadTask(r reader, id string) (*Task, error) {
	buf, err := get(r, taskKey(id))
	if err == ErrNotFound {
		return nil, xerrors.Errorf("%w: %s", ErrTaskNotFound, id)
	} else if err != nil {
		return nil, err
	}
	var t Task
	if err = decodeDoc(buf, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *Queue) saveTask(sess *Session, t *Task) error {
	buf, err := encodeDoc(t)
	if err != nil {
		return err
	}
	return sess.put(taskKey(t.ID), buf)
}

func (q *Queue) tick(sess *Session) (time.Time, error) {
	return tick(sess, q.now())
}

// Enqueue allocates the next sequence number of (db, kind) and inserts the task Queued.
// payload is stored as is when it is a []byte, otherwise it is encoded as a document.
func (q *Queue) Enqueue(sess *Session, db, kind string, payload interface{}) (uint64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}
	if err := checkName(db, DB_NAME_LIMIT); err != nil {
		return 0, err
	}
	if err := checkName(kind, KIND_NAME_LIMIT); err != nil {
		return 0, err
	}

	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = append([]byte{}, p...)
	default:
		var err error
		if raw, err = encodeDoc(p); err != nil {
			return 0, err
		}
	}
	if len(raw) > MAX_PAYLOAD {
		return 0, xerrors.Errorf("payload is longer then max allowed size, %d > %d", len(raw), MAX_PAYLOAD)
	}

	counter := makeKey(prefixCounter, kind, db)
	var seq uint64
	if buf, err := sess.get(counter); err == nil {
		seq = decodeUint64(buf)
	} else if err != ErrNotFound {
		return 0, err
	}

	if exists, err := sess.has(seqKey(kind, db, seq)); err != nil {
		return 0, err
	} else if exists {
		return 0, xerrors.Errorf("sequence %d of %s/%s already allocated, counter corrupted", seq, db, kind)
	}

	created, err := q.tick(sess)
	if err != nil {
		return 0, err
	}

	t := &Task{
		ID:             uuid.New().String(),
		Database:       db,
		Kind:           kind,
		SequenceNumber: seq,
		Payload:        raw,
		Status:         TaskQueued,
		CreatedAt:      created,
		UpdatedAt:      created,
	}

	if err = sess.put(counter, encodeUint64(seq+1)); err != nil {
		return 0, err
	}
	if err = sess.put(seqKey(kind, db, seq), []byte(t.ID)); err != nil {
		return 0, err
	}
	if err = sess.put(readyKey(t), []byte(t.ID)); err != nil {
		return 0, err
	}
	if err = sess.put(readyDBKey(t), []byte(t.ID)); err != nil {
		return 0, err
	}
	if err = q.saveTask(sess, t); err != nil {
		return 0, err
	}

	q.metrics.enqueued(kind)
	q.log.Debug().Str("database", db).Str("kind", kind).Uint64("seq", seq).Str("task", t.ID).Msg("Task enqueued")
	return seq, nil
}

// AcquireNext claims the oldest Queued task of kind, db == "" considers every database.
// It returns nil without blocking when nothing is Queued.
func (q *Queue) AcquireNext(ctx context.Context, db, kind string) (*Task, error) {
	return q.AcquireNextFor(ctx, "", db, kind)
}

// AcquireNextFor is AcquireNext recording owner as the claimer
func (q *Queue) AcquireNextFor(ctx context.Context, owner, db, kind string) (*Task, error) {
	return q.acquire(ctx, owner, db, kind, nil)
}

// acquire claims the oldest task of kind whose database is not in skip
func (q *Queue) acquire(ctx context.Context, owner, db, kind string, skip map[string]bool) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if db != "" {
		if err := checkName(db, DB_NAME_LIMIT); err != nil {
			return nil, err
		}
		if skip[db] {
			return nil, nil
		}
	}

	sess, err := q.store.Begin()
	if err != nil {
		return nil, err
	}
	defer sess.End()

	now := q.now()
	var t *Task
	var reclaimed bool
	if q.cfg.LeaseTimeout > 0 {
		if t, err = q.expired(sess, db, kind, now, skip); err != nil {
			return nil, err
		}
		reclaimed = t != nil
	}
	if t == nil {
		if t, err = q.oldestQueued(sess, db, kind, skip); err != nil || t == nil {
			return nil, err
		}
	}

	if reclaimed {
		if err = sess.delete(leaseKey(t)); err != nil {
			return nil, err
		}
	} else {
		if t.Status != TaskQueued { // the conditional part of the claim
			return nil, xerrors.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, t.Status)
		}
		if err = sess.delete(readyKey(t)); err != nil {
			return nil, err
		}
		if err = sess.delete(readyDBKey(t)); err != nil {
			return nil, err
		}
	}

	t.Status = TaskExecuting
	t.AcquiredBy = owner
	t.Attempts++
	t.UpdatedAt = now.UTC()
	if q.cfg.LeaseTimeout > 0 {
		t.LeaseExpiresAt = now.Add(q.cfg.LeaseTimeout).UTC()
		if err = sess.put(leaseKey(t), []byte(t.ID)); err != nil {
			return nil, err
		}
	}
	if err = q.saveTask(sess, t); err != nil {
		return nil, err
	}
	if err = sess.Commit(); err != nil {
		return nil, err
	}

	if reclaimed {
		q.metrics.reclaimed(kind)
		q.log.Warn().Str("database", t.Database).Str("kind", kind).Uint64("seq", t.SequenceNumber).Str("task", t.ID).Int("attempts", t.Attempts).Msg("Reclaimed task with expired lease")
	}
	q.metrics.acquired(kind)
	return t, nil
}

func (q *Queue) oldestQueued(sess *Session, db, kind string, skip map[string]bool) (*Task, error) {
	if db != "" {
		_, id, err := firstInRange(sess.txn, util.BytesPrefix(makeKey(prefixReadyDB, kind, db)))
		if err == ErrNotFound {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		return q.loadTask(sess.txn, string(id))
	}

	// global enqueue order, tasks of skipped databases are passed over
	it := sess.iterator(util.BytesPrefix(makeKey(prefixReady, kind)))
	defer it.Release()
	for it.Next() {
		t, err := q.loadTask(sess.txn, string(it.Value()))
		if err != nil {
			return nil, err
		}
		if !skip[t.Database] {
			return t, nil
		}
	}
	return nil, it.Error()
}

// expired finds the Executing task with the oldest expired lease
func (q *Queue) expired(sess *Session, db, kind string, now time.Time, skip map[string]bool) (*Task, error) {
	prefix := makeKey(prefixLease, kind)
	it := sess.iterator(&util.Range{Start: prefix, Limit: makeKey(prefix, stampOf(now)+1)})
	defer it.Release()

	for it.Next() {
		t, err := q.loadTask(sess.txn, string(it.Value()))
		if err != nil {
			return nil, err
		}
		if (db == "" || t.Database == db) && !skip[t.Database] {
			return t, nil
		}
	}
	return nil, it.Error()
}

// Complete moves an Executing task to Success or Failed
func (q *Queue) Complete(sess *Session, id string, outcome TaskStatus) error {
	return q.complete(sess, id, "", outcome, "")
}

// CompleteBy is Complete on behalf of owner, it fails with ErrClaimLost unless owner holds the task
func (q *Queue) CompleteBy(sess *Session, id, owner string, outcome TaskStatus) error {
	return q.complete(sess, id, owner, outcome, "")
}

// Fail moves an Executing task to Failed recording the cause
func (q *Queue) Fail(sess *Session, id string, cause error) error {
	return q.complete(sess, id, "", TaskFailed, cause.Error())
}

// FailBy is Fail on behalf of owner
func (q *Queue) FailBy(sess *Session, id, owner string, cause error) error {
	return q.complete(sess, id, owner, TaskFailed, cause.Error())
}

// checkClaim checks owner still holds t, an empty owner skips the check
func checkClaim(t *Task, owner string) error {
	if owner != "" && (t.Status != TaskExecuting || t.AcquiredBy != owner) {
		return xerrors.Errorf("%w: task %s is %s held by %q", ErrClaimLost, t.ID, t.Status, t.AcquiredBy)
	}
	return nil
}

func (q *Queue) complete(sess *Session, id, owner string, outcome TaskStatus, reason string) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	if !outcome.IsTerminal() {
		return xerrors.Errorf("%w: %s is not a terminal state", ErrInvalidTransition, outcome)
	}
	t, err := q.loadTask(sess.txn, id)
	if err != nil {
		return err
	}
	if err = checkClaim(t, owner); err != nil {
		return err
	}
	if t.Status != TaskExecuting {
		return xerrors.Errorf("%w: task %s is %s, cannot move to %s", ErrInvalidTransition, id, t.Status, outcome)
	}

	if !t.LeaseExpiresAt.IsZero() {
		if err = sess.delete(leaseKey(t)); err != nil {
			return err
		}
		t.LeaseExpiresAt = time.Time{}
	}
	t.Status = outcome
	t.Error = reason
	t.UpdatedAt = q.now().UTC()
	if err = sess.put(doneKey(t), []byte(t.ID)); err != nil {
		return err
	}
	if err = q.saveTask(sess, t); err != nil {
		return err
	}

	q.metrics.completed(t.Kind, outcome)
	sess.Label("task", t.ID)
	return nil
}

// Release hands an Executing task back to the queue at its original position
func (q *Queue) Release(sess *Session, id string) error {
	return q.release(sess, id, "")
}

// ReleaseBy is Release on behalf of owner
func (q *Queue) ReleaseBy(sess *Session, id, owner string) error {
	return q.release(sess, id, owner)
}

func (q *Queue) release(sess *Session, id, owner string) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	t, err := q.loadTask(sess.txn, id)
	if err != nil {
		return err
	}
	if err = checkClaim(t, owner); err != nil {
		return err
	}
	if t.Status != TaskExecuting {
		return xerrors.Errorf("%w: task %s is %s, cannot release", ErrInvalidTransition, id, t.Status)
	}
	if !t.LeaseExpiresAt.IsZero() {
		if err = sess.delete(leaseKey(t)); err != nil {
			return err
		}
		t.LeaseExpiresAt = time.Time{}
	}
	t.Status = TaskQueued
	t.AcquiredBy = ""
	t.UpdatedAt = q.now().UTC()
	if err = sess.put(readyKey(t), []byte(t.ID)); err != nil {
		return err
	}
	if err = sess.put(readyDBKey(t), []byte(t.ID)); err != nil {
		return err
	}
	if err = q.saveTask(sess, t); err != nil {
		return err
	}
	q.metrics.released(t.Kind)
	return nil
}

// Heartbeat extends the lease of an Executing task held by owner
func (q *Queue) Heartbeat(id, owner string) error {
	if q.cfg.LeaseTimeout <= 0 {
		return nil
	}
	return q.store.Update(func(sess *Session) error {
		t, err := q.loadTask(sess.txn, id)
		if err != nil {
			return err
		}
		if err = checkClaim(t, owner); err != nil {
			return err
		}
		if err = sess.delete(leaseKey(t)); err != nil {
			return err
		}
		t.LeaseExpiresAt = q.now().Add(q.cfg.LeaseTimeout).UTC()
		if err = sess.put(leaseKey(t), []byte(t.ID)); err != nil {
			return err
		}
		return q.saveTask(sess, t)
	})
}

// Get returns the committed state of a task
func (q *Queue) Get(id string) (*Task, error) {
	if q.store.isClosed() {
		return nil, ErrClosed
	}
	return q.loadTask(q.store.ldb, id)
}

// GetIn returns the task as seen by the session
func (q *Queue) GetIn(sess *Session, id string) (*Task, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	return q.loadTask(sess.txn, id)
}

// BySequence returns the committed task with sequence number seq of (db, kind)
func (q *Queue) BySequence(db, kind string, seq uint64) (*Task, error) {
	if q.store.isClosed() {
		return nil, ErrClosed
	}
	id, err := get(q.store.ldb, seqKey(kind, db, seq))
	if err == ErrNotFound {
		return nil, xerrors.Errorf("%w: %s/%s sequence %d", ErrTaskNotFound, db, kind, seq)
	} else if err != nil {
		return nil, err
	}
	return q.loadTask(q.store.ldb, string(id))
}

// Tasks lists the committed tasks of (db, kind) in sequence order, filtered by status
func (q *Queue) Tasks(db, kind string, statuses ...TaskStatus) ([]*Task, error) {
	if q.store.isClosed() {
		return nil, ErrClosed
	}
	it := q.store.ldb.NewIterator(util.BytesPrefix(makeKey(prefixTaskSeq, kind, db)), nil)
	defer it.Release()

	var tasks []*Task
	for it.Next() {
		t, err := q.loadTask(q.store.ldb, string(it.Value()))
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			tasks = append(tasks, t)
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				tasks = append(tasks, t)
				break
			}
		}
	}
	return tasks, it.Error()
}

// Count the committed tasks of kind in the given status, across every database
func (q *Queue) Count(kind string, status TaskStatus) (int, error) {
	if q.store.isClosed() {
		return 0, ErrClosed
	}
	it := q.store.ldb.NewIterator(util.BytesPrefix(makeKey(prefixTaskSeq, kind)), nil)
	defer it.Release()

	count := 0
	for it.Next() {
		t, err := q.loadTask(q.store.ldb, string(it.Value()))
		if err != nil {
			return 0, err
		}
		if t.Status == status {
			count++
		}
	}
	return count, it.Error()
}
