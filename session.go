package proofdb

import "sort"
import "time"

import "github.com/syndtr/goleveldb/leveldb/iterator"
import "github.com/syndtr/goleveldb/leveldb/util"
import "golang.org/x/xerrors"

// Session is an open transaction on one store. Reads see the session's own writes.
// Sessions are not safe for concurrent use.
type Session struct {
	store   *Store
	txn     transaction
	started time.Time
	done    bool
	labels  map[string]string
}

func newSession(store *Store, txn transaction) *Session {
	return &Session{store: store, txn: txn, started: time.Now(), labels: map[string]string{}}
}

// requireSession fails unless sess is usable for writes
func requireSession(sess *Session) error {
	if sess == nil || sess.done {
		return ErrSessionRequired
	}
	return nil
}

// Store returns the cluster this session belongs to
func (sess *Session) Store() *Store {
	return sess.store
}

// Label attaches context which is reported if the session fails to commit
func (sess *Session) Label(key, value string) {
	sess.labels[key] = value
}

// Labels returns the attached labels in key order as alternating key, value pairs
func (sess *Session) Labels() []string {
	keys := make([]string, 0, len(sess.labels))
	for k := range sess.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, sess.labels[k])
	}
	return out
}

func (sess *Session) get(key []byte) ([]byte, error) {
	if sess.done {
		return nil, ErrSessionRequired
	}
	return get(sess.txn, key)
}

func (sess *Session) has(key []byte) (bool, error) {
	_, err := sess.get(key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (sess *Session) put(key, value []byte) error {
	if sess.done {
		return ErrSessionRequired
	}
	return sess.txn.Put(key, value, nil)
}

func (sess *Session) delete(key []byte) error {
	if sess.done {
		return ErrSessionRequired
	}
	return sess.txn.Delete(key, nil)
}

func (sess *Session) iterator(r *util.Range) iterator.Iterator {
	return sess.txn.NewIterator(r, nil)
}

// Commit makes all writes of the session durable and ends it
// tick advances the cluster's logical clock to at least now and returns the new stamp.
// Stamps never repeat, even within one nanosecond. Task creation times and direct leaf writes
// both draw from it, so node records of one cluster are stamped in commit order.
func tick(sess *Session, now time.Time) (time.Time, error) {
	var last uint64
	if buf, err := sess.get(keyClock); err == nil {
		last = decodeUint64(buf)
	} else if err != ErrNotFound {
		return time.Time{}, err
	}
	stamp := stampOf(now)
	if stamp <= last {
		stamp = last + 1
	}
	if err := sess.put(keyClock, encodeUint64(stamp)); err != nil {
		return time.Time{}, err
	}
	return timeOf(stamp), nil
}

func (sess *Session) Commit() error {
	if sess.done {
		return ErrSessionRequired
	}
	sess.done = true
	if err := sess.txn.Commit(); err != nil {
		sess.txn.Discard()
		return xerrors.Errorf("%w: commit on cluster %s", err, sess.store.name)
	}
	return nil
}

// Abort discards all writes of the session
func (sess *Session) Abort() {
	if !sess.done {
		sess.done = true
		sess.txn.Discard()
	}
}

// End releases the session, it is a no-op after Commit or Abort
func (sess *Session) End() {
	sess.Abort()
}
