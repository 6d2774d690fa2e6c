package proofdb

import "fmt"
import "os"
import "sync"

import "github.com/rs/zerolog"
import "github.com/syndtr/goleveldb/leveldb"
import "github.com/syndtr/goleveldb/leveldb/iterator"
import "github.com/syndtr/goleveldb/leveldb/opt"
import "github.com/syndtr/goleveldb/leveldb/storage"
import "github.com/syndtr/goleveldb/leveldb/util"
import "golang.org/x/xerrors"

type storage_layer_type int8

const (
	unknown_layer storage_layer_type = iota // default is unknown layer
	disk
	memory
)

const openFileLimit = 128 // leveldb OpenFilesCacheCapacity

// every read path (db, open transaction, snapshot) satisfies this
type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// transaction is what a session drives, *leveldb.Transaction in production
type transaction interface {
	reader
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
	Commit() error
	Discard()
}

// Store is one transactional cluster. The operational cluster and the proof artifact cluster
// are two independent stores, each can only commit its own transactions.
// Only one session can be open on a store at a time, Begin blocks until the previous one ends.
// This exclusive write lock is what makes conditional updates (claims, counters, appends) atomic.
type Store struct {
	storage_layer storage_layer_type // identify storage layer

	name           string
	base_directory string

	ldb *leveldb.DB
	log zerolog.Logger

	wrap func(transaction) transaction // tests use this to inject commit failures

	closesync sync.RWMutex
	closed    bool
}

// start a new memory backed store which may be useful for testing and other temporary use cases.
func NewMemStore() (*Store, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{storage_layer: memory, name: "memory", ldb: ldb, log: zerolog.Nop()}, nil
}

// open/create a disk based store, if the directory pre-exists, it is used as is.
// Node history is append only, we do not delete any data.
func NewDiskStore(basepath string) (*Store, error) {
	if err := os.MkdirAll(basepath, 0700); err != nil {
		return nil, fmt.Errorf("directory creation err %s dirpath %s", err, basepath)
	}
	ldb, err := leveldb.OpenFile(basepath, &opt.Options{OpenFilesCacheCapacity: openFileLimit})
	if err != nil {
		return nil, xerrors.Errorf("%w: dirpath %s", err, basepath)
	}
	return &Store{storage_layer: disk, name: basepath, base_directory: basepath, ldb: ldb, log: zerolog.Nop()}, nil
}

// OpenStore opens the store described by cfg and names it for logging
func OpenStore(name string, cfg StoreConfig, log zerolog.Logger) (s *Store, err error) {
	switch cfg.Engine {
	case EngineMemory:
		s, err = NewMemStore()
	case EngineDisk:
		s, err = NewDiskStore(cfg.Path)
	default:
		return nil, xerrors.Errorf("unknown storage engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	s.name = name
	s.log = log.With().Str("component", "store").Str("cluster", name).Logger()
	s.log.Debug().Str("engine", cfg.Engine).Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Close() error {
	s.closesync.Lock()
	defer s.closesync.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	switch s.storage_layer {
	case disk, memory:
		return s.ldb.Close()
	default:
		panic("unknown storage layer")
	}
}

func (s *Store) isClosed() bool {
	s.closesync.RLock()
	defer s.closesync.RUnlock()
	return s.closed
}

// Begin opens a session, the caller must End it.
// A goroutine holding a session must not call Begin again on the same store.
func (s *Store) Begin() (*Session, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	tr, err := s.ldb.OpenTransaction()
	if err != nil {
		return nil, xerrors.Errorf("%w: cluster %s", err, s.name)
	}
	var txn transaction = tr
	if s.wrap != nil {
		txn = s.wrap(txn)
	}
	return newSession(s, txn), nil
}

// Update runs fn in a fresh session and commits it if fn succeeds
func (s *Store) Update(fn func(*Session) error) error {
	sess, err := s.Begin()
	if err != nil {
		return err
	}
	defer sess.End()

	if err = fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

// snapshot pins the committed state of the store, it must be released
func (s *Store) snapshot() (*leveldb.Snapshot, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.ldb.GetSnapshot()
}

// get reads committed data
func (s *Store) get(key []byte) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return get(s.ldb, key)
}

func get(r reader, key []byte) ([]byte, error) {
	value, err := r.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

// lastInRange returns a copy of the greatest key/value inside r
func lastInRange(rd reader, r *util.Range) (k, v []byte, err error) {
	it := rd.NewIterator(r, nil)
	defer it.Release()

	if !it.Last() {
		if err = it.Error(); err == nil {
			err = ErrNotFound
		}
		return nil, nil, err
	}
	k = append([]byte{}, it.Key()...)
	v = append([]byte{}, it.Value()...)
	return k, v, it.Error()
}

// firstInRange returns a copy of the smallest key/value inside r
func firstInRange(rd reader, r *util.Range) (k, v []byte, err error) {
	it := rd.NewIterator(r, nil)
	defer it.Release()

	if !it.First() {
		if err = it.Error(); err == nil {
			err = ErrNotFound
		}
		return nil, nil, err
	}
	k = append([]byte{}, it.Key()...)
	v = append([]byte{}, it.Value()...)
	return k, v, it.Error()
}
