package proofdb

import "time"

import "github.com/rs/zerolog"
import "github.com/syndtr/goleveldb/leveldb/util"
import "golang.org/x/xerrors"

const registryKindMerkle = "merkle"

type treeMeta struct {
	Database  string    `json:"databaseName"`
	Height    uint8     `json:"height"`
	CreatedAt time.Time `json:"createdAt"`
}

// MerkleStore keeps one fixed height binary merkle tree per logical database inside the
// operational cluster. Nodes are never updated in place, every write inserts a new record
// stamped with the writer's logical time, so any past state can be read back.
type MerkleStore struct {
	store    *Store
	registry *Registry
	metrics  *Metrics
	log      zerolog.Logger
}

func NewMerkleStore(store *Store, registry *Registry, metrics *Metrics, log zerolog.Logger) *MerkleStore {
	return &MerkleStore{
		store:    store,
		registry: registry,
		metrics:  metrics,
		log:      log.With().Str("component", "merkle").Logger(),
	}
}

// CreateTree registers a new empty tree for db inside the session
func (ms *MerkleStore) CreateTree(sess *Session, db string, height uint8) (*Tree, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	if err := checkName(db, DB_NAME_LIMIT); err != nil {
		return nil, err
	}
	if height < MIN_HEIGHT || height > MAX_HEIGHT {
		return nil, xerrors.Errorf("%w: %d not in [%d, %d]", ErrInvalidHeight, height, MIN_HEIGHT, MAX_HEIGHT)
	}

	key := makeKey(prefixTreeMeta, db)
	if exists, err := sess.has(key); err != nil {
		return nil, err
	} else if exists {
		return nil, xerrors.Errorf("%w: %s", ErrTreeExists, db)
	}

	meta := treeMeta{Database: db, Height: height, CreatedAt: time.Now().UTC()}
	buf, err := encodeDoc(&meta)
	if err != nil {
		return nil, err
	}
	if err = sess.put(key, buf); err != nil {
		return nil, err
	}
	ms.log.Info().Str("database", db).Uint8("height", height).Msg("Merkle tree created")
	return ms.newTree(meta), nil
}

func (ms *MerkleStore) newTree(meta treeMeta) *Tree {
	return &Tree{ms: ms, name: meta.Database, height: meta.Height, empty: emptyHashes(meta.Height)}
}

func (ms *MerkleStore) loadTree(r reader, db string) (*Tree, error) {
	buf, err := get(r, makeKey(prefixTreeMeta, db))
	if err == ErrNotFound {
		return nil, xerrors.Errorf("%w: %s", ErrTreeNotFound, db)
	} else if err != nil {
		return nil, err
	}
	var meta treeMeta
	if err = decodeDoc(buf, &meta); err != nil {
		return nil, err
	}
	return ms.newTree(meta), nil
}

// Tree returns the committed tree of db
func (ms *MerkleStore) Tree(db string) (*Tree, error) {
	if err := checkName(db, DB_NAME_LIMIT); err != nil {
		return nil, err
	}
	if ms.store.isClosed() {
		return nil, ErrClosed
	}
	v, err := ms.registry.Get(RegistryKey{Database: db, Kind: registryKindMerkle}, func() (interface{}, error) {
		return ms.loadTree(ms.store.ldb, db)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// treeIn also finds trees created by the session itself
func (ms *MerkleStore) treeIn(sess *Session, db string) (*Tree, error) {
	t, err := ms.Tree(db)
	if xerrors.Is(err, ErrTreeNotFound) && sess != nil && !sess.done {
		return ms.loadTree(sess.txn, db)
	}
	return t, err
}

// Databases lists every database which has a tree
func (ms *MerkleStore) Databases() ([]string, error) {
	if ms.store.isClosed() {
		return nil, ErrClosed
	}
	var names []string
	it := ms.store.ldb.NewIterator(util.BytesPrefix(prefixTreeMeta), nil)
	defer it.Release()
	for it.Next() {
		k := it.Key()
		names = append(names, string(k[len(prefixTreeMeta):len(k)-1]))
	}
	return names, it.Error()
}

func (ms *MerkleStore) GetRoot(db string, asOf time.Time) (Hash, error) {
	t, err := ms.Tree(db)
	if err != nil {
		return Hash{}, err
	}
	return t.GetRoot(asOf)
}

func (ms *MerkleStore) GetNode(db string, level uint8, index uint64, asOf time.Time) (Hash, error) {
	t, err := ms.Tree(db)
	if err != nil {
		return Hash{}, err
	}
	return t.GetNode(level, index, asOf)
}

func (ms *MerkleStore) GetWitness(db string, index uint64, asOf time.Time) (Witness, error) {
	t, err := ms.Tree(db)
	if err != nil {
		return nil, err
	}
	return t.GetWitness(index, asOf)
}

func (ms *MerkleStore) SetLeaf(sess *Session, db string, index uint64, leaf Hash) (Hash, error) {
	if err := requireSession(sess); err != nil {
		return Hash{}, err
	}
	t, err := ms.treeIn(sess, db)
	if err != nil {
		return Hash{}, err
	}
	return t.SetLeaf(sess, index, leaf)
}

// Tree is the merkle tree of one database
type Tree struct {
	ms     *MerkleStore
	name   string
	height uint8
	empty  []Hash // empty subtree hash per level
}

func (t *Tree) GetName() string {
	return t.name
}

func (t *Tree) Height() uint8 {
	return t.height
}

// LeafCount is the number of leaves, 2^(height-1)
func (t *Tree) LeafCount() uint64 {
	return 1 << uint(t.height-1)
}

// EmptyHash is the hash of an empty subtree rooted at level
func (t *Tree) EmptyHash(level uint8) Hash {
	if int(level) >= len(t.empty) {
		return zerosHash
	}
	return t.empty[level]
}

func (t *Tree) checkNode(level uint8, index uint64) error {
	if level >= t.height {
		return xerrors.Errorf("%w: level %d, tree %s height %d", ErrOutOfRange, level, t.name, t.height)
	}
	if index >= t.LeafCount()>>level {
		return xerrors.Errorf("%w: index %d at level %d, tree %s height %d", ErrOutOfRange, index, level, t.name, t.height)
	}
	return nil
}

func (t *Tree) nodePrefix(level uint8, index uint64) []byte {
	return makeKey(prefixNode, t.name, level, index)
}

// readNode resolves the newest record of a node not newer than stamp
func (t *Tree) readNode(r reader, level uint8, index uint64, stamp uint64) (Hash, error) {
	prefix := t.nodePrefix(level, index)
	rng := &util.Range{Start: makeKey(prefix, uint64(0))}
	if stamp == ^uint64(0) {
		rng.Limit = util.BytesPrefix(prefix).Limit
	} else {
		rng.Limit = makeKey(prefix, stamp+1)
	}

	_, v, err := lastInRange(r, rng)
	if err == ErrNotFound {
		return t.empty[level], nil
	} else if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(v), nil
}

// Snapshot pins the tree as it was at asOf, zero asOf pins the current tree.
// The snapshot must be released.
func (t *Tree) Snapshot(asOf time.Time) (*Snapshot, error) {
	snap, err := t.ms.store.snapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{tree: t, asOf: asOf, stamp: stampOf(asOf), r: snap, release: snap.Release}, nil
}

// SnapshotIn reads the tree at asOf through an open session, including the session's own writes
func (t *Tree) SnapshotIn(sess *Session, asOf time.Time) (*Snapshot, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	return &Snapshot{tree: t, asOf: asOf, stamp: stampOf(asOf), r: sess.txn}, nil
}

func (t *Tree) GetRoot(asOf time.Time) (Hash, error) {
	return t.GetNode(t.height-1, 0, asOf)
}

func (t *Tree) GetNode(level uint8, index uint64, asOf time.Time) (Hash, error) {
	if err := t.checkNode(level, index); err != nil {
		return Hash{}, err
	}
	s, err := t.Snapshot(asOf)
	if err != nil {
		return Hash{}, err
	}
	defer s.Release()
	return s.Node(level, index)
}

func (t *Tree) GetLeaf(index uint64, asOf time.Time) (Hash, error) {
	return t.GetNode(0, index, asOf)
}

func (t *Tree) GetWitness(index uint64, asOf time.Time) (Witness, error) {
	s, err := t.Snapshot(asOf)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return s.Witness(index)
}

// SetLeaf writes a leaf stamped by the cluster's logical clock, after every task enqueued so far, see SetLeafAt
func (t *Tree) SetLeaf(sess *Session, index uint64, leaf Hash) (Hash, error) {
	return t.SetLeafAt(sess, index, leaf, time.Time{})
}

// SetLeafAt writes the leaf and recomputes every ancestor upto the root, all height records are
// stamped at and written inside the session. Siblings are resolved as of at, so re-running it
// with the same arguments writes the same hashes. A zero at draws the next logical clock stamp.
func (t *Tree) SetLeafAt(sess *Session, index uint64, leaf Hash, at time.Time) (root Hash, err error) {
	if err = requireSession(sess); err != nil {
		return
	}
	if err = t.checkNode(0, index); err != nil {
		return
	}
	if at.IsZero() {
		if at, err = tick(sess, time.Now()); err != nil {
			return
		}
	}
	stamp := stampOf(at)

	current := leaf
	for level := uint8(0); ; level++ {
		if err = sess.put(makeKey(t.nodePrefix(level, index), stamp), current[:]); err != nil {
			return
		}
		if level == t.height-1 {
			break
		}

		var sibling Hash
		if sibling, err = t.readNode(sess.txn, level, index^1, stamp); err != nil {
			return
		}
		if index&1 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		index >>= 1
	}

	t.ms.metrics.nodeWrites(int(t.height))
	return current, nil
}

// LeafTransition describes the effect of a single leaf write on the tree
type LeafTransition struct {
	Index   uint64
	LeafOld Hash
	LeafNew Hash
	RootOld Hash
	RootNew Hash
	Witness Witness
}

// Transition replays the leaf write stamped at, comparing the tree just before at with the tree at at.
// The witness is valid for both states since a leaf write never changes its own siblings.
func (t *Tree) Transition(index uint64, at time.Time) (*LeafTransition, error) {
	if err := t.checkNode(0, index); err != nil {
		return nil, err
	}
	before, err := t.Snapshot(at.Add(-time.Nanosecond))
	if err != nil {
		return nil, err
	}
	defer before.Release()
	after, err := t.Snapshot(at)
	if err != nil {
		return nil, err
	}
	defer after.Release()

	tr := &LeafTransition{Index: index}
	if tr.Witness, err = before.Witness(index); err != nil {
		return nil, err
	}
	if tr.LeafOld, err = before.Leaf(index); err != nil {
		return nil, err
	}
	if tr.RootOld, err = before.Root(); err != nil {
		return nil, err
	}
	if tr.LeafNew, err = after.Leaf(index); err != nil {
		return nil, err
	}
	if tr.RootNew, err = after.Root(); err != nil {
		return nil, err
	}
	return tr, nil
}
