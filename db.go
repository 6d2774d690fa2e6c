package proofdb

import "github.com/prometheus/client_golang/prometheus"
import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

// DB wires the operational and the artifact cluster with every component working on them
type DB struct {
	cfg Config
	log zerolog.Logger

	operational *Store
	artifact    *Store

	registry    *Registry
	metrics     *Metrics
	trees       *MerkleStore
	queue       *Queue
	transitions *TransitionLog
	rollups     *RollupTracker
	coordinator *Coordinator
	reconciler  *Reconciler
}

// Open opens both clusters described by cfg, reg may be nil to skip metric registration
func Open(cfg Config, log zerolog.Logger, reg prometheus.Registerer) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	operational, err := OpenStore("operational", cfg.Operational, log)
	if err != nil {
		return nil, err
	}
	artifact, err := OpenStore("artifact", cfg.Artifact, log)
	if err != nil {
		operational.Close()
		return nil, err
	}
	registry, err := NewRegistry(cfg.Tree.RegistrySize)
	if err != nil {
		operational.Close()
		artifact.Close()
		return nil, err
	}

	d := &DB{cfg: cfg, log: log, operational: operational, artifact: artifact, registry: registry, metrics: NewMetrics(reg)}
	d.trees = NewMerkleStore(operational, registry, d.metrics, log)
	d.queue = NewQueue(operational, cfg.Queue, d.metrics, log)
	d.transitions = NewTransitionLog(artifact, d.metrics, log)
	d.rollups = NewRollupTracker(artifact, d.metrics, log)
	d.coordinator = NewCoordinator(operational, artifact, d.metrics, log)
	d.reconciler = NewReconciler(d.queue, d.trees, d.transitions, artifact, d.metrics, log)
	return d, nil
}

func (d *DB) Config() Config              { return d.cfg }
func (d *DB) Operational() *Store         { return d.operational }
func (d *DB) Artifact() *Store            { return d.artifact }
func (d *DB) Metrics() *Metrics           { return d.metrics }
func (d *DB) Trees() *MerkleStore         { return d.trees }
func (d *DB) Queue() *Queue               { return d.queue }
func (d *DB) Transitions() *TransitionLog { return d.transitions }
func (d *DB) Rollups() *RollupTracker     { return d.rollups }
func (d *DB) Coordinator() *Coordinator   { return d.coordinator }
func (d *DB) Reconciler() *Reconciler     { return d.reconciler }

// CreateTree creates the tree of db, height 0 selects the configured default height
func (d *DB) CreateTree(db string, height uint8) (tree *Tree, err error) {
	if height == 0 {
		height = d.cfg.Tree.DefaultHeight
	}
	err = d.operational.Update(func(sess *Session) error {
		tree, err = d.trees.CreateTree(sess, db, height)
		return err
	})
	return tree, err
}

// Mutate enqueues a leaf write in its own session and returns its operation number
func (d *DB) Mutate(db string, p MutationPayload) (seq uint64, err error) {
	err = d.operational.Update(func(sess *Session) error {
		seq, err = d.MutateIn(sess, db, p)
		return err
	})
	return seq, err
}

// MutateIn enqueues a leaf write inside the caller's session
func (d *DB) MutateIn(sess *Session, db string, p MutationPayload) (uint64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}
	if sess.Store() != d.operational {
		return 0, xerrors.Errorf("%w: mutations belong to the operational cluster", ErrSessionRequired)
	}
	tree, err := d.trees.treeIn(sess, db)
	if err != nil {
		return 0, err
	}
	if err = tree.checkNode(0, p.MerkleIndex); err != nil {
		return 0, err
	}
	return d.queue.Enqueue(sess, db, KindMutation, &p)
}

func (d *DB) newBackoff() *Backoff {
	return NewBackoff(d.cfg.Backoff)
}

// NewWorker creates a mutation worker serving database, empty serves every database
func (d *DB) NewWorker(database string) *Worker {
	return NewWorker(database, d.queue, d.trees, d.transitions, d.coordinator, d.reconciler, d.newBackoff(), d.log)
}

// NewRollupConsumer creates a rollup consumer, a nil composer selects HashChainComposer
func (d *DB) NewRollupConsumer(composer ProofComposer) *RollupConsumer {
	return NewRollupConsumer(d.cfg.Rollup, d.queue, d.transitions, d.rollups, d.coordinator, d.reconciler, composer, d.newBackoff(), d.log)
}

// NewWorkerPool creates the configured number of workers, plus a rollup consumer if enabled
func (d *DB) NewWorkerPool() *WorkerPool {
	p := NewWorkerPool()
	for i := 0; i < d.cfg.Worker.Count; i++ {
		p.Add(d.NewWorker(d.cfg.Worker.Database))
	}
	if d.cfg.Rollup.Enabled {
		p.Add(d.NewRollupConsumer(nil))
	}
	return p
}

func (d *DB) Close() error {
	err := d.operational.Close()
	if aerr := d.artifact.Close(); err == nil {
		err = aerr
	}
	d.registry.Purge()
	return err
}
