package main

import "context"
import "fmt"
import "math/rand"
import "os"
import "os/signal"
import "path/filepath"
import "runtime/pprof"
import "strings"
import "time"

import "github.com/prometheus/client_golang/prometheus"
import "github.com/rs/zerolog"
import "github.com/urfave/cli/v2"
import "golang.org/x/xerrors"

import "github.com/proofdb/proofdb"

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "yaml configuration file, defaults are used when empty",
	}
	databasesFlag = &cli.IntFlag{
		Name:  "databases",
		Usage: "number of logical databases mutated concurrently",
		Value: 4,
	}
	mutationsFlag = &cli.IntFlag{
		Name:  "mutations",
		Usage: "mutations enqueued per database",
		Value: 1000,
	}
	heightFlag = &cli.UintFlag{
		Name:  "height",
		Usage: "merkle tree height of every database",
		Value: 16,
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "mutation workers, 0 keeps the configured count",
	}
	memoryFlag = &cli.BoolFlag{
		Name:  "memory",
		Usage: "use the memory backend (use --memory=false for disk based tests)",
		Value: true,
	}
	directoryFlag = &cli.StringFlag{
		Name:  "db_directory",
		Usage: "disk clusters will be created in this path, it is cleared on exit",
		Value: os.TempDir(),
	}
	setFlag = &cli.StringSliceFlag{
		Name:  "set",
		Usage: "override a configuration value, eg. --set queue.lease_timeout=30s",
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "seed of the pseudorandom mutations",
		Value: 1,
	}
	cpuprofileFlag = &cli.StringFlag{
		Name:  "cpuprofile",
		Usage: "write cpu profile to `file`",
	}
	prettyFlag = &cli.BoolFlag{
		Name:  "pretty",
		Usage: "human readable logs",
		Value: true,
	}
)

func main() {
	app := &cli.App{
		Name:  "stress",
		Usage: "proofdb stress tester, enqueues random leaf writes and verifies the resulting transition logs",
		Flags: []cli.Flag{
			configFlag, databasesFlag, mutationsFlag, heightFlag, workersFlag,
			memoryFlag, directoryFlag, setFlag, seedFlag, cpuprofileFlag, prettyFlag,
		},
		Action: stress,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (cfg proofdb.Config, err error) {
	cfg = proofdb.DefaultConfig()
	if fname := c.String(configFlag.Name); fname != "" {
		if cfg, err = proofdb.LoadConfig(fname); err != nil {
			return
		}
	}
	for _, setting := range c.StringSlice(setFlag.Name) {
		key, value, ok := strings.Cut(setting, "=")
		if !ok {
			return cfg, xerrors.Errorf("setting %q is not key=value", setting)
		}
		if err = cfg.Set(key, value); err != nil {
			return cfg, xerrors.Errorf("setting %s: %w", key, err)
		}
	}
	if !c.Bool(memoryFlag.Name) {
		dir := filepath.Join(c.String(directoryFlag.Name), "proofdb_stress_db")
		cfg.Operational = proofdb.StoreConfig{Engine: proofdb.EngineDisk, Path: filepath.Join(dir, "operational")}
		cfg.Artifact = proofdb.StoreConfig{Engine: proofdb.EngineDisk, Path: filepath.Join(dir, "artifact")}
	}
	if n := c.Int(workersFlag.Name); n > 0 {
		cfg.Worker.Count = n
	}
	cfg.Worker.Database = ""
	cfg.Log.Pretty = c.Bool(prettyFlag.Name)
	return cfg, cfg.Validate()
}

func stress(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := proofdb.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Info().Msg("proofdb stress tester")

	if fname := c.String(cpuprofileFlag.Name); fname != "" {
		f, err := os.Create(fname)
		if err != nil {
			return xerrors.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return xerrors.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	if cfg.Operational.Engine == proofdb.EngineDisk {
		dir := filepath.Dir(cfg.Operational.Path)
		log.Info().Str("db_directory", dir).Msg("using disk backend")
		defer os.RemoveAll(dir)
	} else {
		log.Info().Msg("using memory backend")
	}

	db, err := proofdb.Open(cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer db.Close()

	names := make([]string, c.Int(databasesFlag.Name))
	for i := range names {
		names[i] = fmt.Sprintf("stress_%d", i)
		if _, err := db.CreateTree(names[i], uint8(c.Uint(heightFlag.Name))); err != nil {
			return err
		}
	}

	start := time.Now()
	expected, err := enqueue(db, names, c.Int(mutationsFlag.Name), rand.New(rand.NewSource(c.Int64(seedFlag.Name))))
	if err != nil {
		return err
	}
	log.Info().Int("databases", len(names)).Int("mutations", c.Int(mutationsFlag.Name)).Dur("took", time.Since(start)).Msg("enqueued")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	start = time.Now()
	if err = drain(ctx, db, log); err != nil {
		return err
	}
	log.Info().Dur("took", time.Since(start)).Msg("queue drained")

	for _, name := range names {
		if err = verify(db, name, c.Int(mutationsFlag.Name), expected[name]); err != nil {
			return xerrors.Errorf("database %s: %w", name, err)
		}
		log.Info().Str("database", name).Msg("verified")
	}
	return nil
}

// enqueue writes random leaves round robin over the databases and returns the expected final leaves
func enqueue(db *proofdb.DB, names []string, mutations int, rnd *rand.Rand) (map[string]map[uint64]proofdb.Hash, error) {
	expected := map[string]map[uint64]proofdb.Hash{}
	trees := map[string]*proofdb.Tree{}
	for _, name := range names {
		tree, err := db.Trees().Tree(name)
		if err != nil {
			return nil, err
		}
		trees[name] = tree
		expected[name] = map[uint64]proofdb.Hash{}
	}

	for i := 0; i < mutations; i++ {
		for _, name := range names {
			var leaf proofdb.Hash
			rnd.Read(leaf[:])
			index := uint64(rnd.Int63()) % trees[name].LeafCount()
			if _, err := db.Mutate(name, proofdb.MutationPayload{MerkleIndex: index, UpdatedLeafHash: leaf}); err != nil {
				return nil, err
			}
			expected[name][index] = leaf
		}
	}
	return expected, nil
}

func pending(db *proofdb.DB) (int, error) {
	total := 0
	for _, kind := range []string{proofdb.KindMutation, proofdb.KindRollup} {
		for _, status := range []proofdb.TaskStatus{proofdb.TaskQueued, proofdb.TaskExecuting} {
			n, err := db.Queue().Count(kind, status)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}

// drain runs the configured pool until no task is queued or executing
func drain(ctx context.Context, db *proofdb.DB, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- db.NewWorkerPool().Run(ctx) }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			cancel()
			if err == nil {
				err = ctx.Err()
			}
			return err
		case <-ticker.C:
			n, err := pending(db)
			if err != nil {
				cancel()
				<-done
				return err
			}
			log.Debug().Int("pending", n).Msg("progress")
			if n == 0 {
				cancel()
				return <-done
			}
		}
	}
}

// verify walks the transition log, every record must prove both roots and chain onto its predecessor
func verify(db *proofdb.DB, name string, mutations int, expected map[uint64]proofdb.Hash) error {
	failed, err := db.Queue().Tasks(name, proofdb.KindMutation, proofdb.TaskFailed)
	if err != nil {
		return err
	}
	if len(failed) != 0 {
		return xerrors.Errorf("%d failed mutations, first %s: %s", len(failed), failed[0].ID, failed[0].Error)
	}

	last, err := db.Transitions().Last(name)
	if err != nil {
		return err
	}
	if last != int64(mutations)-1 {
		return xerrors.Errorf("%w: last operation %d, expected %d", proofdb.ErrIncomplete, last, mutations-1)
	}

	tree, err := db.Trees().Tree(name)
	if err != nil {
		return err
	}
	root := proofdb.EmptyRoot(tree.Height())
	err = db.Transitions().Iterate(name, 0, func(rec *proofdb.TransitionRecord) (bool, error) {
		if !rec.Verify() {
			return false, xerrors.Errorf("operation %d does not verify", rec.OperationNumber)
		}
		if rec.MerkleRootOld != root {
			return false, xerrors.Errorf("operation %d does not chain", rec.OperationNumber)
		}
		root = rec.MerkleRootNew
		return true, nil
	})
	if err != nil {
		return err
	}

	snap, err := tree.Snapshot(time.Time{})
	if err != nil {
		return err
	}
	defer snap.Release()
	current, err := snap.Root()
	if err != nil {
		return err
	}
	if current != root {
		return xerrors.Errorf("tree root %s differs from the log %s", current, root)
	}
	for index, leaf := range expected {
		w, err := snap.Witness(index)
		if err != nil {
			return err
		}
		if !proofdb.Verify(w, leaf, current) {
			return xerrors.Errorf("leaf %d does not prove", index)
		}
	}

	if db.Config().Rollup.Enabled {
		st, err := db.Rollups().Get(name)
		if err != nil {
			return err
		}
		if st.LastConsumed != last {
			return xerrors.Errorf("rollup consumed %d of %d", st.LastConsumed, last)
		}
	}
	return nil
}
