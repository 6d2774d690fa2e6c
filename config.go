package proofdb

import "os"
import "strings"
import "time"

import "github.com/mitchellh/mapstructure"
import "golang.org/x/xerrors"
import "gopkg.in/yaml.v3"

const (
	EngineMemory = "memory"
	EngineDisk   = "disk"
)

// StoreConfig holds one cluster's storage configuration
type StoreConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

// TreeConfig holds merkle tree configuration
type TreeConfig struct {
	DefaultHeight uint8 `mapstructure:"default_height"`
	RegistrySize  int   `mapstructure:"registry_size"`
}

// QueueConfig holds task queue configuration
type QueueConfig struct {
	// LeaseTimeout > 0 lets AcquireNext reclaim Executing tasks whose lease expired,
	// zero keeps claimed tasks Executing until their worker completes or releases them.
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

// BackoffConfig holds idle polling configuration
type BackoffConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// WorkerConfig holds mutation worker configuration
type WorkerConfig struct {
	Count    int    `mapstructure:"count"`
	Database string `mapstructure:"database"` // empty serves every database
}

// RollupConfig holds rollup consumer configuration
type RollupConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxBatch int  `mapstructure:"max_batch"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config aggregates configuration for all components
type Config struct {
	Operational StoreConfig   `mapstructure:"operational"`
	Artifact    StoreConfig   `mapstructure:"artifact"`
	Tree        TreeConfig    `mapstructure:"tree"`
	Queue       QueueConfig   `mapstructure:"queue"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
	Worker      WorkerConfig  `mapstructure:"worker"`
	Rollup      RollupConfig  `mapstructure:"rollup"`
	Log         LogConfig     `mapstructure:"log"`
}

func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{Engine: EngineMemory, Path: path}
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{DefaultHeight: 12, RegistrySize: defaultRegistrySize}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{}
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Count: 4}
}

func DefaultRollupConfig() RollupConfig {
	return RollupConfig{Enabled: true, MaxBatch: 64}
}

// DefaultConfig returns an in memory setup suitable for tests and local runs
func DefaultConfig() Config {
	return Config{
		Operational: DefaultStoreConfig("./data/operational"),
		Artifact:    DefaultStoreConfig("./data/artifact"),
		Tree:        DefaultTreeConfig(),
		Queue:       DefaultQueueConfig(),
		Backoff:     DefaultBackoffConfig(),
		Worker:      DefaultWorkerConfig(),
		Rollup:      DefaultRollupConfig(),
		Log:         LogConfig{Level: "info"},
	}
}

// LoadConfig reads a yaml file on top of the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("%w: reading config %s", err, path)
	}
	var settings map[string]interface{}
	if err = yaml.Unmarshal(buf, &settings); err != nil {
		return cfg, xerrors.Errorf("%w: parsing config %s", err, path)
	}
	if err = cfg.Apply(settings); err != nil {
		return cfg, xerrors.Errorf("%w: config %s", err, path)
	}
	return cfg, cfg.Validate()
}

// Apply decodes settings, nested maps keyed like the mapstructure tags, on top of c.
// Values are converted weakly ("8" is a valid count), durations parse as "30s". Unknown keys are an error.
func (c *Config) Apply(settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

// Set applies a single dotted setting, eg. "queue.lease_timeout" = "30s"
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")
	settings := map[string]interface{}{}
	m := settings
	for _, part := range parts[:len(parts)-1] {
		next := map[string]interface{}{}
		m[part] = next
		m = next
	}
	m[parts[len(parts)-1]] = value
	return c.Apply(settings)
}

func (s StoreConfig) validate(name string) error {
	switch s.Engine {
	case EngineMemory:
	case EngineDisk:
		if s.Path == "" {
			return xerrors.Errorf("%s: disk engine requires a path", name)
		}
	default:
		return xerrors.Errorf("%s: unknown storage engine %q", name, s.Engine)
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Operational.validate("operational"); err != nil {
		return err
	}
	if err := c.Artifact.validate("artifact"); err != nil {
		return err
	}
	if c.Operational.Engine == EngineDisk && c.Operational.Path == c.Artifact.Path {
		return xerrors.Errorf("operational and artifact clusters cannot share path %s", c.Operational.Path)
	}
	if c.Tree.DefaultHeight < MIN_HEIGHT || c.Tree.DefaultHeight > MAX_HEIGHT {
		return xerrors.Errorf("%w: default height %d", ErrInvalidHeight, c.Tree.DefaultHeight)
	}
	if c.Queue.LeaseTimeout < 0 {
		return xerrors.Errorf("queue lease timeout cannot be negative")
	}
	if c.Backoff.InitialInterval <= 0 || c.Backoff.MaxInterval < c.Backoff.InitialInterval {
		return xerrors.Errorf("backoff intervals must satisfy 0 < initial <= max")
	}
	if c.Backoff.Multiplier < 1 {
		return xerrors.Errorf("backoff multiplier must be >= 1")
	}
	if c.Backoff.RandomizationFactor < 0 || c.Backoff.RandomizationFactor > 1 {
		return xerrors.Errorf("backoff randomization factor must be in [0, 1]")
	}
	if c.Worker.Count < 0 {
		return xerrors.Errorf("worker count cannot be negative")
	}
	if c.Worker.Database != "" {
		if err := checkName(c.Worker.Database, DB_NAME_LIMIT); err != nil {
			return err
		}
	}
	if c.Rollup.MaxBatch < 1 {
		return xerrors.Errorf("rollup max batch must be >= 1")
	}
	return nil
}
