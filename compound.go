package proofdb

import "context"
import "fmt"

import "github.com/rs/zerolog"
import "golang.org/x/xerrors"

// PartialCommitError is returned when the operational session committed and the artifact session did not.
// The artifact writes are lost and must be rebuilt by reconciliation.
type PartialCommitError struct {
	Labels []string // context attached to the sessions, alternating key, value
	Err    error    // the artifact commit failure
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s %v: %v", ErrPartialCommit, e.Labels, e.Err)
}

func (e *PartialCommitError) Unwrap() error {
	return e.Err
}

func (e *PartialCommitError) Is(target error) bool {
	return target == ErrPartialCommit
}

// Coordinator runs units of work spanning the operational and the artifact cluster.
// The two commits are sequential, operational first: the operational side is the record of what happened,
// the artifact side can be replayed from it.
type Coordinator struct {
	operational *Store
	artifact    *Store
	metrics     *Metrics
	log         zerolog.Logger
}

func NewCoordinator(operational, artifact *Store, metrics *Metrics, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		operational: operational,
		artifact:    artifact,
		metrics:     metrics,
		log:         log.With().Str("component", "compound").Logger(),
	}
}

// Run invokes fn with a session on each cluster and commits both if fn succeeds.
// If fn or the operational commit fails, nothing is committed. If the artifact commit fails,
// the result is a *PartialCommitError. Both sessions are always ended.
func (c *Coordinator) Run(ctx context.Context, fn func(op, art *Session) error) error {
	_, err := RunCompound(ctx, c, func(op, art *Session) (struct{}, error) {
		return struct{}{}, fn(op, art)
	})
	return err
}

// RunCompound is Run for units of work producing a value
func RunCompound[T any](ctx context.Context, c *Coordinator, fn func(op, art *Session) (T, error)) (result T, err error) {
	var zero T
	if err = ctx.Err(); err != nil {
		return zero, err
	}

	op, err := c.operational.Begin()
	if err != nil {
		return zero, err
	}
	defer op.End()

	art, err := c.artifact.Begin()
	if err != nil {
		return zero, err
	}
	defer art.End()

	// a panic leaves both sessions uncommitted, the deferred End calls discard them

	if result, err = fn(op, art); err != nil {
		op.Abort()
		art.Abort()
		c.metrics.compound("aborted")
		return zero, err
	}

	if err = op.Commit(); err != nil {
		art.Abort()
		c.metrics.compound("aborted")
		return zero, err
	}

	if err = art.Commit(); err != nil {
		labels := append(op.Labels(), art.Labels()...)
		c.metrics.compound("partial")
		c.log.Error().Err(err).Strs("labels", labels).Msg("Partial commit, operational cluster committed, artifact cluster did not")
		return result, &PartialCommitError{Labels: labels, Err: err}
	}

	c.metrics.compound("committed")
	return result, nil
}

// IsPartialCommit reports whether err carries a partial commit
func IsPartialCommit(err error) bool {
	return xerrors.Is(err, ErrPartialCommit)
}
