package proofdb

import "errors"

const (
	HASHSIZE_BYTES  = 32 // blake2s, 256 bits
	HASHSIZE        = HASHSIZE_BYTES
	MIN_HEIGHT      = 2                  // a root and two leaves
	MAX_HEIGHT      = 64                 // leaf indices must fit an uint64
	DB_NAME_LIMIT   = 127                // database names cannot be larger than this in bytes
	KIND_NAME_LIMIT = 63                 // queue kinds cannot be larger than this in bytes
	MAX_PAYLOAD     = 4 * 1024 * 1024    // payloads are limited to this size
	MAX_RANGE       = 1 << 16            // max records returned by a single Range call
	noOperation     = int64(-1)          // last operation number of an empty log
)

// queue kinds used by the core
const (
	KindMutation = "mutation"
	KindRollup   = "rollup"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrTreeNotFound      = errors.New("merkle tree not found")
	ErrTreeExists        = errors.New("merkle tree already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidName       = errors.New("invalid name")
	ErrInvalidHeight     = errors.New("invalid tree height")
	ErrOutOfRange        = errors.New("leaf index out of range")
	ErrSessionRequired   = errors.New("transaction session required")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrClaimLost         = errors.New("task claimed by another worker")
	ErrSequenceGap       = errors.New("transition log sequence gap")
	ErrPartialCommit     = errors.New("partial commit: operational committed, artifact not")
	ErrIncomplete        = errors.New("transition records incomplete")
	ErrClosed            = errors.New("store is closed")
)
