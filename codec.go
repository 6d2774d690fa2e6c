package proofdb

import "encoding/binary"
import "time"

import jsoniter "github.com/json-iterator/go"
import "golang.org/x/xerrors"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// key prefixes, every collection lives in its own prefix of a cluster
var (
	prefixTreeMeta   = []byte("m/")  // operational: tree metadata per database
	prefixNode       = []byte("n/")  // operational: append only merkle nodes
	prefixTask       = []byte("qt/") // operational: task documents by id
	prefixTaskSeq    = []byte("qs/") // operational: (kind, db, seq) -> id, uniqueness
	prefixCounter    = []byte("qc/") // operational: next sequence number per (kind, db)
	prefixReady      = []byte("qr/") // operational: queued tasks by (kind, stamp)
	prefixReadyDB    = []byte("qd/") // operational: queued tasks by (kind, db, seq)
	prefixLease      = []byte("ql/") // operational: executing tasks by (kind, lease expiry)
	prefixDone       = []byte("qo/") // operational: finished tasks by (kind, db, seq)
	keyClock         = []byte("qk")  // operational: logical clock
	prefixTransition = []byte("tl/") // artifact: transition records by (db, op)
	prefixTransLast  = []byte("tx/") // artifact: last operation number per db
	prefixRollup     = []byte("rs/") // artifact: rollup state per db
)

const sep = 0x00

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// makeKey concatenates parts, strings are followed by a separator so prefixes never collide
func makeKey(prefix []byte, parts ...interface{}) []byte {
	k := append([]byte{}, prefix...)
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			k = append(k, v...)
			k = append(k, sep)
		case uint64:
			k = append(k, encodeUint64(v)...)
		case uint8:
			k = append(k, v)
		case []byte:
			k = append(k, v...)
		default:
			panic("unknown key part")
		}
	}
	return k
}

// stamps are unix nanoseconds, zero time means "now" which resolves to the newest record
func stampOf(t time.Time) uint64 {
	if t.IsZero() {
		return ^uint64(0)
	}
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func timeOf(stamp uint64) time.Time {
	return time.Unix(0, int64(stamp)).UTC()
}

// names end up inside keys, thus they cannot carry the separator
func checkName(name string, limit int) error {
	if len(name) == 0 {
		return xerrors.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > limit {
		return xerrors.Errorf("%w: %q is larger than the allowed limit of %d bytes", ErrInvalidName, name, limit)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == sep {
			return xerrors.Errorf("%w: %q contains a NUL byte", ErrInvalidName, name)
		}
	}
	return nil
}

func encodeDoc(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeDoc(buf []byte, v interface{}) error {
	if err := json.Unmarshal(buf, v); err != nil {
		return xerrors.Errorf("%w: corrupted document", err)
	}
	return nil
}
