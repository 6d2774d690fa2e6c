package proofdb

import "hash"
import "encoding/hex"

import "golang.org/x/crypto/blake2s"
import "golang.org/x/xerrors"

const (
	leafNODE  byte = 0x00
	innerNODE byte = 0x01
)

// Hash is a node hash, leaves are supplied by the caller, inner nodes are computed.
type Hash [HASHSIZE]byte

var zerosHash Hash // empty leaves have this hash

func hasher() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// Sum hashes arbitrary bytes, it can be used to derive leaf hashes from documents
func Sum(data []byte) Hash {
	return blake2s.Sum256(data)
}

// hashPair computes the parent of two siblings
func hashPair(left, right Hash) (h Hash) {
	var buf [2*HASHSIZE_BYTES + 1]byte
	buf[0] = innerNODE
	copy(buf[1:], left[:])
	copy(buf[1+HASHSIZE_BYTES:], right[:])
	return blake2s.Sum256(buf[:])
}

// emptyHashes returns the root hash of an empty subtree for every level,
// level 0 is an empty leaf and level height-1 is the root of an empty tree
func emptyHashes(height uint8) []Hash {
	hashes := make([]Hash, height)
	hashes[0] = zerosHash
	for i := 1; i < int(height); i++ {
		hashes[i] = hashPair(hashes[i-1], hashes[i-1])
	}
	return hashes
}

// EmptyRoot is the root of a tree of given height where no leaf has been written
func EmptyRoot(height uint8) Hash {
	if height < MIN_HEIGHT || height > MAX_HEIGHT {
		return zerosHash
	}
	return emptyHashes(height)[height-1]
}

func (h Hash) IsZero() bool {
	return h == zerosHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HASHSIZE {
		return xerrors.Errorf("invalid hash length %d", len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// HashFromBytes copies upto HASHSIZE bytes into a hash
func HashFromBytes(b []byte) (h Hash) {
	copy(h[:], b)
	return
}
