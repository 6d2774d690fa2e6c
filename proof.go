package proofdb

import "fmt"
import "bytes"
import "encoding/binary"

const witnessVersion byte = 1

// WitnessNode is one step of a witness. IsLeft reports whether the node being proven
// sits on the left at this level, in which case Hash is its right sibling.
type WitnessNode struct {
	Hash   Hash `json:"hash"`
	IsLeft bool `json:"isLeft"`
}

// Witness is the list of siblings from the leaf level upto just below the root.
// A witness with the leaf hash recomputes the root, the root itself is not part of the structure
// and must be available to the verifier separately.
type Witness []WitnessNode

// CalculateRoot folds the leaf through all siblings
func (w Witness) CalculateRoot(leaf Hash) Hash {
	rst := leaf
	for _, n := range w {
		if n.IsLeft {
			rst = hashPair(rst, n.Hash)
		} else {
			rst = hashPair(n.Hash, rst)
		}
	}
	return rst
}

// CalculateIndex recovers the leaf index the witness was generated for
func (w Witness) CalculateIndex() uint64 {
	var index uint64
	for i, n := range w {
		if !n.IsLeft {
			index |= 1 << uint(i)
		}
	}
	return index
}

// Height of the tree the witness belongs to
func (w Witness) Height() int {
	return len(w) + 1
}

// Verify checks that leaf is present in the tree with given root
func Verify(w Witness, leaf, root Hash) bool {
	return len(w) > 0 && w.CalculateRoot(leaf) == root
}

// Serialize the witness to a byte array
func (w Witness) Marshal() []byte {
	var b bytes.Buffer
	w.MarshalTo(&b)
	return b.Bytes()
}

// Serialize the witness to a bytes Buffer
// 		1 byte for version
// 		varint witness length
// 		(length+7)/8 bytes of direction bits, bit set if the node is on the left
// 		32 byte(HASHSIZE) * length sibling hashes
func (w Witness) MarshalTo(b *bytes.Buffer) {
	var buf [10]byte
	b.WriteByte(witnessVersion)

	done := binary.PutUvarint(buf[:], uint64(len(w)))
	b.Write(buf[:done])

	bits := make([]byte, (len(w)+7)/8)
	for i := range w {
		if w[i].IsLeft {
			setBit(bits, uint(i))
		}
	}
	b.Write(bits)

	for i := range w {
		b.Write(w[i].Hash[:])
	}
}

// Unmarshal follows reverse of marshal to deserialize the array of bytes to a witness.
func (w *Witness) Unmarshal(buf []byte) error {
	if len(buf) < 2 {
		return fmt.Errorf("invalid witness, too short")
	}
	if buf[0] != witnessVersion {
		return fmt.Errorf("unknown witness version %d", buf[0])
	}
	length, lengthsize := binary.Uvarint(buf[1:])
	if lengthsize <= 0 || length < 1 || length >= MAX_HEIGHT {
		return fmt.Errorf("invalid witness length")
	}
	done := 1 + lengthsize
	bitslen := (int(length) + 7) / 8
	if len(buf) != done+bitslen+int(length)*HASHSIZE {
		return fmt.Errorf("invalid witness, expected %d bytes got %d", done+bitslen+int(length)*HASHSIZE, len(buf))
	}
	bits := buf[done : done+bitslen]
	done += bitslen

	out := make(Witness, length)
	for i := range out {
		out[i].IsLeft = isBitSet(bits, uint(i))
		copy(out[i].Hash[:], buf[done:done+HASHSIZE])
		done += HASHSIZE
	}
	*w = out
	return nil
}

// these will enable processing of all bits collective from MSB to LSB
func setBit(bits []byte, index uint) {
	pos, bit := index/8, index%8
	bits[pos] = (bits[pos] | (1 << (8 - (bit + 1))))
}

func isBitSet(bits []byte, index uint) bool {
	pos, bit := index/8, index%8
	return (bits[pos] & (1 << (8 - (bit + 1)))) > 0
}
