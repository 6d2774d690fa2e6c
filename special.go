package proofdb

// this file contains some functions ( to extend read-only api). these apis are used by the query layer
// to answer "is this document proven present" without knowing the leaf layout.

// DocumentKey is the hash identifying a document across collections
func DocumentKey(collection, documentID string) Hash {
	h := hasher()
	h.Write([]byte(collection))
	h.Write([]byte{sep})
	h.Write([]byte(documentID))
	var key Hash
	copy(key[:], h.Sum(nil))
	return key
}

// DocumentHash is the leaf hash committing to a document body
func DocumentHash(collection, documentID string, body []byte) Hash {
	key := DocumentKey(collection, documentID)
	h := hasher()
	h.Write([]byte{leafNODE})
	h.Write(key[:])
	h.Write(body)
	var leaf Hash
	copy(leaf[:], h.Sum(nil))
	return leaf
}

// LeafIndex maps a document to a leaf, the leading bits of its key select the index.
// Two documents may share a leaf, callers which cannot tolerate it must allocate indices themselves.
func (t *Tree) LeafIndex(collection, documentID string) uint64 {
	key := DocumentKey(collection, documentID)
	return decodeUint64(key[:8]) >> (64 - uint(t.height-1))
}

// ProveDocument proves the current leaf of a document together with the body it should commit to
func (s *Snapshot) ProveDocument(collection, documentID string, body []byte) (ok bool, w Witness, root Hash, err error) {
	index := s.tree.LeafIndex(collection, documentID)
	var leaf Hash
	if leaf, w, root, err = s.Prove(index); err != nil {
		return
	}
	return leaf == DocumentHash(collection, documentID, body) && Verify(w, leaf, root), w, root, nil
}
