/*
Package proofdb is a merkle indexed document store core.

Every logical database owns a fixed height binary merkle tree, so the presence and value of any
document can be proven against a single root hash. Mutations are not applied by the caller, they are
queued and executed asynchronously by workers which compute the root transition of every mutation and
feed it to a proof pipeline.

	proofdb provides
		1) a temporal merkle tree store, nodes are append only and any past state can be read back
		2) an ordered task queue with exactly once dispatch and strict FIFO per (database, kind)
		3) a compound transaction spanning two independent clusters, with explicit partial commits
		4) a gap free transition log, the stream a recursive prover extends one step at a time
		5) rollup progress tracking and reconciliation of lost transition records


	Features

		* Authenticated trees ( every node is a blake2s 256 bit hash of its children )
		* Point in time reads, witnesses never mix two tree states
		* Linear time diff between two states of a tree
		* Leases on executing tasks ( optional )
		* Memory and disk ( leveldb ) backed clusters
		* Prometheus metrics, zerolog logging, yaml configuration


Eg. Minimal code, to index a document and prove it (error checking is skipped)
	db, _ := proofdb.Open(proofdb.DefaultConfig(), zerolog.Nop(), nil)
	db.CreateTree("users", 12)
	db.Mutate("users", proofdb.MutationPayload{MerkleIndex: 5, UpdatedLeafHash: proofdb.Sum([]byte("alice"))})
	db.NewWorker("").ProcessNext(context.Background())
	tree, _ := db.Trees().Tree("users")
	snap, _ := tree.Snapshot(time.Time{})
	leaf, witness, root, _ := snap.Prove(5)
	proofdb.Verify(witness, leaf, root) // true


Eg, Snapshots, see github.com/proofdb/proofdb/examples/snapshot_example/snapshot_example.go


Two clusters are used. The operational cluster holds trees, tasks and counters, it is the record of
what happened. The artifact cluster holds transition records and rollup state, everything in it can be
rebuilt from the operational cluster.

*/
package proofdb
