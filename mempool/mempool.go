// Package mempool defines the batch-supplying collaborator DAG vertex
// creation pulls from (spec.md §4.11): the real transaction pool/network
// receiver is an external system out of scope per spec.md §1, but
// package node needs a concrete Source to build vertex payloads against.
//
// Grounded in original_source/consensus/dag_rider/src/node/mempool/mempool.rs:
// the original Mempool is itself a near-empty stub around a
// LinkedHashSet<Vec<u8>> transaction pool with the actual network
// receiver/processor commented out — this package keeps that "stub with
// FIFO ordering" shape rather than inventing transaction validation that
// neither the spec nor the original implements.
package mempool

import "sync"

// Source supplies batches of opaque transaction payloads for a DAG
// vertex. NextBatch must never block: if fewer than max transactions are
// queued, it returns what it has (including zero).
type Source interface {
	NextBatch(max int) [][]byte
}

// FIFO is an in-memory, insertion-ordered Source, used by the demo CLI
// and tests in place of the external network-fed mempool the original
// spawns over a TCP client listener (original_source's
// Mempool.tx_net_batch/tx_client channels).
type FIFO struct {
	mu  sync.Mutex
	txs [][]byte
}

// NewFIFO returns an empty FIFO mempool.
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Submit enqueues one transaction payload, matching the original's
// LinkedHashSet insertion (dedup is left to the caller; this stub, like
// the original's commented-out processor, does not validate contents).
func (f *FIFO) Submit(tx []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
}

// NextBatch dequeues up to max transactions in FIFO order.
func (f *FIFO) NextBatch(max int) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max <= 0 || len(f.txs) == 0 {
		return nil
	}
	if max > len(f.txs) {
		max = len(f.txs)
	}
	batch := make([][]byte, max)
	copy(batch, f.txs[:max])
	f.txs = f.txs[max:]
	return batch
}

// Len reports how many transactions are currently queued.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}
