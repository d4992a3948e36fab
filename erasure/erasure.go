// Package erasure wraps github.com/klauspost/reedsolomon to provide the
// (f+1) data + 2f parity shard scheme spec.md §4.2 requires for CT-RBC,
// matching the original source's reed_solomon_erasure::galois_8::ReedSolomon
// (original_source/consensus/ct_rbc/src/node/erasure.rs) one-to-one: same
// data/parity shard counts, same zero-padding of the final data shard.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Split encodes payload into (f+1) data shards and 2f parity shards, for a
// total of 3f+1 shards (one per replica in an n=3f+1 cluster). The final
// data shard is zero-padded to match the others, mirroring get_shards in
// the original source.
func Split(payload []byte, f int) ([][]byte, error) {
	dataShards := f + 1
	parityShards := 2 * f
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}

	shardSize := (len(payload) / dataShards) + 1
	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards; i++ {
		shard := make([]byte, shardSize)
		start := i * shardSize
		for x := 0; x < shardSize; x++ {
			if start+x < len(payload) {
				shard[x] = payload[start+x]
			}
		}
		shards[i] = shard
	}
	for i := dataShards; i < dataShards+parityShards; i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// Reconstruct recovers the original payload from a sparse set of shards
// (nil entries for missing shards), given the same (f+1, 2f) scheme used
// in Split. Returns an error wrapping the reedsolomon error on
// insufficient/inconsistent shards; it is not wrapped with an errkind
// sentinel (callers treat it as spec.md §7 DecodeError — drop and retry
// with more shards later).
func Reconstruct(shards [][]byte, f int, origLen int) ([]byte, error) {
	dataShards := f + 1
	parityShards := 2 * f
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}

	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}

	out := make([]byte, 0, origLen)
	for i := 0; i < dataShards && len(out) < origLen; i++ {
		out = append(out, work[i]...)
	}
	if len(out) > origLen {
		out = out[:origLen]
	}
	return out, nil
}

// ReconstructShards fills in missing shards in place without trimming to
// a payload length — used when L1 only needs the verified shard set (e.g.
// to rebuild the Merkle tree over all shards and check the root), not the
// decoded payload itself.
func ReconstructShards(shards [][]byte, f int) ([][]byte, error) {
	dataShards := f + 1
	parityShards := 2 * f
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}
	return work, nil
}
