// Package rbc implements Cachin-Tessaro Reliable Broadcast (spec.md
// §4.2, L1): erasure-coded, Merkle-authenticated, 4-phase
// (INIT/ECHO/READY/RECONSTRUCT) broadcast with Bracha-style thresholds.
//
// Handlers are pure functions of (*Instance, message) -> []Outbound
// (DESIGN NOTES "Recursive handlers"): no handler calls another handler
// directly. The owning event loop (package node) applies the returned
// actions once each: ActionBroadcast messages go to every other replica,
// and ActionDeliver payloads go to the layer above. A node's own
// broadcasts are not fed back into its own instance. This replaces the
// original source's #[async_recursion] handle_X-calls-handle_Y pattern
// (original_source/consensus/ct_rbc/src/node/{echo,ready}.rs).
package rbc

import (
	"bytes"
	"fmt"

	"github.com/luxfi/dagbft/erasure"
	"github.com/luxfi/dagbft/merkletree"
	"github.com/luxfi/dagbft/metrics"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/ids"
)

// ActionKind discriminates the side effects a handler can request.
type ActionKind int

const (
	// ActionBroadcast sends Msg to every other replica.
	ActionBroadcast ActionKind = iota
	// ActionDeliver reports a terminated instance's payload to the
	// owning layer (L2/L6), exactly once per instance (spec.md §3
	// invariant: "delivered_payload... set exactly once").
	ActionDeliver
)

// Outbound is one side effect a handler wants applied.
type Outbound struct {
	Kind    ActionKind
	Msg     wire.ProtMsg // valid when Kind == ActionBroadcast
	Round   uint64       // valid when Kind == ActionDeliver
	Origin  wire.Replica // valid when Kind == ActionDeliver
	Payload []byte       // valid when Kind == ActionDeliver
}

// shardEntry pairs a shard with its authenticating Merkle proof.
type shardEntry struct {
	shard []byte
	proof merkletree.Proof
}

// Instance holds all state for one (round, origin) CT-RBC run (spec.md
// §3 "CT-RBC Instance").
type Instance struct {
	Round  uint64
	Origin wire.Replica

	n int
	f int

	haveRoot bool
	root     ids.ID

	echoSet  map[wire.Replica]shardEntry
	readySet map[wire.Replica]shardEntry
	reconSet map[wire.Replica][]byte

	// pending{Echo,Ready,Recon} buffer structurally-valid proofs received
	// before this instance's root is known from INIT, keyed by the
	// sender of the ECHO/READY/RECON (spec.md §4.2: "An instance may
	// receive ECHO/READY/RECON before INIT... record them keyed by
	// origin with proofs; when INIT arrives, verify each stored proof
	// against the now-known root; discard those that fail"). Without
	// this buffer, the first ECHO/READY/RECON to arrive would otherwise
	// latch in.root permanently, letting a Byzantine origin that
	// equivocates two different roots to two different peers (one INIT
	// reordered behind a peer's ECHO) strand an honest node that can
	// never reach its own correct root's threshold.
	pendingEcho  map[wire.Replica]shardEntry
	pendingReady map[wire.Replica]shardEntry
	pendingRecon map[wire.Replica]shardEntry

	echoSent  bool
	readySent bool
	reconSent bool

	delivered        bool
	deliveredPayload []byte
	payloadLen       int // exact payload length, set only by SetPayloadLen; 0 when unknown

	ownShard []byte
	ownProof merkletree.Proof
	haveOwn  bool
}

// NewInstance creates empty state for (round, origin) in an n-node,
// f-fault cluster.
func NewInstance(round uint64, origin wire.Replica, n, f int) *Instance {
	return &Instance{
		Round:        round,
		Origin:       origin,
		n:            n,
		f:            f,
		echoSet:      make(map[wire.Replica]shardEntry),
		readySet:     make(map[wire.Replica]shardEntry),
		reconSet:     make(map[wire.Replica][]byte),
		pendingEcho:  make(map[wire.Replica]shardEntry),
		pendingReady: make(map[wire.Replica]shardEntry),
		pendingRecon: make(map[wire.Replica]shardEntry),
	}
}

// Delivered reports whether this instance has terminated.
func (in *Instance) Delivered() (bool, []byte) {
	return in.delivered, in.deliveredPayload
}

// RootKnown reports whether the origin's Merkle root has been learned.
// Only an INIT sets the root; ECHO/READY/RECON received earlier are
// buffered and never set it.
func (in *Instance) RootKnown() (ids.ID, bool) {
	return in.root, in.haveRoot
}

func toWireProof(p merkletree.Proof) wire.MerkleProofWire {
	return wire.MerkleProofWire{
		LeafIndex: p.LeafIndex,
		Leaf:      p.Leaf,
		Siblings:  p.Siblings,
		LeftFlags: p.LeftFlags,
		Root:      p.Root,
	}
}

func fromWireProof(w wire.MerkleProofWire) merkletree.Proof {
	return merkletree.Proof{
		LeafIndex: w.LeafIndex,
		Leaf:      w.Leaf,
		Siblings:  w.Siblings,
		LeftFlags: w.LeftFlags,
		Root:      w.Root,
	}
}

// Init splits payload into 3f+1 shards, builds the Merkle tree over their
// hashes, and returns one RBCInit message to send to every peer — the
// sender feeds its own shard to HandleInit locally (spec.md §4.2
// rbc_init).
func Init(round uint64, origin wire.Replica, payload []byte, f int) (root ids.ID, initByReplica map[wire.Replica]wire.RBCInitMsg, err error) {
	shards, err := erasure.Split(payload, f)
	if err != nil {
		return ids.Empty, nil, fmt.Errorf("rbc: split: %w", err)
	}
	leaves := make([][]byte, len(shards))
	copy(leaves, shards)
	r, proofs, err := merkletree.Build(leaves)
	if err != nil {
		return ids.Empty, nil, fmt.Errorf("rbc: build merkle tree: %w", err)
	}
	out := make(map[wire.Replica]wire.RBCInitMsg, len(shards))
	for i := range shards {
		out[wire.Replica(i)] = wire.RBCInitMsg{
			Round:  round,
			Origin: origin,
			Shard:  shards[i],
			Proof:  toWireProof(proofs[i]),
		}
	}
	return r, out, nil
}

// HandleInit processes an INIT: verify the proof authenticates the
// sender's own shard against the claimed root, record the root, and
// broadcast an ECHO carrying our own shard (spec.md §4.2 step 1).
func (in *Instance) HandleInit(m wire.RBCInitMsg, myID wire.Replica, metr *metrics.RBC) []Outbound {
	proof := fromWireProof(m.Proof)
	if !merkletree.Verify(proof, m.Shard) {
		if metr != nil {
			metr.ProofFailures.Inc()
		}
		return nil // errkind.ErrProof: drop silently (spec.md §7)
	}
	firstRoot := !in.haveRoot
	if !in.haveRoot {
		in.haveRoot = true
		in.root = proof.Root
	} else if in.root != proof.Root {
		return nil // inconsistent root for an already-known instance: drop
	}
	in.ownShard = m.Shard
	in.ownProof = proof
	in.haveOwn = true

	var out []Outbound
	if !in.echoSent {
		in.echoSent = true
		echo := wire.ProtMsg{RBCEcho: &wire.RBCEchoMsg{
			CTRBCMsg: wire.CTRBCMsg{Round: in.Round, Origin: in.Origin, Shard: in.ownShard, Proof: toWireProof(in.ownProof)},
			Sender:   myID,
		}}
		out = append(out, Outbound{Kind: ActionBroadcast, Msg: echo})
	}
	if firstRoot {
		// Now that the root is authoritatively known, admit any
		// ECHO/READY/RECON buffered while it was still unknown, and run
		// the same threshold checks their normal arrival would trigger.
		out = append(out, in.promotePending(myID, metr)...)
	}
	return out
}

// promotePending re-validates every ECHO/READY/RECON proof buffered before
// this instance's root was known (spec.md §4.2), admitting the ones whose
// claimed root matches the now-known root and discarding the rest, then
// runs the same threshold checks a freshly arrived ECHO/READY/RECON would
// trigger.
func (in *Instance) promotePending(myID wire.Replica, metr *metrics.RBC) []Outbound {
	for sender, e := range in.pendingEcho {
		if e.proof.Root == in.root {
			in.echoSet[sender] = e
		}
	}
	in.pendingEcho = make(map[wire.Replica]shardEntry)

	for sender, e := range in.pendingReady {
		if e.proof.Root == in.root {
			in.readySet[sender] = e
		}
	}
	in.pendingReady = make(map[wire.Replica]shardEntry)

	for sender, e := range in.pendingRecon {
		if e.proof.Root == in.root {
			in.reconSet[sender] = e.shard
		}
	}
	in.pendingRecon = make(map[wire.Replica]shardEntry)

	var out []Outbound
	out = append(out, in.tryEchoThreshold(myID, metr)...)
	out = append(out, in.tryReadyThresholds(myID, metr)...)
	out = append(out, in.tryReconThreshold(metr)...)
	return out
}

// HandleEcho processes an ECHO. If this instance's root isn't known yet
// (INIT hasn't arrived), the proof is buffered keyed by sender rather than
// adopted as the root (spec.md §4.2). Once the root is known and n-f
// matching echoes have arrived, reconstruct, re-derive the Merkle root,
// and — if it matches — broadcast READY with our own shard (step 2).
func (in *Instance) HandleEcho(m wire.CTRBCMsg, sender, myID wire.Replica, metr *metrics.RBC) []Outbound {
	if in.delivered {
		return nil
	}
	proof := fromWireProof(m.Proof)
	if !merkletree.Verify(proof, m.Shard) {
		if metr != nil {
			metr.ProofFailures.Inc()
		}
		return nil
	}
	if !in.haveRoot {
		// Root not yet established by INIT: buffer this structurally
		// valid proof keyed by sender instead of latching onto its claimed
		// root (spec.md §4.2; see the `pendingEcho` field comment).
		in.pendingEcho[sender] = shardEntry{shard: m.Shard, proof: proof}
		return nil
	}
	if in.root != proof.Root {
		return nil
	}
	in.echoSet[sender] = shardEntry{shard: m.Shard, proof: proof}
	return in.tryEchoThreshold(myID, metr)
}

// tryEchoThreshold broadcasts READY once n-f matching echoes and our own
// INIT-derived shard are both in hand (spec.md §4.2 step 2).
func (in *Instance) tryEchoThreshold(myID wire.Replica, metr *metrics.RBC) []Outbound {
	if in.readySent || !in.haveOwn || len(in.echoSet) < in.n-in.f {
		return nil
	}
	shard, proof2, ok := in.reconstruct(in.echoSet, metr)
	if !ok {
		return nil
	}
	in.readySent = true
	ready := wire.ProtMsg{RBCReady: &wire.RBCReadyMsg{
		CTRBCMsg: wire.CTRBCMsg{Round: in.Round, Origin: in.Origin, Shard: shard, Proof: toWireProof(proof2)},
		Sender:   myID,
	}}
	return []Outbound{{Kind: ActionBroadcast, Msg: ready}}
}

// HandleReady processes a READY. If this instance's root isn't known yet,
// the proof is buffered keyed by sender rather than adopted as the root
// (spec.md §4.2). Once the root is known: amplifies at f+1 (broadcast
// READY if not yet sent), and at n-f broadcasts RECON (spec.md §4.2 step
// 3).
func (in *Instance) HandleReady(m wire.CTRBCMsg, sender, myID wire.Replica, metr *metrics.RBC) []Outbound {
	if in.delivered {
		return nil
	}
	proof := fromWireProof(m.Proof)
	if !merkletree.Verify(proof, m.Shard) {
		if metr != nil {
			metr.ProofFailures.Inc()
		}
		return nil
	}
	if !in.haveRoot {
		in.pendingReady[sender] = shardEntry{shard: m.Shard, proof: proof}
		return nil
	}
	if in.root != proof.Root {
		return nil
	}
	in.readySet[sender] = shardEntry{shard: m.Shard, proof: proof}
	return in.tryReadyThresholds(myID, metr)
}

// tryReadyThresholds amplifies READY at f+1 (if not already sent) and
// broadcasts RECON at n-f (spec.md §4.2 step 3).
func (in *Instance) tryReadyThresholds(myID wire.Replica, metr *metrics.RBC) []Outbound {
	var out []Outbound

	if !in.readySent && len(in.readySet) >= in.f+1 {
		shard, proof2, ok := in.reconstruct(in.readySet, metr)
		if ok {
			in.readySent = true
			out = append(out, Outbound{Kind: ActionBroadcast, Msg: wire.ProtMsg{RBCReady: &wire.RBCReadyMsg{
				CTRBCMsg: wire.CTRBCMsg{Round: in.Round, Origin: in.Origin, Shard: shard, Proof: toWireProof(proof2)},
				Sender:   myID,
			}}})
		}
	}

	if !in.reconSent && len(in.readySet) >= in.n-in.f {
		shard, proof2, ok := in.reconstruct(in.readySet, metr)
		if ok {
			in.reconSent = true
			out = append(out, Outbound{Kind: ActionBroadcast, Msg: wire.ProtMsg{RBCRecon: &wire.RBCReconMsg{
				CTRBCMsg: wire.CTRBCMsg{Round: in.Round, Origin: in.Origin, Shard: shard, Proof: toWireProof(proof2)},
				Sender:   myID,
			}}})
		}
	}
	return out
}

// HandleRecon processes a RECON. If this instance's root isn't known yet,
// the proof is buffered keyed by sender rather than adopted as the root
// (spec.md §4.2). Once the root is known: at n-f, reconstructs the full
// payload, verifies the Merkle root, and delivers exactly once (spec.md
// §4.2 step 4). Per DESIGN NOTES Open Question #4, a Merkle-root mismatch
// here drops the message — it never falls through to mutate state, unlike
// the source's corresponding bug.
func (in *Instance) HandleRecon(m wire.CTRBCMsg, sender wire.Replica, metr *metrics.RBC) []Outbound {
	if in.delivered {
		return nil
	}
	proof := fromWireProof(m.Proof)
	if !merkletree.Verify(proof, m.Shard) {
		if metr != nil {
			metr.ProofFailures.Inc()
		}
		return nil
	}
	if !in.haveRoot {
		in.pendingRecon[sender] = shardEntry{shard: m.Shard, proof: proof}
		return nil
	}
	if in.root != proof.Root {
		return nil
	}
	in.reconSet[sender] = m.Shard
	return in.tryReconThreshold(metr)
}

// tryReconThreshold reconstructs and delivers the payload once n-f READYs
// and n-f RECONs have both been collected and the rebuilt root matches
// (spec.md §4.2 step 4). Per DESIGN NOTES Open Question #4, a Merkle-root
// mismatch here drops the message — it never falls through to mutate
// state, unlike the source's corresponding bug.
func (in *Instance) tryReconThreshold(metr *metrics.RBC) []Outbound {
	if in.delivered || len(in.readySet) < in.n-in.f || len(in.reconSet) < in.n-in.f {
		return nil
	}

	shards := make([][]byte, in.n)
	for r, s := range in.reconSet {
		shards[int(r)] = s
	}
	rebuilt, err := erasure.ReconstructShards(shards, in.f)
	if err != nil {
		if metr != nil {
			metr.DecodeFailures.Inc()
		}
		return nil // errkind.ErrDecode: drop, future shards may succeed
	}
	leaves := make([][]byte, len(rebuilt))
	copy(leaves, rebuilt)
	root, _, err := merkletree.Build(leaves)
	if err != nil || root != in.root {
		return nil // mismatch: drop (fixes the source's continue-after-log bug)
	}

	payloadLen := in.payloadLen
	if payloadLen == 0 {
		// No explicit length framing on the wire; reconstruct the full
		// padded data-shard concatenation, and strip the trailing zero
		// padding below. A payload that itself ends in zero bytes is
		// delivered without them.
		total := 0
		for i := 0; i <= in.f; i++ {
			total += len(rebuilt[i])
		}
		payloadLen = total
	}
	decoded, err := erasure.Reconstruct(shards, in.f, payloadLen)
	if err != nil {
		if metr != nil {
			metr.DecodeFailures.Inc()
		}
		return nil
	}
	if in.payloadLen == 0 {
		decoded = bytes.TrimRight(decoded, "\x00")
	}
	in.delivered = true
	in.deliveredPayload = decoded
	if metr != nil {
		metr.InstancesDelivered.Inc()
	}
	return []Outbound{{Kind: ActionDeliver, Round: in.Round, Origin: in.Origin, Payload: decoded}}
}

// SetPayloadLen lets a caller that knows the exact payload length (e.g.
// the origin itself, or a layer that frames its own length) avoid relying
// on shard-padding heuristics during reconstruction.
func (in *Instance) SetPayloadLen(n int) { in.payloadLen = n }

func (in *Instance) reconstruct(set map[wire.Replica]shardEntry, metr *metrics.RBC) ([]byte, merkletree.Proof, bool) {
	shards := make([][]byte, in.n)
	for r, e := range set {
		shards[int(r)] = e.shard
	}
	rebuilt, err := erasure.ReconstructShards(shards, in.f)
	if err != nil {
		if metr != nil {
			metr.DecodeFailures.Inc()
		}
		return nil, merkletree.Proof{}, false
	}
	leaves := make([][]byte, len(rebuilt))
	copy(leaves, rebuilt)
	root, proofs, err := merkletree.Build(leaves)
	if err != nil || root != in.root {
		return nil, merkletree.Proof{}, false
	}
	myIdx := 0
	if in.haveOwn {
		myIdx = in.ownProof.LeafIndex
	}
	return rebuilt[myIdx], proofs[myIdx], true
}
