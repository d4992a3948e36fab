// Package gather implements the two-round witness technique of spec.md
// §4.4 (L3): it turns each node's locally terminated Batch-WSS set into a
// core set with an n-2f pairwise intersection guarantee across honest
// nodes.
//
// Grounded in the teacher's handler-returns-actions dispatch shape
// (engine/dag/engine.go) generalized to this protocol's witness1/witness2
// state machine; no original_source file implements Gather directly (the
// reference implementation folds it into the DAG round loop), so the
// threshold logic below follows spec.md §4.4 literally.
package gather

import "github.com/luxfi/dagbft/wire"

// ActionKind discriminates Gather's side effects.
type ActionKind int

const (
	// ActionBroadcast sends Msg to every other replica.
	ActionBroadcast ActionKind = iota
	// ActionReady reports that a core set is available, seeding BAA.
	ActionReady
)

// Outbound is one side effect a Gather handler wants applied.
type Outbound struct {
	Kind     ActionKind
	Msg      wire.ProtMsg     // valid when Kind == ActionBroadcast
	CoreSet  map[int]struct{} // valid when Kind == ActionReady
	Vector   []int            // valid when Kind == ActionReady: V[k] scaled to 2^r
}

// Instance runs one Gather round for this node (spec.md §4.4).
type Instance struct {
	n, f, r int

	terminated map[int]struct{} // locally terminated Batch-WSS dealer indices

	witness1Sent bool
	witness2Sent bool
	done         bool

	witness1Accepted map[wire.Replica]map[int]struct{}
	witness2Accepted map[wire.Replica]map[int]struct{}
}

// NewInstance creates a Gather instance for an n-node, f-fault cluster;
// r is the BAA round count, used to scale the output vector to 2^r.
func NewInstance(n, f, r int) *Instance {
	return &Instance{
		n: n, f: f, r: r,
		terminated:       make(map[int]struct{}),
		witness1Accepted: make(map[wire.Replica]map[int]struct{}),
		witness2Accepted: make(map[wire.Replica]map[int]struct{}),
	}
}

func copySet(s map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func setToIndices(s map[int]struct{}) []wire.Replica {
	out := make([]wire.Replica, 0, len(s))
	for k := range s {
		out = append(out, wire.Replica(k))
	}
	return out
}

func indicesToSet(idx []wire.Replica) map[int]struct{} {
	out := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		out[int(i)] = struct{}{}
	}
	return out
}

// MarkTerminated records that the Batch-WSS dealing for dealer `k` has
// terminated locally, and checks whether a Witness1 should now be sent.
func (in *Instance) MarkTerminated(k int, myID wire.Replica) []Outbound {
	in.terminated[k] = struct{}{}
	if !in.witness1Sent && len(in.terminated) >= in.n-in.f {
		in.witness1Sent = true
		msg := wire.ProtMsg{GatherEcho: &wire.GatherMsg{
			Indices: setToIndices(copySet(in.terminated)),
			Sender:  myID,
		}}
		return []Outbound{{Kind: ActionBroadcast, Msg: msg}}
	}
	return nil
}

// HandleWitness1 processes a Witness1 from sender: it is accepted only if
// every element it names is locally terminated (spec.md §4.4 "Accept a
// witness1 from p iff every element is locally terminated").
func (in *Instance) HandleWitness1(msg wire.GatherMsg, myID wire.Replica) []Outbound {
	if in.witness2Sent {
		return nil
	}
	set := indicesToSet(msg.Indices)
	for k := range set {
		if _, ok := in.terminated[k]; !ok {
			return nil // not locally terminated: reject this witness1
		}
	}
	in.witness1Accepted[msg.Sender] = set

	if len(in.witness1Accepted) >= in.n-in.f {
		in.witness2Sent = true
		out := wire.ProtMsg{GatherEcho2: &wire.GatherMsg{
			Indices: setToIndices(copySet(in.terminated)),
			Sender:  myID,
		}}
		return []Outbound{{Kind: ActionBroadcast, Msg: out}}
	}
	return nil
}

// HandleWitness2 processes a Witness2; once n-f witness2s are accepted
// whose contents are all locally terminated, the core set is ready and the
// BAA-input indicator vector is emitted (spec.md §4.4).
func (in *Instance) HandleWitness2(msg wire.GatherMsg) []Outbound {
	if in.done {
		return nil
	}
	set := indicesToSet(msg.Indices)
	for k := range set {
		if _, ok := in.terminated[k]; !ok {
			return nil
		}
	}
	in.witness2Accepted[msg.Sender] = set

	if len(in.witness2Accepted) < in.n-in.f {
		return nil
	}
	in.done = true

	core := make(map[int]struct{})
	for k := range in.terminated {
		core[k] = struct{}{}
	}
	vector := make([]int, in.n)
	scale := 1 << uint(in.r)
	for k := 0; k < in.n; k++ {
		if _, ok := core[k]; ok {
			vector[k] = scale
		}
	}
	return []Outbound{{Kind: ActionReady, CoreSet: core, Vector: vector}}
}

// Done reports whether this Gather instance has produced its core set.
func (in *Instance) Done() bool { return in.done }
