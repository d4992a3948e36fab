// Package baa implements Bundled Binary Approximate Agreement (spec.md
// §4.5, L4): n parallel binary approximate agreement instances (one per
// dealer index), each running r = ceil(log2(delta/epsilon)) rounds of a
// two-threshold ECHO1/ECHO2 scheme, bundled into single wire messages per
// round (DESIGN NOTES "Bundled": one envelope carries every instance's
// value instead of n separate messages).
//
// Grounded in original_source/consensus/hash_cc_baa/src/node/baa/baainit.rs
// for the echo1/echo2 threshold shape; the bundling-into-one-message
// optimization follows the teacher's pattern of packing per-peer sends
// (networking/sender/sender.go batches outbound frames per peer).
package baa

import "github.com/luxfi/dagbft/wire"

// instance holds one dealer index's binary approximate agreement state
// for a single round (spec.md §3 "BAA Instance state").
type instance struct {
	n, f int

	echo1Sent map[int64]bool
	echo2Sent map[int64]bool
	echo1Set  map[int64]map[wire.Replica]struct{}
	echo2Set  map[int64]map[wire.Replica]struct{}
	binValues map[int64]struct{}

	outputKnown bool
	output      int64
}

func newInstance(n, f int) *instance {
	return &instance{
		n: n, f: f,
		echo1Sent: make(map[int64]bool),
		echo2Sent: make(map[int64]bool),
		echo1Set:  make(map[int64]map[wire.Replica]struct{}),
		echo2Set:  make(map[int64]map[wire.Replica]struct{}),
		binValues: make(map[int64]struct{}),
	}
}

// start records this instance's own initial ECHO1 send for the round
// (spec.md §4.5 "Send ECHO1 with current value v").
func (in *instance) start(v int64) {
	in.echo1Sent[v] = true
}

// handleEcho1 records an incoming ECHO1 and reports whether this instance
// must now (re)broadcast ECHO1 (amplification at f+1) and/or ECHO2
// (at n-f) as a result.
func (in *instance) handleEcho1(w int64, sender wire.Replica) (amplify, echo2 bool) {
	if in.outputKnown {
		return false, false
	}
	set, ok := in.echo1Set[w]
	if !ok {
		set = make(map[wire.Replica]struct{})
		in.echo1Set[w] = set
	}
	set[sender] = struct{}{}

	if !in.echo1Sent[w] && len(set) >= in.f+1 {
		in.echo1Sent[w] = true
		amplify = true
	}
	if !in.echo2Sent[w] && len(set) >= in.n-in.f {
		in.echo2Sent[w] = true
		in.binValues[w] = struct{}{}
		echo2 = true
	}
	return amplify, echo2
}

// handleEcho2 records an incoming ECHO2 and updates the round output once
// enough matching ECHO2s (n-f) have arrived, per spec.md §4.5: if this
// instance has sent ECHO2 for both candidate values (both are in
// binValues), the output is their average; otherwise it is w.
func (in *instance) handleEcho2(w int64, sender wire.Replica) {
	if in.outputKnown {
		return
	}
	set, ok := in.echo2Set[w]
	if !ok {
		set = make(map[wire.Replica]struct{})
		in.echo2Set[w] = set
	}
	set[sender] = struct{}{}
	if len(set) < in.n-in.f {
		return
	}

	if len(in.binValues) >= 2 {
		var values []int64
		for v := range in.binValues {
			values = append(values, v)
		}
		in.output = (values[0] + values[1]) / 2
	} else {
		in.output = w
	}
	in.outputKnown = true
}

// ActionKind discriminates a Round's bundled side effects.
type ActionKind int

const (
	// ActionEcho1 bundles one or more instances' amplified ECHO1 values
	// into a single broadcast.
	ActionEcho1 ActionKind = iota
	// ActionEcho2 bundles one or more instances' ECHO2 values.
	ActionEcho2
	// ActionRoundDone reports this round's full per-instance output
	// vector, once every instance has produced one.
	ActionRoundDone
)

// Outbound is one bundled side effect.
type Outbound struct {
	Kind    ActionKind
	Values  []wire.BAADealerValue // valid for ActionEcho1/ActionEcho2
	Outputs []int64                // valid for ActionRoundDone, len n
}

// Round runs one bundle of n parallel instances for one outer round
// (spec.md §4.5 "n parallel instances... a round completes for the bundle
// when all n instances have a round-output").
type Round struct {
	n, f int
	bins []*instance
}

// NewRound creates a fresh bundle of n instances for an n-node, f-fault
// cluster.
func NewRound(n, f int) *Round {
	r := &Round{n: n, f: f}
	for k := 0; k < n; k++ {
		r.bins = append(r.bins, newInstance(n, f))
	}
	return r
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func bytesToInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = (v << 8) | int64(c)
	}
	return v
}

// Start begins the round from the given per-instance starting values,
// returning the bundled initial ECHO1 broadcast.
func (r *Round) Start(values []int64, myID wire.Replica) []Outbound {
	vals := make([]wire.BAADealerValue, r.n)
	for k, v := range values {
		r.bins[k].start(v)
		vals[k] = wire.BAADealerValue{Dealer: wire.Replica(k), Value: int64ToBytes(v)}
	}
	return []Outbound{{Kind: ActionEcho1, Values: vals}}
}

// HandleEcho1 dispatches one bundled ECHO1 message across every named
// instance, bundling any resulting amplify/echo2 actions back into at
// most one broadcast each.
func (r *Round) HandleEcho1(msg wire.BAAEchoMsg) []Outbound {
	var amplify, echo2 []wire.BAADealerValue
	for _, dv := range msg.Values {
		k := int(dv.Dealer)
		if k < 0 || k >= r.n {
			continue
		}
		w := bytesToInt64(dv.Value)
		doAmplify, doEcho2 := r.bins[k].handleEcho1(w, msg.Sender)
		if doAmplify {
			amplify = append(amplify, wire.BAADealerValue{Dealer: dv.Dealer, Value: dv.Value})
		}
		if doEcho2 {
			echo2 = append(echo2, wire.BAADealerValue{Dealer: dv.Dealer, Value: dv.Value})
		}
	}
	var out []Outbound
	if len(amplify) > 0 {
		out = append(out, Outbound{Kind: ActionEcho1, Values: amplify})
	}
	if len(echo2) > 0 {
		out = append(out, Outbound{Kind: ActionEcho2, Values: echo2})
	}
	return out
}

// HandleEcho2 dispatches one bundled ECHO2 message, and reports the full
// round output vector once every instance has one.
func (r *Round) HandleEcho2(msg wire.BAAEchoMsg) []Outbound {
	for _, dv := range msg.Values {
		k := int(dv.Dealer)
		if k < 0 || k >= r.n {
			continue
		}
		w := bytesToInt64(dv.Value)
		r.bins[k].handleEcho2(w, msg.Sender)
	}
	if !r.allDone() {
		return nil
	}
	outputs := make([]int64, r.n)
	for k, b := range r.bins {
		outputs[k] = b.output
	}
	return []Outbound{{Kind: ActionRoundDone, Outputs: outputs}}
}

func (r *Round) allDone() bool {
	for _, b := range r.bins {
		if !b.outputKnown {
			return false
		}
	}
	return true
}

// Outputs returns the per-instance outputs so far and whether every
// instance has terminated this round.
func (r *Round) Outputs() ([]int64, bool) {
	if !r.allDone() {
		return nil, false
	}
	outputs := make([]int64, r.n)
	for k, b := range r.bins {
		outputs[k] = b.output
	}
	return outputs, true
}
