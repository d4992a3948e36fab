package baa

import "github.com/luxfi/dagbft/wire"

// Manager drives one full bundled BAA run to completion across its r
// rounds (spec.md §4.5: "After r rounds, all honest nodes hold identical
// per-instance values"). Each round gets its own Round instance, kept
// around rather than discarded immediately so a message that arrives for
// round k+1 while this node is still finishing round k is not lost
// (spec.md §4.5 "Suspension points": "cancellation is cooperative; older
// round state still accepts messages until garbage-collected").
type Manager struct {
	N, F, R int
	MyID    wire.Replica

	rounds map[int]*Round
	done   bool
	final  []int64
}

// NewManager builds a Manager for an n-node, f-fault cluster running r
// rounds.
func NewManager(myID wire.Replica, n, f, r int) *Manager {
	return &Manager{
		N: n, F: f, R: r, MyID: myID,
		rounds: make(map[int]*Round),
	}
}

func (m *Manager) getOrCreate(round int) *Round {
	rd, ok := m.rounds[round]
	if !ok {
		rd = NewRound(m.N, m.F)
		m.rounds[round] = rd
	}
	return rd
}

func wireMsg(round int, a Outbound) wire.ProtMsg {
	em := wire.BAAEchoMsg{Values: a.Values, Round: uint64(round)}
	if a.Kind == ActionEcho1 {
		return wire.ProtMsg{BAAEcho1: &em}
	}
	return wire.ProtMsg{BAAEcho2: &em}
}

func (m *Manager) toWire(round int, actions []Outbound) []wire.ProtMsg {
	var out []wire.ProtMsg
	for _, a := range actions {
		if (a.Kind == ActionEcho1 || a.Kind == ActionEcho2) && len(a.Values) > 0 {
			out = append(out, wireMsg(round, a))
		}
	}
	return out
}

// Start begins round 0 from the Gather-derived indicator vector.
func (m *Manager) Start(initial []int64) []wire.ProtMsg {
	round := m.getOrCreate(0)
	actions := round.Start(initial, m.MyID)
	return m.toWire(0, actions)
}

// HandleEcho1 routes a bundled ECHO1 message to its round.
func (m *Manager) HandleEcho1(msg wire.BAAEchoMsg) []wire.ProtMsg {
	if m.done {
		return nil
	}
	round := m.getOrCreate(int(msg.Round))
	return m.toWire(int(msg.Round), round.HandleEcho1(msg))
}

// HandleEcho2 routes a bundled ECHO2 message to its round; when that round
// completes, either advances to the next round (re-emitting its own
// ECHO1 bundle) or — after r rounds — records the final per-instance
// outputs.
func (m *Manager) HandleEcho2(msg wire.BAAEchoMsg) []wire.ProtMsg {
	if m.done {
		return nil
	}
	roundIdx := int(msg.Round)
	round := m.getOrCreate(roundIdx)
	actions := round.HandleEcho2(msg)

	var out []wire.ProtMsg
	for _, a := range actions {
		if a.Kind != ActionRoundDone {
			if len(a.Values) > 0 {
				out = append(out, wireMsg(roundIdx, a))
			}
			continue
		}
		if roundIdx+1 >= m.R {
			m.done = true
			m.final = a.Outputs
			continue
		}
		next := m.getOrCreate(roundIdx + 1)
		startActions := next.Start(a.Outputs, m.MyID)
		out = append(out, m.toWire(roundIdx+1, startActions)...)
	}
	return out
}

// Terminated reports the final per-instance output vector once all r
// rounds have completed.
func (m *Manager) Terminated() ([]int64, bool) {
	return m.final, m.done
}
