package rbc

import (
	"github.com/luxfi/dagbft/metrics"
	"github.com/luxfi/dagbft/wire"
)

// Manager owns one Instance per (round, origin), kept in a bounded
// sliding window keyed by the highest round seen so far (DESIGN NOTES
// "Per-round state maps": "an array of W=64 slots, reclaimed when a round
// is outside the window", replacing the original source's unbounded
// HashMap<u32,RoundState>).
type Manager struct {
	N, F      int
	MyID      wire.Replica
	Window    uint64 // W
	instances map[uint64]map[wire.Replica]*Instance
	highWater uint64
	metr      *metrics.RBC
}

// NewManager builds a Manager for an n-node, f-fault cluster.
func NewManager(myID wire.Replica, n, f int, window uint64, metr *metrics.RBC) *Manager {
	if window == 0 {
		window = 64
	}
	return &Manager{
		N: n, F: f, MyID: myID, Window: window,
		instances: make(map[uint64]map[wire.Replica]*Instance),
		metr:      metr,
	}
}

// getOrCreate returns the instance for (round, origin), creating it if
// this is the first message seen for that pair (spec.md §3 lifecycle:
// "created on first message for its (round, origin)").
func (m *Manager) getOrCreate(round uint64, origin wire.Replica) *Instance {
	byOrigin, ok := m.instances[round]
	if !ok {
		byOrigin = make(map[wire.Replica]*Instance)
		m.instances[round] = byOrigin
	}
	in, ok := byOrigin[origin]
	if !ok {
		in = NewInstance(round, origin, m.N, m.F)
		byOrigin[origin] = in
		if m.metr != nil {
			m.metr.InstancesStarted.Inc()
		}
	}
	if round > m.highWater {
		m.highWater = round
		m.gc()
	}
	return in
}

// gc drops instances whose round falls outside [highWater-Window,
// highWater], matching spec.md §3 lifecycle: "destroyed when its round
// falls outside a configurable lag window from current_round".
func (m *Manager) gc() {
	if m.highWater < m.Window {
		return
	}
	floor := m.highWater - m.Window
	for round := range m.instances {
		if round < floor {
			delete(m.instances, round)
		}
	}
}

// Instance returns the instance for (round, origin) if it has been
// created, without creating one.
func (m *Manager) Instance(round uint64, origin wire.Replica) (*Instance, bool) {
	byOrigin, ok := m.instances[round]
	if !ok {
		return nil, false
	}
	in, ok := byOrigin[origin]
	return in, ok
}

// HandleInit dispatches to the (round,origin) instance's HandleInit,
// creating the instance on first sight.
func (m *Manager) HandleInit(msg wire.RBCInitMsg) []Outbound {
	in := m.getOrCreate(msg.Round, msg.Origin)
	if delivered, _ := in.Delivered(); delivered {
		return nil
	}
	return in.HandleInit(msg, m.MyID, m.metr)
}

// HandleEcho dispatches an ECHO, buffering against a not-yet-arrived
// INIT by virtue of getOrCreate (spec.md §4.2 edge cases: "An instance
// may receive ECHO/READY/RECON before INIT").
func (m *Manager) HandleEcho(msg wire.RBCEchoMsg) []Outbound {
	in := m.getOrCreate(msg.Round, msg.Origin)
	if delivered, _ := in.Delivered(); delivered {
		return nil
	}
	return in.HandleEcho(msg.CTRBCMsg, msg.Sender, m.MyID, m.metr)
}

// HandleReady dispatches a READY.
func (m *Manager) HandleReady(msg wire.RBCReadyMsg) []Outbound {
	in := m.getOrCreate(msg.Round, msg.Origin)
	if delivered, _ := in.Delivered(); delivered {
		return nil
	}
	return in.HandleReady(msg.CTRBCMsg, msg.Sender, m.MyID, m.metr)
}

// HandleRecon dispatches a RECON.
func (m *Manager) HandleRecon(msg wire.RBCReconMsg) []Outbound {
	in := m.getOrCreate(msg.Round, msg.Origin)
	if delivered, _ := in.Delivered(); delivered {
		return nil
	}
	return in.HandleRecon(msg.CTRBCMsg, msg.Sender, m.metr)
}

// StartInit begins a new CT-RBC instance as the origin (spec.md §4.2
// rbc_init): it returns the per-peer INIT messages to unicast, and has
// already fed the origin's own shard through HandleInit locally.
func (m *Manager) StartInit(round uint64, payload []byte) (map[wire.Replica]wire.RBCInitMsg, []Outbound, error) {
	_, inits, err := Init(round, m.MyID, payload, m.F)
	if err != nil {
		return nil, nil, err
	}
	in := m.getOrCreate(round, m.MyID)
	in.SetPayloadLen(len(payload))
	own := inits[m.MyID]
	actions := in.HandleInit(own, m.MyID, m.metr)
	return inits, actions, nil
}
