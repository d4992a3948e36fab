package wss

import (
	"math/big"

	"github.com/luxfi/dagbft/rbc"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/ids"
)

// dealerState tracks one dealer's Batch-WSS round from this party's point
// of view: the out-of-band PartyDeal it received, and whether it has been
// validated against the CT-RBC-delivered root vector (spec.md §4.3
// "terminates when CT-RBC of master root ends").
type dealerState struct {
	haveDeal      bool
	claimedMaster ids.ID
	deal          PartyDeal
	terminated    bool
	myShares      []ShareEntry
}

// Manager runs Batch-WSS for every epoch, piggybacked on an existing
// rbc.Manager for the {m_k} root-vector dissemination (spec.md §4.3:
// rounds are keyed (epoch, dealer) exactly like CT-RBC's (round, origin),
// so the two managers share the same keying scheme without adapting
// either one).
type Manager struct {
	N, F, B int
	Prime   *big.Int
	MyID    wire.Replica
	RBC     *rbc.Manager
	dealers map[uint64]map[wire.Replica]*dealerState
}

// NewManager builds a wss.Manager sharing rbcMgr for the outer root-vector
// broadcasts.
func NewManager(myID wire.Replica, n, f, b int, prime *big.Int, rbcMgr *rbc.Manager) *Manager {
	return &Manager{
		N: n, F: f, B: b, Prime: prime, MyID: myID, RBC: rbcMgr,
		dealers: make(map[uint64]map[wire.Replica]*dealerState),
	}
}

func (m *Manager) getOrCreate(epoch uint64, dealer wire.Replica) *dealerState {
	byDealer, ok := m.dealers[epoch]
	if !ok {
		byDealer = make(map[wire.Replica]*dealerState)
		m.dealers[epoch] = byDealer
	}
	d, ok := byDealer[dealer]
	if !ok {
		d = &dealerState{}
		byDealer[dealer] = d
	}
	return d
}

// StartDeal runs the dealer side for one epoch: builds a fresh Dealing and
// the per-party BatchWSSInitMsg to unicast (each carrying that party's
// CT-RBC INIT shard of the root-vector payload alongside its out-of-band
// share set).
func (m *Manager) StartDeal(epoch uint64) (*Dealing, map[wire.Replica]wire.BatchWSSInitMsg, []rbc.Outbound, error) {
	dealing, err := Deal(m.MyID, m.N, m.F, m.B, m.Prime)
	if err != nil {
		return nil, nil, nil, err
	}
	payload, err := EncodeRootVector(dealing.PerSecretRoot)
	if err != nil {
		return nil, nil, nil, err
	}
	inits, actions, err := m.RBC.StartInit(epoch, payload)
	if err != nil {
		return nil, nil, nil, err
	}

	out := make(map[wire.Replica]wire.BatchWSSInitMsg, m.N)
	for to, ctInit := range inits {
		out[to] = wire.BatchWSSInitMsg{
			Dealer:     m.MyID,
			MasterRoot: dealing.MasterRoot,
			Shares:     ToWireShares(dealing.PartyDeals[to]),
			CTRBC:      ctInit,
		}
	}

	// Feed our own out-of-band deal straight in, matching the dealer
	// delivering its own INIT to itself in CT-RBC.
	own := m.getOrCreate(epoch, m.MyID)
	own.haveDeal = true
	own.claimedMaster = dealing.MasterRoot
	own.deal = dealing.PartyDeals[m.MyID]

	return dealing, out, actions, nil
}

// HandleInit processes a received BatchWSSInitMsg: stashes the out-of-band
// deal, feeds the piggybacked CT-RBC INIT to the shared rbc.Manager, and
// checks for termination.
func (m *Manager) HandleInit(epoch uint64, msg wire.BatchWSSInitMsg) []rbc.Outbound {
	d := m.getOrCreate(epoch, msg.Dealer)
	if !d.haveDeal {
		d.haveDeal = true
		d.claimedMaster = msg.MasterRoot
		d.deal = FromWireShares(msg.Shares, m.Prime)
	}
	actions := m.RBC.HandleInit(msg.CTRBC)
	m.checkTerminate(epoch, msg.Dealer)
	return actions
}

// HandleEcho/HandleReady/HandleRecon pass straight through to the shared
// rbc.Manager for the outer root-vector CT-RBC, then re-check termination.
func (m *Manager) HandleEcho(epoch uint64, dealer wire.Replica, msg wire.RBCEchoMsg) []rbc.Outbound {
	actions := m.RBC.HandleEcho(msg)
	m.checkTerminate(epoch, dealer)
	return actions
}

func (m *Manager) HandleReady(epoch uint64, dealer wire.Replica, msg wire.RBCReadyMsg) []rbc.Outbound {
	actions := m.RBC.HandleReady(msg)
	m.checkTerminate(epoch, dealer)
	return actions
}

func (m *Manager) HandleRecon(epoch uint64, dealer wire.Replica, msg wire.RBCReconMsg) []rbc.Outbound {
	actions := m.RBC.HandleRecon(msg)
	m.checkTerminate(epoch, dealer)
	return actions
}

// checkTerminate validates the stashed deal against the delivered root
// vector once both are present, matching spec.md §4.3's receiver checks:
// H(s_k+r_k)==commitment, proof.root==m_k, and the rebuilt master tree
// root equal to the dealer's claimed M.
func (m *Manager) checkTerminate(epoch uint64, dealer wire.Replica) {
	d := m.getOrCreate(epoch, dealer)
	if d.terminated || !d.haveDeal {
		return
	}
	in, ok := m.RBC.Instance(epoch, dealer)
	if !ok {
		return
	}
	delivered, payload := in.Delivered()
	if !delivered {
		return
	}
	roots, err := DecodeRootVector(payload)
	if err != nil {
		return
	}
	if !ValidatePartyDeal(d.deal, roots, d.claimedMaster) {
		return
	}
	d.terminated = true
	d.myShares = d.deal.Shares
}

// RootsFor returns the CT-RBC-delivered per-secret root vector for
// (epoch, dealer), if that broadcast has delivered yet. Exposed so
// package coin can validate a revealed share's Merkle proof without
// depending on package rbc's instance bookkeeping directly.
func (m *Manager) RootsFor(epoch uint64, dealer wire.Replica) ([]ids.ID, bool) {
	in, ok := m.RBC.Instance(epoch, dealer)
	if !ok {
		return nil, false
	}
	delivered, payload := in.Delivered()
	if !delivered {
		return nil, false
	}
	roots, err := DecodeRootVector(payload)
	if err != nil {
		return nil, false
	}
	return roots, true
}

// Terminated reports whether this dealer's Batch-WSS instance has
// completed for the given epoch, and if so returns this party's own
// validated shares (needed by L5 coin derivation to reveal its share of
// each secret).
func (m *Manager) Terminated(epoch uint64, dealer wire.Replica) ([]ShareEntry, bool) {
	byDealer, ok := m.dealers[epoch]
	if !ok {
		return nil, false
	}
	d, ok := byDealer[dealer]
	if !ok || !d.terminated {
		return nil, false
	}
	return d.myShares, true
}
