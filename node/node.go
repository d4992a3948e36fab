// Package node wires L0-L6 together into the single-goroutine event loop
// of spec.md §5: one node per cluster member, driven entirely by messages
// arriving on its transport inbox plus its own round/wave progression.
//
// Grounded in the teacher's engine/dag/engine.go Run(ctx) select loop
// (inbound channel + ctx.Done(), draining handler-returned actions before
// selecting again) and original_source/consensus/dag_rider/src/node/core.rs
// (which owns exactly this mix of collaborators: mempool, batch_wss,
// gather, approx_agreement, dag/rbcstate) for the overall shape of what
// one node owns.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/dagbft/baa"
	"github.com/luxfi/dagbft/coin"
	"github.com/luxfi/dagbft/config"
	"github.com/luxfi/dagbft/dagstate"
	"github.com/luxfi/dagbft/errkind"
	"github.com/luxfi/dagbft/field"
	"github.com/luxfi/dagbft/gather"
	"github.com/luxfi/dagbft/logging"
	"github.com/luxfi/dagbft/mempool"
	"github.com/luxfi/dagbft/metrics"
	"github.com/luxfi/dagbft/rbc"
	"github.com/luxfi/dagbft/syncclient"
	"github.com/luxfi/dagbft/transport"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/dagbft/wss"
	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"go.uber.org/zap"
)

// wssRoundOffset partitions the CT-RBC round-number space so the
// Batch-WSS outer master-root broadcast (epoch-keyed) and the DAG
// vertex broadcast (round-keyed) can share one wire.ProtMsg Kind
// (RBCEcho/RBCReady/RBCRecon are a single variant regardless of which
// higher layer's CT-RBC instance they amplify) without a receiver
// confusing one channel's ECHO for the other's. A real deployment sees
// far fewer than 2^32 DAG rounds in its lifetime, so this split never
// collides in practice.
const wssRoundOffset uint64 = 1 << 32

func wssRound(epoch uint64) uint64 { return epoch + wssRoundOffset }

func isWSSRound(round uint64) bool { return round >= wssRoundOffset }

func wssEpoch(round uint64) uint64 { return round - wssRoundOffset }

// waveState holds the per-wave Gather/BAA/Coin pipeline that elects each
// wave's DAG leader (spec.md §4.4-§4.6 feeding §4.7's commit rule).
type waveState struct {
	gather      *gather.Instance
	baa         *baa.Manager
	coinIdx     int
	baaStarted  bool
	baaValues   map[wire.Replica]int64
	reveals     bool
	leaderKnown bool
}

// Node owns every layer's state for one cluster member and the single
// goroutine that drives them (spec.md §5).
type Node struct {
	cfg  *config.Config
	id   wire.Replica
	n, f int
	log  logging.Logger

	tr   *transport.Router
	mem  mempool.Source
	sync *syncclient.Client

	dagRBC *rbc.Manager
	dag    *dagstate.State
	dagM   *metrics.DAG

	wss  *wss.Manager
	coin *coin.Manager

	waves map[uint64]*waveState

	round  uint64 // next DAG round this node will try to build
	rounds int    // BAA round count (spec.md §6 rounds_aa)

	exit chan struct{}
}

// New builds a Node from its configuration and collaborators. reg may be
// nil (metrics disabled, matching the teacher's optional *metrics.Registry
// across constructors). db backs dagstate's vertex persistence (spec.md
// §4.8 is silent on restart recovery); a nil db defaults to an in-process
// github.com/luxfi/database/memdb instance, matching the teacher's own
// test-util default (engine/bft/util_test.go: "DB: memdb.New()").
func New(cfg *config.Config, log logging.Logger, reg metrics.Registry, tr *transport.Router, mem mempool.Source, sc *syncclient.Client, db database.Database) *Node {
	id := wire.Replica(cfg.ID)
	var rbcM *metrics.RBC
	var dagM *metrics.DAG
	if reg != nil {
		rbcM = metrics.NewRBC(reg)
		dagM = metrics.NewDAG(reg)
	}
	dagRBC := rbc.NewManager(id, cfg.N, cfg.F, uint64(cfg.LagWind), rbcM)
	wssRBC := rbc.NewManager(id, cfg.N, cfg.F, uint64(cfg.LagWind), rbcM)
	prime := big.NewInt(cfg.ProtPayload.Prime)
	if db == nil {
		db = memdb.New()
	}

	return &Node{
		cfg: cfg, id: id, n: cfg.N, f: cfg.F, log: log,
		tr: tr, mem: mem, sync: sc,
		dagRBC: dagRBC,
		dag:    dagstate.NewState(id, cfg.N, cfg.F, db),
		dagM:   dagM,
		wss:    wss.NewManager(id, cfg.N, cfg.F, cfg.BatchB, prime, wssRBC),
		coin:   coin.NewManager(id, cfg.N, cfg.F, prime),
		waves:  make(map[uint64]*waveState),
		rounds: cfg.RoundsAA(),
		exit:   make(chan struct{}),
	}
}

func (n *Node) getWave(wave uint64) *waveState {
	w, ok := n.waves[wave]
	if !ok {
		w = &waveState{
			gather:    gather.NewInstance(n.n, n.f, n.rounds),
			baa:       baa.NewManager(n.id, n.n, n.f, n.rounds),
			coinIdx:   int(wave),
			baaValues: make(map[wire.Replica]int64),
		}
		n.waves[wave] = w
	}
	return w
}

func waveOf(round uint64) uint64 { return round / uint64(dagstate.WaveLength) }

// Run is the single-goroutine event loop of spec.md §5: select over the
// transport inbox and ctx.Done(), draining every handler's returned
// actions before selecting again.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node: starting", zap.Int("id", int(n.id)))
	if n.sync != nil {
		if err := n.sync.ReportAlive(); err != nil {
			n.log.Warn("node: sync ReportAlive failed", zap.Error(err))
		}
	}
	if err := n.tryStartRound(0); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			n.log.Info("node: shutting down")
			return ctx.Err()
		case <-n.exit:
			return nil
		case in := <-n.tr.Recv():
			if err := n.handleInbound(in.From, in.Msg); err != nil {
				n.log.Warn("node: handling inbound message failed", zap.String("kind", in.Msg.Kind()), zap.Error(err))
			}
		}
	}
}

// Stop requests the event loop to exit on its next select.
func (n *Node) Stop() {
	close(n.exit)
}

// Config returns the configuration this node was built from, for the CLI
// entry point to log or report on.
func (n *Node) Config() *config.Config { return n.cfg }

func (n *Node) broadcast(msg wire.ProtMsg) {
	if err := n.tr.Broadcast(msg); err != nil {
		n.log.Warn("node: broadcast failed", zap.Error(err))
	}
}

func (n *Node) unicast(to wire.Replica, msg wire.ProtMsg) {
	if to == n.id {
		return
	}
	if err := n.tr.Send(to, msg); err != nil {
		if errkind.Fatal(err) {
			n.log.Fatal("node: send failed on an internal invariant", zap.Int("to", int(to)), zap.Error(err))
		}
		n.log.Warn("node: send failed", zap.Int("to", int(to)), zap.Error(err))
	}
}

// tryStartRound creates and disseminates this node's vertex for `round`
// once its causal parents are available (spec.md §4.8 create_vertex), and
// kicks off that round's wave pipeline if it is a wave's first round.
func (n *Node) tryStartRound(round uint64) error {
	if round > 0 && n.dag.RoundCount(round-1) < n.n-n.f {
		return nil // not enough parents yet; retried as more vertices arrive
	}
	batch := n.mem.NextBatch(256)
	msg, err := n.dag.CreateVertex(round, batch)
	if err != nil {
		return fmt.Errorf("node: create vertex round %d: %w", round, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("node: marshal vertex round %d: %w", round, err)
	}
	inits, actions, err := n.dagRBC.StartInit(round, payload)
	if err != nil {
		return fmt.Errorf("node: dag rbc start round %d: %w", round, err)
	}
	for to, m := range inits {
		n.unicast(to, wire.ProtMsg{RBCInit: &m})
	}
	n.applyDAGRBC(round, actions)
	n.round = round + 1
	if dagstate.WaveLength != 0 && round%uint64(dagstate.WaveLength) == 0 {
		return n.startWave(waveOf(round))
	}
	return nil
}

// startWave begins the Gather/BAA/Coin pipeline that elects this wave's
// leader: every node deals a fresh Batch-WSS batch keyed by this wave's
// epoch number (spec.md §4.3-§4.6).
func (n *Node) startWave(wave uint64) error {
	n.getWave(wave)
	_, inits, actions, err := n.wss.StartDeal(wave)
	if err != nil {
		return fmt.Errorf("node: wss start wave %d: %w", wave, err)
	}
	for to, m := range inits {
		n.unicast(to, wire.ProtMsg{BatchWSSInit: &m})
	}
	n.applyWSSRBC(wave, actions)
	n.checkWSSTermination(wave, n.id)
	return nil
}

func (n *Node) handleInbound(from wire.Replica, msg wire.ProtMsg) error {
	switch {
	case msg.RBCInit != nil:
		n.routeRBCInit(from, *msg.RBCInit)
	case msg.RBCEcho != nil:
		n.routeRBCEcho(from, *msg.RBCEcho)
	case msg.RBCReady != nil:
		n.routeRBCReady(from, *msg.RBCReady)
	case msg.RBCRecon != nil:
		n.routeRBCRecon(from, *msg.RBCRecon)
	case msg.BatchWSSInit != nil:
		// BatchWSSInitMsg is its own ProtMsg variant (carrying an explicit
		// Dealer field), not shared with the DAG vertex CT-RBC's RBCInit, so
		// its embedded CTRBC.Round is the plain epoch number, unlike the
		// Echo/Ready/Recon phases below which share wire.ProtMsg's RBCEcho/
		// RBCReady/RBCRecon variant with the DAG CT-RBC and so need rebasing.
		wave := msg.BatchWSSInit.CTRBC.Round
		actions := n.wss.HandleInit(wave, *msg.BatchWSSInit)
		n.applyWSSRBC(wave, actions)
		n.checkWSSTermination(wave, msg.BatchWSSInit.Dealer)
	case msg.GatherEcho != nil:
		n.routeGather(msg.GatherEcho.Sender, *msg.GatherEcho, false)
	case msg.GatherEcho2 != nil:
		n.routeGather(msg.GatherEcho2.Sender, *msg.GatherEcho2, true)
	case msg.BAAEcho1 != nil:
		n.routeBAA(*msg.BAAEcho1, true)
	case msg.BAAEcho2 != nil:
		n.routeBAA(*msg.BAAEcho2, false)
	case msg.BatchSecretReveal != nil:
		n.routeReveal(*msg.BatchSecretReveal)
	case msg.DAGVertex != nil:
		// DAGVertexMsg travels as a CT-RBC payload, not its own ProtMsg
		// variant (wire.go), so this case is unreachable in practice; kept
		// only so Kind() switches stay exhaustive for future direct use.
	default:
		return fmt.Errorf("node: unrecognized message kind %s", msg.Kind())
	}
	return nil
}

func (n *Node) routeRBCInit(from wire.Replica, msg wire.RBCInitMsg) {
	if isWSSRound(msg.Round) {
		wave := wssEpoch(msg.Round)
		msg.Round = wave
		actions := n.wss.HandleInit(wave, wire.BatchWSSInitMsg{Dealer: msg.Origin, CTRBC: msg})
		n.applyWSSRBC(wave, actions)
		n.checkWSSTermination(wave, msg.Origin)
		return
	}
	actions := n.dagRBC.HandleInit(msg)
	n.applyDAGRBC(msg.Round, actions)
}

func (n *Node) routeRBCEcho(from wire.Replica, msg wire.RBCEchoMsg) {
	if isWSSRound(msg.Round) {
		wave := wssEpoch(msg.Round)
		msg.Round = wave
		actions := n.wss.HandleEcho(wave, msg.Origin, msg)
		n.applyWSSRBC(wave, actions)
		n.checkWSSTermination(wave, msg.Origin)
		return
	}
	actions := n.dagRBC.HandleEcho(msg)
	n.applyDAGRBC(msg.Round, actions)
}

func (n *Node) routeRBCReady(from wire.Replica, msg wire.RBCReadyMsg) {
	if isWSSRound(msg.Round) {
		wave := wssEpoch(msg.Round)
		msg.Round = wave
		actions := n.wss.HandleReady(wave, msg.Origin, msg)
		n.applyWSSRBC(wave, actions)
		n.checkWSSTermination(wave, msg.Origin)
		return
	}
	actions := n.dagRBC.HandleReady(msg)
	n.applyDAGRBC(msg.Round, actions)
}

func (n *Node) routeRBCRecon(from wire.Replica, msg wire.RBCReconMsg) {
	if isWSSRound(msg.Round) {
		wave := wssEpoch(msg.Round)
		msg.Round = wave
		actions := n.wss.HandleRecon(wave, msg.Origin, msg)
		n.applyWSSRBC(wave, actions)
		n.checkWSSTermination(wave, msg.Origin)
		return
	}
	actions := n.dagRBC.HandleRecon(msg)
	n.applyDAGRBC(msg.Round, actions)
}

// applyDAGRBC drains the DAG vertex CT-RBC's actions: broadcasts go back
// out over the wire, delivered payloads are fed to dagstate and may
// unblock the next round (spec.md §5 "drain loop before selecting
// again").
func (n *Node) applyDAGRBC(round uint64, actions []rbc.Outbound) {
	for _, a := range actions {
		switch a.Kind {
		case rbc.ActionBroadcast:
			n.broadcast(a.Msg)
		case rbc.ActionDeliver:
			if n.dagM != nil {
				n.dagM.VerticesAdded.Inc()
			}
			if _, err := n.dag.AddVertex(a.Payload); err != nil {
				n.log.Warn("node: adding delivered vertex failed", zap.Error(err))
				continue
			}
			if err := n.tryStartRound(n.round); err != nil {
				n.log.Warn("node: advancing round failed", zap.Error(err))
			}
		}
	}
}

// applyWSSRBC drains the Batch-WSS outer CT-RBC's broadcast actions,
// rebasing their round field into the wss partition of the round space so
// the receiver's routeRBC* dispatches them back to wss, not dagRBC.
func (n *Node) applyWSSRBC(wave uint64, actions []rbc.Outbound) {
	for _, a := range actions {
		if a.Kind != rbc.ActionBroadcast {
			continue
		}
		n.broadcast(rebase(a.Msg, wssRound(wave)))
	}
}

// rebase rewrites an RBCEcho/Ready/Recon/Init message's Round field,
// leaving every other ProtMsg variant untouched.
func rebase(msg wire.ProtMsg, round uint64) wire.ProtMsg {
	switch {
	case msg.RBCInit != nil:
		m := *msg.RBCInit
		m.Round = round
		return wire.ProtMsg{RBCInit: &m}
	case msg.RBCEcho != nil:
		m := *msg.RBCEcho
		m.Round = round
		return wire.ProtMsg{RBCEcho: &m}
	case msg.RBCReady != nil:
		m := *msg.RBCReady
		m.Round = round
		return wire.ProtMsg{RBCReady: &m}
	case msg.RBCRecon != nil:
		m := *msg.RBCRecon
		m.Round = round
		return wire.ProtMsg{RBCRecon: &m}
	}
	return msg
}

// checkWSSTermination notices when dealer's Batch-WSS instance for wave
// has just terminated locally and feeds Gather (spec.md §4.4 "each node
// locally marks k terminated once its Batch-WSS instance completes").
func (n *Node) checkWSSTermination(wave uint64, dealer wire.Replica) {
	if _, ok := n.wss.Terminated(wave, dealer); !ok {
		return
	}
	w := n.getWave(wave)
	out := w.gather.MarkTerminated(int(dealer), n.id)
	n.applyGather(wave, out)
}

func (n *Node) routeGather(from wire.Replica, msg wire.GatherMsg, isWitness2 bool) {
	wave := n.waveForGatherSender(msg.Sender)
	w := n.waves[wave]
	if w == nil {
		return
	}
	var out []gather.Outbound
	if isWitness2 {
		out = w.gather.HandleWitness2(msg)
	} else {
		out = w.gather.HandleWitness1(msg, n.id)
	}
	n.applyGather(wave, out)
}

// waveForGatherSender has no header field identifying the wave a Gather
// message belongs to beyond the sender replica, so this simplified
// single-outstanding-wave wiring dispatches to the most recent wave this
// node has started. A multi-wave-in-flight deployment would carry an
// explicit wave/epoch field on GatherMsg; spec.md §6 does not name one,
// so this keeps the wire shape exactly as specified.
func (n *Node) waveForGatherSender(wire.Replica) uint64 {
	return waveOf(n.round - 1)
}

func (n *Node) applyGather(wave uint64, out []gather.Outbound) {
	w := n.getWave(wave)
	for _, a := range out {
		switch a.Kind {
		case gather.ActionBroadcast:
			n.broadcast(a.Msg)
		case gather.ActionReady:
			if w.baaStarted {
				continue
			}
			w.baaStarted = true
			initial := make([]int64, len(a.Vector))
			for i, v := range a.Vector {
				initial[i] = int64(v)
			}
			for _, m := range w.baa.Start(initial) {
				n.broadcast(m)
			}
		}
	}
}

func (n *Node) routeBAA(msg wire.BAAEchoMsg, isEcho1 bool) {
	wave := waveOf(n.round - 1)
	w := n.waves[wave]
	if w == nil {
		return
	}
	var out []wire.ProtMsg
	if isEcho1 {
		out = w.baa.HandleEcho1(msg)
	} else {
		out = w.baa.HandleEcho2(msg)
	}
	for _, m := range out {
		n.broadcast(m)
	}
	if outputs, done := w.baa.Terminated(); done && !w.reveals {
		n.startReveal(wave, outputs)
	}
}

// startReveal reveals this node's shares for every dealer whose BAA
// output is nonzero (spec.md §4.6 "reveal shares for k in K").
func (n *Node) startReveal(wave uint64, outputs []int64) {
	w := n.getWave(wave)
	w.reveals = true
	myShares := make(map[wire.Replica]wss.ShareEntry)
	for dealer, v := range outputs {
		w.baaValues[wire.Replica(dealer)] = v
		if v == 0 {
			continue
		}
		shares, ok := n.wss.Terminated(wave, wire.Replica(dealer))
		if !ok || len(shares) == 0 {
			continue
		}
		myShares[wire.Replica(dealer)] = shares[w.coinIdx%len(shares)]
	}
	reveal := n.coin.BuildReveal(w.coinIdx, myShares)
	n.broadcast(wire.ProtMsg{BatchSecretReveal: &reveal})
}

// rootForSlot resolves the per-secret Merkle root a revealed share from
// dealer must authenticate against for this wave's coin slot, from the
// CT-RBC-delivered root vector wss.Manager already has.
func (n *Node) rootForSlot(wave uint64, dealer wire.Replica, slot int) (ids.ID, bool) {
	roots, ok := n.wss.RootsFor(wave, dealer)
	if !ok || len(roots) == 0 {
		return ids.Empty, false
	}
	return roots[slot%len(roots)], true
}

func (n *Node) routeReveal(msg wire.BatchSecretRevealMsg) {
	wave := uint64(msg.CoinIndex)
	w := n.waves[wave]
	if w == nil {
		return
	}
	lookup := func(dealer wire.Replica) (ids.ID, bool) {
		return n.rootForSlot(wave, dealer, w.coinIdx)
	}
	n.coin.HandleReveal(msg, lookup)
	n.tryDeriveLeader(wave, w)
}

func (n *Node) tryDeriveLeader(wave uint64, w *waveState) {
	if w.leaderKnown || len(w.baaValues) == 0 {
		return
	}
	secrets := make(map[wire.Replica]field.Element)
	for dealer, v := range w.baaValues {
		if v == 0 {
			continue
		}
		s, ok := n.coin.Secret(w.coinIdx, dealer)
		if !ok {
			return
		}
		secrets[dealer] = s
	}
	leader, ok := coin.DeriveLeader(w.baaValues, secrets, n.n, n.coin.Prime)
	if !ok {
		return
	}
	w.leaderKnown = true
	if _, committed := n.dag.CommitVertices(wave, wire.Replica(leader)); committed {
		if n.dagM != nil {
			n.dagM.WavesCommitted.Inc()
		}
	} else {
		n.log.Info("node: wave leader not yet committable, retained for a later wave", zap.Uint64("wave", wave), zap.Int("leader", leader))
	}
	if n.sync != nil {
		if err := n.sync.ReportCompletedSharing(uint64(leader)); err != nil {
			n.log.Warn("node: sync report failed", zap.Error(err))
		}
	}
}
