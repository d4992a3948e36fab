package rbc

import (
	"testing"

	"github.com/luxfi/dagbft/wire"
	"github.com/stretchr/testify/require"
)

// task is one pending delivery in the in-memory test network.
type task struct {
	to  wire.Replica
	msg wire.ProtMsg
}

// cluster drives a tiny in-memory CT-RBC network without depending on the
// transport package, keeping this test focused on the handler state
// machine (spec.md §8 Scenario A / B).
type cluster struct {
	n, f  int
	mgrs  []*Manager
	queue []task
}

func newCluster(n, f int) *cluster {
	c := &cluster{n: n, f: f}
	for i := 0; i < n; i++ {
		c.mgrs = append(c.mgrs, NewManager(wire.Replica(i), n, f, 64, nil))
	}
	return c
}

func (c *cluster) enqueueBroadcast(from wire.Replica, msg wire.ProtMsg) {
	for to := 0; to < c.n; to++ {
		if wire.Replica(to) == from {
			continue
		}
		c.queue = append(c.queue, task{to: wire.Replica(to), msg: msg})
	}
}

func (c *cluster) apply(from wire.Replica, actions []Outbound) {
	for _, a := range actions {
		if a.Kind == ActionBroadcast {
			c.enqueueBroadcast(from, a.Msg)
		}
	}
}

// run starts an instance at origin and drains the network to a fixed
// point, returning the payload each replica delivered (if any).
func (c *cluster) run(round uint64, origin wire.Replica, payload []byte) map[wire.Replica][]byte {
	inits, initActions, err := c.mgrs[origin].StartInit(round, payload)
	if err != nil {
		panic(err)
	}
	for to, m := range inits {
		if to == origin {
			continue
		}
		mm := m
		c.queue = append(c.queue, task{to: to, msg: wire.ProtMsg{RBCInit: &mm}})
	}
	c.apply(origin, initActions)

	delivered := make(map[wire.Replica][]byte)
	for len(c.queue) > 0 {
		t := c.queue[0]
		c.queue = c.queue[1:]
		var actions []Outbound
		switch {
		case t.msg.RBCInit != nil:
			actions = c.mgrs[t.to].HandleInit(*t.msg.RBCInit)
		case t.msg.RBCEcho != nil:
			actions = c.mgrs[t.to].HandleEcho(*t.msg.RBCEcho)
		case t.msg.RBCReady != nil:
			actions = c.mgrs[t.to].HandleReady(*t.msg.RBCReady)
		case t.msg.RBCRecon != nil:
			actions = c.mgrs[t.to].HandleRecon(*t.msg.RBCRecon)
		}
		c.apply(t.to, actions)
		if in, ok := c.mgrs[t.to].Instance(round, origin); ok {
			if d, p := in.Delivered(); d {
				delivered[t.to] = p
			}
		}
	}
	return delivered
}

// Scenario A — CT-RBC happy path, n=4, f=1 (spec.md §8).
func TestScenarioA_HappyPath(t *testing.T) {
	c := newCluster(4, 1)
	payload := []byte{0xAB, 0xCD}
	delivered := c.run(0, wire.Replica(0), payload)

	require.Len(t, delivered, 4, "all four nodes must deliver")
	for id, p := range delivered {
		require.Equal(t, payload, p, "replica %d delivered wrong payload", id)
	}
}

// Idempotence: re-delivering an already-processed phase message leaves
// state unchanged (spec.md §8 round-trip properties).
func TestIdempotence_DuplicateReady(t *testing.T) {
	c := newCluster(4, 1)
	delivered := c.run(0, wire.Replica(0), []byte("hello"))
	require.Len(t, delivered, 4)

	in, ok := c.mgrs[1].Instance(0, 0)
	require.True(t, ok)
	before, beforePayload := in.Delivered()

	// Replaying a READY from replica 2 after termination must be a no-op.
	actions := in.HandleReady(wire.CTRBCMsg{Round: 0, Origin: 0, Shard: []byte{1}, Proof: wire.MerkleProofWire{}}, 2, 1, nil)
	require.Nil(t, actions)
	after, afterPayload := in.Delivered()
	require.Equal(t, before, after)
	require.Equal(t, beforePayload, afterPayload)
}

// Different arrival orders of ECHO/READY/RECON for a given (round,
// origin) yield the same delivered_payload (spec.md §8 round-trip
// properties). We approximate this by running the full happy path twice
// with queue order reversed at each drain step and checking convergence.
func TestOrderIndependence(t *testing.T) {
	c1 := newCluster(4, 1)
	d1 := c1.run(0, wire.Replica(0), []byte("order-test"))

	c2 := newCluster(4, 1)
	// Reverse the network's drain order by processing the queue as a
	// stack instead of a FIFO.
	payload := []byte("order-test")
	inits, initActions, err := c2.mgrs[0].StartInit(0, payload)
	require.NoError(t, err)
	for to, m := range inits {
		if to == 0 {
			continue
		}
		mm := m
		c2.queue = append(c2.queue, task{to: to, msg: wire.ProtMsg{RBCInit: &mm}})
	}
	c2.apply(0, initActions)
	d2 := make(map[wire.Replica][]byte)
	for len(c2.queue) > 0 {
		last := len(c2.queue) - 1
		tsk := c2.queue[last]
		c2.queue = c2.queue[:last]
		var actions []Outbound
		switch {
		case tsk.msg.RBCInit != nil:
			actions = c2.mgrs[tsk.to].HandleInit(*tsk.msg.RBCInit)
		case tsk.msg.RBCEcho != nil:
			actions = c2.mgrs[tsk.to].HandleEcho(*tsk.msg.RBCEcho)
		case tsk.msg.RBCReady != nil:
			actions = c2.mgrs[tsk.to].HandleReady(*tsk.msg.RBCReady)
		case tsk.msg.RBCRecon != nil:
			actions = c2.mgrs[tsk.to].HandleRecon(*tsk.msg.RBCRecon)
		}
		c2.apply(tsk.to, actions)
		if in, ok := c2.mgrs[tsk.to].Instance(0, 0); ok {
			if d, p := in.Delivered(); d {
				d2[tsk.to] = p
			}
		}
	}

	require.Equal(t, d1, d2)
}

// Root-equivocation-then-reordering: a Byzantine origin equivocates (two
// different roots sent to different peers), and a peer's ECHO carrying the
// *wrong* root for this replica reaches it before its own (correct) INIT.
// The instance must buffer that ECHO rather than latch onto its root, then
// discard it once INIT establishes the real root, and still go on to
// deliver on n-f matching ECHOes for the correct root — preserving CT-RBC
// totality (spec.md §4.2, §8: "if one honest node delivers, all honest
// nodes eventually deliver") instead of permanently stranding this replica
// on a root it can never complete.
func TestRootEquivocation_BufferedWrongRootDiscardedOnInit(t *testing.T) {
	const n, f = 4, 1
	byzantine := wire.Replica(3)

	honestRoot, honestInits, err := Init(0, byzantine, []byte("honest-payload"), f)
	require.NoError(t, err)
	_, forgedInits, err := Init(0, byzantine, []byte("forged-payload!!"), f)
	require.NoError(t, err)

	in := NewInstance(0, byzantine, n, f)

	// Replica 1's ECHO for the *forged* root reaches replica 0 before
	// replica 0's own INIT. Root is not yet known, so this must be
	// buffered, not adopted.
	forgedFromPeer1 := forgedInits[1]
	actions := in.HandleEcho(wire.CTRBCMsg{
		Round: 0, Origin: byzantine, Shard: forgedFromPeer1.Shard, Proof: forgedFromPeer1.Proof,
	}, wire.Replica(1), wire.Replica(0), nil)
	require.Nil(t, actions, "a pre-INIT ECHO must not itself trigger any broadcast")
	_, haveRoot := in.RootKnown()
	require.False(t, haveRoot, "root must remain unknown until INIT arrives")

	// Replica 0's own (honest, correct) INIT now arrives.
	actions = in.HandleInit(honestInits[0], wire.Replica(0), nil)
	root, haveRoot := in.RootKnown()
	require.True(t, haveRoot)
	require.Equal(t, honestRoot, root, "INIT must establish the correct root, not the buffered ECHO's")
	require.Len(t, actions, 1, "INIT triggers our own ECHO broadcast; the buffered forged ECHO must not promote")
	require.Equal(t, ActionBroadcast, actions[0].Kind)
	require.NotNil(t, actions[0].Msg.RBCEcho)

	// The buffered forged-root ECHO must have been discarded, not admitted
	// into echoSet under the real root.
	require.Empty(t, in.echoSet, "forged-root ECHO must not be promoted once the real root is known")
	require.Empty(t, in.pendingEcho, "pending buffer must be drained after INIT")

	// The other three replicas (1, 2, and the origin 3 itself, whose own
	// broadcast ECHO reflects its own locally-processed shard) now deliver
	// their *honest* ECHOes — n-f = 3 matching entries, with our own shard
	// already in hand via HandleInit, so this must cross threshold and
	// broadcast READY. Sender 1's earlier wrong-root buffering must not
	// have permanently blocked its later, correct-root vote from counting.
	var readyActions []Outbound
	for _, sender := range []wire.Replica{1, 2, 3} {
		m := honestInits[sender]
		a := in.HandleEcho(wire.CTRBCMsg{Round: 0, Origin: byzantine, Shard: m.Shard, Proof: m.Proof}, sender, wire.Replica(0), nil)
		if len(a) > 0 {
			readyActions = a
		}
	}
	require.Len(t, readyActions, 1, "n-f matching honest-root echoes must cross threshold and broadcast READY")
	require.NotNil(t, readyActions[0].Msg.RBCReady, "the wrong-root buffered ECHO must not have permanently blocked progress on the correct root")
}

// Scenario B — CT-RBC with one Byzantine sender sending inconsistent
// shards/roots to different peers: a mismatched Merkle root is dropped
// rather than amplified, so the honest replicas never collect n-f
// matching ECHOs. The test checks that no honest node delivers (spec.md
// §8 Scenario B).
func TestScenarioB_ByzantineSender(t *testing.T) {
	c := newCluster(4, 1)
	byzantine := wire.Replica(3)

	// Node 3 sends a *different* (root, shard) pair to replica 0 than to
	// everyone else, by hand-building two independently-rooted payloads
	// and only delivering the inconsistent one to node 0.
	_, honestInits, err := Init(0, byzantine, []byte("honest"), c.f)
	require.NoError(t, err)
	_, forgedInits, err := Init(0, byzantine, []byte("forged!!"), c.f)
	require.NoError(t, err)

	for to := 0; to < c.n; to++ {
		r := wire.Replica(to)
		if r == byzantine {
			continue
		}
		var m wire.RBCInitMsg
		if to == 0 {
			m = forgedInits[r]
		} else {
			m = honestInits[r]
		}
		actions := c.mgrs[to].HandleInit(m)
		c.apply(r, actions)
	}
	for len(c.queue) > 0 {
		tsk := c.queue[0]
		c.queue = c.queue[1:]
		var actions []Outbound
		switch {
		case tsk.msg.RBCEcho != nil:
			actions = c.mgrs[tsk.to].HandleEcho(*tsk.msg.RBCEcho)
		case tsk.msg.RBCReady != nil:
			actions = c.mgrs[tsk.to].HandleReady(*tsk.msg.RBCReady)
		case tsk.msg.RBCRecon != nil:
			actions = c.mgrs[tsk.to].HandleRecon(*tsk.msg.RBCRecon)
		}
		c.apply(tsk.to, actions)
	}

	for to := 0; to < c.n; to++ {
		if wire.Replica(to) == byzantine {
			continue
		}
		in, ok := c.mgrs[to].Instance(0, byzantine)
		if !ok {
			continue
		}
		delivered, _ := in.Delivered()
		require.False(t, delivered, "replica %d must not deliver an inconsistent broadcast", to)
	}
}
