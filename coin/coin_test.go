package coin

import (
	"math/big"
	"testing"

	"github.com/luxfi/dagbft/field"
	"github.com/luxfi/dagbft/rbc"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/dagbft/wss"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

var testPrime = big.NewInt(685373784908497)

type task struct {
	to  wire.Replica
	msg wire.ProtMsg
}

type node struct {
	wss  *wss.Manager
	coin *Manager
}

type cluster struct {
	n, f  int
	node  []*node
	queue []task
}

func newCluster(n, f int) *cluster {
	c := &cluster{n: n, f: f}
	for i := 0; i < n; i++ {
		rm := rbc.NewManager(wire.Replica(i), n, f, 64, nil)
		c.node = append(c.node, &node{
			wss:  wss.NewManager(wire.Replica(i), n, f, 1, testPrime, rm),
			coin: NewManager(wire.Replica(i), n, f, testPrime),
		})
	}
	return c
}

func (c *cluster) apply(from wire.Replica, actions []rbc.Outbound) {
	for _, a := range actions {
		if a.Kind == rbc.ActionBroadcast {
			for to := 0; to < c.n; to++ {
				if wire.Replica(to) == from {
					continue
				}
				c.queue = append(c.queue, task{to: wire.Replica(to), msg: a.Msg})
			}
		}
	}
}

// dealAll runs every replica's Batch-WSS dealing (B=1) to completion.
func (c *cluster) dealAll() {
	for d := 0; d < c.n; d++ {
		dealer := wire.Replica(d)
		_, inits, initActions, err := c.node[dealer].wss.StartDeal(0)
		if err != nil {
			panic(err)
		}
		for to, m := range inits {
			if to == dealer {
				continue
			}
			c.queue = append(c.queue, task{to: to, msg: wire.ProtMsg{BatchWSSInit: &m}})
		}
		c.apply(dealer, initActions)

		for len(c.queue) > 0 {
			t := c.queue[0]
			c.queue = c.queue[1:]
			var actions []rbc.Outbound
			switch {
			case t.msg.BatchWSSInit != nil:
				actions = c.node[t.to].wss.HandleInit(0, *t.msg.BatchWSSInit)
			case t.msg.RBCEcho != nil:
				actions = c.node[t.to].wss.HandleEcho(0, dealer, *t.msg.RBCEcho)
			case t.msg.RBCReady != nil:
				actions = c.node[t.to].wss.HandleReady(0, dealer, *t.msg.RBCReady)
			case t.msg.RBCRecon != nil:
				actions = c.node[t.to].wss.HandleRecon(0, dealer, *t.msg.RBCRecon)
			}
			c.apply(t.to, actions)
		}
	}
}

func (c *cluster) rootLookup(recipient int) RootLookup {
	return func(dealer wire.Replica) (ids.ID, bool) {
		roots, ok := c.node[recipient].wss.RootsFor(0, dealer)
		if !ok || len(roots) == 0 {
			return ids.Empty, false
		}
		return roots[0], true
	}
}

// Scenario C — n=4, f=1, B=1: every dealer's Batch-WSS terminates, BAA
// outputs [2^r,2^r,2^r,2^r] (all four dealers in K), and every honest
// node computes the same leader (spec.md §8 Scenario C).
func TestScenarioC_SameLeader(t *testing.T) {
	n, f := 4, 1
	scale := int64(8)
	c := newCluster(n, f)
	c.dealAll()

	coinIndex := 0
	baaValues := map[wire.Replica]int64{0: scale, 1: scale, 2: scale, 3: scale}

	// Every node reveals its own shares for every dealer, bundled into one
	// BatchSecretReveal message, and floods it to everyone.
	var reveals []wire.BatchSecretRevealMsg
	for i := 0; i < n; i++ {
		myShares := make(map[wire.Replica]wss.ShareEntry)
		for d := 0; d < n; d++ {
			shares, ok := c.node[i].wss.Terminated(0, wire.Replica(d))
			require.True(t, ok, "node %d must have terminated dealer %d", i, d)
			myShares[wire.Replica(d)] = shares[0]
		}
		reveals = append(reveals, c.node[i].coin.BuildReveal(coinIndex, myShares))
	}

	for i := 0; i < n; i++ {
		lookup := c.rootLookup(i)
		for _, rv := range reveals {
			c.node[i].coin.HandleReveal(rv, lookup)
		}
	}

	var leader *int
	for i := 0; i < n; i++ {
		secrets := make(map[wire.Replica]field.Element)
		for d := 0; d < n; d++ {
			s, ok := c.node[i].coin.Secret(coinIndex, wire.Replica(d))
			require.True(t, ok, "node %d must reconstruct dealer %d's secret", i, d)
			secrets[wire.Replica(d)] = s
		}
		l, ok := DeriveLeader(baaValues, secrets, n, testPrime)
		require.True(t, ok)
		if leader == nil {
			leader = &l
		} else {
			require.Equal(t, *leader, l, "node %d computed a different leader", i)
		}
	}
	require.True(t, *leader >= 0 && *leader < n)
}
