package gather

import (
	"testing"

	"github.com/luxfi/dagbft/wire"
	"github.com/stretchr/testify/require"
)

type task struct {
	to  wire.Replica
	msg wire.ProtMsg
}

type cluster struct {
	n, f, r int
	inst    []*Instance
	queue   []task
}

func newCluster(n, f, r int) *cluster {
	c := &cluster{n: n, f: f, r: r}
	for i := 0; i < n; i++ {
		c.inst = append(c.inst, NewInstance(n, f, r))
	}
	return c
}

func (c *cluster) broadcast(from wire.Replica, msg wire.ProtMsg) {
	for to := 0; to < c.n; to++ {
		if wire.Replica(to) == from {
			continue
		}
		c.queue = append(c.queue, task{to: wire.Replica(to), msg: msg})
	}
}

func (c *cluster) apply(from wire.Replica, actions []Outbound) []Outbound {
	var ready []Outbound
	for _, a := range actions {
		if a.Kind == ActionBroadcast {
			c.broadcast(from, a.Msg)
		} else {
			ready = append(ready, a)
		}
	}
	return ready
}

// drain runs the queue to a fixed point, returning each replica's core set
// once (if) it becomes ready.
func (c *cluster) drain() map[wire.Replica]Outbound {
	result := make(map[wire.Replica]Outbound)
	for len(c.queue) > 0 {
		t := c.queue[0]
		c.queue = c.queue[1:]
		var actions []Outbound
		switch {
		case t.msg.GatherEcho != nil:
			actions = c.inst[t.to].HandleWitness1(*t.msg.GatherEcho, t.to)
		case t.msg.GatherEcho2 != nil:
			actions = c.inst[t.to].HandleWitness2(*t.msg.GatherEcho2)
		}
		for _, a := range c.apply(t.to, actions) {
			if _, ok := result[t.to]; !ok {
				result[t.to] = a
			}
		}
	}
	return result
}

// Scenario D — gather liveness with a slow dealer: three honest nodes
// locally terminate dealer indices {0,1,2} (dealer 3 never sent INIT);
// n-f=3 is reached so Gather still proceeds (spec.md §8 Scenario D).
func TestScenarioD_GatherLivenessSlowDealer(t *testing.T) {
	n, f, r := 4, 1, 3
	c := newCluster(n, f, r)

	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ { // dealer 3 never terminates anywhere
			actions := c.inst[i].MarkTerminated(k, wire.Replica(i))
			for _, a := range c.apply(wire.Replica(i), actions) {
				_ = a // MarkTerminated never yields ActionReady directly
			}
		}
	}

	result := c.drain()
	require.Len(t, result, n, "all nodes must reach a core set")
	for id, a := range result {
		require.Len(t, a.CoreSet, 3, "replica %d core set size", id)
		_, hasSlow := a.CoreSet[3]
		require.False(t, hasSlow, "replica %d must not include the non-terminating dealer", id)
	}
}
