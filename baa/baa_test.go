package baa

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
	mgrs    []*Manager
	queue   []task
}

func newCluster(n, f, r int) *cluster {
	c := &cluster{n: n, f: f, r: r}
	for i := 0; i < n; i++ {
		c.mgrs = append(c.mgrs, NewManager(wire.Replica(i), n, f, r))
	}
	return c
}

func (c *cluster) broadcast(from wire.Replica, msgs []wire.ProtMsg) {
	for _, msg := range msgs {
		for to := 0; to < c.n; to++ {
			if wire.Replica(to) == from {
				continue
			}
			c.queue = append(c.queue, task{to: wire.Replica(to), msg: msg})
		}
	}
}

func (c *cluster) run(initial []int64) map[wire.Replica][]int64 {
	for i := 0; i < c.n; i++ {
		msgs := c.mgrs[i].Start(initial)
		c.broadcast(wire.Replica(i), msgs)
	}

	for len(c.queue) > 0 {
		t := c.queue[0]
		c.queue = c.queue[1:]
		var out []wire.ProtMsg
		switch {
		case t.msg.BAAEcho1 != nil:
			out = c.mgrs[t.to].HandleEcho1(*t.msg.BAAEcho1)
		case t.msg.BAAEcho2 != nil:
			out = c.mgrs[t.to].HandleEcho2(*t.msg.BAAEcho2)
		}
		c.broadcast(t.to, out)
	}

	result := make(map[wire.Replica][]int64)
	for i := 0; i < c.n; i++ {
		if outputs, done := c.mgrs[i].Terminated(); done {
			result[wire.Replica(i)] = outputs
		}
	}
	return result
}

// Scenario E — starting vector [0, 2^r, 2^r, 2^r] at every honest node:
// all terminate with v1=v2=v3=2^r and an identical v0 (spec.md §8
// Scenario E).
func TestScenarioE_StartingVector(t *testing.T) {
	n, f, r := 4, 1, 3
	scale := int64(1 << uint(r))
	c := newCluster(n, f, r)
	initial := []int64{0, scale, scale, scale}

	result := c.run(initial)
	require.Len(t, result, n, "all nodes must terminate BAA")

	var v0 *int64
	for id, outputs := range result {
		require.Len(t, outputs, n)
		require.Equal(t, scale, outputs[1], "replica %d index 1", id)
		require.Equal(t, scale, outputs[2], "replica %d index 2", id)
		require.Equal(t, scale, outputs[3], "replica %d index 3", id)
		if v0 == nil {
			v0 = &outputs[0]
		} else {
			require.Equal(t, *v0, outputs[0], "replica %d disagrees on index 0", id)
		}
	}
	require.True(t, *v0 >= 0 && *v0 <= scale)
}
