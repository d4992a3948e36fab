// Package transport implements the authenticated per-peer transport of
// spec.md §4.1 (L0): send/broadcast/recv with MAC verification on
// receive, no replay protection (upper layers are idempotent), and
// per-peer bounded queues that apply backpressure instead of dropping
// (spec.md §5).
//
// Grounded in the teacher's networking/sender.Sender interface shape
// (networking/sender/sender.go) — generalized here from a fixed set of
// RPC-shaped methods to a generic Send/Broadcast/Recv surface, since this
// spec's message set is itself generic (wire.ProtMsg), not RPC-specific.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/dagbft/errkind"
	"github.com/luxfi/dagbft/logging"
	"github.com/luxfi/dagbft/metrics"
	"github.com/luxfi/dagbft/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func zapReplica(key string, r wire.Replica) zap.Field {
	return zap.Int(key, int(r))
}

// Inbound is one received, MAC-verified message.
type Inbound struct {
	From wire.Replica
	Msg  wire.ProtMsg
}

// Dialer abstracts delivery of an encoded WrapperMsg to a peer. TCP
// framing is explicitly out of scope (spec.md §1 Non-goals). Router does
// not use a Dialer: it delivers in memory, through the goroutines that
// Connect starts.
type Dialer interface {
	// DeliverTo hands a raw encoded WrapperMsg to peer `to`. Must not
	// drop; blocks or queues internally per spec.md §5 backpressure.
	DeliverTo(to wire.Replica, w wire.WrapperMsg) error
}

// Router is the in-memory L0 transport used by node.Node. Each ordered
// (sender,receiver) pair gets its own bounded channel so per-receiver FIFO
// is preserved without any cross-peer ordering guarantee (spec.md §5).
type Router struct {
	mu        sync.RWMutex
	self      wire.Replica
	n         int
	keys      map[wire.Replica][]byte // pairwise MAC key, keyed by peer
	peers     map[wire.Replica]chan wire.WrapperMsg
	live      map[wire.Replica]bool
	inbox     chan Inbound
	log       logging.Logger
	metrics   *metrics.Transport
	queueSize int
}

// NewRouter builds a Router for `self` among `n` replicas, using `keys`
// as this node's pairwise MAC keys (spec.md §4.1: "per-peer symmetric
// key"). queueSize bounds each outbound peer queue.
func NewRouter(self wire.Replica, n int, keys map[wire.Replica][]byte, log logging.Logger, m *metrics.Transport, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Router{
		self:      self,
		n:         n,
		keys:      keys,
		peers:     make(map[wire.Replica]chan wire.WrapperMsg),
		live:      make(map[wire.Replica]bool),
		inbox:     make(chan Inbound, queueSize),
		log:       log,
		metrics:   m,
		queueSize: queueSize,
	}
	for i := 0; i < n; i++ {
		p := wire.Replica(i)
		r.peers[p] = make(chan wire.WrapperMsg, queueSize)
		r.live[p] = true
	}
	return r
}

// Connect wires this Router's outbound channel for `peer` to another
// Router's inbound delivery (used to build a fully connected in-memory
// cluster in tests and the demo CLI). It starts a goroutine that moves
// messages from the bounded outbound queue for `peer` to the remote
// Router. When that queue is full, Send blocks until the goroutine makes
// room (spec.md §5: "the event loop may suspend briefly").
func (r *Router) Connect(ctx context.Context, peer wire.Replica, remote *Router) {
	ch := r.peers[peer]
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case w, ok := <-ch:
				if !ok {
					return
				}
				remote.deliver(w)
			}
		}
	}()
}

// deliver verifies the MAC (using remote's key for the sender) and, on
// success, enqueues the message to this Router's inbox.
func (r *Router) deliver(w wire.WrapperMsg) {
	r.mu.RLock()
	key, ok := r.keys[w.Sender]
	r.mu.RUnlock()
	if !ok || !wire.VerifyMAC(w, key) {
		if r.metrics != nil {
			r.metrics.AuthDrops.Inc()
		}
		r.log.Warn("transport: dropping message with invalid MAC", zapReplica("sender", w.Sender))
		return
	}
	if r.metrics != nil {
		r.metrics.Received.Inc()
	}
	r.inbox <- Inbound{From: w.Sender, Msg: w.Payload}
}

// Send delivers payload to `to` only, wrapped and MACed with this node's
// key for that peer. Per spec.md §4.1 it is "reliable, at-least-once
// after local acceptance": Send blocks until the bounded per-peer queue
// has room rather than dropping.
func (r *Router) Send(to wire.Replica, payload wire.ProtMsg) error {
	r.mu.RLock()
	key, ok := r.keys[to]
	live := r.live[to]
	ch := r.peers[to]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: %w: no key for peer %d", errkind.ErrState, to)
	}
	if !live {
		return fmt.Errorf("transport: %w: peer %d removed from live set", errkind.ErrTransport, to)
	}
	w, err := wire.NewWrapperMsg(payload, r.self, key)
	if err != nil {
		return err
	}
	ch <- w // blocks on backpressure, never drops (spec.md §5)
	if r.metrics != nil {
		r.metrics.Sent.Inc()
	}
	return nil
}

// Broadcast sends payload to every other live replica. Sends fan out
// concurrently (one goroutine per peer via errgroup) so a single slow or
// backpressured peer's bounded queue cannot delay delivery to the rest
// (spec.md §5: "other peers' messages are still drained").
func (r *Router) Broadcast(payload wire.ProtMsg) error {
	r.mu.RLock()
	peers := make([]wire.Replica, 0, len(r.peers))
	for p, live := range r.live {
		if live && p != r.self {
			peers = append(peers, p)
		}
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := r.Send(p, payload); err != nil {
				r.log.Warn("transport: broadcast send failed", zapReplica("to", p))
			}
			return nil
		})
	}
	return g.Wait()
}

// Recv returns the channel of authenticated inbound messages for the
// node's event loop to select over (spec.md §5).
func (r *Router) Recv() <-chan Inbound {
	return r.inbox
}

// RemovePeer marks peer as no longer live (spec.md §7 TransportError:
// "remove the peer from the live set; protocol continues since n-f
// liveness is sufficient").
func (r *Router) RemovePeer(peer wire.Replica) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[peer] = false
}

// Self returns this router's own replica index.
func (r *Router) Self() wire.Replica { return r.self }
