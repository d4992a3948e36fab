// Package dagstate implements the DAG-Rider-style SMR layer (spec.md
// §4.7/§4.8, L6): vertex creation, parent discovery, and the wave-leader
// commit rule over the resulting DAG.
//
// Grounded in the teacher's engine/dag/vertex.go and engine/dag/engine.go
// for the vertex/DAG shape (parents, digest, round), generalized from the
// teacher's single-parent-set model to this spec's strong/weak parent
// split and 4-round wave commit rule; reachability/commit walk follows
// original_source/consensus/dag_rider/src/node/dag/ (rbcstate.rs for the
// round gating, the wave walk per spec.md §4.7/§4.8).
package dagstate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

// WaveLength is the number of consecutive rounds per wave (spec.md §4.7
// "A wave is 4 consecutive rounds").
const WaveLength = 4

// Edge is one parent pointer (spec.md §3 "strong/weak parent edges").
type Edge struct {
	Origin wire.Replica
	Round  uint64
	Digest ids.ID
}

// Vertex is one delivered DAG node.
type Vertex struct {
	Origin        wire.Replica
	Round         uint64
	StrongParents []Edge
	WeakParents   []Edge
	Payload       [][]byte
	Digest        ids.ID
}

func toEdges(w []wire.EdgeWire) []Edge {
	out := make([]Edge, len(w))
	for i, e := range w {
		out[i] = Edge{Origin: e.Origin, Round: e.Round, Digest: e.Digest}
	}
	return out
}

func toWireEdges(e []Edge) []wire.EdgeWire {
	out := make([]wire.EdgeWire, len(e))
	for i, ed := range e {
		out[i] = wire.EdgeWire{Origin: ed.Origin, Round: ed.Round, Digest: ed.Digest}
	}
	return out
}

// Digest computes the content digest of a vertex's wire form. This is
// independent of the CT-RBC shard Merkle tree used to disseminate it —
// it just identifies the vertex for parent edges and the commit walk.
func Digest(msg wire.DAGVertexMsg) (ids.ID, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return ids.Empty, fmt.Errorf("dagstate: marshal vertex: %w", err)
	}
	return ids.ID(sha256.Sum256(b)), nil
}

// pending is a vertex whose parents are not all locally delivered yet.
type pending struct {
	msg    wire.DAGVertexMsg
	digest ids.ID
}

// State holds the full DAG known to this node.
type State struct {
	N, F int
	MyID wire.Replica

	byRound map[uint64]map[wire.Replica]*Vertex // delivered, round -> origin -> vertex
	byDigest map[ids.ID]*Vertex

	pendingVertices []pending // buffered, parents not all delivered

	committed map[ids.ID]bool
	// uncommittedLeaders is the chronological stack of wave-leader
	// vertex digests not yet committed (spec.md §4.7 commit rule: "walk
	// the stack of prior uncommitted wave leaders that have a path to
	// L").
	uncommittedLeaders []ids.ID

	// db persists every delivered vertex's wire encoding keyed by digest,
	// mirroring the teacher's state.serializer (engine/dag/state/state.go:
	// "SerializerConfig.DB database.Database", consulted on a GetVtx miss).
	// The in-memory maps above remain the source of truth for a running
	// process; db only lets a restarted node recover delivered vertices
	// instead of re-requesting them over CT-RBC. May be nil (persistence
	// disabled, e.g. in tests).
	db database.Database
}

// NewState creates empty DAG state for an n-node, f-fault cluster. db may
// be nil to run with in-memory-only vertex storage.
func NewState(myID wire.Replica, n, f int, db database.Database) *State {
	return &State{
		N: n, F: f, MyID: myID,
		byRound:   make(map[uint64]map[wire.Replica]*Vertex),
		byDigest:  make(map[ids.ID]*Vertex),
		committed: make(map[ids.ID]bool),
		db:        db,
	}
}

// RoundCount reports how many vertices have been delivered for round r,
// used by the caller to gate `new_round()` (spec.md §4.7: "|vertices_in[round]|
// >= n-f").
func (s *State) RoundCount(round uint64) int {
	return len(s.byRound[round])
}

// AddVertex parses and inserts a delivered CT-RBC payload as a vertex if
// all of its parents are already locally delivered; otherwise it buffers
// the vertex and re-runs the buffer drain (spec.md §4.8 add_vertex).
func (s *State) AddVertex(payload []byte) (ids.ID, error) {
	var msg wire.DAGVertexMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ids.Empty, fmt.Errorf("dagstate: decoding vertex payload: %w", err)
	}
	digest, err := Digest(msg)
	if err != nil {
		return ids.Empty, err
	}
	if _, ok := s.byDigest[digest]; ok {
		return digest, nil // already delivered
	}
	s.pendingVertices = append(s.pendingVertices, pending{msg: msg, digest: digest})
	s.drain()
	return digest, nil
}

func (s *State) allParentsDelivered(msg wire.DAGVertexMsg) bool {
	for _, e := range append(append([]wire.EdgeWire{}, msg.StrongParents...), msg.WeakParents...) {
		if _, ok := s.byDigest[e.Digest]; !ok {
			return false
		}
	}
	return true
}

// drain repeatedly scans the pending buffer, inserting any vertex whose
// parents have all become available, until a full pass makes no progress
// (spec.md §4.8: "Re-run buffer drain on every insertion").
func (s *State) drain() {
	for {
		progress := false
		var stillPending []pending
		for _, p := range s.pendingVertices {
			if !s.allParentsDelivered(p.msg) {
				stillPending = append(stillPending, p)
				continue
			}
			s.insert(p.msg, p.digest)
			progress = true
		}
		s.pendingVertices = stillPending
		if !progress {
			return
		}
	}
}

func (s *State) insert(msg wire.DAGVertexMsg, digest ids.ID) {
	v := &Vertex{
		Origin:        msg.Origin,
		Round:         msg.Round,
		StrongParents: toEdges(msg.StrongParents),
		WeakParents:   toEdges(msg.WeakParents),
		Payload:       msg.Payload,
		Digest:        digest,
	}
	byOrigin, ok := s.byRound[v.Round]
	if !ok {
		byOrigin = make(map[wire.Replica]*Vertex)
		s.byRound[v.Round] = byOrigin
	}
	byOrigin[v.Origin] = v
	s.byDigest[digest] = v

	if s.db != nil {
		if b, err := json.Marshal(msg); err == nil {
			// Best-effort: a write failure here costs only warm-restart
			// recovery, not correctness of the running process, since
			// byDigest/byRound remain authoritative in memory.
			_ = s.db.Put(digest[:], b)
		}
	}
}

// GetVertex returns the delivered vertex for digest, consulting the
// persistent store on a miss (spec.md §4.8 is silent on cross-restart
// recovery; this follows the teacher's GetVtx fallback shape).
func (s *State) GetVertex(digest ids.ID) (*Vertex, error) {
	if v, ok := s.byDigest[digest]; ok {
		return v, nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("dagstate: vertex %s not found", digest)
	}
	b, err := s.db.Get(digest[:])
	if err != nil {
		return nil, fmt.Errorf("dagstate: vertex %s not found: %w", digest, err)
	}
	var msg wire.DAGVertexMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("dagstate: decoding persisted vertex %s: %w", digest, err)
	}
	return &Vertex{
		Origin:        msg.Origin,
		Round:         msg.Round,
		StrongParents: toEdges(msg.StrongParents),
		WeakParents:   toEdges(msg.WeakParents),
		Payload:       msg.Payload,
		Digest:        digest,
	}, nil
}

// reachable returns the set of delivered vertex digests reachable from
// start by following strong and weak parent edges (BFS).
func (s *State) reachable(start ids.ID) map[ids.ID]bool {
	seen := map[ids.ID]bool{start: true}
	queue := []ids.ID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		v, ok := s.byDigest[cur]
		if !ok {
			continue
		}
		for _, e := range append(append([]Edge{}, v.StrongParents...), v.WeakParents...) {
			if !seen[e.Digest] {
				seen[e.Digest] = true
				queue = append(queue, e.Digest)
			}
		}
	}
	return seen
}

// hasPath reports whether to is reachable from from (spec.md §4.7 commit
// rule: "have a path to L's vertex").
func (s *State) hasPath(from, to ids.ID) bool {
	return s.reachable(from)[to]
}

// CreateVertex gathers this node's strong parents (every origin's vertex
// delivered at round-1, requiring at least n-f of them) plus weak parents
// (delivered vertices from older, not-yet-committed rounds not already
// reachable through the strong parents), and returns the vertex ready for
// CT-RBC dissemination (spec.md §4.8 create_vertex).
func (s *State) CreateVertex(round uint64, payload [][]byte) (wire.DAGVertexMsg, error) {
	var strong []Edge
	if round > 0 {
		byOrigin := s.byRound[round-1]
		for origin, v := range byOrigin {
			strong = append(strong, Edge{Origin: origin, Round: round - 1, Digest: v.Digest})
		}
		if len(strong) < s.N-s.F {
			return wire.DAGVertexMsg{}, fmt.Errorf("dagstate: only %d/%d strong parents delivered for round %d", len(strong), s.N-s.F, round-1)
		}
	}
	sort.Slice(strong, func(i, j int) bool { return strong[i].Origin < strong[j].Origin })

	reachableFromStrong := make(map[ids.ID]bool)
	for _, e := range strong {
		for d := range s.reachable(e.Digest) {
			reachableFromStrong[d] = true
		}
	}

	var weak []Edge
	for r, byOrigin := range s.byRound {
		if round > 0 && r >= round-1 {
			continue
		}
		for origin, v := range byOrigin {
			if s.committed[v.Digest] || reachableFromStrong[v.Digest] {
				continue
			}
			weak = append(weak, Edge{Origin: origin, Round: r, Digest: v.Digest})
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].Round != weak[j].Round {
			return weak[i].Round < weak[j].Round
		}
		return weak[i].Origin < weak[j].Origin
	})

	return wire.DAGVertexMsg{
		Origin:        s.MyID,
		Round:         round,
		StrongParents: toWireEdges(strong),
		WeakParents:   toWireEdges(weak),
		Payload:       payload,
	}, nil
}

// WaveLeaderRound returns the round that wave W's leader vertex sits in
// (round 4W), and the round whose n-f vertices must path to it (4W+3).
func WaveLeaderRound(wave uint64) (leaderRound, voteRound uint64) {
	return wave * WaveLength, wave*WaveLength + WaveLength - 1
}

// CommitVertices validates leader (the coin-elected replica)'s vertex in
// wave W's leader round. If the leader is not yet valid (fewer than n-f
// round-4W+3 vertices path to it), its digest is pushed onto the
// uncommitted-leader stack for a later wave's commit to reach
// retroactively, and this call commits nothing. If valid, it commits the
// leader's own causal history plus any still-uncommitted prior wave
// leaders the new leader reaches, in deterministic BFS order (spec.md
// §4.7/§4.8 commit_vertices).
func (s *State) CommitVertices(wave uint64, leader wire.Replica) ([]ids.ID, bool) {
	leaderRound, voteRound := WaveLeaderRound(wave)
	leaderVertex, ok := s.byRound[leaderRound][leader]
	if !ok {
		return nil, false
	}

	voters := s.byRound[voteRound]
	count := 0
	for _, v := range voters {
		if s.hasPath(v.Digest, leaderVertex.Digest) {
			count++
		}
	}
	if count < s.N-s.F {
		s.uncommittedLeaders = append(s.uncommittedLeaders, leaderVertex.Digest)
		return nil, false
	}

	// Walk the stack of prior uncommitted wave leaders that reach this
	// one, oldest first, then commit this leader itself.
	var toCommitLeaders []ids.ID
	var stillUncommitted []ids.ID
	for _, prior := range s.uncommittedLeaders {
		if !s.committed[prior] && s.hasPath(leaderVertex.Digest, prior) {
			toCommitLeaders = append(toCommitLeaders, prior)
		} else if !s.committed[prior] {
			stillUncommitted = append(stillUncommitted, prior)
		}
	}
	toCommitLeaders = append(toCommitLeaders, leaderVertex.Digest)

	var committedOrder []ids.ID
	for _, ld := range toCommitLeaders {
		committedOrder = append(committedOrder, s.commitReachable(ld)...)
	}
	s.uncommittedLeaders = stillUncommitted
	return committedOrder, true
}

// commitReachable commits, in BFS order, every not-yet-committed vertex
// reachable from root (spec.md §4.8: "commit in BFS order all reachable
// uncommitted vertices").
func (s *State) commitReachable(root ids.ID) []ids.ID {
	var order []ids.ID
	seen := map[ids.ID]bool{}
	queue := []ids.ID{root}
	seen[root] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if s.committed[cur] {
			continue
		}
		v, ok := s.byDigest[cur]
		if !ok {
			continue
		}
		s.committed[cur] = true
		order = append(order, cur)
		edges := append(append([]Edge{}, v.StrongParents...), v.WeakParents...)
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Round != edges[j].Round {
				return edges[i].Round < edges[j].Round
			}
			return edges[i].Origin < edges[j].Origin
		})
		for _, e := range edges {
			if !seen[e.Digest] {
				seen[e.Digest] = true
				queue = append(queue, e.Digest)
			}
		}
	}
	return order
}

// Committed reports whether digest has already been committed.
func (s *State) Committed(digest ids.ID) bool {
	return s.committed[digest]
}
