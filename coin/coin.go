// Package coin implements secret reconstruction and leader derivation
// (spec.md §4.6, L5): once BAA terminates with nonzero value at a set of
// dealer indices K, nodes reveal their Batch-WSS shares for those dealers,
// f+1 valid reveals reconstruct each secret via Lagrange interpolation,
// and the secrets are mixed with the BAA outputs into a uniform leader in
// [0,n).
//
// Grounded in original_source/consensus/dag_rider/src/node/batch_wss/
// secret_reconstruct.rs for the reveal/reconstruct shape, reusing this
// module's own field package rather than a second implementation.
package coin

import (
	"math/big"

	"github.com/luxfi/dagbft/field"
	"github.com/luxfi/dagbft/merkletree"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/dagbft/wss"
	"github.com/luxfi/ids"
)

// Manager accumulates revealed coin shares for one coin invocation
// (identified by CoinIndex, e.g. the wave or epoch number) and
// reconstructs each dealer's secret once f+1 valid shares are seen.
type Manager struct {
	N, F  int
	Prime *big.Int
	MyID  wire.Replica

	shares        map[int]map[wire.Replica]map[wire.Replica]wss.ShareEntry // coinIndex -> dealer -> sender -> share
	reconstructed map[int]map[wire.Replica]field.Element                   // coinIndex -> dealer -> secret
}

// NewManager builds a coin Manager for an n-node, f-fault cluster.
func NewManager(myID wire.Replica, n, f int, prime *big.Int) *Manager {
	return &Manager{
		N: n, F: f, Prime: prime, MyID: myID,
		shares:        make(map[int]map[wire.Replica]map[wire.Replica]wss.ShareEntry),
		reconstructed: make(map[int]map[wire.Replica]field.Element),
	}
}

// BuildReveal packages this node's own shares (one per dealer in K) into
// the bundled BatchSecretReveal message of spec.md §6.
func (m *Manager) BuildReveal(coinIndex int, myShares map[wire.Replica]wss.ShareEntry) wire.BatchSecretRevealMsg {
	out := make(map[wire.Replica]wire.CoinShareWire, len(myShares))
	for dealer, s := range myShares {
		out[dealer] = wire.CoinShareWire{
			Secret: s.Secret.Bytes(),
			Nonce:  s.Nonce.Bytes(),
			Proof:  toWireProof(s.Proof),
		}
	}
	return wire.BatchSecretRevealMsg{CoinIndex: coinIndex, Sender: m.MyID, Shares: out}
}

// RootLookup resolves the per-secret Merkle root a revealed share from
// `dealer` must authenticate against, for the slot this coin invocation
// uses. Supplied by the caller (the node event loop, which knows which
// Batch-WSS epoch and slot back this coin index) to avoid a dependency
// from package coin on package rbc's delivered-payload bookkeeping.
type RootLookup func(dealer wire.Replica) (ids.ID, bool)

// HandleReveal validates and records one node's bundled reveal, then
// attempts reconstruction for any dealer that has just reached f+1 valid
// shares (spec.md §4.6 "On receipt of f+1 valid shares... reconstruct s_k
// via Lagrange interpolation").
func (m *Manager) HandleReveal(msg wire.BatchSecretRevealMsg, lookup RootLookup) {
	byDealer, ok := m.shares[msg.CoinIndex]
	if !ok {
		byDealer = make(map[wire.Replica]map[wire.Replica]wss.ShareEntry)
		m.shares[msg.CoinIndex] = byDealer
	}
	for dealer, cs := range msg.Shares {
		root, ok := lookup(dealer)
		if !ok {
			continue
		}
		secret := field.NewElement(new(big.Int).SetBytes(cs.Secret), m.Prime)
		nonce := field.NewElement(new(big.Int).SetBytes(cs.Nonce), m.Prime)
		commitment := field.Commitment(secret, nonce)
		proof := fromWireProof(cs.Proof)
		if !merkletree.Verify(proof, commitment[:]) || proof.Root != root {
			continue // errkind.ErrProof: drop this one dealer's share, keep the rest
		}
		bySender, ok := byDealer[dealer]
		if !ok {
			bySender = make(map[wire.Replica]wss.ShareEntry)
			byDealer[dealer] = bySender
		}
		bySender[msg.Sender] = wss.ShareEntry{Secret: secret, Nonce: nonce, Proof: proof}
		m.tryReconstruct(msg.CoinIndex, dealer, bySender)
	}
}

func (m *Manager) tryReconstruct(coinIndex int, dealer wire.Replica, bySender map[wire.Replica]wss.ShareEntry) {
	if _, done := m.secretLocked(coinIndex, dealer); done {
		return
	}
	if len(bySender) < m.F+1 {
		return
	}
	shares := make([]field.Share, 0, len(bySender))
	for sender, s := range bySender {
		x := field.FromInt64(int64(sender)+1, m.Prime)
		shares = append(shares, field.Share{X: x, Y: s.Secret})
	}
	secret, ok := field.Reconstruct(shares, m.F, m.Prime)
	if !ok {
		return
	}
	byDealer, ok := m.reconstructed[coinIndex]
	if !ok {
		byDealer = make(map[wire.Replica]field.Element)
		m.reconstructed[coinIndex] = byDealer
	}
	byDealer[dealer] = secret
}

func (m *Manager) secretLocked(coinIndex int, dealer wire.Replica) (field.Element, bool) {
	byDealer, ok := m.reconstructed[coinIndex]
	if !ok {
		return field.Element{}, false
	}
	s, ok := byDealer[dealer]
	return s, ok
}

// Secret returns dealer's reconstructed secret for coinIndex, if any.
func (m *Manager) Secret(coinIndex int, dealer wire.Replica) (field.Element, bool) {
	return m.secretLocked(coinIndex, dealer)
}

// DeriveLeader computes R = sum_{k in K}(baaValues[k] * secrets[k]) mod p
// and leader = R / (p/n), once every nonzero-valued index in baaValues has
// a reconstructed secret (spec.md §4.6). ok is false if a required secret
// is still missing.
func DeriveLeader(baaValues map[wire.Replica]int64, secrets map[wire.Replica]field.Element, n int, prime *big.Int) (leader int, ok bool) {
	r := field.FromInt64(0, prime)
	for dealer, v := range baaValues {
		if v == 0 {
			continue
		}
		s, have := secrets[dealer]
		if !have {
			return 0, false
		}
		r = r.Add(field.FromInt64(v, prime).Mul(s))
	}
	bucket := new(big.Int).Div(prime, big.NewInt(int64(n)))
	if bucket.Sign() == 0 {
		return 0, false
	}
	l := new(big.Int).Div(r.Big(), bucket)
	li := l.Int64()
	if li >= int64(n) {
		li = int64(n - 1)
	}
	return int(li), true
}

func toWireProof(p merkletree.Proof) wire.MerkleProofWire {
	return wire.MerkleProofWire{
		LeafIndex: p.LeafIndex, Leaf: p.Leaf, Siblings: p.Siblings, LeftFlags: p.LeftFlags, Root: p.Root,
	}
}

func fromWireProof(w wire.MerkleProofWire) merkletree.Proof {
	return merkletree.Proof{
		LeafIndex: w.LeafIndex, Leaf: w.Leaf, Siblings: w.Siblings, LeftFlags: w.LeftFlags, Root: w.Root,
	}
}
