// Package wss implements Batch Weak Verifiable Secret Sharing (spec.md
// §4.3, L2): a dealer shares B random secrets via Shamir (f+1, 3f+1),
// commits to each share with a per-secret Merkle tree, and CT-RBCs the
// vector of per-secret roots so every party can authenticate its
// out-of-band dealing against a value all honest nodes agree on.
//
// Grounded in original_source/consensus/dag_rider/src/node/batch_wss/
// (batch_wssinit.rs, batchwss_ready.rs, secret_reconstruct.rs): same
// per-secret commitment tree + master tree structure, re-expressed with
// Go's field/merkletree packages instead of num_bigint + merkle_light.
package wss

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/dagbft/field"
	"github.com/luxfi/dagbft/merkletree"
	"github.com/luxfi/dagbft/wire"
	"github.com/luxfi/ids"
)

// ShareEntry is one party's share of one secret, plus its Merkle proof of
// membership in that secret's commitment tree (spec.md §4.3).
type ShareEntry struct {
	Secret field.Element
	Nonce  field.Element
	Proof  merkletree.Proof
}

// PartyDeal is the out-of-band BatchWSSDeal sent to one party (spec.md
// §4.3: "BatchWSSDeal{shares_i, nonces_i, proofs_i, master_root=M}").
type PartyDeal struct {
	Shares []ShareEntry // len B, index k
}

// Dealing is a dealer's full output: the per-secret roots to CT-RBC, the
// master root, and the per-party out-of-band deals.
type Dealing struct {
	Dealer        wire.Replica
	B             int
	Prime         *big.Int
	PerSecretRoot []ids.ID // m_k, k in [0,B)
	MasterRoot    ids.ID   // M
	PartyDeals    map[wire.Replica]PartyDeal
}

// Deal runs the dealer side of spec.md §4.3: sample B secrets and
// independent nonces, Shamir-split each, build per-secret commitment
// trees, and a master tree over the per-secret roots.
func Deal(dealer wire.Replica, n, f, b int, prime *big.Int) (*Dealing, error) {
	if b < 1 {
		return nil, fmt.Errorf("wss: batch size must be >= 1")
	}
	perSecretRoots := make([]ids.ID, b)
	partyShares := make(map[wire.Replica][]ShareEntry, n)
	for i := 0; i < n; i++ {
		partyShares[wire.Replica(i)] = make([]ShareEntry, b)
	}

	for k := 0; k < b; k++ {
		secret, err := randomElement(prime)
		if err != nil {
			return nil, err
		}
		nonce, err := randomElement(prime)
		if err != nil {
			return nil, err
		}
		secretCoeffs, err := randomCoeffs(f, prime)
		if err != nil {
			return nil, err
		}
		nonceCoeffs, err := randomCoeffs(f, prime)
		if err != nil {
			return nil, err
		}
		secretShares := field.Split(secret, f, n, secretCoeffs)
		nonceShares := field.Split(nonce, f, n, nonceCoeffs)

		commitments := make([][]byte, n)
		for i := 0; i < n; i++ {
			c := field.Commitment(secretShares[i].Y, nonceShares[i].Y)
			commitments[i] = c[:]
		}
		root, proofs, err := merkletree.Build(commitments)
		if err != nil {
			return nil, fmt.Errorf("wss: building commitment tree for secret %d: %w", k, err)
		}
		perSecretRoots[k] = root
		for i := 0; i < n; i++ {
			partyShares[wire.Replica(i)][k] = ShareEntry{
				Secret: secretShares[i].Y,
				Nonce:  nonceShares[i].Y,
				Proof:  proofs[i],
			}
		}
	}

	masterLeaves := make([][]byte, b)
	for k, r := range perSecretRoots {
		rb := r
		masterLeaves[k] = rb[:]
	}
	masterRoot, _, err := merkletree.Build(masterLeaves)
	if err != nil {
		return nil, fmt.Errorf("wss: building master tree: %w", err)
	}

	partyDeals := make(map[wire.Replica]PartyDeal, n)
	for i := 0; i < n; i++ {
		partyDeals[wire.Replica(i)] = PartyDeal{Shares: partyShares[wire.Replica(i)]}
	}

	return &Dealing{
		Dealer:        dealer,
		B:             b,
		Prime:         prime,
		PerSecretRoot: perSecretRoots,
		MasterRoot:    masterRoot,
		PartyDeals:    partyDeals,
	}, nil
}

func randomElement(p *big.Int) (field.Element, error) {
	max := new(big.Int).Sub(p, big.NewInt(1))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return field.Element{}, fmt.Errorf("wss: sampling random field element: %w", err)
	}
	return field.NewElement(v, p), nil
}

func randomCoeffs(f int, p *big.Int) ([]field.Element, error) {
	out := make([]field.Element, f)
	for i := range out {
		e, err := randomElement(p)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// EncodeRootVector serializes {m_k}_k for use as the CT-RBC payload
// (spec.md §4.3: "CT-RBCs a serialization of {m_k}_k").
func EncodeRootVector(roots []ids.ID) ([]byte, error) {
	return json.Marshal(roots)
}

// DecodeRootVector is the inverse of EncodeRootVector, applied to a
// CT-RBC-delivered payload.
func DecodeRootVector(b []byte) ([]ids.ID, error) {
	var roots []ids.ID
	if err := json.Unmarshal(b, &roots); err != nil {
		return nil, fmt.Errorf("wss: decoding root vector: %w", err)
	}
	return roots, nil
}

// ToWireShares converts a PartyDeal into its wire representation.
func ToWireShares(d PartyDeal) []wire.DealShareWire {
	out := make([]wire.DealShareWire, len(d.Shares))
	for i, s := range d.Shares {
		out[i] = wire.DealShareWire{
			Share: s.Secret.Bytes(),
			Nonce: s.Nonce.Bytes(),
			Proof: toWireProof(s.Proof),
		}
	}
	return out
}

// FromWireShares is the inverse of ToWireShares, given the field prime.
func FromWireShares(w []wire.DealShareWire, prime *big.Int) PartyDeal {
	shares := make([]ShareEntry, len(w))
	for i, s := range w {
		shares[i] = ShareEntry{
			Secret: field.NewElement(new(big.Int).SetBytes(s.Share), prime),
			Nonce:  field.NewElement(new(big.Int).SetBytes(s.Nonce), prime),
			Proof:  fromWireProof(s.Proof),
		}
	}
	return PartyDeal{Shares: shares}
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

// ValidatePartyDeal checks every (secret, nonce, commitment, proof)
// against the delivered per-secret roots and the dealer's claimed master
// root (spec.md §4.3 "Receiver checks on dealing"). Any failure means
// the whole dealing is dropped (errkind.ErrProof / errkind.ErrDomain).
func ValidatePartyDeal(deal PartyDeal, perSecretRoots []ids.ID, claimedMaster ids.ID) bool {
	if len(deal.Shares) != len(perSecretRoots) {
		return false
	}
	for k, s := range deal.Shares {
		commitment := field.Commitment(s.Secret, s.Nonce)
		if !merkletree.Verify(s.Proof, commitment[:]) {
			return false
		}
		if s.Proof.Root != perSecretRoots[k] {
			return false
		}
	}
	masterLeaves := make([][]byte, len(perSecretRoots))
	for k, r := range perSecretRoots {
		rb := r
		masterLeaves[k] = rb[:]
	}
	root, _, err := merkletree.Build(masterLeaves)
	if err != nil || root != claimedMaster {
		return false
	}
	return true
}
