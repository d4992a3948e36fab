// Package wire defines the wire envelope and ProtMsg variants of spec.md
// §6, and a small versioned JSON codec for them — grounded in the
// teacher's codec.Codec / JSONCodec (codec/codec.go), generalized from a
// single-version passthrough to the concrete ProtMsg union this spec
// needs. ProtMsg is modeled as a oneof-style struct with one nullable
// pointer field per variant rather than a Go interface, since
// encoding/json has no native polymorphic-interface support; this mirrors
// how protobuf oneof fields
// are conventionally surfaced in hand-written Go wrappers across the
// pack (e.g. the teacher's proto/pb/p2p messages).
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/luxfi/ids"
)

// Replica identifies a participating node, an integer in [0,n) (GLOSSARY).
type Replica int

// CodecVersion mirrors the teacher's codec.CodecVersion; only one version
// is defined. The version is not encoded on the wire: Marshal rejects any
// version other than CurrentVersion, and Unmarshal always reports
// CurrentVersion.
type CodecVersion uint16

// CurrentVersion is the only version this build emits or accepts.
const CurrentVersion CodecVersion = 0

// MerkleProofWire is the wire form of a merkletree.Proof (see
// merkletree.Proof — kept distinct so package wire has no import-cycle
// dependency on merkletree's verification logic, only its data shape).
type MerkleProofWire struct {
	LeafIndex int        `json:"leaf_index"`
	Leaf      [32]byte   `json:"leaf"`
	Siblings  [][32]byte `json:"siblings"`
	LeftFlags []bool     `json:"left_flags"`
	Root      ids.ID     `json:"root"`
}

// CTRBCMsg carries one shard + its authenticating proof for one
// (round, origin) CT-RBC instance, reused across INIT/ECHO/READY/RECON
// (spec.md §6).
type CTRBCMsg struct {
	Round  uint64          `json:"round"`
	Origin Replica         `json:"origin"`
	Shard  []byte          `json:"shard"`
	Proof  MerkleProofWire `json:"proof"`
}

// ProtMsg is the tagged union of spec.md §6 "ProtMsg variants". Exactly
// one of the embedded pointer fields is non-nil on the wire; Kind()
// identifies which.
type ProtMsg struct {
	RBCInit         *RBCInitMsg         `json:"rbc_init,omitempty"`
	RBCEcho         *RBCEchoMsg         `json:"rbc_echo,omitempty"`
	RBCReady        *RBCReadyMsg        `json:"rbc_ready,omitempty"`
	RBCRecon        *RBCReconMsg        `json:"rbc_recon,omitempty"`
	BatchWSSInit    *BatchWSSInitMsg    `json:"batch_wss_init,omitempty"`
	BatchWSSEcho    *BatchWSSEchoMsg    `json:"batch_wss_echo,omitempty"`
	BatchWSSReady   *BatchWSSEchoMsg    `json:"batch_wss_ready,omitempty"`
	BatchWSSRecon   *BatchWSSEchoMsg    `json:"batch_wss_recon,omitempty"`
	BatchSecretReveal *BatchSecretRevealMsg `json:"batch_secret_reveal,omitempty"`
	GatherEcho      *GatherMsg          `json:"gather_echo,omitempty"`
	GatherEcho2     *GatherMsg          `json:"gather_echo2,omitempty"`
	BAAEcho1        *BAAEchoMsg         `json:"baa_echo1,omitempty"`
	BAAEcho2        *BAAEchoMsg         `json:"baa_echo2,omitempty"`
	DAGVertex       *DAGVertexMsg       `json:"dag_vertex,omitempty"`
}

// Kind is a human-readable discriminator, used for logging and metrics
// labels rather than dispatch (dispatch switches on the non-nil field
// directly).
func (m ProtMsg) Kind() string {
	switch {
	case m.RBCInit != nil:
		return "RBCInit"
	case m.RBCEcho != nil:
		return "RBCEcho"
	case m.RBCReady != nil:
		return "RBCReady"
	case m.RBCRecon != nil:
		return "RBCRecon"
	case m.BatchWSSInit != nil:
		return "BatchWSSInit"
	case m.BatchWSSEcho != nil:
		return "BatchWSSEcho"
	case m.BatchWSSReady != nil:
		return "BatchWSSReady"
	case m.BatchWSSRecon != nil:
		return "BatchWSSRecon"
	case m.BatchSecretReveal != nil:
		return "BatchSecretReveal"
	case m.GatherEcho != nil:
		return "GatherEcho"
	case m.GatherEcho2 != nil:
		return "GatherEcho2"
	case m.BAAEcho1 != nil:
		return "BAAEcho1"
	case m.BAAEcho2 != nil:
		return "BAAEcho2"
	case m.DAGVertex != nil:
		return "DAGVertex"
	default:
		return "Unknown"
	}
}

// RBCInitMsg: rbc_init(round, payload) dissemination to one peer.
type RBCInitMsg struct {
	Round  uint64          `json:"round"`
	Origin Replica         `json:"origin"`
	Shard  []byte          `json:"shard"`
	Proof  MerkleProofWire `json:"proof"`
}

// RBCEchoMsg, RBCReadyMsg, RBCReconMsg: the three amplification phases,
// each carrying the sender's own shard + proof (spec.md §6).
type RBCEchoMsg struct {
	CTRBCMsg
	Sender Replica `json:"sender"`
}
type RBCReadyMsg struct {
	CTRBCMsg
	Sender Replica `json:"sender"`
}
type RBCReconMsg struct {
	CTRBCMsg
	Sender Replica `json:"sender"`
}

// DealShareWire is one party's share of one Batch-WSS secret (spec.md
// §4.3 BatchWSSDeal).
type DealShareWire struct {
	Share  []byte          `json:"share"`
	Nonce  []byte          `json:"nonce"`
	Proof  MerkleProofWire `json:"proof"`
}

// BatchWSSInitMsg carries the dealer's per-party dealing piggybacked
// alongside the CT-RBC wrapper that disseminates the master-root vector
// (spec.md §4.3, §6).
type BatchWSSInitMsg struct {
	Dealer     Replica         `json:"dealer"`
	MasterRoot ids.ID          `json:"master_root"`
	Shares     []DealShareWire `json:"shares"` // one per secret index k
	CTRBC      RBCInitMsg      `json:"ct_rbc"`
}

// BatchWSSEchoMsg is reused (per spec.md §6 "BatchWSSEcho / Ready /
// Recon(ct_rbc_wrapper, master_root, sender)") for all three CT-RBC
// amplification phases of the outer master-root broadcast.
type BatchWSSEchoMsg struct {
	Dealer     Replica    `json:"dealer"`
	MasterRoot ids.ID     `json:"master_root"`
	CTRBC      CTRBCMsg   `json:"ct_rbc"`
	Sender     Replica    `json:"sender"`
}

// CoinShareWire is one revealed coin share for one (dealer, coin index).
type CoinShareWire struct {
	Secret []byte          `json:"secret"`
	Nonce  []byte          `json:"nonce"`
	Proof  MerkleProofWire `json:"proof"`
}

// BatchSecretRevealMsg: BatchSecretReveal(shares_for_coin_k, sender,
// coin_index) — keyed by dealer below since one reveal message names
// shares from potentially many dealers for the same coin index.
type BatchSecretRevealMsg struct {
	CoinIndex int                     `json:"coin_index"`
	Sender    Replica                 `json:"sender"`
	Shares    map[Replica]CoinShareWire `json:"shares"` // dealer -> share
}

// GatherMsg: GatherEcho / GatherEcho2(indices, sender) (spec.md §6).
type GatherMsg struct {
	Indices []Replica `json:"indices"`
	Sender  Replica   `json:"sender"`
}

// BAADealerValue is one (dealer, value) pair of a bundled BAA echo.
type BAADealerValue struct {
	Dealer Replica `json:"dealer"`
	Value  []byte  `json:"value"` // int64 as 8 bytes, big-endian
}

// BAAEchoMsg: BAAEcho1 / BAAEcho2(vec<(dealer, bigint_bytes)>, sender,
// round) (spec.md §6).
type BAAEchoMsg struct {
	Values []BAADealerValue `json:"values"`
	Sender Replica          `json:"sender"`
	Round  uint64           `json:"round"`
}

// EdgeWire is one DAG parent edge (origin, round, digest) (spec.md §3).
type EdgeWire struct {
	Origin Replica `json:"origin"`
	Round  uint64  `json:"round"`
	Digest ids.ID  `json:"digest"`
}

// DAGVertexMsg: DAGVertex{payload, strong_parents, weak_parents, round,
// origin} — carried as the CT-RBC payload (spec.md §6), so this struct is
// what gets JSON-marshaled and handed to rbc.Init as the payload bytes,
// not sent as its own ProtMsg variant on the wire.
type DAGVertexMsg struct {
	Origin        Replica    `json:"origin"`
	Round         uint64     `json:"round"`
	StrongParents []EdgeWire `json:"strong_parents"`
	WeakParents   []EdgeWire `json:"weak_parents"`
	Payload       [][]byte   `json:"payload"`
}

// WrapperMsg is the authenticated envelope of spec.md §6: every outbound
// message is wrapped with a MAC computed over the encoded payload using
// the pairwise key for (sender,receiver).
type WrapperMsg struct {
	Payload ProtMsg `json:"payload"`
	Sender  Replica `json:"sender"`
	MAC     [32]byte `json:"mac"`
}

// EncodePayload deterministically encodes payload for MAC computation and
// for wire transmission (spec.md §6 "mac = MAC(K, encode(payload))").
func EncodePayload(payload ProtMsg) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return b, nil
}

// ComputeMAC computes MAC(key, encode(payload)) using HMAC-SHA256. No
// ecosystem MAC library is better suited than crypto/hmac for a plain
// keyed-MAC construction (see DESIGN.md).
func ComputeMAC(key []byte, payload ProtMsg) ([32]byte, error) {
	enc, err := EncodePayload(payload)
	if err != nil {
		return [32]byte{}, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(enc)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// NewWrapperMsg builds and MACs an outbound envelope.
func NewWrapperMsg(payload ProtMsg, sender Replica, key []byte) (WrapperMsg, error) {
	m, err := ComputeMAC(key, payload)
	if err != nil {
		return WrapperMsg{}, err
	}
	return WrapperMsg{Payload: payload, Sender: sender, MAC: m}, nil
}

// VerifyMAC checks w.MAC against key using constant-time comparison, per
// spec.md §4.1 "Inbound messages with a failing MAC are dropped silently
// and logged".
func VerifyMAC(w WrapperMsg, key []byte) bool {
	want, err := ComputeMAC(key, w.Payload)
	if err != nil {
		return false
	}
	return hmac.Equal(want[:], w.MAC[:])
}

// Marshal / Unmarshal provide the teacher's versioned-codec shape
// (codec.Codec.Marshal/Unmarshal) over WrapperMsg, for use by a future
// real transport (TCP framing is out of scope per spec.md §1, so this is
// exercised directly by tests today rather than by a network listener).
func Marshal(version CodecVersion, w WrapperMsg) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("wire: unsupported codec version %d", version)
	}
	return json.Marshal(w)
}

func Unmarshal(data []byte) (WrapperMsg, CodecVersion, error) {
	var w WrapperMsg
	if err := json.Unmarshal(data, &w); err != nil {
		return WrapperMsg{}, 0, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return w, CurrentVersion, nil
}
