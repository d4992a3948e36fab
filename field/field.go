// Package field implements prime-field arithmetic, Shamir (f+1, 3f+1)
// secret sharing, and the H(secret+nonce) commitment scheme spec.md §4.3
// and §4.6 need.
//
// No dependency in the retrieval pack offers Shamir sharing over an
// arbitrary prime field with the specific "coin share reveal + Lagrange
// reconstruction + linear mix with a BAA output" composition spec.md §4.6
// requires (see DESIGN.md for the considered alternatives and why they
// don't fit). This is implemented directly on math/big, matching the
// original source's use of num_bigint::BigInt for the same arithmetic.
package field

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

// Element is a value in Z_p, always kept reduced into [0, p).
type Element struct {
	v *big.Int
	p *big.Int
}

// NewElement reduces v modulo p and returns the resulting Element.
func NewElement(v *big.Int, p *big.Int) Element {
	r := new(big.Int).Mod(v, p)
	return Element{v: r, p: p}
}

// FromInt64 builds an Element from a plain int64.
func FromInt64(v int64, p *big.Int) Element {
	return NewElement(big.NewInt(v), p)
}

// Big returns the underlying big.Int (never mutate the result).
func (e Element) Big() *big.Int { return e.v }

// Bytes returns the big-endian byte encoding of the element.
func (e Element) Bytes() []byte { return e.v.Bytes() }

// Add returns e + o mod p.
func (e Element) Add(o Element) Element {
	return NewElement(new(big.Int).Add(e.v, o.v), e.p)
}

// Mul returns e * o mod p.
func (e Element) Mul(o Element) Element {
	return NewElement(new(big.Int).Mul(e.v, o.v), e.p)
}

// Sub returns e - o mod p.
func (e Element) Sub(o Element) Element {
	return NewElement(new(big.Int).Sub(e.v, o.v), e.p)
}

// Inverse returns the multiplicative inverse of e mod p (p must be prime;
// e must be nonzero). Used by Lagrange interpolation denominators.
func (e Element) Inverse() (Element, bool) {
	if e.v.Sign() == 0 {
		return Element{}, false
	}
	inv := new(big.Int).ModInverse(e.v, e.p)
	if inv == nil {
		return Element{}, false
	}
	return Element{v: inv, p: e.p}, true
}

// Share is one party's Shamir share of a secret: the evaluation of a
// degree-f polynomial at x = partyIndex+1 (x=0 is reserved for the
// secret itself, matching standard Shamir conventions).
type Share struct {
	X Element
	Y Element
}

// Split shares `secret` as a Shamir (f+1, n) sharing: the secret is the
// polynomial's constant term, f random coefficients are drawn, and the
// polynomial is evaluated at x=1..n (one share per replica). f+1 shares
// are needed to reconstruct (spec.md §4.3: "Shamir (f+1, 3f+1)").
func Split(secret Element, f, n int, randCoeffs []Element) []Share {
	p := secret.p
	coeffs := make([]Element, f+1)
	coeffs[0] = secret
	for i := 1; i <= f; i++ {
		if i-1 < len(randCoeffs) {
			coeffs[i] = randCoeffs[i-1]
		} else {
			coeffs[i] = FromInt64(0, p)
		}
	}
	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := FromInt64(int64(i+1), p)
		shares[i] = Share{X: x, Y: evalPoly(coeffs, x)}
	}
	return shares
}

func evalPoly(coeffs []Element, x Element) Element {
	p := x.p
	acc := FromInt64(0, p)
	xPow := FromInt64(1, p)
	for _, c := range coeffs {
		acc = acc.Add(c.Mul(xPow))
		xPow = xPow.Mul(x)
	}
	return acc
}

// Reconstruct recovers the secret (the polynomial's value at x=0) from at
// least f+1 shares via Lagrange interpolation. Returns false if fewer
// than f+1 distinct-x shares are supplied or interpolation hits a
// singular term (duplicate x values) — callers treat this as
// errkind.ErrDomain, dropping the offending share and retrying with the
// remaining ones (spec.md §7).
func Reconstruct(shares []Share, f int, p *big.Int) (Element, bool) {
	if len(shares) < f+1 {
		return Element{}, false
	}
	used := shares[:f+1]
	zero := FromInt64(0, p)
	secret := zero
	for i, si := range used {
		num := FromInt64(1, p)
		den := FromInt64(1, p)
		for j, sj := range used {
			if i == j {
				continue
			}
			num = num.Mul(zero.Sub(sj.X))
			den = den.Mul(si.X.Sub(sj.X))
		}
		denInv, ok := den.Inverse()
		if !ok {
			return Element{}, false
		}
		lagrange := num.Mul(denInv)
		secret = secret.Add(si.Y.Mul(lagrange))
	}
	return secret, true
}

// Commitment computes H(secret + nonce), the binding commitment spec.md
// §4.3 requires per share: "c_k^{(i)} = H(s_k^{(i)} + r_k^{(i)})".
func Commitment(secret, nonce Element) [32]byte {
	sum := secret.Add(nonce)
	return sha256.Sum256(sum.Bytes())
}

// RandomElement derives a field element deterministically from a seed and
// index by hashing them with SHA-256 and reducing mod p. Package wss does
// not use it: the dealer draws its secrets, nonces and coefficients from
// crypto/rand directly.
func RandomElement(seed []byte, index int, p *big.Int) Element {
	buf := make([]byte, len(seed)+8)
	copy(buf, seed)
	binary.BigEndian.PutUint64(buf[len(seed):], uint64(index))
	h := sha256.Sum256(buf)
	return NewElement(new(big.Int).SetBytes(h[:]), p)
}
