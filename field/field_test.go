package field

import (
	"math/big"
	"testing"
)

var testPrime = big.NewInt(685373784908497)

func TestSplitReconstructRoundTrip(t *testing.T) {
	f, n := 3, 10
	secret := FromInt64(42, testPrime)
	coeffs := make([]Element, f)
	for i := range coeffs {
		coeffs[i] = RandomElement([]byte("seed"), i, testPrime)
	}

	shares := Split(secret, f, n, coeffs)
	if len(shares) != n {
		t.Fatalf("expected %d shares, got %d", n, len(shares))
	}

	got, ok := Reconstruct(shares[:f+1], f, testPrime)
	if !ok {
		t.Fatal("Reconstruct failed with f+1 shares")
	}
	if got.Big().Cmp(secret.Big()) != 0 {
		t.Fatalf("reconstructed secret mismatch: got %v want %v", got.Big(), secret.Big())
	}

	// Any other f+1 subset should also reconstruct the same secret.
	got2, ok := Reconstruct(shares[n-f-1:], f, testPrime)
	if !ok {
		t.Fatal("Reconstruct failed with a different f+1 subset")
	}
	if got2.Big().Cmp(secret.Big()) != 0 {
		t.Fatalf("subset reconstruction mismatch: got %v want %v", got2.Big(), secret.Big())
	}
}

func TestReconstructFailsWithTooFewShares(t *testing.T) {
	f, n := 3, 10
	secret := FromInt64(7, testPrime)
	shares := Split(secret, f, n, nil)

	if _, ok := Reconstruct(shares[:f], f, testPrime); ok {
		t.Fatal("expected Reconstruct to fail with only f shares")
	}
}

func TestAddSubMulIdentities(t *testing.T) {
	a := FromInt64(17, testPrime)
	b := FromInt64(5, testPrime)

	if a.Sub(b).Add(b).Big().Cmp(a.Big()) != 0 {
		t.Fatal("(a-b)+b should equal a")
	}
	if a.Mul(FromInt64(1, testPrime)).Big().Cmp(a.Big()) != 0 {
		t.Fatal("a*1 should equal a")
	}
}

func TestInverse(t *testing.T) {
	a := FromInt64(123456, testPrime)
	inv, ok := a.Inverse()
	if !ok {
		t.Fatal("expected a nonzero element to have an inverse")
	}
	if a.Mul(inv).Big().Cmp(big.NewInt(1)) != 0 {
		t.Fatal("a * a^-1 should equal 1")
	}

	zero := FromInt64(0, testPrime)
	if _, ok := zero.Inverse(); ok {
		t.Fatal("expected zero to have no inverse")
	}
}

func TestCommitmentDeterministicAndSensitive(t *testing.T) {
	secret := FromInt64(99, testPrime)
	nonce := FromInt64(7, testPrime)

	c1 := Commitment(secret, nonce)
	c2 := Commitment(secret, nonce)
	if c1 != c2 {
		t.Fatal("Commitment should be deterministic for the same inputs")
	}

	c3 := Commitment(FromInt64(100, testPrime), nonce)
	if c1 == c3 {
		t.Fatal("Commitment should differ for a different secret")
	}
}

func TestRandomElementVariesByIndex(t *testing.T) {
	seed := []byte("dealer-seed")
	a := RandomElement(seed, 0, testPrime)
	b := RandomElement(seed, 1, testPrime)
	if a.Big().Cmp(b.Big()) == 0 {
		t.Fatal("expected distinct indices to produce distinct elements")
	}
}
