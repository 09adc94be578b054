package types

import (
	"errors"
	"testing"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	const addr = "ComputeBudget111111111111111111111111111111"
	p, err := PubkeyFromBase58(addr)
	if err != nil {
		t.Fatalf("PubkeyFromBase58() error = %v", err)
	}
	if p.String() != addr {
		t.Errorf("round trip = %s, want %s", p.String(), addr)
	}
	if p.IsZero() {
		t.Error("known program id reported as zero")
	}
	if !p.Equals(ComputeBudgetProgramID) {
		t.Error("parsed pubkey differs from the declared constant")
	}
}

func TestPubkeyFromBase58Invalid(t *testing.T) {
	if _, err := PubkeyFromBase58("abc"); !errors.Is(err, ErrInvalidPubkey) {
		t.Errorf("short input error = %v, want ErrInvalidPubkey", err)
	}
	if _, err := PubkeyFromBase58("not!base58!!"); err == nil {
		t.Error("invalid alphabet accepted")
	}
}

func TestMustPubkeyFromBase58Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustPubkeyFromBase58 did not panic on bad input")
		}
	}()
	MustPubkeyFromBase58("bad")
}

func TestPubkeyTextMarshaling(t *testing.T) {
	orig := SystemProgramID
	text, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	var parsed Pubkey
	if err := parsed.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if parsed != orig {
		t.Errorf("text round trip = %s, want %s", parsed, orig)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	raw := make([]byte, SignatureSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	sig, err := SignatureFromBytes(raw)
	if err != nil {
		t.Fatalf("SignatureFromBytes() error = %v", err)
	}
	if sig.IsZero() {
		t.Error("populated signature reported as zero")
	}

	parsed, err := SignatureFromBase58(sig.String())
	if err != nil {
		t.Fatalf("SignatureFromBase58() error = %v", err)
	}
	if parsed != sig {
		t.Error("base58 round trip changed the signature")
	}

	if _, err := SignatureFromBytes(raw[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("short bytes error = %v, want ErrInvalidSignature", err)
	}
}

func TestHashParsing(t *testing.T) {
	h, err := HashFromHex("0101010101010101010101010101010101010101010101010101010101010101")
	if err != nil {
		t.Fatalf("HashFromHex() error = %v", err)
	}
	if h.IsZero() {
		t.Error("populated hash reported as zero")
	}

	parsed, err := HashFromBase58(h.String())
	if err != nil {
		t.Fatalf("HashFromBase58() error = %v", err)
	}
	if parsed != h {
		t.Error("base58 round trip changed the hash")
	}

	if _, err := HashFromHex("0102"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("short hex error = %v, want ErrInvalidHash", err)
	}
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero hash not detected")
	}
}
