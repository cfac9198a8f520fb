package crypto

import (
	"bytes"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
)

// TestRSABlockRoundTrip verifies that DecryptBlock inverts EncryptBlock for
// full and partial blocks.
func TestRSABlockRoundTrip(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	key, err := GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}

	full := fastrand.Bytes(PlainBlockSize)
	enc, err := key.EncryptBlock(full)
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != BlockSizeRSA {
		t.Fatal("ciphertext block has wrong length:", len(enc))
	}
	dec, err := key.DecryptBlock(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, full) {
		t.Error("full block did not survive the round trip")
	}

	// A short final block decrypts to itself followed by zero padding.
	partial := fastrand.Bytes(10)
	enc, err = key.EncryptBlock(partial)
	if err != nil {
		t.Fatal(err)
	}
	dec, err = key.DecryptBlock(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec[:10], partial) {
		t.Error("partial block did not survive the round trip")
	}
	for _, b := range dec[10:] {
		if b != 0 {
			t.Fatal("partial block padding is not zero")
		}
	}
}

// TestRSAPEMRoundTrip verifies both PEM encodings and that a parsed public
// key refuses to decrypt.
func TestRSAPEMRoundTrip(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	key, err := GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}
	plain := fastrand.Bytes(PlainBlockSize)
	enc, err := key.EncryptBlock(plain)
	if err != nil {
		t.Fatal(err)
	}

	privKey, err := ParseRSAKey(key.MarshalPrivatePEM())
	if err != nil {
		t.Fatal(err)
	}
	if !privKey.HasPrivate() {
		t.Fatal("parsed private key lost its private part")
	}
	dec, err := privKey.DecryptBlock(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, plain) {
		t.Error("parsed private key cannot decrypt")
	}

	pubKey, err := ParseRSAKey(key.MarshalPublicPEM())
	if err != nil {
		t.Fatal(err)
	}
	if pubKey.HasPrivate() {
		t.Fatal("public pem produced a private key")
	}
	if pubKey.MarshalPrivatePEM() != nil {
		t.Error("public key marshalled a private pem")
	}
	if _, err := pubKey.DecryptBlock(enc); err != ErrNoPrivateKey {
		t.Error("public key decryption did not fail with ErrNoPrivateKey:", err)
	}

	// The public half must still encrypt compatibly.
	enc2, err := pubKey.EncryptBlock(plain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc, enc2) {
		t.Error("public-only key encrypts differently")
	}
}

// TestRSAOversizeBlock verifies the block length guard.
func TestRSAOversizeBlock(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	key, err := GenerateRSAKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := key.EncryptBlock(make([]byte, PlainBlockSize+1)); err == nil {
		t.Error("oversize block was accepted")
	}
}
