package crypto

// rsa.go implements the asymmetric half of the replica pipeline: textbook
// RSA over fixed-size blocks. Each plaintext block of BlockSizeRSA-2 bytes
// encrypts to exactly BlockSizeRSA bytes. No padding scheme is involved;
// uniqueness comes from the AES layer underneath, and the 2-byte headroom
// plus the minimum-modulus requirement guarantee that a block never exceeds
// the modulus.

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
)

const (
	// BlockSizeRSA is the size of one encrypted replica block in bytes. The
	// RSA modulus is BlockSizeRSA*8 bits.
	BlockSizeRSA = 128

	// PlainBlockSize is the number of plaintext bytes carried by each
	// replica block.
	PlainBlockSize = BlockSizeRSA - 2

	// rsaExponent is the public exponent used for replica keys. 3 keeps
	// keeper-side verification cheap.
	rsaExponent = 3
)

var (
	// ErrNoPrivateKey is returned when a decryption is attempted with a key
	// that only carries the public half.
	ErrNoPrivateKey = errors.New("rsa key does not contain a private part")

	errBlockTooLarge = errors.New("rsa block exceeds the modulus")
)

// An RSAKey holds a replica's asymmetric key. The private half is present on
// the customer that generated the key and absent on keepers, which only ever
// see the public PEM.
type RSAKey struct {
	pub  rsa.PublicKey
	priv *rsa.PrivateKey
}

// minModulus returns the smallest acceptable modulus: two zero bytes
// followed by BlockSizeRSA-2 bytes of 0xff. Any modulus above this bound
// strictly dominates every possible plaintext block.
func minModulus() *big.Int {
	b := make([]byte, BlockSizeRSA)
	for i := 2; i < len(b); i++ {
		b[i] = 0xff
	}
	return new(big.Int).SetBytes(b)
}

// GenerateRSAKey creates a fresh replica key, retrying until the modulus
// exceeds the protocol minimum.
func GenerateRSAKey() (*RSAKey, error) {
	min := minModulus()
	for {
		priv, err := generateExponent3Key()
		if err != nil {
			return nil, err
		}
		if priv.N.BitLen() != BlockSizeRSA*8 {
			continue
		}
		if priv.N.Cmp(min) <= 0 {
			continue
		}
		return &RSAKey{pub: priv.PublicKey, priv: priv}, nil
	}
}

// generateExponent3Key builds a BlockSizeRSA*8 bit RSA key with public
// exponent 3. The standard library fixes the exponent at 65537, so the
// primes are drawn directly: both must be != 1 mod 3 for the exponent to be
// invertible.
func generateExponent3Key() (*rsa.PrivateKey, error) {
	one := big.NewInt(1)
	three := big.NewInt(rsaExponent)
	for {
		p, err := rand.Prime(rand.Reader, BlockSizeRSA*8/2)
		if err != nil {
			return nil, err
		}
		q, err := rand.Prime(rand.Reader, BlockSizeRSA*8/2)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}
		pMinus1 := new(big.Int).Sub(p, one)
		qMinus1 := new(big.Int).Sub(q, one)
		if new(big.Int).Mod(pMinus1, three).Sign() == 0 || new(big.Int).Mod(qMinus1, three).Sign() == 0 {
			continue
		}
		phi := new(big.Int).Mul(pMinus1, qMinus1)
		d := new(big.Int).ModInverse(three, phi)
		if d == nil {
			continue
		}
		priv := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{
				N: new(big.Int).Mul(p, q),
				E: rsaExponent,
			},
			D:      d,
			Primes: []*big.Int{p, q},
		}
		priv.Precompute()
		return priv, nil
	}
}

// EncryptBlock encrypts up to PlainBlockSize bytes into exactly BlockSizeRSA
// bytes. Shorter final blocks are implicitly right-padded with zeros.
func (k *RSAKey) EncryptBlock(plain []byte) ([]byte, error) {
	if len(plain) > PlainBlockSize {
		return nil, errBlockTooLarge
	}
	padded := make([]byte, PlainBlockSize)
	copy(padded, plain)
	m := new(big.Int).SetBytes(padded)
	if m.Cmp(k.pub.N) >= 0 {
		return nil, errBlockTooLarge
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(k.pub.E)), k.pub.N)
	out := make([]byte, BlockSizeRSA)
	c.FillBytes(out)
	return out, nil
}

// DecryptBlock decrypts a BlockSizeRSA-byte block back into PlainBlockSize
// bytes. It fails if the key carries no private half.
func (k *RSAKey) DecryptBlock(block []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}
	if len(block) != BlockSizeRSA {
		return nil, errors.New("rsa block has wrong length")
	}
	c := new(big.Int).SetBytes(block)
	if c.Cmp(k.pub.N) >= 0 {
		return nil, errBlockTooLarge
	}
	m := new(big.Int).Exp(c, k.priv.D, k.pub.N)
	out := make([]byte, PlainBlockSize)
	m.FillBytes(out)
	return out, nil
}

// HasPrivate reports whether the key can decrypt.
func (k *RSAKey) HasPrivate() bool {
	return k.priv != nil
}

// MarshalPublicPEM encodes the public half as a PKCS#1 PEM block. This is
// the form carried inside a ReplicaStream.
func (k *RSAKey) MarshalPublicPEM() []byte {
	der := x509.MarshalPKCS1PublicKey(&k.pub)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})
}

// MarshalPrivatePEM encodes the full key as a PKCS#1 PEM block, or nil if
// only the public half is present. This is the form retained by a customer.
func (k *RSAKey) MarshalPrivatePEM() []byte {
	if k.priv == nil {
		return nil
	}
	der := x509.MarshalPKCS1PrivateKey(k.priv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

// ParseRSAKey decodes a PEM-encoded key, public or private.
func ParseRSAKey(pemBytes []byte) (*RSAKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block found in rsa key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return &RSAKey{pub: priv.PublicKey, priv: priv}, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return &RSAKey{pub: *pub}, nil
	default:
		return nil, errors.New("unrecognized pem block type " + block.Type)
	}
}
