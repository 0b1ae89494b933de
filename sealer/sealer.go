// Package sealer encrypts values before they leave the device so the store
// of record only ever holds ciphertext.
package sealer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMalformed = errors.New("malformed sealed value")

var (
	keyDerivationTag = []byte("kvsync-value-encryption")
	nonceTag         = []byte("kvsync-value-nonce")
)

// Overhead is how much longer a sealed value is than its plaintext.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Sealer encrypts with XChaCha20-Poly1305. A sealed value is the nonce
// followed by the ciphertext. The nonce is derived from the secret key, the
// record key, its local version and the plaintext, so sealing the same
// version twice yields the same bytes.
type Sealer struct {
	key []byte
}

func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key size %v", len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// FromPrivateKey derives the value key from the signing key.
func FromPrivateKey(key *btcec.PrivateKey) (*Sealer, error) {
	return New(chainhash.TaggedHash(keyDerivationTag, key.Serialize())[:])
}

func (s *Sealer) Seal(key string, version uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	digest := chainhash.TaggedHash(nonceTag, s.key, []byte(key), v[:], plaintext)
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(nonce, digest[:])
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return plaintext, nil
}
