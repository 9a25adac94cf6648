package confidential

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer is the client side of the input path: it encrypts a plaintext
// amount under the network key, bound to the submitting account.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(networkKey []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(networkKey)
	if err != nil {
		return nil, fmt.Errorf("network key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts amount for owner. Blob layout: nonce || sealed(uint64 BE).
func (s *Sealer) Seal(owner common.Address, amount uint64) (Ciphertext, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+8+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("nonce: %w", err)
	}
	blob := s.aead.Seal(nonce, nonce, plainBytes(amount), owner.Bytes())
	return Ciphertext{Blob: blob, Proof: InputProof(owner, blob)}, nil
}

// InputProof binds a blob to its submitter.
func InputProof(owner common.Address, blob []byte) []byte {
	return crypto.Keccak256(owner.Bytes(), blob)
}
