package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "ConfidentialPerp:genesis:v1"

// StateHasher chains a hash over the public state digest of every
// envelope. The digest holds handles and metadata only, so the chain can be
// audited without any plaintext.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// NewStateHasherFrom continues an existing chain, e.g. from the last
// persisted envelope.
func NewStateHasherFrom(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
