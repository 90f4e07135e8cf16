package core

import (
	"CTFLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const GenesisHashSeed = "CTFLedger:genesis:v1"

// GenesisHash is the chain tip before any event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher chains a hash over every applied event and the rows it wrote.
// Not thread-safe; owned by the engine's writer goroutine.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// Next computes state_hash[N] = SHA-256(prev_hash || tx_hash || log_index || state_digest)
// without advancing the chain.
func (h *StateHasher) Next(id event.EventID, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])
	hasher.Write([]byte(id.TxHash))

	var idxBuf [4]byte
	binary.LittleEndian.PutUint32(idxBuf[:], id.LogIndex)
	hasher.Write(idxBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Advance moves the chain tip to hash after a commit.
func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// HashString renders a state hash for logs and the status endpoint.
func HashString(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
