package math

import (
	"math/big"
)

// DecodeIndexSet maps a single-outcome index set to its outcome index.
// Bit i set means outcome i, so only exact powers of two decode. Any other
// value (zero, negative, or a mask covering several outcomes) returns false.
func DecodeIndexSet(indexSet *big.Int) (int, bool) {
	if indexSet == nil || indexSet.Sign() <= 0 {
		return 0, false
	}

	// v & (v-1) == 0 only for powers of two
	minusOne := new(big.Int).Sub(indexSet, big.NewInt(1))
	if new(big.Int).And(indexSet, minusOne).Sign() != 0 {
		return 0, false
	}

	return indexSet.BitLen() - 1, true
}

// DecodedEntry is one partition entry that decoded to a single outcome.
type DecodedEntry struct {
	Position     int // position inside the partition array
	OutcomeIndex int
}

// DecodePartition decodes every entry of a partition and returns the
// decodable ones in partition order together with the number of skipped
// entries.
func DecodePartition(partition []*big.Int) ([]DecodedEntry, int) {
	decoded := make([]DecodedEntry, 0, len(partition))
	skipped := 0

	for i, indexSet := range partition {
		idx, ok := DecodeIndexSet(indexSet)
		if !ok {
			skipped++
			continue
		}
		decoded = append(decoded, DecodedEntry{Position: i, OutcomeIndex: idx})
	}

	return decoded, skipped
}

// PartitionDisjoint reports whether no two partition entries share a bit.
// The conditional-token contract rejects overlapping partitions, so a feed
// that carries one is malformed.
func PartitionDisjoint(partition []*big.Int) bool {
	seen := new(big.Int)
	overlap := new(big.Int)
	for _, indexSet := range partition {
		if indexSet == nil {
			return false
		}
		if overlap.And(seen, indexSet).Sign() != 0 {
			return false
		}
		seen.Or(seen, indexSet)
	}
	return true
}
