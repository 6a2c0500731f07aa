package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ScalarFieldOrder is the BN254 scalar field prime. Leaf commitments and
// nullifiers produced by the proof system are elements of this field.
var ScalarFieldOrder *big.Int

func init() {
	ScalarFieldOrder, _ = big.NewInt(0).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)
}

// ErrNotFieldElement indicates a value outside the valid field range.
var ErrNotFieldElement = errors.New("value is not a valid field element")

// ParseFieldElement decodes a hex-encoded field element, with or without a 0x
// prefix. The element must be non-zero and strictly less than the field order.
func ParseFieldElement(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrNotFieldElement)
	}

	v, ok := big.NewInt(0).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("%w: invalid hex %q", ErrNotFieldElement, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be non-zero", ErrNotFieldElement)
	}
	if v.Cmp(ScalarFieldOrder) >= 0 {
		return nil, fmt.Errorf("%w: exceeds field order", ErrNotFieldElement)
	}
	return v, nil
}

// PathIndices derives the left/right direction bits for a leaf's Merkle path
// from its index, least significant bit first. A stored leaf index fully
// determines the path directions, so they are never persisted separately.
func PathIndices(leafIndex uint64, depth int) []int {
	indices := make([]int, depth)
	for i := 0; i < depth; i++ {
		indices[i] = int((leafIndex >> uint(i)) & 1)
	}
	return indices
}
