package engine

import "math/big"

// Integer helpers for products that can exceed 64 bits. All matching,
// margin and funding math stays on integer ticks/lots; intermediate
// products go through big.Int so results match on-chain uint256
// arithmetic exactly. No floats anywhere.

// MulDiv computes a*b/den with a 128-bit intermediate product,
// truncating toward zero like Solidity integer division.
func MulDiv(a, b, den int64) int64 {
	if den == 0 {
		return 0
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(den))
	return r.Int64()
}

// WeightedAvg returns the size-weighted average of (oldPrice over
// oldSize) and (price over size). The sum is divided once so the
// result never drifts below the exact truncated average.
func WeightedAvg(oldPrice, oldSize, price, size int64) int64 {
	total := oldSize + size
	if total == 0 {
		return 0
	}
	r := new(big.Int).Mul(big.NewInt(oldPrice), big.NewInt(oldSize))
	r.Add(r, new(big.Int).Mul(big.NewInt(price), big.NewInt(size)))
	r.Quo(r, big.NewInt(total))
	return r.Int64()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
