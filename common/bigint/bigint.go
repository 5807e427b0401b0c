package bigint

import "math/big"

// Clamp returns end when [start, end] holds at most size numbers, and
// start+size-1 otherwise.
func Clamp(start, end *big.Int, size uint64) *big.Int {
	temp := new(big.Int)
	count := temp.Sub(end, start).Uint64() + 1
	if count <= size {
		return end
	}

	// temp is re-used as the clamped end
	temp.Add(start, new(big.Int).SetUint64(size-1))
	return temp
}
