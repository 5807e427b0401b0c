package trace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrStackUnderflow = errors.New("stack underflow")
	ErrMissingMemory  = errors.New("memory not recorded")
	ErrWordOverflow   = errors.New("word does not fit in uint64")
	ErrPrunedStep     = errors.New("step pruned from trace window")
	ErrBadWord        = errors.New("malformed hex word")
)

// IsMalformed reports whether err is a data-shape problem of the recorded trace.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrStackUnderflow) ||
		errors.Is(err, ErrMissingMemory) ||
		errors.Is(err, ErrWordOverflow) ||
		errors.Is(err, ErrBadWord)
}

// DecodeHex decodes hex with or without 0x prefix, tolerating odd length.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadWord, err)
	}
	return b, nil
}

// ParseWord parses an EVM stack word as reported by the node, padded or compact.
func ParseWord(s string) (uint256.Int, error) {
	var w uint256.Int
	b, err := DecodeHex(s)
	if err != nil {
		return w, err
	}
	if len(b) > 32 {
		return w, fmt.Errorf("%w: %d bytes", ErrBadWord, len(b))
	}
	w.SetBytes(b)
	return w, nil
}

// NormalizeAddress keeps the low 20 bytes of a 32-byte word.
func NormalizeAddress(w *uint256.Int) common.Address {
	return common.Address(w.Bytes20())
}

// NormalizeHexAddress normalizes a padded hex word to a 20-byte address.
func NormalizeHexAddress(s string) (common.Address, error) {
	w, err := ParseWord(s)
	if err != nil {
		return common.Address{}, err
	}
	return NormalizeAddress(&w), nil
}

// AddressString renders an address the way detections report it: lowercase, 0x-prefixed.
func AddressString(a common.Address) string {
	return strings.ToLower(a.Hex())
}
