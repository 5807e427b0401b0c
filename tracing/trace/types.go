package trace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Transaction is the owning transaction of a recorded trace.
type Transaction struct {
	Hash        common.Hash
	BlockNumber uint64
	From        common.Address
	To          *common.Address // nil for contract creation
	Input       []byte
	Gas         uint64
	Value       *big.Int
}

// ToAddress returns the callee of the transaction, or the zero address for a creation.
func (tx *Transaction) ToAddress() common.Address {
	if tx.To == nil {
		return common.Address{}
	}
	return *tx.To
}

// StructLog is a single entry of the debug_traceTransaction structLogs array.
type StructLog struct {
	Pc      uint64   `json:"pc"`
	Op      string   `json:"op"`
	Gas     uint64   `json:"gas"`
	GasCost uint64   `json:"gasCost"`
	Depth   int      `json:"depth"`
	Stack   []string `json:"stack"`
	Memory  []string `json:"memory,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Step is one ingested instruction of a trace. Stack is ordered bottom to top,
// as the node reports it. Steps are immutable once ingested.
type Step struct {
	Index   uint64
	PC      uint64
	Op      string
	Gas     uint64
	GasCost uint64
	Depth   int
	Stack   []uint256.Int
	Memory  []byte
	Error   string
	Tx      *Transaction
}

// NewStep decodes a struct log into a step owned by tx.
func NewStep(index uint64, l StructLog, tx *Transaction) (*Step, error) {
	stack := make([]uint256.Int, len(l.Stack))
	for i, w := range l.Stack {
		v, err := ParseWord(w)
		if err != nil {
			return nil, fmt.Errorf("step %d: stack[%d]: %w", index, i, err)
		}
		stack[i] = v
	}
	var memory []byte
	if l.Memory != nil {
		mem, err := DecodeHex(strings.Join(l.Memory, ""))
		if err != nil {
			return nil, fmt.Errorf("step %d: memory: %w", index, err)
		}
		memory = mem
	}
	return &Step{
		Index:   index,
		PC:      l.Pc,
		Op:      l.Op,
		Gas:     l.Gas,
		GasCost: l.GasCost,
		Depth:   l.Depth,
		Stack:   stack,
		Memory:  memory,
		Error:   l.Error,
		Tx:      tx,
	}, nil
}

// Failed reports whether the node flagged this step with an execution error.
func (s *Step) Failed() bool {
	return s.Error != ""
}

// Peek returns the stack word n slots below the top (0 is the top).
func (s *Step) Peek(n int) (*uint256.Int, error) {
	if n < 0 || n >= len(s.Stack) {
		return nil, fmt.Errorf("%w: step %d (%s) needs %d entries, has %d",
			ErrStackUnderflow, s.Index, s.Op, n+1, len(s.Stack))
	}
	return &s.Stack[len(s.Stack)-1-n], nil
}

// PeekUint64 is Peek for words used as memory offsets and sizes.
func (s *Step) PeekUint64(n int) (uint64, error) {
	w, err := s.Peek(n)
	if err != nil {
		return 0, err
	}
	if !w.IsUint64() {
		return 0, fmt.Errorf("%w: step %d stack[%d] = %s", ErrWordOverflow, s.Index, n, w.Hex())
	}
	return w.Uint64(), nil
}

// MemorySlice returns memory[offset:offset+size]. Ranges reaching past the
// recorded image are truncated; a step recorded without memory fails unless
// size is zero.
func (s *Step) MemorySlice(offset, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if s.Memory == nil {
		return nil, fmt.Errorf("%w: step %d (%s)", ErrMissingMemory, s.Index, s.Op)
	}
	n := uint64(len(s.Memory))
	if offset >= n {
		return []byte{}, nil
	}
	end := offset + size
	if end > n || end < offset {
		end = n
	}
	return s.Memory[offset:end], nil
}

// SameTransaction reports whether both steps belong to one transaction.
func (s *Step) SameTransaction(o *Step) bool {
	if s.Tx == nil || o.Tx == nil {
		return s.Tx == o.Tx
	}
	return s.Tx.Hash == o.Tx.Hash
}
