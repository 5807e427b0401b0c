// Package resolver reconstructs, for every step of a trace, which contract is
// executing and which input it received, from call-depth transitions.
package resolver

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

var ErrCreateUnresolved = errors.New("created contract address not found in trace")

// TransitionKind tells what a resolved step did to the call stack.
type TransitionKind int

const (
	NoTransition TransitionKind = iota
	Descend
	Return
)

// Transition describes a call-stack change caused by a step.
type Transition struct {
	Kind TransitionKind
	From common.Address
	To   common.Address
}

// Resolver owns the session-scoped call stack of contract addresses together
// with the per-step contract address and contract input.
type Resolver struct {
	window *trace.Window

	tx        *trace.Transaction
	callStack []common.Address
	current   common.Address
	lastInput []byte

	addresses map[uint64]common.Address
	inputs    map[uint64][]byte
}

func NewResolver(window *trace.Window) *Resolver {
	return &Resolver{
		window:    window,
		addresses: make(map[uint64]common.Address),
		inputs:    make(map[uint64][]byte),
	}
}

// Resolve consumes step, which must be the successor of the previously
// resolved step, and updates the call stack and contract input.
func (r *Resolver) Resolve(step *trace.Step) (Transition, error) {
	if r.tx == nil || step.Tx == nil || r.tx.Hash != step.Tx.Hash {
		r.begin(step.Tx)
	}

	input, err := r.contractInput(step)
	if err != nil {
		if !step.Failed() || !trace.IsMalformed(err) {
			return Transition{}, err
		}
		// an aborted call may carry a truncated stack
		input = r.inherited()
	}
	r.inputs[step.Index] = input
	r.lastInput = input
	r.addresses[step.Index] = r.current

	next, ok := r.window.Next(step)
	if !ok {
		return Transition{}, nil
	}

	if isCall(step.Op) && next.Depth > step.Depth {
		callee, err := r.callee(step)
		if err != nil {
			return Transition{}, err
		}
		t := Transition{Kind: Descend, From: r.current, To: callee}
		r.callStack = append(r.callStack, r.current)
		r.current = callee
		return t, nil
	}

	if next.Depth < step.Depth {
		t := Transition{Kind: Return, From: r.current}
		if n := len(r.callStack); n > 0 {
			r.current = r.callStack[n-1]
			r.callStack = r.callStack[:n-1]
		} else {
			r.current = r.tx.ToAddress()
		}
		t.To = r.current
		return t, nil
	}
	return Transition{}, nil
}

func (r *Resolver) begin(tx *trace.Transaction) {
	r.tx = tx
	r.callStack = r.callStack[:0]
	r.lastInput = nil
	if tx != nil {
		r.current = tx.ToAddress()
	} else {
		r.current = common.Address{}
	}
}

func (r *Resolver) contractInput(step *trace.Step) ([]byte, error) {
	var offIdx, sizeIdx int
	switch step.Op {
	case "CALL", "CALLCODE":
		offIdx, sizeIdx = 3, 4
	case "DELEGATECALL", "STATICCALL":
		offIdx, sizeIdx = 2, 3
	default:
		return r.inherited(), nil
	}
	offset, err := step.PeekUint64(offIdx)
	if err != nil {
		return nil, err
	}
	size, err := step.PeekUint64(sizeIdx)
	if err != nil {
		return nil, err
	}
	return step.MemorySlice(offset, size)
}

func (r *Resolver) inherited() []byte {
	if r.lastInput != nil {
		return r.lastInput
	}
	if r.tx == nil {
		return []byte{}
	}
	return r.tx.Input
}

func (r *Resolver) callee(step *trace.Step) (common.Address, error) {
	switch step.Op {
	case "CREATE", "CREATE2":
		// The deployed address is the caller's top of stack once depth returns.
		cur := step
		for {
			n, ok := r.window.Next(cur)
			if !ok {
				return common.Address{}, fmt.Errorf("%w: step %d", ErrCreateUnresolved, step.Index)
			}
			if n.Depth <= step.Depth {
				w, err := n.Peek(0)
				if err != nil {
					return common.Address{}, err
				}
				return trace.NormalizeAddress(w), nil
			}
			cur = n
		}
	default:
		w, err := step.Peek(1)
		if err != nil {
			return common.Address{}, err
		}
		return trace.NormalizeAddress(w), nil
	}
}

// Current is the contract that executes the next instruction.
func (r *Resolver) Current() common.Address {
	return r.current
}

// CallStack returns a copy of the active callers, outermost first.
func (r *Resolver) CallStack() []common.Address {
	out := make([]common.Address, len(r.callStack))
	copy(out, r.callStack)
	return out
}

// AddressAt returns the contract executing step i.
func (r *Resolver) AddressAt(i uint64) (common.Address, bool) {
	a, ok := r.addresses[i]
	return a, ok
}

// InputAt returns the contract input in effect at step i.
func (r *Resolver) InputAt(i uint64) ([]byte, bool) {
	in, ok := r.inputs[i]
	return in, ok
}

// Retain forgets per-step data for steps outside keep.
func (r *Resolver) Retain(keep map[uint64]struct{}) {
	for i := range r.addresses {
		if _, ok := keep[i]; !ok {
			delete(r.addresses, i)
			delete(r.inputs, i)
		}
	}
}

func isCall(op string) bool {
	switch op {
	case "CALL", "CALLCODE", "DELEGATECALL", "STATICCALL", "CREATE", "CREATE2":
		return true
	}
	return false
}

// IsCallFamily reports whether op may open a new call frame.
func IsCallFamily(op string) bool {
	return isCall(op)
}
