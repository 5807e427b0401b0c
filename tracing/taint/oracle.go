// Package taint follows data lineage through a trace. A value written by an
// origin step carries that step's index as a tag, and the tag follows the
// value through the stack, memory, storage, call data and return data.
package taint

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

// memory regions beyond this are not modelled; such an access would run out of gas
const maxRegion = 1 << 24

type storageKey struct {
	contract common.Address
	slot     uint256.Int
}

type pendingCall struct {
	op      vm.OpCode
	args    byteTags
	retOff  uint64
	retSize uint64
	hasRet  bool
}

type frame struct {
	stack      []Tags // bottom to top
	memory     byteTags
	calldata   byteTags
	ret        byteTags
	storageCtx common.Address
	call       *pendingCall
}

func newFrame(ctx common.Address) *frame {
	return &frame{
		memory:     byteTags{},
		calldata:   byteTags{},
		storageCtx: ctx,
	}
}

// Oracle holds the taint state of one transaction.
type Oracle struct {
	frames     []*frame
	base       int
	storage    map[storageKey]Tags
	transient  map[storageKey]Tags
	returnData byteTags

	last  uint64
	valid bool
	reads Tags
	marks []func(origin uint64)
}

func NewOracle() *Oracle {
	o := &Oracle{}
	o.Clear()
	return o
}

// Clear drops every tag.
func (o *Oracle) Clear() {
	o.frames = nil
	o.base = 0
	o.storage = make(map[storageKey]Tags)
	o.transient = make(map[storageKey]Tags)
	o.returnData = byteTags{}
	o.valid = false
	o.reads = nil
	o.marks = nil
}

// Propagate advances taint through the instruction of step, executed by
// contract. Steps must be fed in execution order.
func (o *Oracle) Propagate(step *trace.Step, contract common.Address) error {
	o.last = step.Index
	o.valid = true
	o.reads = nil
	o.marks = o.marks[:0]

	f := o.enter(step, contract)
	o.sync(f, len(step.Stack))

	op, err := LookupOpCode(step.Op)
	if err != nil {
		if step.Failed() {
			return nil
		}
		return err
	}
	r, ok := rules[op]
	if !ok {
		if step.Failed() {
			return nil
		}
		return fmt.Errorf("%w: %s has no taint rule", ErrUnknownOpcode, op)
	}
	if len(f.stack) < r.pops {
		if step.Failed() {
			return nil
		}
		return fmt.Errorf("%w: step %d (%s) needs %d entries, has %d",
			trace.ErrStackUnderflow, step.Index, step.Op, r.pops, len(f.stack))
	}

	if f.call != nil {
		// the previous call of this frame never entered a new context
		if f.call.hasRet {
			f.memory.clear(f.call.retOff, f.call.retSize)
		}
		o.returnData = byteTags{}
		f.call = nil
	}

	in := make([]Tags, r.pops)
	for i := range in {
		in[i] = f.stack[len(f.stack)-1-i]
	}
	f.stack = f.stack[:len(f.stack)-r.pops]
	o.reads = union(in...)

	if step.Failed() {
		// an aborted instruction consumes its operands and produces nothing
		return nil
	}

	switch r.kind {
	case derive:
		for i := 0; i < r.pushes; i++ {
			o.push(f, union(in...))
		}
	case fresh:
		for i := 0; i < r.pushes; i++ {
			o.push(f, nil)
		}
	default:
		o.apply(f, step, op, in)
	}
	return nil
}

func (o *Oracle) apply(f *frame, step *trace.Step, op vm.OpCode, in []Tags) {
	switch {
	case op >= vm.DUP1 && op <= vm.DUP16:
		n := len(in)
		for i := n - 1; i >= 0; i-- {
			o.pushRaw(f, in[i])
		}
		o.push(f, in[n-1])
		o.reads = in[n-1]
		return
	case op >= vm.SWAP1 && op <= vm.SWAP16:
		n := len(in)
		o.push(f, in[0])
		for i := n - 2; i >= 1; i-- {
			o.pushRaw(f, in[i])
		}
		o.push(f, in[n-1])
		o.reads = union(in[0], in[n-1])
		return
	case op >= vm.LOG0 && op <= vm.LOG4:
		if off, size, ok := region(step, 0, 1); ok {
			o.readAlso(f.memory.read(off, size))
		}
		return
	}

	switch op {
	case vm.KECCAK256:
		var t Tags
		if off, size, ok := region(step, 0, 1); ok {
			t = f.memory.read(off, size)
		}
		o.readAlso(t)
		o.push(f, union(in[0], in[1], t))

	case vm.CALLDATALOAD:
		var t Tags
		if off, ok := word(step, 0); ok {
			t = f.calldata.read(off, 32)
		}
		o.readAlso(t)
		o.push(f, union(in[0], t))

	case vm.CALLDATACOPY:
		if dst, size, ok := region(step, 0, 2); ok {
			src, _ := word(step, 1)
			f.memory.copyFrom(dst, f.calldata, src, size)
			o.markMemory(f.memory, dst, size)
		}

	case vm.RETURNDATACOPY:
		if dst, size, ok := region(step, 0, 2); ok {
			src, _ := word(step, 1)
			o.readAlso(o.returnData.read(src, size))
			f.memory.copyFrom(dst, o.returnData, src, size)
			o.markMemory(f.memory, dst, size)
		}

	case vm.CODECOPY:
		if dst, size, ok := region(step, 0, 2); ok {
			f.memory.clear(dst, size)
			o.markMemory(f.memory, dst, size)
		}

	case vm.EXTCODECOPY:
		if dst, size, ok := region(step, 1, 3); ok {
			f.memory.clear(dst, size)
			o.markMemory(f.memory, dst, size)
		}

	case vm.MCOPY:
		if dst, size, ok := region(step, 0, 2); ok {
			src, _ := word(step, 1)
			o.readAlso(f.memory.read(src, size))
			f.memory.copyFrom(dst, f.memory, src, size)
			o.markMemory(f.memory, dst, size)
		}

	case vm.MLOAD:
		var t Tags
		if off, ok := word(step, 0); ok {
			t = f.memory.read(off, 32)
		}
		o.readAlso(t)
		o.push(f, union(in[0], t))

	case vm.MSTORE, vm.MSTORE8:
		size := uint64(32)
		if op == vm.MSTORE8 {
			size = 1
		}
		if off, ok := word(step, 0); ok {
			f.memory.fill(off, size, in[1])
			o.markMemory(f.memory, off, size)
		}

	case vm.SLOAD, vm.TLOAD:
		store := o.storage
		if op == vm.TLOAD {
			store = o.transient
		}
		key := o.key(f, step)
		t := store[key]
		o.readAlso(t)
		o.push(f, union(in[0], t))

	case vm.SSTORE, vm.TSTORE:
		store := o.storage
		if op == vm.TSTORE {
			store = o.transient
		}
		key := o.key(f, step)
		if v := union(in[1]); v != nil {
			store[key] = v
		} else {
			delete(store, key)
		}
		o.marks = append(o.marks, func(origin uint64) {
			store[key] = with(store[key], origin)
		})

	case vm.RETURN, vm.REVERT:
		f.ret = byteTags{}
		if off, size, ok := region(step, 0, 1); ok {
			o.readAlso(f.memory.read(off, size))
			f.ret.copyFrom(0, f.memory, off, size)
			ret := f.ret
			o.marks = append(o.marks, func(origin uint64) { ret.mark(0, size, origin) })
		}

	case vm.CALL, vm.CALLCODE, vm.DELEGATECALL, vm.STATICCALL:
		argsAt := 3
		if op == vm.DELEGATECALL || op == vm.STATICCALL {
			argsAt = 2
		}
		call := &pendingCall{op: op, args: byteTags{}}
		if off, size, ok := region(step, argsAt, argsAt+1); ok {
			o.readAlso(f.memory.read(off, size))
			call.args.copyFrom(0, f.memory, off, size)
			args := call.args
			o.marks = append(o.marks, func(origin uint64) { args.mark(0, size, origin) })
		}
		if off, size, ok := region(step, argsAt+2, argsAt+3); ok {
			call.retOff, call.retSize, call.hasRet = off, size, true
		}
		f.call = call
		o.push(f, nil)

	case vm.CREATE, vm.CREATE2:
		if off, size, ok := region(step, 1, 2); ok {
			o.readAlso(f.memory.read(off, size))
		}
		f.call = &pendingCall{op: op, args: byteTags{}}
		o.push(f, nil)
	}
}

// enter aligns the frame stack with the depth of step, unwinding returned
// frames into their callers and opening frames for entered calls.
func (o *Oracle) enter(step *trace.Step, contract common.Address) *frame {
	if len(o.frames) == 0 {
		o.base = step.Depth
		o.frames = []*frame{newFrame(contract)}
	}
	want := step.Depth - o.base + 1
	if want < 1 {
		want = 1
	}
	for len(o.frames) > want {
		o.leave()
	}
	for len(o.frames) < want {
		caller := o.frames[len(o.frames)-1]
		callee := newFrame(contract)
		if c := caller.call; c != nil {
			callee.calldata = c.args
			if c.op == vm.DELEGATECALL || c.op == vm.CALLCODE {
				callee.storageCtx = caller.storageCtx
			}
		}
		o.frames = append(o.frames, callee)
	}
	return o.frames[len(o.frames)-1]
}

func (o *Oracle) leave() {
	callee := o.frames[len(o.frames)-1]
	o.frames = o.frames[:len(o.frames)-1]
	caller := o.frames[len(o.frames)-1]

	ret := callee.ret
	if ret == nil {
		ret = byteTags{}
	}
	o.returnData = ret
	if c := caller.call; c != nil {
		if c.hasRet {
			caller.memory.copyFrom(c.retOff, ret, 0, c.retSize)
		}
		caller.call = nil
	}
}

// sync pads or trims the shadow stack to the height of the recorded stack.
func (o *Oracle) sync(f *frame, height int) {
	switch {
	case len(f.stack) < height:
		pad := make([]Tags, height-len(f.stack), height)
		f.stack = append(pad, f.stack...)
	case len(f.stack) > height:
		f.stack = append([]Tags(nil), f.stack[len(f.stack)-height:]...)
	}
}

func (o *Oracle) push(f *frame, t Tags) {
	idx := len(f.stack)
	f.stack = append(f.stack, t)
	o.marks = append(o.marks, func(origin uint64) {
		if idx < len(f.stack) {
			f.stack[idx] = with(f.stack[idx], origin)
		}
	})
}

func (o *Oracle) pushRaw(f *frame, t Tags) {
	f.stack = append(f.stack, t)
}

func (o *Oracle) readAlso(t Tags) {
	o.reads = union(o.reads, t)
}

func (o *Oracle) markMemory(m byteTags, off, size uint64) {
	o.marks = append(o.marks, func(origin uint64) { m.mark(off, size, origin) })
}

func (o *Oracle) key(f *frame, step *trace.Step) storageKey {
	k := storageKey{contract: f.storageCtx}
	if w, err := step.Peek(0); err == nil {
		k.slot = *w
	}
	return k
}

// Introduce tags the values produced or written by step with the step's own
// index. It only applies to the step most recently propagated.
func (o *Oracle) Introduce(step *trace.Step) bool {
	if !o.valid || step.Index != o.last {
		return false
	}
	for _, m := range o.marks {
		m(step.Index)
	}
	return true
}

// Check reports whether a value consulted by step carries origin tag s.
func (o *Oracle) Check(s uint64, step *trace.Step) bool {
	if !o.valid || step.Index != o.last {
		return false
	}
	return has(o.reads, s)
}

func word(step *trace.Step, n int) (uint64, bool) {
	v, err := step.PeekUint64(n)
	if err != nil || v > maxRegion {
		return 0, false
	}
	return v, true
}

func region(step *trace.Step, offAt, sizeAt int) (uint64, uint64, bool) {
	size, ok := word(step, sizeAt)
	if !ok || size == 0 {
		return 0, 0, false
	}
	off, ok := word(step, offAt)
	if !ok {
		return 0, 0, false
	}
	return off, size, true
}
