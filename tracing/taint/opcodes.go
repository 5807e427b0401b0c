package taint

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/vm"
)

var ErrUnknownOpcode = errors.New("unknown opcode")

// Names some tracers emit for opcodes that go-ethereum renamed.
var opAliases = map[string]string{
	"SHA3":       "KECCAK256",
	"SUICIDE":    "SELFDESTRUCT",
	"PREVRANDAO": "DIFFICULTY",
	"RANDOM":     "DIFFICULTY",
	"ASSERTFAIL": "INVALID",
}

// LookupOpCode maps a trace mnemonic to its opcode.
func LookupOpCode(name string) (vm.OpCode, error) {
	if op, ok := toOp(name); ok {
		return op, nil
	}
	if alias, ok := opAliases[name]; ok {
		if op, ok := toOp(alias); ok {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpcode, name)
}

func toOp(name string) (vm.OpCode, bool) {
	op := vm.StringToOp(name)
	// StringToOp answers STOP for names it does not know.
	if op == vm.STOP && name != "STOP" {
		return 0, false
	}
	return op, true
}

type kind uint8

const (
	// outputs carry the union of the popped operands
	derive kind = iota
	// outputs are environment values with no data origin
	fresh
	// handled case by case in Oracle.apply
	special
)

type rule struct {
	pops, pushes int
	kind         kind
}

var rules = map[vm.OpCode]rule{
	vm.STOP:       {0, 0, fresh},
	vm.ADD:        {2, 1, derive},
	vm.MUL:        {2, 1, derive},
	vm.SUB:        {2, 1, derive},
	vm.DIV:        {2, 1, derive},
	vm.SDIV:       {2, 1, derive},
	vm.MOD:        {2, 1, derive},
	vm.SMOD:       {2, 1, derive},
	vm.ADDMOD:     {3, 1, derive},
	vm.MULMOD:     {3, 1, derive},
	vm.EXP:        {2, 1, derive},
	vm.SIGNEXTEND: {2, 1, derive},

	vm.LT:     {2, 1, derive},
	vm.GT:     {2, 1, derive},
	vm.SLT:    {2, 1, derive},
	vm.SGT:    {2, 1, derive},
	vm.EQ:     {2, 1, derive},
	vm.ISZERO: {1, 1, derive},
	vm.AND:    {2, 1, derive},
	vm.OR:     {2, 1, derive},
	vm.XOR:    {2, 1, derive},
	vm.NOT:    {1, 1, derive},
	vm.BYTE:   {2, 1, derive},
	vm.SHL:    {2, 1, derive},
	vm.SHR:    {2, 1, derive},
	vm.SAR:    {2, 1, derive},

	vm.KECCAK256: {2, 1, special},

	vm.ADDRESS:        {0, 1, fresh},
	vm.BALANCE:        {1, 1, derive},
	vm.ORIGIN:         {0, 1, fresh},
	vm.CALLER:         {0, 1, fresh},
	vm.CALLVALUE:      {0, 1, fresh},
	vm.CALLDATALOAD:   {1, 1, special},
	vm.CALLDATASIZE:   {0, 1, fresh},
	vm.CALLDATACOPY:   {3, 0, special},
	vm.CODESIZE:       {0, 1, fresh},
	vm.CODECOPY:       {3, 0, special},
	vm.GASPRICE:       {0, 1, fresh},
	vm.EXTCODESIZE:    {1, 1, derive},
	vm.EXTCODECOPY:    {4, 0, special},
	vm.RETURNDATASIZE: {0, 1, fresh},
	vm.RETURNDATACOPY: {3, 0, special},
	vm.EXTCODEHASH:    {1, 1, derive},

	vm.BLOCKHASH:   {1, 1, derive},
	vm.COINBASE:    {0, 1, fresh},
	vm.TIMESTAMP:   {0, 1, fresh},
	vm.NUMBER:      {0, 1, fresh},
	vm.DIFFICULTY:  {0, 1, fresh},
	vm.GASLIMIT:    {0, 1, fresh},
	vm.CHAINID:     {0, 1, fresh},
	vm.SELFBALANCE: {0, 1, fresh},
	vm.BASEFEE:     {0, 1, fresh},
	vm.BLOBHASH:    {1, 1, derive},
	vm.BLOBBASEFEE: {0, 1, fresh},

	vm.POP:      {1, 0, fresh},
	vm.MLOAD:    {1, 1, special},
	vm.MSTORE:   {2, 0, special},
	vm.MSTORE8:  {2, 0, special},
	vm.SLOAD:    {1, 1, special},
	vm.SSTORE:   {2, 0, special},
	vm.JUMP:     {1, 0, fresh},
	vm.JUMPI:    {2, 0, fresh},
	vm.PC:       {0, 1, fresh},
	vm.MSIZE:    {0, 1, fresh},
	vm.GAS:      {0, 1, fresh},
	vm.JUMPDEST: {0, 0, fresh},
	vm.TLOAD:    {1, 1, special},
	vm.TSTORE:   {2, 0, special},
	vm.MCOPY:    {3, 0, special},

	vm.CREATE:       {3, 1, special},
	vm.CALL:         {7, 1, special},
	vm.CALLCODE:     {7, 1, special},
	vm.RETURN:       {2, 0, special},
	vm.DELEGATECALL: {6, 1, special},
	vm.CREATE2:      {4, 1, special},
	vm.STATICCALL:   {6, 1, special},
	vm.REVERT:       {2, 0, special},
	vm.INVALID:      {0, 0, fresh},
	vm.SELFDESTRUCT: {1, 0, fresh},
}

func init() {
	for op := vm.PUSH0; op <= vm.PUSH32; op++ {
		rules[op] = rule{0, 1, fresh}
	}
	for op := vm.DUP1; op <= vm.DUP16; op++ {
		rules[op] = rule{int(op-vm.DUP1) + 1, int(op-vm.DUP1) + 2, special}
	}
	for op := vm.SWAP1; op <= vm.SWAP16; op++ {
		n := int(op-vm.SWAP1) + 2
		rules[op] = rule{n, n, special}
	}
	for op := vm.LOG0; op <= vm.LOG4; op++ {
		rules[op] = rule{int(op-vm.LOG0) + 2, 0, special}
	}
}

// StackEffect returns how many words op pops and pushes.
func StackEffect(op vm.OpCode) (pops, pushes int, ok bool) {
	r, ok := rules[op]
	return r.pops, r.pushes, ok
}
