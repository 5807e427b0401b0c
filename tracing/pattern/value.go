package pattern

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

var ErrTypeMismatch = errors.New("type mismatch")

type Kind uint8

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindBytes
)

func (k Kind) String() string {
	return [...]string{"bool", "int", "string", "bytes"}[k]
}

// Value is the result of evaluating a pattern node.
type Value struct {
	kind Kind
	b    bool
	i    uint256.Int
	s    string
	bs   []byte
}

func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func IntValue(i *uint256.Int) Value {
	return Value{kind: KindInt, i: *i}
}

func Uint64Value(n uint64) Value {
	return Value{kind: KindInt, i: *uint256.NewInt(n)}
}

func StringValue(s string) Value {
	return Value{kind: KindString, s: s}
}

func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bs: b}
}

func (v Value) Kind() Kind {
	return v.kind
}

// Truthy follows the usual rule: false, zero and empty are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return !v.i.IsZero()
	case KindString:
		return v.s != ""
	default:
		return len(v.bs) > 0
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return v.i.Dec()
	case KindString:
		return v.s
	default:
		return hexutil.Encode(v.bs)
	}
}

// Hex renders an integer value in hex; other kinds render as String.
func (v Value) Hex() string {
	if v.kind == KindInt {
		return v.i.Hex()
	}
	return v.String()
}

// Int converts a value to an integer: hex strings and byte strings of at most
// 32 bytes convert, other kinds do not.
func (v Value) Int() (uint256.Int, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindString:
		if !strings.HasPrefix(v.s, "0x") && !strings.HasPrefix(v.s, "0X") {
			return uint256.Int{}, false
		}
		w, err := trace.ParseWord(v.s)
		if err != nil {
			return uint256.Int{}, false
		}
		return w, true
	case KindBytes:
		if len(v.bs) > 32 {
			return uint256.Int{}, false
		}
		var w uint256.Int
		w.SetBytes(v.bs)
		return w, true
	}
	return uint256.Int{}, false
}

// bigInt is Int without the 32 byte bound, for comparing long memory slices.
func (v Value) bigInt() (*big.Int, bool) {
	switch v.kind {
	case KindInt:
		return v.i.ToBig(), true
	case KindString:
		if !strings.HasPrefix(v.s, "0x") && !strings.HasPrefix(v.s, "0X") {
			return nil, false
		}
		b, err := trace.DecodeHex(v.s)
		if err != nil {
			return nil, false
		}
		return new(big.Int).SetBytes(b), true
	case KindBytes:
		return new(big.Int).SetBytes(v.bs), true
	}
	return nil, false
}

func (v Value) uint64() (uint64, error) {
	w, ok := v.Int()
	if !ok {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrTypeMismatch, v.kind)
	}
	if !w.IsUint64() {
		return 0, fmt.Errorf("%w: %s", trace.ErrWordOverflow, w.Hex())
	}
	return w.Uint64(), nil
}

// compare applies op, converting hex-encoded operands to integers first.
// Values of different kinds are never equal and cannot be ordered.
func compare(op CmpOp, x, y Value) (bool, error) {
	if a, ok := x.Int(); ok {
		if b, ok := y.Int(); ok {
			return ordered(op, a.Cmp(&b))
		}
	}
	if a, ok := x.bigInt(); ok {
		if b, ok := y.bigInt(); ok {
			return ordered(op, a.Cmp(b))
		}
	}
	if x.kind != y.kind {
		switch op {
		case Eq:
			return false, nil
		case Ne:
			return true, nil
		}
		return false, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, x.kind, op, y.kind)
	}
	switch x.kind {
	case KindBool:
		switch op {
		case Eq:
			return x.b == y.b, nil
		case Ne:
			return x.b != y.b, nil
		}
		return false, fmt.Errorf("%w: booleans cannot be ordered", ErrTypeMismatch)
	case KindString:
		return ordered(op, strings.Compare(x.s, y.s))
	default:
		return ordered(op, bytes.Compare(x.bs, y.bs))
	}
}

func ordered(op CmpOp, c int) (bool, error) {
	switch op {
	case Gt:
		return c > 0, nil
	case Lt:
		return c < 0, nil
	case Ge:
		return c >= 0, nil
	case Le:
		return c <= 0, nil
	case Eq:
		return c == 0, nil
	case Ne:
		return c != 0, nil
	}
	return false, fmt.Errorf("%w: comparison %d", ErrUnknownPattern, op)
}
