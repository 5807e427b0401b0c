package pattern

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

var ErrUnknownPattern = errors.New("unknown pattern")

// Env is the session state the evaluator consults.
type Env interface {
	Step(i uint64) (*trace.Step, error)
	ContractAt(i uint64) (common.Address, bool)
	InputAt(i uint64) ([]byte, bool)

	Introduce(step *trace.Step) bool
	Check(source uint64, step *trace.Step) bool
	IsAncestor(candidate, step uint64) bool
}

// binding carries the steps that Source and Destination refer to while a
// dependency condition is evaluated.
type binding struct {
	src *trace.Step
	dst *trace.Step
}

// Evaluator evaluates patterns step by step and owns their dependency ledgers.
type Evaluator struct {
	env     Env
	ledgers map[*Dependency]*Ledger
}

func NewEvaluator(env Env) *Evaluator {
	return &Evaluator{
		env:     env,
		ledgers: make(map[*Dependency]*Ledger),
	}
}

// Match evaluates p at step and reports whether it holds.
func (e *Evaluator) Match(p Pattern, step *trace.Step) (bool, error) {
	v, err := e.eval(p, step, nil)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Evaluate returns the value of p at step.
func (e *Evaluator) Evaluate(p Pattern, step *trace.Step) (Value, error) {
	return e.eval(p, step, nil)
}

// Ledger returns the ledger of d if one has been opened.
func (e *Evaluator) Ledger(d *Dependency) (*Ledger, bool) {
	l, ok := e.ledgers[d]
	return l, ok
}

func (e *Evaluator) LedgerCount() int {
	return len(e.ledgers)
}

// EndTransaction closes the ledgers at a transaction boundary and returns the
// steps they still reference. Data dependency ledgers are kept whole. Other
// ledgers are dropped when they hold no pair, or shrunk to their pairs.
func (e *Evaluator) EndTransaction() map[uint64]struct{} {
	keep := make(map[uint64]struct{})
	for d, l := range e.ledgers {
		if d.Relation != DataDependency {
			if len(l.Pairs()) == 0 {
				delete(e.ledgers, d)
				continue
			}
			l.compact()
		}
		l.steps(keep)
	}
	return keep
}

func (e *Evaluator) eval(p Pattern, step *trace.Step, b *binding) (Value, error) {
	switch n := p.(type) {
	case *IntLit:
		return IntValue(&n.Value), nil
	case *StrLit:
		return StringValue(n.Value), nil
	case *BoolLit:
		return BoolValue(n.Value), nil
	case *Accessor:
		return e.accessor(n.Name, step)
	case *TxField:
		return txField(n.Field, step)

	case *Compare:
		x, err := e.eval(n.X, step, b)
		if err != nil {
			return Value{}, err
		}
		y, err := e.eval(n.Y, step, b)
		if err != nil {
			return Value{}, err
		}
		ok, err := compare(n.Op, x, y)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(ok), nil

	case *And:
		// both sides run so dependency ledgers on the right still advance
		x, err := e.eval(n.X, step, b)
		if err != nil {
			return Value{}, err
		}
		y, err := e.eval(n.Y, step, b)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(x.Truthy() && y.Truthy()), nil

	case *Or:
		x, err := e.eval(n.X, step, b)
		if err != nil {
			return Value{}, err
		}
		y, err := e.eval(n.Y, step, b)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(x.Truthy() || y.Truthy()), nil

	case *Not:
		x, err := e.eval(n.X, step, b)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(!x.Truthy()), nil

	case *In:
		x, err := e.eval(n.Elem, step, b)
		if err != nil {
			return Value{}, err
		}
		for _, el := range n.Elements {
			y, err := e.eval(el, step, b)
			if err != nil {
				return Value{}, err
			}
			if eq, _ := compare(Eq, x, y); eq {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil

	case *Stack:
		w, err := step.Peek(n.Index)
		if err != nil {
			return Value{}, err
		}
		return IntValue(w), nil

	case *Memory:
		off, err := e.eval(n.Offset, step, b)
		if err != nil {
			return Value{}, err
		}
		size, err := e.eval(n.Size, step, b)
		if err != nil {
			return Value{}, err
		}
		o, err := off.uint64()
		if err != nil {
			return Value{}, err
		}
		s, err := size.uint64()
		if err != nil {
			return Value{}, err
		}
		mem, err := step.MemorySlice(o, s)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(mem), nil

	case *Dependency:
		ok, err := e.dependency(n, step)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(ok), nil

	case *Source:
		if b == nil {
			return Value{}, fmt.Errorf("%w: source() outside a dependency condition", ErrUnknownPattern)
		}
		return e.eval(n.Prop, b.src, nil)

	case *Destination:
		if b == nil {
			return Value{}, fmt.Errorf("%w: destination() outside a dependency condition", ErrUnknownPattern)
		}
		return e.eval(n.Prop, b.dst, nil)
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnknownPattern, p)
}

// dependency runs one step of the dependency protocol for d and reports
// whether a new pair was recorded at step.
func (e *Evaluator) dependency(d *Dependency, step *trace.Step) (bool, error) {
	isSource, err := e.eval(d.Source, step, nil)
	if err != nil {
		return false, err
	}
	if isSource.Truthy() {
		l, ok := e.ledgers[d]
		if !ok {
			l = NewLedger()
			e.ledgers[d] = l
		}
		l.AddSource(step.Index)
		if d.Relation == DataDependency {
			e.env.Introduce(step)
		}
	}

	isDest, err := e.eval(d.Destination, step, nil)
	if err != nil {
		return false, err
	}
	if !isDest.Truthy() {
		return false, nil
	}
	l, ok := e.ledgers[d]
	if !ok || len(l.Sources()) == 0 {
		return false, nil
	}
	l.AddDestination(step.Index)

	sources := l.Sources()
	for i := len(sources) - 1; i >= 0; i-- {
		s := sources[i]
		if s == step.Index {
			continue
		}
		if !e.admissible(d.Relation, s, step) {
			continue
		}
		pair := Pair{Source: s, Destination: step.Index}
		if l.HasPair(pair) {
			continue
		}
		if d.Condition != nil {
			src, err := e.env.Step(s)
			if err != nil {
				return false, err
			}
			holds, err := e.eval(d.Condition, step, &binding{src: src, dst: step})
			if err != nil {
				return false, err
			}
			if !holds.Truthy() {
				continue
			}
		}
		l.AddPair(pair)
		return true, nil
	}
	return false, nil
}

func (e *Evaluator) admissible(r Relation, s uint64, step *trace.Step) bool {
	switch r {
	case DataDependency:
		return e.env.Check(s, step)
	case ControlDependency:
		return e.env.IsAncestor(s, step.Index)
	default:
		return true
	}
}

func (e *Evaluator) accessor(name string, step *trace.Step) (Value, error) {
	switch name {
	case "pc":
		return Uint64Value(step.PC), nil
	case "depth":
		return Uint64Value(uint64(step.Depth)), nil
	case "opcode":
		return StringValue(step.Op), nil
	case "gas":
		return Uint64Value(step.Gas), nil
	case "gascost":
		return Uint64Value(step.GasCost), nil
	case "address":
		a, ok := e.env.ContractAt(step.Index)
		if !ok {
			return Value{}, fmt.Errorf("%w: no contract for step %d", trace.ErrPrunedStep, step.Index)
		}
		return StringValue(trace.AddressString(a)), nil
	case "input":
		in, ok := e.env.InputAt(step.Index)
		if !ok {
			return Value{}, fmt.Errorf("%w: no input for step %d", trace.ErrPrunedStep, step.Index)
		}
		return BytesValue(in), nil
	}
	return Value{}, fmt.Errorf("%w: accessor %q", ErrUnknownPattern, name)
}

func txField(field string, step *trace.Step) (Value, error) {
	tx := step.Tx
	if tx == nil {
		return Value{}, fmt.Errorf("%w: step %d has no transaction", trace.ErrPrunedStep, step.Index)
	}
	switch field {
	case "hash":
		return StringValue(tx.Hash.Hex()), nil
	case "blockNumber":
		return Uint64Value(tx.BlockNumber), nil
	case "from":
		return StringValue(trace.AddressString(tx.From)), nil
	case "to":
		if tx.To == nil {
			return StringValue(""), nil
		}
		return StringValue(trace.AddressString(*tx.To)), nil
	case "input":
		return BytesValue(tx.Input), nil
	case "gas":
		return Uint64Value(tx.Gas), nil
	case "value":
		v := new(uint256.Int)
		if tx.Value != nil {
			if overflow := v.SetFromBig(tx.Value); overflow {
				return Value{}, fmt.Errorf("%w: transaction value", trace.ErrWordOverflow)
			}
		}
		return IntValue(v), nil
	}
	return Value{}, fmt.Errorf("%w: transaction field %q", ErrUnknownPattern, field)
}
