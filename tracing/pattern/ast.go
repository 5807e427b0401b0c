// Package pattern holds the rule language: the pattern tree, the rule file
// parser, the per-step evaluator with its dependency ledgers, and condition
// rendering for detections.
package pattern

import (
	"github.com/holiman/uint256"
)

// Pattern is a node of a rule's condition tree. The set of node kinds is
// closed; only this package can add one.
type Pattern interface {
	pattern()
}

// Relation selects the admissibility test of a Dependency.
type Relation int

const (
	Follows Relation = iota
	DataDependency
	ControlDependency
)

func (r Relation) String() string {
	switch r {
	case Follows:
		return "follows"
	case DataDependency:
		return "data_dependency"
	case ControlDependency:
		return "control_dependency"
	}
	return "unknown"
}

// CmpOp is a comparison operator.
type CmpOp int

const (
	Gt CmpOp = iota
	Lt
	Ge
	Le
	Eq
	Ne
)

func (op CmpOp) String() string {
	return [...]string{">", "<", ">=", "<=", "==", "!="}[op]
}

type (
	IntLit struct {
		Value uint256.Int
	}

	StrLit struct {
		Value string
	}

	BoolLit struct {
		Value bool
	}

	// Accessor reads an attribute of the step under evaluation:
	// pc, depth, opcode, address, gas, gascost or input.
	Accessor struct {
		Name string
	}

	// TxField reads an attribute of the step's transaction.
	TxField struct {
		Field string
	}

	Compare struct {
		Op   CmpOp
		X, Y Pattern
	}

	And struct {
		X, Y Pattern
	}

	Or struct {
		X, Y Pattern
	}

	Not struct {
		X Pattern
	}

	// In tests membership of Elem in a fixed literal set.
	In struct {
		Elem     Pattern
		Elements []Pattern
	}

	// Stack is the word Index slots below the top of the stack.
	Stack struct {
		Index int
	}

	Memory struct {
		Offset, Size Pattern
	}

	// Dependency relates a source step to a later destination step. It
	// evaluates to true at the step where a new pair is recorded.
	Dependency struct {
		Relation    Relation
		Source      Pattern
		Destination Pattern
		Condition   Pattern // optional
	}

	// Source evaluates Prop against the candidate source step of the
	// enclosing dependency condition.
	Source struct {
		Prop Pattern
	}

	// Destination evaluates Prop against the destination step of the
	// enclosing dependency condition.
	Destination struct {
		Prop Pattern
	}
)

func (*IntLit) pattern()      {}
func (*StrLit) pattern()      {}
func (*BoolLit) pattern()     {}
func (*Accessor) pattern()    {}
func (*TxField) pattern()     {}
func (*Compare) pattern()     {}
func (*And) pattern()         {}
func (*Or) pattern()          {}
func (*Not) pattern()         {}
func (*In) pattern()          {}
func (*Stack) pattern()       {}
func (*Memory) pattern()      {}
func (*Dependency) pattern()  {}
func (*Source) pattern()      {}
func (*Destination) pattern() {}

// Rule is one entry of a rule file.
type Rule struct {
	Description string
	Expr        string
	Condition   Pattern
}

// Dependencies lists the dependency relations of p in depth-first order.
func Dependencies(p Pattern) []*Dependency {
	var out []*Dependency
	var walk func(Pattern)
	walk = func(p Pattern) {
		switch n := p.(type) {
		case *Compare:
			walk(n.X)
			walk(n.Y)
		case *And:
			walk(n.X)
			walk(n.Y)
		case *Or:
			walk(n.X)
			walk(n.Y)
		case *Not:
			walk(n.X)
		case *In:
			walk(n.Elem)
		case *Memory:
			walk(n.Offset)
			walk(n.Size)
		case *Dependency:
			out = append(out, n)
			walk(n.Source)
			walk(n.Destination)
		}
	}
	walk(p)
	return out
}
