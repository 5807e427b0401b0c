package pattern

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math/big"
	"os"
	"strconv"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRule = errors.New("invalid rule")

var accessors = map[string]bool{
	"pc": true, "depth": true, "opcode": true, "address": true,
	"gas": true, "gascost": true, "input": true,
}

var txFields = map[string]bool{
	"hash": true, "blockNumber": true, "from": true, "to": true,
	"input": true, "gas": true, "value": true,
}

var relations = map[string]Relation{
	"follows":            Follows,
	"data_dependency":    DataDependency,
	"control_dependency": ControlDependency,
}

var cmpOps = map[token.Token]CmpOp{
	token.GTR: Gt,
	token.LSS: Lt,
	token.GEQ: Ge,
	token.LEQ: Le,
	token.EQL: Eq,
	token.NEQ: Ne,
}

type ruleEntry struct {
	Description string `yaml:"description"`
	Condition   string `yaml:"condition"`
}

// LoadRules reads and parses a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML list of {description, condition} entries.
func ParseRules(data []byte) ([]Rule, error) {
	var entries []ruleEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rules := make([]Rule, 0, len(entries))
	for i, en := range entries {
		if en.Condition == "" {
			return nil, fmt.Errorf("%w: rule %d (%q) has no condition", ErrInvalidRule, i, en.Description)
		}
		cond, err := ParseCondition(en.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, en.Description, err)
		}
		rules = append(rules, Rule{Description: en.Description, Expr: en.Condition, Condition: cond})
	}
	return rules, nil
}

// ParseCondition parses one condition expression.
func ParseCondition(src string) (Pattern, error) {
	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return lower(expr, scope{})
}

// scope tracks where in a condition tree a node appears.
type scope struct {
	condition bool // inside the condition of a dependency
	bound     bool // inside source() or destination()
}

func lower(e ast.Expr, sc scope) (Pattern, error) {
	switch n := e.(type) {
	case *ast.ParenExpr:
		return lower(n.X, sc)

	case *ast.BasicLit:
		return literal(n)

	case *ast.Ident:
		switch {
		case n.Name == "true" || n.Name == "false":
			return &BoolLit{Value: n.Name == "true"}, nil
		case accessors[n.Name]:
			return &Accessor{Name: n.Name}, nil
		}
		return nil, invalid(n, "unknown identifier %q", n.Name)

	case *ast.SelectorExpr:
		x, ok := n.X.(*ast.Ident)
		if !ok || x.Name != "transaction" || !txFields[n.Sel.Name] {
			return nil, invalid(n, "unknown selector")
		}
		return &TxField{Field: n.Sel.Name}, nil

	case *ast.UnaryExpr:
		if n.Op != token.NOT {
			return nil, invalid(n, "unsupported operator %s", n.Op)
		}
		x, err := lower(n.X, sc)
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil

	case *ast.BinaryExpr:
		x, err := lower(n.X, sc)
		if err != nil {
			return nil, err
		}
		y, err := lower(n.Y, sc)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.LAND:
			return &And{X: x, Y: y}, nil
		case token.LOR:
			return &Or{X: x, Y: y}, nil
		}
		op, ok := cmpOps[n.Op]
		if !ok {
			return nil, invalid(n, "unsupported operator %s", n.Op)
		}
		return &Compare{Op: op, X: x, Y: y}, nil

	case *ast.CallExpr:
		return call(n, sc)
	}
	return nil, invalid(e, "unsupported expression %T", e)
}

func call(n *ast.CallExpr, sc scope) (Pattern, error) {
	fn, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, invalid(n, "unsupported call")
	}
	args := n.Args

	if rel, ok := relations[fn.Name]; ok {
		if sc.condition || sc.bound {
			return nil, invalid(n, "%s cannot appear inside a dependency condition", fn.Name)
		}
		if len(args) != 2 && len(args) != 3 {
			return nil, invalid(n, "%s takes a source, a destination and an optional condition", fn.Name)
		}
		src, err := lower(args[0], sc)
		if err != nil {
			return nil, err
		}
		dst, err := lower(args[1], sc)
		if err != nil {
			return nil, err
		}
		d := &Dependency{Relation: rel, Source: src, Destination: dst}
		if len(args) == 3 {
			cond, err := lower(args[2], scope{condition: true})
			if err != nil {
				return nil, err
			}
			d.Condition = cond
		}
		return d, nil
	}

	switch fn.Name {
	case "source", "destination":
		if !sc.condition || sc.bound {
			return nil, invalid(n, "%s() is only allowed in a dependency condition", fn.Name)
		}
		if len(args) != 1 {
			return nil, invalid(n, "%s() takes one argument", fn.Name)
		}
		prop, err := lower(args[0], scope{condition: true, bound: true})
		if err != nil {
			return nil, err
		}
		if fn.Name == "source" {
			return &Source{Prop: prop}, nil
		}
		return &Destination{Prop: prop}, nil

	case "stack":
		if len(args) != 1 {
			return nil, invalid(n, "stack() takes one argument")
		}
		lit, ok := args[0].(*ast.BasicLit)
		if !ok || lit.Kind != token.INT {
			return nil, invalid(n, "stack() index must be an integer literal")
		}
		idx, err := strconv.ParseInt(lit.Value, 0, 32)
		if err != nil || idx < 0 {
			return nil, invalid(n, "bad stack index %s", lit.Value)
		}
		return &Stack{Index: int(idx)}, nil

	case "memory":
		if len(args) != 2 {
			return nil, invalid(n, "memory() takes an offset and a size")
		}
		off, err := lower(args[0], sc)
		if err != nil {
			return nil, err
		}
		size, err := lower(args[1], sc)
		if err != nil {
			return nil, err
		}
		return &Memory{Offset: off, Size: size}, nil

	case "in":
		if len(args) < 2 {
			return nil, invalid(n, "in() takes an element and at least one candidate")
		}
		elem, err := lower(args[0], sc)
		if err != nil {
			return nil, err
		}
		in := &In{Elem: elem}
		for _, a := range args[1:] {
			lit, err := lower(a, sc)
			if err != nil {
				return nil, err
			}
			switch lit.(type) {
			case *IntLit, *StrLit, *BoolLit:
			default:
				return nil, invalid(a, "in() candidates must be literals")
			}
			in.Elements = append(in.Elements, lit)
		}
		return in, nil
	}
	return nil, invalid(n, "unknown function %q", fn.Name)
}

func literal(n *ast.BasicLit) (Pattern, error) {
	switch n.Kind {
	case token.INT:
		b, ok := new(big.Int).SetString(n.Value, 0)
		if !ok {
			return nil, invalid(n, "bad integer %s", n.Value)
		}
		v, overflow := uint256.FromBig(b)
		if overflow {
			return nil, invalid(n, "integer %s exceeds 256 bits", n.Value)
		}
		return &IntLit{Value: *v}, nil
	case token.STRING:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, invalid(n, "bad string %s", n.Value)
		}
		return &StrLit{Value: s}, nil
	}
	return nil, invalid(n, "unsupported literal %s", n.Value)
}

func invalid(n ast.Node, format string, args ...any) error {
	return fmt.Errorf("%w: col %d: %s", ErrInvalidRule, n.Pos(), fmt.Sprintf(format, args...))
}
