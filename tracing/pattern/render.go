package pattern

import (
	"strings"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

// unresolved stands in for values that can no longer be read.
const unresolved = "?"

var arrows = map[Relation]string{
	Follows:           "-->",
	DataDependency:    "~~>",
	ControlDependency: "==>",
}

// Render writes p as a human-readable condition instantiated at step:
// accessors show their values, and each dependency shows the pair it
// recorded at step.
func (e *Evaluator) Render(p Pattern, step *trace.Step) string {
	var sb strings.Builder
	e.render(&sb, p, step, nil)
	return sb.String()
}

func (e *Evaluator) render(sb *strings.Builder, p Pattern, step *trace.Step, b *binding) {
	if step == nil {
		sb.WriteString(unresolved)
		return
	}
	switch n := p.(type) {
	case *IntLit:
		sb.WriteString(n.Value.Dec())
	case *StrLit:
		sb.WriteString(n.Value)
	case *BoolLit:
		sb.WriteString(BoolValue(n.Value).String())
	case *Accessor:
		if n.Name == "opcode" {
			sb.WriteString("opcode")
			return
		}
		e.value(sb, p, step, b)
	case *TxField:
		e.value(sb, p, step, b)
	case *Stack:
		v, err := e.eval(n, step, nil)
		if err != nil {
			sb.WriteString(unresolved)
			return
		}
		sb.WriteString(v.Hex())
	case *Memory:
		e.value(sb, p, step, b)

	case *Compare:
		sb.WriteString("(")
		e.render(sb, n.X, step, b)
		sb.WriteString(" " + n.Op.String() + " ")
		e.render(sb, n.Y, step, b)
		sb.WriteString(")")
	case *And:
		sb.WriteString("(")
		e.render(sb, n.X, step, b)
		sb.WriteString(" && ")
		e.render(sb, n.Y, step, b)
		sb.WriteString(")")
	case *Or:
		sb.WriteString("(")
		e.render(sb, n.X, step, b)
		sb.WriteString(" || ")
		e.render(sb, n.Y, step, b)
		sb.WriteString(")")
	case *Not:
		sb.WriteString("!")
		e.render(sb, n.X, step, b)
	case *In:
		sb.WriteString("(")
		e.render(sb, n.Elem, step, b)
		sb.WriteString(" in [")
		for i, el := range n.Elements {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.render(sb, el, step, b)
		}
		sb.WriteString("])")

	case *Dependency:
		e.renderDependency(sb, n, step)
	case *Source:
		if b == nil {
			sb.WriteString(unresolved)
			return
		}
		e.render(sb, n.Prop, b.src, nil)
	case *Destination:
		if b == nil {
			sb.WriteString(unresolved)
			return
		}
		e.render(sb, n.Prop, b.dst, nil)
	default:
		sb.WriteString(unresolved)
	}
}

func (e *Evaluator) renderDependency(sb *strings.Builder, d *Dependency, step *trace.Step) {
	var src, dst *trace.Step
	var pair *Pair
	if l, ok := e.ledgers[d]; ok {
		if p, ok := l.PairAt(step.Index); ok {
			pair = &p
			src = e.lookup(p.Source)
			dst = e.lookup(p.Destination)
		} else {
			if s := l.Sources(); len(s) > 0 {
				src = e.lookup(s[0])
			}
			if ds := l.Destinations(); len(ds) > 0 {
				dst = e.lookup(ds[0])
			}
		}
	}

	sb.WriteString("(")
	e.render(sb, d.Source, src, nil)
	sb.WriteString(" " + arrows[d.Relation] + " ")
	e.render(sb, d.Destination, dst, nil)
	if pair != nil && d.Condition != nil {
		sb.WriteString(" where ")
		e.render(sb, d.Condition, step, &binding{src: src, dst: dst})
	}
	sb.WriteString(")")
}

func (e *Evaluator) value(sb *strings.Builder, p Pattern, step *trace.Step, b *binding) {
	v, err := e.eval(p, step, b)
	if err != nil {
		sb.WriteString(unresolved)
		return
	}
	sb.WriteString(v.String())
}

func (e *Evaluator) lookup(i uint64) *trace.Step {
	s, err := e.env.Step(i)
	if err != nil {
		return nil
	}
	return s
}
