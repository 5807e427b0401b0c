package cfg

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"strings"

	"github.com/emicklei/dot"
	"github.com/ethereum/go-ethereum/common"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

var ErrGraphvizUnavailable = errors.New("graphviz dot binary not found")

var palette = []string{
	"paleturquoise", "darkseagreen", "wheat", "violet", "deepskyblue",
	"mediumpurple", "limegreen", "goldenrod", "steelblue",
}

func colorOf(c common.Address) string {
	idx := new(big.Int).Mod(new(big.Int).SetBytes(c.Bytes()), big.NewInt(int64(len(palette))))
	return palette[idx.Int64()]
}

// Dot builds the graphviz description of g: one record node per block
// listing its instructions, colored by contract, plus a contract legend.
func (g *Graph) Dot() *dot.Graph {
	d := dot.NewGraph(dot.Directed)
	d.Attr("rankdir", "LR")
	d.Attr("size", "240")
	d.Attr("fontname", "Courier")
	d.Attr("fontsize", "14.0")
	d.Attr("labeljust", "l")
	d.Attr("nojustify", "true")

	// hex digits of the pc column, the 0x prefix excluded
	width := 8
	for _, b := range g.Blocks() {
		pcs, _ := b.Instructions()
		if n := len(fmt.Sprintf("%x", pcs[len(pcs)-1])); n > width {
			width = n
		}
	}

	nodes := make(map[BlockKey]dot.Node)
	node := func(k BlockKey) dot.Node {
		if n, ok := nodes[k]; ok {
			return n
		}
		n := d.Node(k.String()).Attr("shape", "record")
		nodes[k] = n
		return n
	}

	var contracts []common.Address
	seen := make(map[common.Address]bool)
	for _, b := range g.Blocks() {
		n := node(b.Key)
		n.Attr("label", dot.Literal(blockLabel(b, width)))
		if b.Depth == 0 {
			n.Attr("style", "dashed").Attr("fillcolor", "white")
		} else {
			n.Attr("style", "filled").Attr("fillcolor", colorOf(b.Key.Contract))
		}
		if !seen[b.Key.Contract] {
			seen[b.Key.Contract] = true
			contracts = append(contracts, b.Key.Contract)
		}
	}
	for _, b := range g.Blocks() {
		for _, e := range g.Edges(b.Key) {
			color := "black"
			switch e.Kind {
			case Taken:
				color = "green"
			case NotTaken:
				color = "red"
			}
			d.Edge(node(b.Key), node(e.To), e.Label).Attr("color", color)
		}
	}

	legend := d.Subgraph("Contracts", dot.ClusterOption{})
	legend.Attr("label", "Contracts")
	for _, c := range contracts {
		name := trace.AddressString(c)
		legend.Node("legend:"+name).
			Attr("label", name).
			Attr("style", "filled").
			Attr("fillcolor", colorOf(c))
	}
	return d
}

func blockLabel(b *Block, width int) string {
	pcs, texts := b.Instructions()
	var sb strings.Builder
	sb.WriteString(`"`)
	for i, pc := range pcs {
		sb.WriteString(fmt.Sprintf("%#0*x", width, pc))
		sb.WriteString(" ")
		sb.WriteString(escapeRecord(texts[i]))
		sb.WriteString(`\l`)
	}
	sb.WriteString(`"`)
	return sb.String()
}

func escapeRecord(s string) string {
	r := strings.NewReplacer(`"`, `\"`, `{`, `\{`, `}`, `\}`, `|`, `\|`, `<`, `\<`, `>`, `\>`)
	return r.Replace(s)
}

// Write stores the graph as <base>.dot and returns the file name.
func (g *Graph) Write(base string) (string, error) {
	path := base + ".dot"
	if err := os.WriteFile(path, []byte(g.Dot().String()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Render converts a .dot file to <base>.<format> with the graphviz binary.
func Render(ctx context.Context, dotPath, base, format string) (string, error) {
	bin, err := exec.LookPath("dot")
	if err != nil {
		return "", ErrGraphvizUnavailable
	}
	out := base + "." + format
	cmd := exec.CommandContext(ctx, bin, dotPath, "-T"+format, "-o", out)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("dot -T%s: %w: %s", format, err, strings.TrimSpace(string(msg)))
	}
	return out, nil
}
