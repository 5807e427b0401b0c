// Package cfg aggregates executed steps into per-contract basic blocks and
// the edges taken between them, for diagnostic export.
package cfg

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

// BlockKey identifies a basic block.
type BlockKey struct {
	Contract common.Address
	Start    uint64
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%s:%#x", trace.AddressString(k.Contract), k.Start)
}

type EdgeKind int

const (
	Fallthrough EdgeKind = iota
	Taken
	NotTaken
	Call
)

type Edge struct {
	To    BlockKey
	Kind  EdgeKind
	Label string
}

type Block struct {
	Key          BlockKey
	End          uint64
	Depth        int
	instructions map[uint64]string
}

// Instructions returns the block's (pc, text) pairs ordered by pc.
func (b *Block) Instructions() ([]uint64, []string) {
	pcs := make([]uint64, 0, len(b.instructions))
	for pc := range b.instructions {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
	texts := make([]string, len(pcs))
	for i, pc := range pcs {
		texts[i] = b.instructions[pc]
	}
	return pcs, texts
}

// Graph is an arena of basic blocks keyed by (contract, start pc). Blocks
// reached again merge into the stored block instead of being copied.
type Graph struct {
	blocks map[BlockKey]*Block
	order  []BlockKey
	edges  map[BlockKey][]Edge

	open *Block
}

func NewGraph() *Graph {
	return &Graph{
		blocks: make(map[BlockKey]*Block),
		edges:  make(map[BlockKey][]Edge),
	}
}

// Add appends step to the open block. executing is the contract running step,
// successor the contract running next, and input the call input at step.
func (g *Graph) Add(step, next *trace.Step, executing, successor common.Address, input []byte) error {
	if g.open == nil {
		g.open = &Block{
			Key:          BlockKey{Start: step.PC},
			Depth:        step.Depth,
			instructions: make(map[uint64]string),
		}
	}
	text := step.Op
	if strings.HasPrefix(step.Op, "PUSH") && next != nil {
		// the pushed word is only visible on the following step
		if w, err := next.Peek(0); err == nil {
			text += " " + w.Hex()
		}
	}
	g.open.instructions[step.PC] = text

	if !endsBlock(step) {
		return nil
	}
	blk := g.open
	g.open = nil
	blk.End = step.PC
	blk.Key.Contract = executing
	key := g.store(blk)

	if next == nil {
		return nil
	}
	var edge Edge
	switch step.Op {
	case "JUMPI":
		flag, err := step.Peek(1)
		if err != nil {
			return err
		}
		if !flag.IsZero() {
			dest, err := step.PeekUint64(0)
			if err != nil {
				return err
			}
			edge = Edge{To: BlockKey{successor, dest}, Kind: Taken, Label: "True"}
		} else {
			edge = Edge{To: BlockKey{successor, next.PC}, Kind: NotTaken, Label: "False"}
		}
	case "CALL", "CALLCODE", "DELEGATECALL", "STATICCALL":
		label, err := callLabel(step, input)
		if err != nil {
			return err
		}
		edge = Edge{To: BlockKey{successor, next.PC}, Kind: Call, Label: label}
	default:
		edge = Edge{To: BlockKey{successor, next.PC}, Kind: Fallthrough}
	}
	g.addEdge(key, edge)
	return nil
}

// Flush closes a block left open at the end of a transaction.
func (g *Graph) Flush(executing common.Address) {
	if g.open == nil {
		return
	}
	blk := g.open
	g.open = nil
	pcs, _ := blk.Instructions()
	blk.End = pcs[len(pcs)-1]
	blk.Key.Contract = executing
	g.store(blk)
}

func (g *Graph) store(blk *Block) BlockKey {
	existing, ok := g.blocks[blk.Key]
	if !ok {
		g.blocks[blk.Key] = blk
		g.order = append(g.order, blk.Key)
		return blk.Key
	}
	for pc, text := range blk.instructions {
		existing.instructions[pc] = text
	}
	if blk.End > existing.End {
		existing.End = blk.End
	}
	return blk.Key
}

func (g *Graph) addEdge(from BlockKey, e Edge) {
	for _, old := range g.edges[from] {
		if old == e {
			return
		}
	}
	g.edges[from] = append(g.edges[from], e)
}

// Blocks returns blocks in first-seen order.
func (g *Graph) Blocks() []*Block {
	out := make([]*Block, len(g.order))
	for i, k := range g.order {
		out[i] = g.blocks[k]
	}
	return out
}

func (g *Graph) Block(k BlockKey) (*Block, bool) {
	b, ok := g.blocks[k]
	return b, ok
}

func (g *Graph) Edges(from BlockKey) []Edge {
	return g.edges[from]
}

func endsBlock(step *trace.Step) bool {
	if step.Failed() {
		return true
	}
	switch step.Op {
	case "STOP", "RETURN", "SELFDESTRUCT", "SUICIDE", "REVERT", "ASSERTFAIL", "INVALID",
		"JUMP", "JUMPI", "CALL", "CALLCODE", "DELEGATECALL", "STATICCALL", "CREATE", "CREATE2":
		return true
	}
	return false
}

func callLabel(step *trace.Step, input []byte) (string, error) {
	if step.Failed() {
		return "Error", nil
	}
	to, err := step.Peek(1)
	if err != nil {
		return "", err
	}
	callee := trace.AddressString(trace.NormalizeAddress(to))
	if step.Op == "CALL" || step.Op == "CALLCODE" {
		value, err := step.Peek(2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (to: %s, value: %s ETH, input: %s)",
			step.Op, callee, FormatEther(value), hexutil.Encode(input)), nil
	}
	return fmt.Sprintf("%s (to: %s, input: %s)", step.Op, callee, hexutil.Encode(input)), nil
}

// FormatEther renders a wei amount in ether without trailing zeros.
func FormatEther(wei *uint256.Int) string {
	r := new(big.Rat).SetFrac(wei.ToBig(), big.NewInt(params.Ether))
	s := r.FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
