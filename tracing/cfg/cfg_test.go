package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contractB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type row struct {
	pc       uint64
	op       string
	depth    int
	stack    []string
	contract common.Address
}

func run(t *testing.T, rows []row) *Graph {
	t.Helper()
	tx := &trace.Transaction{Hash: common.HexToHash("0x01"), To: &contractA}
	steps := make([]*trace.Step, len(rows))
	for i, r := range rows {
		s, err := trace.NewStep(uint64(i), trace.StructLog{Pc: r.pc, Op: r.op, Depth: r.depth, Stack: r.stack}, tx)
		require.NoError(t, err)
		steps[i] = s
	}
	g := NewGraph()
	for i, s := range steps {
		var next *trace.Step
		successor := rows[i].contract
		if i+1 < len(steps) {
			next = steps[i+1]
			successor = rows[i+1].contract
		}
		require.NoError(t, g.Add(s, next, rows[i].contract, successor, nil))
	}
	g.Flush(rows[len(rows)-1].contract)
	return g
}

func TestBlocksAndEdges(t *testing.T) {
	g := run(t, []row{
		{pc: 0x0, op: "PUSH1", depth: 1, contract: contractA},
		{pc: 0x2, op: "PUSH1", depth: 1, stack: []string{"0x1"}, contract: contractA},
		{pc: 0x4, op: "JUMPI", depth: 1, stack: []string{"0x1", "0x10"}, contract: contractA},
		{pc: 0x10, op: "JUMPDEST", depth: 1, contract: contractA},
		// retSize, retOffset, argsSize, argsOffset, value, to, gas
		{pc: 0x11, op: "CALL", depth: 1, stack: []string{"0x0", "0x0", "0x0", "0x0", "0xde0b6b3a7640000", "0xbb", "0xffff"}, contract: contractA},
		{pc: 0x0, op: "STOP", depth: 2, contract: contractB},
		{pc: 0x12, op: "POP", depth: 1, stack: []string{"0x1"}, contract: contractA},
		{pc: 0x13, op: "STOP", depth: 1, contract: contractA},
	})

	blocks := g.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, BlockKey{contractA, 0x0}, blocks[0].Key)
	assert.Equal(t, uint64(0x4), blocks[0].End)
	pcs, texts := blocks[0].Instructions()
	assert.Equal(t, []uint64{0, 2, 4}, pcs)
	assert.Equal(t, []string{"PUSH1 0x1", "PUSH1 0x10", "JUMPI"}, texts)

	assert.Equal(t, []Edge{{To: BlockKey{contractA, 0x10}, Kind: Taken, Label: "True"}}, g.Edges(blocks[0].Key))

	callEdges := g.Edges(BlockKey{contractA, 0x10})
	require.Len(t, callEdges, 1)
	assert.Equal(t, BlockKey{contractB, 0x0}, callEdges[0].To)
	assert.Equal(t, "CALL (to: 0x00000000000000000000000000000000000000bb, value: 1 ETH, input: 0x)", callEdges[0].Label)

	assert.Equal(t, []Edge{{To: BlockKey{contractA, 0x12}, Kind: Fallthrough}}, g.Edges(BlockKey{contractB, 0x0}))
	_, ok := g.Block(BlockKey{contractA, 0x12})
	assert.True(t, ok)
}

func TestFalseBranchAndRevisit(t *testing.T) {
	loop := []row{
		{pc: 0x0, op: "PUSH1", depth: 1, contract: contractA},
		{pc: 0x2, op: "JUMPI", depth: 1, stack: []string{"0x0", "0x8"}, contract: contractA},
		{pc: 0x3, op: "STOP", depth: 1, contract: contractA},
	}
	g := run(t, loop)
	edges := g.Edges(BlockKey{contractA, 0x0})
	assert.Equal(t, []Edge{{To: BlockKey{contractA, 0x3}, Kind: NotTaken, Label: "False"}}, edges)

	// a second pass over the same block merges instead of duplicating
	tx := &trace.Transaction{Hash: common.HexToHash("0x02"), To: &contractA}
	for i, r := range loop {
		s, err := trace.NewStep(uint64(10+i), trace.StructLog{Pc: r.pc, Op: r.op, Depth: r.depth, Stack: r.stack}, tx)
		require.NoError(t, err)
		var next *trace.Step
		if i+1 < len(loop) {
			next, err = trace.NewStep(uint64(11+i), trace.StructLog{Pc: loop[i+1].pc, Op: loop[i+1].op, Depth: 1, Stack: loop[i+1].stack}, tx)
			require.NoError(t, err)
		}
		require.NoError(t, g.Add(s, next, contractA, contractA, nil))
	}
	assert.Len(t, g.Blocks(), 2)
	assert.Len(t, g.Edges(BlockKey{contractA, 0x0}), 1)
}

func TestFailedStepEndsBlock(t *testing.T) {
	tx := &trace.Transaction{Hash: common.HexToHash("0x01"), To: &contractA}
	s0, err := trace.NewStep(0, trace.StructLog{Pc: 0, Op: "CALL", Depth: 1, Error: "out of gas"}, tx)
	require.NoError(t, err)
	s1, err := trace.NewStep(1, trace.StructLog{Pc: 1, Op: "STOP", Depth: 1}, tx)
	require.NoError(t, err)

	g := NewGraph()
	require.NoError(t, g.Add(s0, s1, contractA, contractA, nil))
	edges := g.Edges(BlockKey{contractA, 0})
	require.Len(t, edges, 1)
	assert.Equal(t, "Error", edges[0].Label)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "1", FormatEther(uint256.NewInt(1_000_000_000_000_000_000)))
	assert.Equal(t, "1.5", FormatEther(uint256.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "0", FormatEther(uint256.NewInt(0)))
	assert.Equal(t, "0.000000000000000001", FormatEther(uint256.NewInt(1)))
}

func TestDotExport(t *testing.T) {
	g := run(t, []row{
		{pc: 0x0, op: "PUSH1", depth: 1, contract: contractA},
		{pc: 0x2, op: "PUSH1", depth: 1, stack: []string{"0x1"}, contract: contractA},
		{pc: 0x4, op: "JUMPI", depth: 1, stack: []string{"0x1", "0x10"}, contract: contractA},
		{pc: 0x10, op: "STOP", depth: 1, contract: contractA},
	})
	out := g.Dot().String()
	assert.True(t, strings.HasPrefix(out, "digraph"))
	assert.Contains(t, out, "rankdir")
	assert.Contains(t, out, "green")
	assert.Contains(t, out, "cluster")
	assert.Contains(t, out, `0x00000000 PUSH1 0x1\l`)
	assert.Contains(t, out, `0x00000010 STOP\l`)
	assert.NotContains(t, out, "0x0000000000 PUSH1")
	assert.Contains(t, out, colorOf(contractA))

	base := filepath.Join(t.TempDir(), "tx")
	path, err := g.Write(base)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, out, string(data))
}
