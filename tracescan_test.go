package tracescan

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/config"
	"github.com/DQYXACML/tracescan/storage"
	"github.com/DQYXACML/tracescan/synchronizer"
	"github.com/DQYXACML/tracescan/synchronizer/node"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

const rules = `
- description: read then write
  condition: follows(opcode == "SLOAD", opcode == "SSTORE")
`

var contract = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func writeTraceFile(t *testing.T, dir string) string {
	t.Helper()
	hash := common.HexToHash("0x0a")
	et := &synchronizer.ExecutionTrace{
		Transactions: []*node.RPCTransaction{{
			Hash:        hash,
			BlockNumber: (*hexutil.Big)(big.NewInt(3)),
			From:        common.HexToAddress("0xf1"),
			To:          &contract,
			Gas:         90_000,
			Value:       (*hexutil.Big)(big.NewInt(0)),
		}},
		Traces: map[string]*node.TraceResult{
			hash.Hex(): {StructLogs: []trace.StructLog{
				{Pc: 0, Op: "SLOAD", Depth: 1, Stack: []string{"0x1"}},
				{Pc: 1, Op: "SSTORE", Depth: 1, Stack: []string{"0x2", "0x1"}},
				{Pc: 2, Op: "STOP", Depth: 1},
			}},
		},
	}
	path, err := et.Save(dir, synchronizer.Target{File: "exploit"})
	require.NoError(t, err)
	return path
}

func run(t *testing.T, cfg *config.Config) error {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	ts, err := NewTraceScan(ctx, cfg, cancel)
	require.NoError(t, err)
	require.NoError(t, ts.Start(ctx))

	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("analysis did not finish")
	}
	require.NoError(t, ts.Stop(context.Background()))
	assert.True(t, ts.Stopped())
	if cause := context.Cause(ctx); cause != context.Canceled {
		return cause
	}
	return nil
}

func TestAnalyzeTraceFile(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(rules), 0o644))
	resultsDir := filepath.Join(dir, "results")

	cfg := &config.Config{
		Analysis: config.AnalysisConfig{
			RulesFile:  rulesFile,
			Workers:    1,
			ResultsDir: resultsDir,
			Retry:      utils.DefaultRetryConfig,
		},
		Target: config.TargetConfig{LoadFile: writeTraceFile(t, dir)},
	}
	require.NoError(t, run(t, cfg))

	data, err := os.ReadFile(filepath.Join(resultsDir, "exploit.json"))
	require.NoError(t, err)
	var reports []storage.TransactionReport
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(3), reports[0].Block)
	require.Len(t, reports[0].Patterns, 1)
	assert.Equal(t, "read then write", reports[0].Patterns[0].Description)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", reports[0].Patterns[0].Contract)

	// a second run finds the results and leaves them alone
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "exploit.json"), []byte("[]"), 0o644))
	require.NoError(t, run(t, cfg))
	data, err = os.ReadFile(filepath.Join(resultsDir, "exploit.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestInvalidRules(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte("- description: broken\n  condition: follows(\n"), 0o644))

	_, err := NewTraceScan(context.Background(), &config.Config{
		Analysis: config.AnalysisConfig{RulesFile: rulesFile, Workers: 1},
		Target:   config.TargetConfig{LoadFile: "missing.trace"},
	}, func(error) {})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeParsing))
}

func TestMissingTraceFile(t *testing.T) {
	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesFile, []byte(rules), 0o644))

	err := run(t, &config.Config{
		Analysis: config.AnalysisConfig{RulesFile: rulesFile, Workers: 1},
		Target:   config.TargetConfig{LoadFile: filepath.Join(dir, "missing.trace")},
	})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeRetrieval))
}
