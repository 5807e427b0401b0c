package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/tracing/session"
	"github.com/DQYXACML/tracescan/tracing/trace"
)

var to = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func results() []*session.Result {
	return []*session.Result{
		{
			Transaction: &trace.Transaction{
				Hash:        common.HexToHash("0x0a"),
				BlockNumber: 12,
				From:        common.HexToAddress("0xf1"),
				To:          &to,
				Value:       big.NewInt(5),
			},
			Detections: []session.DetectionResult{{
				Description: "reentrancy",
				Condition:   "((opcode == CALL) ==> (opcode == SSTORE))",
				Contract:    "0x00000000000000000000000000000000000000cc",
			}},
			Steps:         40,
			ExecutionTime: 1500 * time.Millisecond,
		},
		{
			Transaction: &trace.Transaction{Hash: common.HexToHash("0x0b"), BlockNumber: 12},
			Steps:       3,
		},
	}
}

func TestResultsFolder(t *testing.T) {
	ctx := context.Background()
	f, err := NewResultsFolder(t.TempDir())
	require.NoError(t, err)

	ok, err := f.Exists(ctx, "12")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Store(ctx, "12", results()))
	ok, err = f.Exists(ctx, "12")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(f.Path("12"))
	require.NoError(t, err)
	var reports []map[string]any
	require.NoError(t, json.Unmarshal(data, &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, common.HexToHash("0x0a").Hex(), reports[0]["transaction"])
	assert.Equal(t, float64(12), reports[0]["block"])
	assert.Equal(t, 1.5, reports[0]["execution_time"])
	assert.Equal(t, []any{map[string]any{
		"description": "reentrancy",
		"condition":   "((opcode == CALL) ==> (opcode == SSTORE))",
		"contract":    "0x00000000000000000000000000000000000000cc",
	}}, reports[0]["patterns"])
	assert.Equal(t, []any{}, reports[1]["patterns"])
}

func TestRows(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	txs, detections := Rows("12", results(), now)
	require.Len(t, txs, 2)
	require.Len(t, detections, 1)

	assert.Equal(t, "12", txs[0].Target)
	assert.Equal(t, big.NewInt(12), txs[0].BlockNumber)
	assert.Equal(t, to, txs[0].ToAddress)
	assert.Equal(t, big.NewInt(5), txs[0].Value)
	assert.Equal(t, uint64(40), txs[0].Steps)
	assert.Equal(t, uint64(1), txs[0].Detections)
	assert.Equal(t, uint64(1_700_000_000), txs[0].Timestamp)

	// creation and zero value
	assert.Equal(t, common.Address{}, txs[1].ToAddress)
	assert.Zero(t, txs[1].Value.Sign())

	assert.Equal(t, txs[0].GUID, detections[0].TxGUID)
	assert.Equal(t, to, detections[0].Contract)
	assert.Equal(t, "reentrancy", detections[0].Description)
}

type fakeSink struct {
	exists bool
	stored []string
	err    error
}

func (f *fakeSink) Exists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeSink) Store(_ context.Context, target string, _ []*session.Result) error {
	f.stored = append(f.stored, target)
	return f.err
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a := &fakeSink{exists: true}
	b := &fakeSink{err: errors.New("disk full")}
	m := Multi{a, b}

	ok, err := m.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	b.exists = true
	ok, err = m.Exists(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	err = m.Store(ctx, "x", nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"x"}, a.stored)
	assert.Equal(t, []string{"x"}, b.stored)

	ok, err = Multi{}.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
