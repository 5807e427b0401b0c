package synchronizer

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/config"
	"github.com/DQYXACML/tracescan/synchronizer/node"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

type fakeClient struct {
	mu sync.Mutex

	headers    []types.Header
	txs        map[common.Hash]*node.RPCTransaction
	blocks     map[uint64][]*node.RPCTransaction
	traces     map[common.Hash]*node.TraceResult
	traceFails int
	traceCalls int
}

func (f *fakeClient) BlockHeaderByNumber(n *big.Int) (*types.Header, error) {
	if n == nil {
		return &f.headers[len(f.headers)-1], nil
	}
	return &f.headers[n.Uint64()], nil
}

func (f *fakeClient) BlockHeadersByRange(start, end *big.Int, _ uint) ([]types.Header, error) {
	return f.headers[start.Uint64() : end.Uint64()+1], nil
}

func (f *fakeClient) TxByHash(hash common.Hash) (*node.RPCTransaction, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

func (f *fakeClient) BlockTransactions(number *big.Int) ([]*node.RPCTransaction, error) {
	return f.blocks[number.Uint64()], nil
}

func (f *fakeClient) TraceTransaction(hash common.Hash) (*node.TraceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traceCalls++
	if f.traceCalls <= f.traceFails {
		return nil, errors.New("connection reset")
	}
	res, ok := f.traces[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return res, nil
}

func (f *fakeClient) Close() {}

var (
	callee = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	hashA  = common.HexToHash("0x0a")
	hashB  = common.HexToHash("0x0b")
)

func rpcTx(hash common.Hash, to *common.Address, gas uint64) *node.RPCTransaction {
	return &node.RPCTransaction{
		Hash:        hash,
		BlockNumber: (*hexutil.Big)(big.NewInt(7)),
		From:        common.HexToAddress("0xf1"),
		To:          to,
		Input:       hexutil.Bytes{0x01},
		Gas:         hexutil.Uint64(gas),
		Value:       (*hexutil.Big)(big.NewInt(0)),
	}
}

func testConfig(follow bool) *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			StartingHeight:   1,
			BlockStep:        5,
			MainLoopInterval: 5 * time.Millisecond,
		},
		Analysis: config.AnalysisConfig{
			Retry: utils.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		},
		Target: config.TargetConfig{Follow: follow},
	}
}

func newTestSynchronizer(t *testing.T, client node.EthClient, follow bool) *Synchronizer {
	t.Helper()
	syncer, err := NewSynchronizer(testConfig(follow), client, nil, func(cause error) {
		t.Errorf("unexpected shutdown: %v", cause)
	})
	require.NoError(t, err)
	return syncer
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, hashA.Hex(), Target{Transaction: &hashA}.String())
	assert.Equal(t, "15000000", Target{Block: big.NewInt(15_000_000)}.String())
	assert.Equal(t, "exploit", Target{File: "/tmp/traces/exploit.trace"}.String())
}

func TestBlockTransactionsFiltered(t *testing.T) {
	client := &fakeClient{blocks: map[uint64][]*node.RPCTransaction{
		7: {
			rpcTx(hashA, &callee, 80_000),
			rpcTx(common.HexToHash("0x0c"), nil, 900_000), // creation
			rpcTx(common.HexToHash("0x0d"), &callee, 21_000),
			rpcTx(hashB, &callee, 21_001),
		},
	}}
	syncer := newTestSynchronizer(t, client, false)

	txs, err := syncer.Transactions(context.Background(), Target{Block: big.NewInt(7)})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, hashA, txs[0].Hash)
	assert.Equal(t, hashB, txs[1].Hash)
	assert.Equal(t, uint64(7), txs[0].BlockNumber)
}

func TestTransactionTarget(t *testing.T) {
	transfer := common.HexToHash("0x0d")
	creation := common.HexToHash("0x0c")
	client := &fakeClient{txs: map[common.Hash]*node.RPCTransaction{
		hashA:    rpcTx(hashA, &callee, 21_001),
		transfer: rpcTx(transfer, &callee, 21_000),
		creation: rpcTx(creation, nil, 900_000),
	}}
	syncer := newTestSynchronizer(t, client, false)

	txs, err := syncer.Transactions(context.Background(), Target{Transaction: &hashA})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, []byte{0x01}, txs[0].Input)

	for _, hash := range []common.Hash{transfer, creation} {
		txs, err = syncer.Transactions(context.Background(), Target{Transaction: &hash})
		require.NoError(t, err)
		assert.Empty(t, txs, hash.Hex())
	}

	_, err = syncer.Transactions(context.Background(), Target{Transaction: &hashB})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeRetrieval))
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestStructLogsRetried(t *testing.T) {
	logs := []trace.StructLog{{Pc: 0, Op: "STOP", Depth: 1}}
	client := &fakeClient{
		traces:     map[common.Hash]*node.TraceResult{hashA: {StructLogs: logs}},
		traceFails: 2,
	}
	syncer := newTestSynchronizer(t, client, false)

	got, err := syncer.StructLogs(context.Background(), &trace.Transaction{Hash: hashA})
	require.NoError(t, err)
	assert.Equal(t, logs, got)
	assert.Equal(t, 3, client.traceCalls)
}

func TestStructLogsGivesUp(t *testing.T) {
	client := &fakeClient{traceFails: 10}
	syncer := newTestSynchronizer(t, client, false)

	_, err := syncer.StructLogs(context.Background(), &trace.Transaction{Hash: hashA})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeRetrieval))
	assert.Equal(t, 3, client.traceCalls)
}

func TestRecordAndLoad(t *testing.T) {
	logs := []trace.StructLog{
		{Pc: 0, Op: "PUSH1", Gas: 100, GasCost: 3, Depth: 1},
		{Pc: 2, Op: "STOP", Gas: 97, Depth: 1, Stack: []string{"0x1"}},
	}
	client := &fakeClient{
		blocks: map[uint64][]*node.RPCTransaction{7: {rpcTx(hashA, &callee, 50_000)}},
		traces: map[common.Hash]*node.TraceResult{hashA: {Gas: 3, StructLogs: logs}},
	}
	rec := NewRecorder(newTestSynchronizer(t, client, false))
	target := Target{Block: big.NewInt(7)}

	txs, err := rec.Transactions(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	_, err = rec.StructLogs(context.Background(), txs[0])
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := rec.Save(dir, target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "7.trace"), path)

	loaded, err := LoadTraceFile(path)
	require.NoError(t, err)
	loadedTxs := loaded.TransactionList()
	require.Len(t, loadedTxs, 1)
	assert.Equal(t, txs[0].Hash, loadedTxs[0].Hash)
	assert.Equal(t, txs[0].To, loadedTxs[0].To)
	assert.Equal(t, txs[0].Input, loadedTxs[0].Input)
	assert.Equal(t, uint64(50_000), loadedTxs[0].Gas)
	assert.Zero(t, loadedTxs[0].Value.Sign())

	got, err := loaded.StructLogs(context.Background(), loadedTxs[0])
	require.NoError(t, err)
	assert.Equal(t, logs, got)

	_, err = loaded.StructLogs(context.Background(), &trace.Transaction{Hash: hashB})
	assert.True(t, utils.IsType(err, utils.ErrorTypeRetrieval))
}

func TestLoadMalformedTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.trace")
	require.NoError(t, writeFile(path, "{not json"))
	_, err := LoadTraceFile(path)
	assert.True(t, utils.IsType(err, utils.ErrorTypeMalformedTrace))
}

func chain(n int) []types.Header {
	headers := make([]types.Header, n)
	for i := range headers {
		headers[i] = types.Header{Number: big.NewInt(int64(i)), Difficulty: big.NewInt(0)}
		if i > 0 {
			headers[i].ParentHash = headers[i-1].Hash()
		}
	}
	return headers
}

func TestFollowRetriesFailedBlock(t *testing.T) {
	client := &fakeClient{headers: chain(4)}
	syncer := newTestSynchronizer(t, client, true)

	var (
		mu     sync.Mutex
		seen   []uint64
		failed bool
	)
	done := make(chan struct{})
	require.NoError(t, syncer.Start(func(_ context.Context, target Target) error {
		mu.Lock()
		defer mu.Unlock()
		n := target.Block.Uint64()
		if n == 2 && !failed {
			failed = true
			return errors.New("node hiccup")
		}
		seen = append(seen, n)
		if n == 3 {
			close(done)
		}
		return nil
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("blocks were not handed over")
	}
	require.NoError(t, syncer.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, seen)
	assert.True(t, failed)
}

func TestStartWithoutFollow(t *testing.T) {
	syncer := newTestSynchronizer(t, &fakeClient{}, false)
	assert.Error(t, syncer.Start(func(context.Context, Target) error { return nil }))
	assert.NoError(t, syncer.Close())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
