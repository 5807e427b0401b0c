// node_test.go
package node

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

/* -------------------------------------------------------------------------- */
/*                                  Mock RPC                                  */
/* -------------------------------------------------------------------------- */

type mockRPC struct{ mock.Mock }

func (m *mockRPC) Close() {}

func (m *mockRPC) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return m.Called(ctx, result, method, args).Error(0)
}

func (m *mockRPC) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return m.Called(ctx, b).Error(0)
}

var (
	txHash = common.HexToHash("0xaaf64b10913ae54c9430cb6c6043acecac6801c52b909291be19f76f35a5e4bc")
	to     = common.HexToAddress("0xc0ffee")
)

/* -------------------------------------------------------------------------- */
/*                               Transactions                                 */
/* -------------------------------------------------------------------------- */

func TestTxByHash(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	mrpc.On("CallContext", mock.Anything, mock.Anything, "eth_getTransactionByHash", []interface{}{txHash}).
		Run(func(args mock.Arguments) {
			res := args.Get(1).(**RPCTransaction)
			*res = &RPCTransaction{
				Hash:        txHash,
				BlockNumber: (*hexutil.Big)(big.NewInt(17)),
				From:        common.HexToAddress("0xf1"),
				To:          &to,
				Input:       hexutil.Bytes{0xde, 0xad},
				Gas:         50_000,
				Value:       (*hexutil.Big)(big.NewInt(3)),
			}
		}).Return(nil).Once()

	got, err := cli.TxByHash(txHash)
	require.NoError(t, err)
	tx := got.Transaction()
	assert.Equal(t, txHash, tx.Hash)
	assert.Equal(t, uint64(17), tx.BlockNumber)
	assert.Equal(t, to, tx.ToAddress())
	assert.Equal(t, []byte{0xde, 0xad}, tx.Input)
	assert.Equal(t, uint64(50_000), tx.Gas)
	assert.Equal(t, int64(3), tx.Value.Int64())
	mrpc.AssertExpectations(t)
}

func TestTxByHashNotFound(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	mrpc.On("CallContext", mock.Anything, mock.Anything, "eth_getTransactionByHash", []interface{}{txHash}).
		Return(nil).Once()

	_, err := cli.TxByHash(txHash)
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestBlockTransactions(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	mrpc.On("CallContext", mock.Anything, mock.Anything, "eth_getBlockByNumber", []interface{}{"0x64", true}).
		Run(func(args mock.Arguments) {
			res := args.Get(1).(**rpcBlock)
			*res = &rpcBlock{
				Number:       (*hexutil.Big)(big.NewInt(100)),
				Transactions: []*RPCTransaction{{Hash: txHash, To: &to}, {Hash: common.HexToHash("0x02")}},
			}
		}).Return(nil).Once()

	txs, err := cli.BlockTransactions(big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, txHash, txs[0].Hash)
	assert.Nil(t, txs[1].Transaction().To)
	mrpc.AssertExpectations(t)
}

/* -------------------------------------------------------------------------- */
/*                               DebugTrace test                              */
/* -------------------------------------------------------------------------- */

func TestTraceTransaction(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	tracerCfg := map[string]any{"enableMemory": true, "disableStorage": true, "enableReturnData": false}
	mrpc.On("CallContext", mock.Anything, mock.Anything, "debug_traceTransaction", []interface{}{txHash, tracerCfg}).
		Run(func(args mock.Arguments) {
			res := args.Get(1).(**TraceResult)
			*res = &TraceResult{
				Gas: 21_000,
				StructLogs: []trace.StructLog{
					{Pc: 0, Op: "PUSH1", Depth: 1},
					{Pc: 2, Op: "STOP", Depth: 1, Stack: []string{"0x80"}},
				},
			}
		}).Return(nil).Once()

	res, err := cli.TraceTransaction(txHash)
	require.NoError(t, err)
	require.Len(t, res.StructLogs, 2)
	assert.Equal(t, "STOP", res.StructLogs[1].Op)
	mrpc.AssertExpectations(t)
}

func TestTraceTransactionError(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	mrpc.On("CallContext", mock.Anything, mock.Anything, "debug_traceTransaction", mock.Anything).
		Return(assert.AnError).Once()

	_, err := cli.TraceTransaction(txHash)
	assert.ErrorIs(t, err, assert.AnError)
}

/* -------------------------------------------------------------------------- */
/*                          BlockHeadersByRange   test                        */
/* -------------------------------------------------------------------------- */

func TestBlockHeadersByRange(t *testing.T) {
	mrpc := new(mockRPC)
	cli := &myClient{rpc: mrpc}

	start := big.NewInt(10)
	end := big.NewInt(11) // 范围包含 10 和 11，共 2 个

	mrpc.On("BatchCallContext", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			elems := args.Get(1).([]rpc.BatchElem)
			// 伪造返回的 Header
			for i := range elems {
				h := types.Header{Number: big.NewInt(start.Int64() + int64(i))}
				*elems[i].Result.(*types.Header) = h
			}
		}).Return(nil).Once()

	headers, err := cli.BlockHeadersByRange(start, end, 1)
	assert.NoError(t, err)
	assert.Len(t, headers, 2)
	assert.EqualValues(t, 10, headers[0].Number.Int64())
	assert.EqualValues(t, 11, headers[1].Number.Int64())
	mrpc.AssertExpectations(t)
}

func TestToBlockNumArg(t *testing.T) {
	assert.Equal(t, "latest", toBlockNumArg(nil))
	assert.Equal(t, "0x64", toBlockNumArg(big.NewInt(100)))
	assert.Equal(t, "pending", toBlockNumArg(big.NewInt(int64(rpc.PendingBlockNumber))))
}
