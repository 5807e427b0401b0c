package node

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/DQYXACML/tracescan/tracing/trace"
)

const (
	defaultDialTimeout = 5 * time.Second

	defaultRequestTimeout = 100 * time.Second

	// traces of large transactions take a while to be produced by the node
	defaultTraceTimeout = 10 * time.Minute
)

// RPCTransaction is a transaction as returned by eth_getTransactionByHash.
type RPCTransaction struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Input       hexutil.Bytes   `json:"input"`
	Gas         hexutil.Uint64  `json:"gas"`
	Value       *hexutil.Big    `json:"value"`
}

// Transaction converts the RPC representation into the trace model.
func (t *RPCTransaction) Transaction() *trace.Transaction {
	tx := &trace.Transaction{
		Hash:  t.Hash,
		From:  t.From,
		To:    t.To,
		Input: []byte(t.Input),
		Gas:   uint64(t.Gas),
		Value: new(big.Int),
	}
	if t.BlockNumber != nil {
		tx.BlockNumber = t.BlockNumber.ToInt().Uint64()
	}
	if t.Value != nil {
		tx.Value = t.Value.ToInt()
	}
	return tx
}

type rpcBlock struct {
	Number       *hexutil.Big      `json:"number"`
	Hash         common.Hash       `json:"hash"`
	Transactions []*RPCTransaction `json:"transactions"`
}

// TraceResult is the default (struct logger) result of debug_traceTransaction.
type TraceResult struct {
	Gas         uint64            `json:"gas"`
	Failed      bool              `json:"failed"`
	ReturnValue string            `json:"returnValue"`
	StructLogs  []trace.StructLog `json:"structLogs"`
}

type myClient struct {
	rpc RPC
}

func (m *myClient) TxByHash(hash common.Hash) (*RPCTransaction, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var tx *RPCTransaction
	err := m.rpc.CallContext(ctxwt, &tx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	} else if tx == nil {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

func (m *myClient) BlockTransactions(number *big.Int) ([]*RPCTransaction, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var block *rpcBlock
	if err := m.rpc.CallContext(ctxwt, &block, "eth_getBlockByNumber", toBlockNumArg(number), true); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %s: %w", toBlockNumArg(number), ethereum.NotFound)
	}
	return block.Transactions, nil
}

// TraceTransaction replays hash with the struct logger, memory included.
func (m *myClient) TraceTransaction(hash common.Hash) (*TraceResult, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultTraceTimeout)
	defer cancel()

	var res *TraceResult
	tracerCfg := map[string]any{
		"enableMemory":     true,
		"disableStorage":   true,
		"enableReturnData": false,
	}
	if err := m.rpc.CallContext(ctxwt, &res, "debug_traceTransaction", hash, tracerCfg); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ethereum.NotFound
	}
	log.Debug("trace retrieved", "tx", hash, "steps", len(res.StructLogs), "failed", res.Failed)
	return res, nil
}

func (m *myClient) BlockHeadersByRange(startHeight *big.Int, engHeight *big.Int, chainId uint) ([]types.Header, error) {
	if startHeight.Cmp(engHeight) == 0 {
		header, err := m.BlockHeaderByNumber(startHeight)
		if err != nil {
			return nil, err
		}
		return []types.Header{*header}, nil
	}

	count := new(big.Int).Sub(engHeight, startHeight).Uint64() + 1
	headers := make([]types.Header, count)
	batchElems := make([]rpc.BatchElem, count)

	for i := uint64(0); i < count; i++ {
		height := new(big.Int).Add(startHeight, new(big.Int).SetUint64(i))
		batchElems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{toBlockNumArg(height), false},
			Result: &headers[i],
		}
	}

	ctxwt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	err := m.rpc.BatchCallContext(ctxwt, batchElems)
	if err != nil {
		return nil, err
	}

	size := 0
	for i, batchElem := range batchElems {
		if batchElem.Error != nil {
			return nil, batchElem.Error
		}
		header, ok := batchElem.Result.(*types.Header)
		if !ok {
			return nil, fmt.Errorf("unable to transform rpc response %v into utils.Header", batchElem.Result)
		}
		headers[i] = *header

		size = size + 1
	}
	headers = headers[:size]

	return headers, nil
}

func (m *myClient) BlockHeaderByNumber(b *big.Int) (*types.Header, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	var header *types.Header
	err := m.rpc.CallContext(ctxwt, &header, "eth_getBlockByNumber", toBlockNumArg(b), false)
	if err != nil {
		log.Error("Call eth_getBlockByNumber method fail", "err", err)
		return nil, err
	} else if header == nil {
		log.Error("header not found")
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (m *myClient) Close() {
	m.rpc.Close()
}

type RPC interface {
	Close()
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type EthClient interface {
	BlockHeaderByNumber(*big.Int) (*types.Header, error)
	BlockHeadersByRange(*big.Int, *big.Int, uint) ([]types.Header, error)

	TxByHash(hash common.Hash) (*RPCTransaction, error)
	BlockTransactions(number *big.Int) ([]*RPCTransaction, error)

	TraceTransaction(hash common.Hash) (*TraceResult, error)

	Close()
}

func DialEthClient(ctx context.Context, rpcUrl string) (EthClient, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial address (%s): %w", rpcUrl, err)
	}

	return &myClient{
		rpc: NewRPC(rpcClient),
	}, nil
}

type rpcClient struct {
	rpc *rpc.Client
}

func NewRPC(client *rpc.Client) RPC {
	return &rpcClient{client}
}

func (c *rpcClient) Close() {
	c.rpc.Close()
}

func (c *rpcClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	err := c.rpc.CallContext(ctx, result, method, args...)
	return err
}

func (c *rpcClient) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	err := c.rpc.BatchCallContext(ctx, b)
	return err
}

func toBlockNumArg(b *big.Int) string {
	if b == nil {
		return "latest"
	}
	if b.Sign() >= 0 {
		return hexutil.EncodeBig(b)
	}
	return rpc.BlockNumber(b.Int64()).String()
}
