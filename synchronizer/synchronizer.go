// Package synchronizer acquires the transactions and struct logs to analyze,
// either for a single target or by following the chain head.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/DQYXACML/tracescan/common/tasks"
	"github.com/DQYXACML/tracescan/config"
	"github.com/DQYXACML/tracescan/metrics"
	"github.com/DQYXACML/tracescan/synchronizer/node"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

// plainTransferGas is the intrinsic gas of a call without data.
const plainTransferGas = 21000

// Target names what one run analyzes: a transaction, a block, or a saved
// execution-trace file.
type Target struct {
	Transaction *common.Hash
	Block       *big.Int
	File        string
}

// String is the name results and trace files of the target are stored under.
func (t Target) String() string {
	switch {
	case t.Transaction != nil:
		return t.Transaction.Hex()
	case t.Block != nil:
		return t.Block.String()
	case t.File != "":
		return strings.TrimSuffix(filepath.Base(t.File), TraceFileExt)
	}
	return "unknown"
}

// Handler analyzes one block found while following the chain.
type Handler func(ctx context.Context, target Target) error

type Synchronizer struct {
	ethClient node.EthClient
	chainCfg  *config.ChainConfig
	retry     utils.RetryConfig
	metrics   metrics.Metricer
	tasks     tasks.Group

	// blocks still to hand over, oldest first
	blocks    []*big.Int
	traversal *node.BlockTraversal

	resourceCtx    context.Context
	resourceCancel context.CancelFunc
}

func NewSynchronizer(cfg *config.Config, client node.EthClient, m metrics.Metricer, shutdown context.CancelCauseFunc) (*Synchronizer, error) {
	if m == nil {
		m = metrics.NoopMetrics
	}
	resCtx, resCancel := context.WithCancel(context.Background())
	syncer := &Synchronizer{
		ethClient:      client,
		chainCfg:       &cfg.Chain,
		retry:          cfg.Analysis.Retry,
		metrics:        m,
		resourceCtx:    resCtx,
		resourceCancel: resCancel,
		tasks: tasks.Group{HandleCrit: func(err error) {
			shutdown(fmt.Errorf("critical error in synchronizer: %w", err))
		}},
	}
	if !cfg.Target.Follow {
		return syncer, nil
	}

	var fromHeader *types.Header
	if cfg.Chain.StartingHeight > 0 {
		// the traversal resumes after fromHeader
		header, err := client.BlockHeaderByNumber(new(big.Int).SetUint64(cfg.Chain.StartingHeight - 1))
		if err != nil {
			log.Error("get block from chain fail", "err", err)
			resCancel()
			return nil, err
		}
		fromHeader = header
		log.Info("following from configured height", "header", header.Number)
	} else {
		log.Info("following from genesis")
	}
	syncer.traversal = node.NewBlockTraversal(client, fromHeader, cfg.Chain.Confirmations, cfg.Chain.ChainId)
	return syncer, nil
}

// Transactions returns the transactions of target, keeping only calls to an
// address that carry more than the intrinsic gas of a transfer.
func (syncer *Synchronizer) Transactions(ctx context.Context, target Target) ([]*trace.Transaction, error) {
	txs, err := syncer.rpcTransactions(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]*trace.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Transaction()
	}
	return out, nil
}

func (syncer *Synchronizer) rpcTransactions(ctx context.Context, target Target) ([]*node.RPCTransaction, error) {
	switch {
	case target.Transaction != nil:
		tx, err := utils.Retry(ctx, syncer.retry, func() (*node.RPCTransaction, error) {
			return syncer.ethClient.TxByHash(*target.Transaction)
		})
		if err != nil {
			return nil, utils.NewRetrievalError(target.Transaction.Hex(), err)
		}
		if !analyzable(tx) {
			log.Info("transaction is a plain transfer or a creation, skipping", "tx", tx.Hash)
			return nil, nil
		}
		return []*node.RPCTransaction{tx}, nil

	case target.Block != nil:
		txs, err := utils.Retry(ctx, syncer.retry, func() ([]*node.RPCTransaction, error) {
			return syncer.ethClient.BlockTransactions(target.Block)
		})
		if err != nil {
			return nil, utils.WrapError(utils.ErrorTypeRetrieval, "retrieving block transactions", err).
				AddContext("block", target.Block.String())
		}
		kept := txs[:0]
		for _, tx := range txs {
			if analyzable(tx) {
				kept = append(kept, tx)
			}
		}
		log.Info("fetched block transactions", "block", target.Block, "total", len(txs), "kept", len(kept))
		return kept, nil
	}
	return nil, utils.NewConfigError("target has neither a transaction nor a block", "target")
}

func analyzable(tx *node.RPCTransaction) bool {
	return tx.To != nil && uint64(tx.Gas) > plainTransferGas
}

// StructLogs fetches the struct logs of tx from the node.
func (syncer *Synchronizer) StructLogs(ctx context.Context, tx *trace.Transaction) ([]trace.StructLog, error) {
	res, err := syncer.traceResult(ctx, tx.Hash)
	if err != nil {
		return nil, err
	}
	return res.StructLogs, nil
}

func (syncer *Synchronizer) traceResult(ctx context.Context, hash common.Hash) (*node.TraceResult, error) {
	start := time.Now()
	res, err := utils.Retry(ctx, syncer.retry, func() (*node.TraceResult, error) {
		res, err := syncer.ethClient.TraceTransaction(hash)
		if err == nil && res == nil {
			err = ethereum.NotFound
		}
		return res, err
	})
	syncer.metrics.RecordRetrieval(time.Since(start), err)
	if err != nil {
		return nil, utils.NewRetrievalError(hash.Hex(), err)
	}
	log.Debug("fetched trace", "tx", hash, "steps", len(res.StructLogs), "failed", res.Failed)
	return res, nil
}

// Start follows the chain, handing every confirmed block that holds
// transactions to handler in order. A block whose handler fails is retried on
// the next tick.
func (syncer *Synchronizer) Start(handler Handler) error {
	if syncer.traversal == nil {
		return errors.New("synchronizer was not configured to follow the chain")
	}
	log.Info("starting synchronizer")
	tickerSyncer := time.NewTicker(syncer.chainCfg.MainLoopInterval)
	syncer.tasks.Go(func() error {
		defer tickerSyncer.Stop()
		for {
			select {
			case <-syncer.resourceCtx.Done():
				return nil
			case <-tickerSyncer.C:
			}
			if len(syncer.blocks) == 0 {
				blocks, err := syncer.traversal.Next(syncer.chainCfg.BlockStep)
				if err != nil {
					log.Error("error walking confirmed blocks", "err", err)
					continue
				} else if len(blocks) == 0 {
					if cursor := syncer.traversal.Cursor(); cursor != nil {
						log.Debug("no block to analyze", "cursor", cursor.Number)
					}
					continue
				}
				syncer.blocks = blocks
			}
			syncer.processBatch(handler)
		}
	})
	return nil
}

func (syncer *Synchronizer) processBatch(handler Handler) {
	first, last := syncer.blocks[0], syncer.blocks[len(syncer.blocks)-1]
	log.Info("sync batch", "size", len(syncer.blocks), "startBlock", first, "endBlock", last)
	for len(syncer.blocks) > 0 {
		block := syncer.blocks[0]
		if err := handler(syncer.resourceCtx, Target{Block: block}); err != nil {
			log.Error("failed to analyze block", "block", block, "err", err)
			return
		}
		syncer.blocks = syncer.blocks[1:]
	}
}

func (syncer *Synchronizer) Close() error {
	log.Info("closing synchronizer")
	syncer.resourceCancel()
	return syncer.tasks.Wait()
}
