package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/log"

	"github.com/DQYXACML/tracescan/synchronizer/node"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

const TraceFileExt = ".trace"

// ExecutionTrace is the on-disk form of a fetched target: its transactions
// and their traces keyed by transaction hash.
type ExecutionTrace struct {
	Transactions []*node.RPCTransaction      `json:"transactions"`
	Traces       map[string]*node.TraceResult `json:"traces"`
}

// LoadTraceFile reads a file written by Save.
func LoadTraceFile(path string) (*ExecutionTrace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.WrapError(utils.ErrorTypeRetrieval, "reading trace file", err).AddContext("file", path)
	}
	var et ExecutionTrace
	if err := json.Unmarshal(data, &et); err != nil {
		return nil, utils.WrapError(utils.ErrorTypeMalformedTrace, "decoding trace file", err).AddContext("file", path)
	}
	if et.Traces == nil {
		et.Traces = make(map[string]*node.TraceResult)
	}
	log.Info("loaded trace file", "file", path, "transactions", len(et.Transactions))
	return &et, nil
}

// Save writes the trace to <dir>/<target>.trace.
func (et *ExecutionTrace) Save(dir string, target Target) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", utils.WrapError(utils.ErrorTypeStorage, "creating trace folder", err)
	}
	data, err := json.Marshal(et)
	if err != nil {
		return "", utils.WrapError(utils.ErrorTypeStorage, "encoding trace file", err)
	}
	path := filepath.Join(dir, target.String()+TraceFileExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", utils.WrapError(utils.ErrorTypeStorage, "writing trace file", err).AddContext("file", path)
	}
	return path, nil
}

// TransactionList converts the stored transactions into the trace model.
func (et *ExecutionTrace) TransactionList() []*trace.Transaction {
	out := make([]*trace.Transaction, len(et.Transactions))
	for i, tx := range et.Transactions {
		out[i] = tx.Transaction()
	}
	return out
}

// StructLogs serves a stored trace.
func (et *ExecutionTrace) StructLogs(_ context.Context, tx *trace.Transaction) ([]trace.StructLog, error) {
	res, ok := et.Traces[tx.Hash.Hex()]
	if !ok || res == nil {
		return nil, utils.NewRetrievalError(tx.Hash.Hex(), fmt.Errorf("no stored trace: %w", ethereum.NotFound))
	}
	return res.StructLogs, nil
}

// Recorder fetches through a Synchronizer and keeps what it fetched so that
// it can be saved as an ExecutionTrace.
type Recorder struct {
	syncer *Synchronizer

	mu    sync.Mutex
	trace ExecutionTrace
}

func NewRecorder(syncer *Synchronizer) *Recorder {
	return &Recorder{
		syncer: syncer,
		trace:  ExecutionTrace{Traces: make(map[string]*node.TraceResult)},
	}
}

func (r *Recorder) Transactions(ctx context.Context, target Target) ([]*trace.Transaction, error) {
	txs, err := r.syncer.rpcTransactions(ctx, target)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.trace.Transactions = append(r.trace.Transactions, txs...)
	r.mu.Unlock()

	out := make([]*trace.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Transaction()
	}
	return out, nil
}

func (r *Recorder) StructLogs(ctx context.Context, tx *trace.Transaction) ([]trace.StructLog, error) {
	res, err := r.syncer.traceResult(ctx, tx.Hash)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.trace.Traces[tx.Hash.Hex()] = res
	r.mu.Unlock()
	return res.StructLogs, nil
}

// Save writes everything recorded so far.
func (r *Recorder) Save(dir string, target Target) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace.Save(dir, target)
}
