// Package tracing drives the analysis of fetched transactions: it groups them
// into correlated batches and runs one session per batch.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/DQYXACML/tracescan/metrics"
	"github.com/DQYXACML/tracescan/tracing/cfg"
	"github.com/DQYXACML/tracescan/tracing/pattern"
	"github.com/DQYXACML/tracescan/tracing/session"
	"github.com/DQYXACML/tracescan/tracing/trace"
)

// TraceSource yields the struct logs of a transaction.
type TraceSource interface {
	StructLogs(ctx context.Context, tx *trace.Transaction) ([]trace.StructLog, error)
}

type Config struct {
	Rules   []pattern.Rule
	Workers int
	Debug   bool
	// CFGFormat enables graph export when set. CFGDir defaults to the
	// working directory.
	CFGFormat string
	CFGDir    string

	Logger  log.Logger
	Metrics metrics.Metricer
}

type Analyzer struct {
	cfg    Config
	source TraceSource
	log    log.Logger
}

func NewAnalyzer(c Config, source TraceSource) *Analyzer {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoopMetrics
	}
	return &Analyzer{cfg: c, source: source, log: c.Logger}
}

// GroupTransactions splits txs into correlated batches. A transaction joins
// the first batch holding a transaction of the same block from another
// sender, or from the same sender with another input. Order is preserved.
func GroupTransactions(txs []*trace.Transaction) [][]*trace.Transaction {
	var batches [][]*trace.Transaction
	for _, tx := range txs {
		placed := false
		for i := range batches {
			for _, other := range batches[i] {
				if related(other, tx) {
					batches[i] = append(batches[i], tx)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			batches = append(batches, []*trace.Transaction{tx})
		}
	}
	return batches
}

func related(a, b *trace.Transaction) bool {
	if a.BlockNumber == b.BlockNumber && a.From != b.From {
		return true
	}
	return a.From == b.From && !bytes.Equal(a.Input, b.Input)
}

// Run analyzes txs and returns the results of every transaction that could be
// analyzed, batch by batch. A failing batch does not stop the others; its
// error is part of the returned error.
func (a *Analyzer) Run(ctx context.Context, txs []*trace.Transaction) ([]*session.Result, error) {
	batches := GroupTransactions(txs)
	a.log.Info("grouped transactions", "transactions", len(txs), "batches", len(batches), "workers", a.cfg.Workers)

	results := make([][]*session.Result, len(batches))
	errs := make([]error, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			res, err := a.runBatch(gctx, batch)
			results[i] = res
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.cfg.Metrics.RecordSessionFailure()
				a.log.Error("batch analysis failed", "batch", i, "transactions", len(batch), "err", err)
				errs[i] = fmt.Errorf("batch %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*session.Result
	for _, res := range results {
		out = append(out, res...)
	}
	return out, errors.Join(errs...)
}

func (a *Analyzer) runBatch(ctx context.Context, batch []*trace.Transaction) ([]*session.Result, error) {
	s := session.New(session.Config{
		Rules:    a.cfg.Rules,
		Debug:    a.cfg.Debug,
		BuildCFG: a.cfg.CFGFormat != "",
		Logger:   a.log,
		Metrics:  a.cfg.Metrics,
	})
	var out []*session.Result
	for _, tx := range batch {
		logs, err := a.source.StructLogs(ctx, tx)
		if err != nil {
			return out, err
		}
		res, err := s.Analyze(ctx, tx, logs)
		if err != nil {
			return out, err
		}
		if res.Graph != nil {
			a.exportGraph(ctx, tx, res.Graph)
		}
		out = append(out, res)
	}
	return out, nil
}

func (a *Analyzer) exportGraph(ctx context.Context, tx *trace.Transaction, g *cfg.Graph) {
	dir := a.cfg.CFGDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Error("cannot create cfg folder", "dir", dir, "err", err)
		return
	}
	base := filepath.Join(dir, tx.Hash.Hex())
	path, err := g.Write(base)
	if err != nil {
		a.log.Error("cannot write cfg", "tx", tx.Hash, "err", err)
		return
	}
	if a.cfg.CFGFormat == "dot" {
		a.log.Info("saved control flow graph", "file", path)
		return
	}
	out, err := cfg.Render(ctx, path, base, a.cfg.CFGFormat)
	switch {
	case errors.Is(err, cfg.ErrGraphvizUnavailable):
		a.log.Warn("graphviz is not installed, kept the dot file only", "file", path)
	case err != nil:
		a.log.Error("cannot render cfg", "file", path, "err", err)
	default:
		a.log.Info("saved control flow graph", "file", out)
	}
}
