package tracescan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DQYXACML/tracescan/common/tasks"
	"github.com/DQYXACML/tracescan/config"
	"github.com/DQYXACML/tracescan/database"
	"github.com/DQYXACML/tracescan/metrics"
	"github.com/DQYXACML/tracescan/storage"
	"github.com/DQYXACML/tracescan/synchronizer"
	"github.com/DQYXACML/tracescan/synchronizer/node"
	"github.com/DQYXACML/tracescan/tracing"
	"github.com/DQYXACML/tracescan/tracing/pattern"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

// ErrAnalysisFailed marks targets of which at least one batch could not be
// analyzed. The results of the other batches are stored regardless.
var ErrAnalysisFailed = errors.New("analysis failed")

type TraceScan struct {
	cfg   *config.Config
	rules []pattern.Rule

	ethClient    node.EthClient
	synchronizer *synchronizer.Synchronizer

	db    *database.DB
	sinks storage.Multi

	metrics       metrics.Metricer
	registry      *prometheus.Registry
	metricsServer *metrics.Server

	tasks          tasks.Group
	shutdown       context.CancelCauseFunc
	resourceCtx    context.Context
	resourceCancel context.CancelFunc
	stopped        atomic.Bool
}

func NewTraceScan(ctx context.Context, cfg *config.Config, shutdown context.CancelCauseFunc) (*TraceScan, error) {
	rules, err := pattern.LoadRules(cfg.Analysis.RulesFile)
	if err != nil {
		log.Error("load rules fail", "file", cfg.Analysis.RulesFile, "err", err)
		return nil, utils.NewParsingError("loading rules", err).AddContext("file", cfg.Analysis.RulesFile)
	}
	log.Info("loaded rules", "file", cfg.Analysis.RulesFile, "rules", len(rules))

	resCtx, resCancel := context.WithCancel(context.Background())
	ts := &TraceScan{
		cfg:            cfg,
		rules:          rules,
		metrics:        metrics.NoopMetrics,
		shutdown:       shutdown,
		resourceCtx:    resCtx,
		resourceCancel: resCancel,
		tasks: tasks.Group{HandleCrit: func(err error) {
			shutdown(fmt.Errorf("critical error in tracescan: %w", err))
		}},
	}
	if err := ts.initFromConfig(ctx); err != nil {
		return nil, errors.Join(err, ts.Stop(ctx))
	}
	return ts, nil
}

func (ts *TraceScan) initFromConfig(ctx context.Context) error {
	if ts.cfg.Metrics.Enabled {
		ts.registry = prometheus.NewRegistry()
		ts.metrics = metrics.NewMetrics(ts.registry)
	}

	if ts.cfg.Analysis.ResultsDir != "" {
		folder, err := storage.NewResultsFolder(ts.cfg.Analysis.ResultsDir)
		if err != nil {
			return err
		}
		ts.sinks = append(ts.sinks, folder)
	}
	if ts.cfg.MasterDB.Enabled() {
		db, err := database.NewDB(ctx, ts.cfg.MasterDB)
		if err != nil {
			log.Error("new database fail", "err", err)
			return err
		}
		ts.db = db
		ts.sinks = append(ts.sinks, storage.NewDBSink(db))
	}

	if ts.cfg.Target.LoadFile != "" {
		return nil
	}
	ethClient, err := node.DialEthClient(ctx, ts.cfg.Chain.ChainRpcUrl)
	if err != nil {
		log.Error("new eth client fail", "err", err)
		return err
	}
	ts.ethClient = ethClient
	syncer, err := synchronizer.NewSynchronizer(ts.cfg, ethClient, ts.metrics, ts.shutdown)
	if err != nil {
		return err
	}
	ts.synchronizer = syncer
	return nil
}

func (ts *TraceScan) Start(ctx context.Context) error {
	if ts.registry != nil {
		srv, err := metrics.StartServer(ts.cfg.Metrics.Addr, ts.registry)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		ts.metricsServer = srv
	}

	if ts.cfg.Target.Follow {
		return ts.synchronizer.Start(ts.follow)
	}
	ts.tasks.Go(func() error {
		err := ts.runOnce(ts.resourceCtx)
		if err != nil {
			log.Error("analysis failed", "err", err)
		}
		// a one-shot run ends the process either way
		ts.shutdown(err)
		return nil
	})
	return nil
}

func (ts *TraceScan) runOnce(ctx context.Context) error {
	switch {
	case ts.cfg.Target.Transaction != nil:
		return ts.analyzeTarget(ctx, synchronizer.Target{Transaction: ts.cfg.Target.Transaction})
	case ts.cfg.Target.Block != nil:
		return ts.analyzeTarget(ctx, synchronizer.Target{Block: new(big.Int).SetUint64(*ts.cfg.Target.Block)})
	case ts.cfg.Target.LoadFile != "":
		return ts.analyzeTarget(ctx, synchronizer.Target{File: ts.cfg.Target.LoadFile})
	}
	return utils.NewConfigError("no target to analyze", "target")
}

// follow handles blocks found on chain. Blocks whose transactions could not
// be fetched are retried, failed batches are not.
func (ts *TraceScan) follow(ctx context.Context, target synchronizer.Target) error {
	err := ts.analyzeTarget(ctx, target)
	if errors.Is(err, ErrAnalysisFailed) {
		return nil
	}
	return err
}

func (ts *TraceScan) analyzeTarget(ctx context.Context, target synchronizer.Target) error {
	if len(ts.sinks) > 0 {
		done, err := ts.sinks.Exists(ctx, target.String())
		if err != nil {
			return err
		}
		if done {
			log.Info("target already analyzed, skipping", "target", target)
			return nil
		}
	}

	var (
		txs      []*trace.Transaction
		source   tracing.TraceSource
		recorder *synchronizer.Recorder
		err      error
	)
	switch {
	case target.File != "":
		et, err := synchronizer.LoadTraceFile(target.File)
		if err != nil {
			return err
		}
		txs, source = et.TransactionList(), et
	case ts.cfg.Analysis.SaveDir != "":
		recorder = synchronizer.NewRecorder(ts.synchronizer)
		txs, err = recorder.Transactions(ctx, target)
		source = recorder
	default:
		txs, err = ts.synchronizer.Transactions(ctx, target)
		source = ts.synchronizer
	}
	if err != nil {
		return err
	}
	log.Info("analyzing target", "target", target, "transactions", len(txs))

	analyzer := tracing.NewAnalyzer(tracing.Config{
		Rules:     ts.rules,
		Workers:   ts.cfg.Analysis.Workers,
		Debug:     ts.cfg.Analysis.Debug,
		CFGFormat: ts.cfg.Analysis.CFGFormat,
		Metrics:   ts.metrics,
	}, source)
	results, runErr := analyzer.Run(ctx, txs)
	if runErr != nil && ctx.Err() != nil {
		return runErr
	}

	if recorder != nil {
		path, err := recorder.Save(ts.cfg.Analysis.SaveDir, target)
		if err != nil {
			return err
		}
		log.Info("saved execution trace", "file", path)
	}

	detections := 0
	for _, res := range results {
		detections += len(res.Detections)
	}
	log.Info("analyzed target", "target", target, "transactions", len(results), "detections", detections)

	if len(ts.sinks) > 0 {
		if err := ts.sinks.Store(ctx, target.String(), results); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrAnalysisFailed, target, runErr)
	}
	return nil
}

func (ts *TraceScan) Stop(ctx context.Context) error {
	var result error
	if ts.resourceCancel != nil {
		ts.resourceCancel()
	}
	if ts.synchronizer != nil {
		if err := ts.synchronizer.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close synchronizer: %w", err))
		}
	}
	if err := ts.tasks.Wait(); err != nil {
		result = errors.Join(result, err)
	}
	if ts.ethClient != nil {
		ts.ethClient.Close()
	}
	if ts.db != nil {
		if err := ts.db.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if ts.metricsServer != nil {
		if err := ts.metricsServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	ts.stopped.Store(true)
	log.Info("tracescan stopped")
	return result
}

func (ts *TraceScan) Stopped() bool {
	return ts.stopped.Load()
}
