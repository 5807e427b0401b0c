// Package session runs the rules over one correlated batch of transactions.
// A session owns the trace window, the contract resolver, the call tree, the
// taint state and the dependency ledgers, and feeds them every step in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/DQYXACML/tracescan/metrics"
	"github.com/DQYXACML/tracescan/tracing/calltree"
	"github.com/DQYXACML/tracescan/tracing/cfg"
	"github.com/DQYXACML/tracescan/tracing/pattern"
	"github.com/DQYXACML/tracescan/tracing/resolver"
	"github.com/DQYXACML/tracescan/tracing/taint"
	"github.com/DQYXACML/tracescan/tracing/trace"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

type Config struct {
	Rules []pattern.Rule
	Debug bool
	// BuildCFG enables basic block aggregation for export.
	BuildCFG bool

	Logger  log.Logger
	Metrics metrics.Metricer
}

// DetectionResult is one rule match.
type DetectionResult struct {
	Description string `json:"description"`
	Condition   string `json:"condition"`
	Contract    string `json:"contract"`
}

// Result is the analysis outcome of one transaction.
type Result struct {
	Transaction   *trace.Transaction
	Detections    []DetectionResult
	Steps         int
	ExecutionTime time.Duration
	// Graph holds the basic blocks of the transaction when BuildCFG is set.
	Graph         *cfg.Graph
}

type Session struct {
	cfg Config
	log log.Logger

	window   *trace.Window
	resolver *resolver.Resolver
	tracker  *calltree.Tracker
	taint    *taint.Oracle
	eval     *pattern.Evaluator
	graph    *cfg.Graph

	next uint64
}

func New(c Config) *Session {
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoopMetrics
	}
	s := &Session{
		cfg:     c,
		log:     c.Logger,
		window:  trace.NewWindow(),
		tracker: calltree.NewTracker(),
		taint:   taint.NewOracle(),
	}
	s.resolver = resolver.NewResolver(s.window)
	s.eval = pattern.NewEvaluator(s)
	if c.BuildCFG {
		s.graph = cfg.NewGraph()
	}
	return s
}

// NextIndex is the index the next ingested step receives.
func (s *Session) NextIndex() uint64 {
	return s.next
}

// WindowSize is the number of steps currently held.
func (s *Session) WindowSize() int {
	return s.window.Len()
}

// Evaluator exposes the rule evaluator, mainly for its ledgers.
func (s *Session) Evaluator() *pattern.Evaluator {
	return s.eval
}

// Analyze ingests the struct logs of tx and evaluates every rule at every
// step. Transactions of a batch must be analyzed in order.
func (s *Session) Analyze(ctx context.Context, tx *trace.Transaction, logs []trace.StructLog) (*Result, error) {
	begin := time.Now()

	steps := make([]*trace.Step, len(logs))
	for i, l := range logs {
		step, err := trace.NewStep(s.next+uint64(i), l, tx)
		if err != nil {
			return nil, utils.WrapError(utils.ErrorTypeMalformedTrace, "ingesting trace", err).
				AddContext("transaction", tx.Hash.Hex())
		}
		steps[i] = step
		s.window.Add(step)
	}
	s.next += uint64(len(logs))

	if s.cfg.Debug {
		s.log.Debug("analyzing transaction", "tx", tx.Hash, "block", tx.BlockNumber,
			"from", trace.AddressString(tx.From), "to", trace.AddressString(tx.ToAddress()), "steps", len(steps))
	}

	res := &Result{Transaction: tx, Steps: len(steps)}
	for i, step := range steps {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		found, err := s.step(step)
		if err != nil {
			return nil, err
		}
		res.Detections = append(res.Detections, found...)
	}

	s.endTransaction()
	if s.graph != nil {
		res.Graph = s.graph
		s.graph = cfg.NewGraph()
	}

	res.ExecutionTime = time.Since(begin)
	s.cfg.Metrics.RecordSteps(len(steps))
	s.cfg.Metrics.RecordTransaction(res.ExecutionTime)
	s.log.Info("analyzed transaction", "tx", tx.Hash, "steps", len(steps),
		"detections", len(res.Detections), "elapsed", res.ExecutionTime)
	return res, nil
}

func (s *Session) step(step *trace.Step) ([]DetectionResult, error) {
	tr, err := s.resolver.Resolve(step)
	if err != nil {
		return nil, utils.WrapError(utils.ErrorTypeMalformedTrace, "resolving contract", err).
			AddContext("step", step.Index).
			AddContext("op", step.Op)
	}
	contract, _ := s.resolver.AddressAt(step.Index)
	if s.cfg.Debug {
		s.debugStep(step, contract, tr)
	}

	if err := s.taint.Propagate(step, contract); err != nil {
		kind := utils.ErrorTypeMalformedTrace
		if errors.Is(err, taint.ErrUnknownOpcode) {
			kind = utils.ErrorTypeUnknownVariant
		}
		return nil, utils.WrapError(kind, "propagating taint", err).
			AddContext("step", step.Index).
			AddContext("op", step.Op)
	}
	s.tracker.Advance(step)

	if s.graph != nil {
		next, _ := s.window.Next(step)
		input, _ := s.resolver.InputAt(step.Index)
		if err := s.graph.Add(step, next, contract, s.resolver.Current(), input); err != nil {
			s.log.Debug("skipping cfg edge", "step", step.Index, "op", step.Op, "err", err)
		}
	}

	var found []DetectionResult
	for _, rule := range s.cfg.Rules {
		ok, err := s.eval.Match(rule.Condition, step)
		if err != nil {
			if step.Failed() && trace.IsMalformed(err) {
				continue
			}
			return nil, utils.NewEvaluationError(rule.Description, step.Index, err).
				AddContext("transaction", step.Tx.Hash.Hex())
		}
		if !ok {
			continue
		}
		d := DetectionResult{
			Description: rule.Description,
			Condition:   s.eval.Render(rule.Condition, step),
			Contract:    trace.AddressString(contract),
		}
		found = append(found, d)
		s.cfg.Metrics.RecordDetection(rule.Description)

		args := []any{"tx", step.Tx.Hash, "contract", d.Contract, "description", d.Description, "step", step.Index}
		if s.cfg.Debug {
			args = append(args, "condition", d.Condition)
		}
		s.log.Warn("pattern detected", args...)
	}
	return found, nil
}

func (s *Session) debugStep(step *trace.Step, contract common.Address, tr resolver.Transition) {
	s.log.Debug("step", "index", step.Index, "pc", step.PC, "op", step.Op, "gas", step.Gas,
		"gasCost", step.GasCost, "depth", step.Depth, "contract", trace.AddressString(contract),
		"error", step.Failed())
	if tr.Kind != resolver.Descend {
		return
	}
	args := []any{"op", step.Op, "from", trace.AddressString(tr.From), "to", trace.AddressString(tr.To)}
	if step.Op == "CALL" || step.Op == "CALLCODE" {
		if v, err := step.Peek(2); err == nil {
			args = append(args, "value", fmt.Sprintf("%s ETH", cfg.FormatEther(v)))
		}
	}
	if input, ok := s.resolver.InputAt(step.Index); ok {
		args = append(args, "input", hexutil.Encode(input))
	}
	s.log.Debug("call", args...)
}

// endTransaction runs between two transactions of the batch: taint is reset,
// ledgers are closed and every step no ledger refers to is pruned.
func (s *Session) endTransaction() {
	if s.graph != nil {
		s.graph.Flush(s.resolver.Current())
	}
	s.taint.Clear()
	s.tracker.Reset()
	keep := s.eval.EndTransaction()
	dropped := s.window.Retain(keep)
	s.resolver.Retain(keep)
	s.tracker.Retain(keep)
	if s.cfg.Debug {
		s.log.Debug("pruned trace window", "dropped", dropped, "kept", len(keep),
			"ledgers", s.eval.LedgerCount())
	}
}

// Step implements pattern.Env.
func (s *Session) Step(i uint64) (*trace.Step, error) {
	return s.window.Step(i)
}

func (s *Session) ContractAt(i uint64) (common.Address, bool) {
	return s.resolver.AddressAt(i)
}

func (s *Session) InputAt(i uint64) ([]byte, bool) {
	return s.resolver.InputAt(i)
}

func (s *Session) Introduce(step *trace.Step) bool {
	return s.taint.Introduce(step)
}

func (s *Session) Check(source uint64, step *trace.Step) bool {
	return s.taint.Check(source, step)
}

func (s *Session) IsAncestor(candidate, step uint64) bool {
	return s.tracker.IsAncestor(candidate, step)
}
