// Package storage persists analysis results, as JSON files in a results
// folder and as rows in the database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/DQYXACML/tracescan/database"
	"github.com/DQYXACML/tracescan/database/worker"
	"github.com/DQYXACML/tracescan/tracing/session"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

// Sink stores the results of a target.
type Sink interface {
	// Exists reports whether results of target were stored before.
	Exists(ctx context.Context, target string) (bool, error)
	Store(ctx context.Context, target string, results []*session.Result) error
}

// TransactionReport is the stored form of one analyzed transaction.
type TransactionReport struct {
	Transaction   string                    `json:"transaction"`
	Block         uint64                    `json:"block"`
	Patterns      []session.DetectionResult `json:"patterns"`
	ExecutionTime float64                   `json:"execution_time"`
}

func NewReports(results []*session.Result) []TransactionReport {
	reports := make([]TransactionReport, len(results))
	for i, res := range results {
		patterns := res.Detections
		if patterns == nil {
			patterns = []session.DetectionResult{}
		}
		reports[i] = TransactionReport{
			Transaction:   res.Transaction.Hash.Hex(),
			Block:         res.Transaction.BlockNumber,
			Patterns:      patterns,
			ExecutionTime: res.ExecutionTime.Seconds(),
		}
	}
	return reports
}

// ResultsFolder writes one <target>.json file per target.
type ResultsFolder struct {
	dir string
}

func NewResultsFolder(dir string) (*ResultsFolder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.WrapError(utils.ErrorTypeStorage, "creating results folder", err).AddContext("dir", dir)
	}
	return &ResultsFolder{dir: dir}, nil
}

func (f *ResultsFolder) Path(target string) string {
	return filepath.Join(f.dir, target+".json")
}

func (f *ResultsFolder) Exists(_ context.Context, target string) (bool, error) {
	_, err := os.Stat(f.Path(target))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, utils.WrapError(utils.ErrorTypeStorage, "checking results file", err)
}

func (f *ResultsFolder) Store(_ context.Context, target string, results []*session.Result) error {
	data, err := json.MarshalIndent(NewReports(results), "", "    ")
	if err != nil {
		return utils.WrapError(utils.ErrorTypeStorage, "encoding results", err)
	}
	path := f.Path(target)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return utils.WrapError(utils.ErrorTypeStorage, "writing results file", err).AddContext("file", path)
	}
	log.Info("saved results", "file", path, "transactions", len(results))
	return nil
}

// DBSink stores analyzed transactions and their detections.
type DBSink struct {
	db *database.DB
}

func NewDBSink(db *database.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Exists(_ context.Context, target string) (bool, error) {
	txs, err := s.db.AnalyzedTxs.QueryAnalyzedTxsByTarget(target)
	if err != nil {
		return false, utils.WrapError(utils.ErrorTypeStorage, "querying analyzed transactions", err)
	}
	return len(txs) > 0, nil
}

func (s *DBSink) Store(_ context.Context, target string, results []*session.Result) error {
	txs, detections := Rows(target, results, time.Now())
	err := s.db.Transaction(func(tx *database.DB) error {
		if err := tx.AnalyzedTxs.StoreAnalyzedTxs(txs); err != nil {
			return err
		}
		return tx.Detections.StoreDetections(detections)
	})
	if err != nil {
		return utils.WrapError(utils.ErrorTypeStorage, "storing results", err).AddContext("target", target)
	}
	log.Info("stored results in database", "target", target, "transactions", len(txs), "detections", len(detections))
	return nil
}

// Rows converts results into database rows stamped with now.
func Rows(target string, results []*session.Result, now time.Time) ([]worker.AnalyzedTx, []worker.Detection) {
	ts := uint64(now.Unix())
	txs := make([]worker.AnalyzedTx, 0, len(results))
	var detections []worker.Detection
	for _, res := range results {
		tx := res.Transaction
		row := worker.AnalyzedTx{
			GUID:          uuid.New(),
			Target:        target,
			Hash:          tx.Hash,
			BlockNumber:   new(big.Int).SetUint64(tx.BlockNumber),
			FromAddress:   tx.From,
			ToAddress:     tx.ToAddress(),
			Value:         new(big.Int),
			Steps:         uint64(res.Steps),
			Detections:    uint64(len(res.Detections)),
			ExecutionTime: res.ExecutionTime.Seconds(),
			Timestamp:     ts,
		}
		if tx.Value != nil {
			row.Value.Set(tx.Value)
		}
		txs = append(txs, row)
		for _, d := range res.Detections {
			detections = append(detections, worker.Detection{
				GUID:        uuid.New(),
				TxGUID:      row.GUID,
				TxHash:      tx.Hash,
				BlockNumber: row.BlockNumber,
				Contract:    common.HexToAddress(d.Contract),
				Description: d.Description,
				Condition:   d.Condition,
				Timestamp:   ts,
			})
		}
	}
	return txs, detections
}

// Multi fans results out to several sinks. A target exists once every sink
// has it.
type Multi []Sink

func (m Multi) Exists(ctx context.Context, target string) (bool, error) {
	if len(m) == 0 {
		return false, nil
	}
	for _, s := range m {
		ok, err := s.Exists(ctx, target)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (m Multi) Store(ctx context.Context, target string, results []*session.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Store(ctx, target, results); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
