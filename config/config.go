package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/DQYXACML/tracescan/flags"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

// CFGFormats are the graph outputs accepted by --cfg. Anything but dot is
// rendered with the graphviz binary.
var CFGFormats = []string{"dot", "pdf", "png", "svg"}

type Config struct {
	Chain    ChainConfig
	Analysis AnalysisConfig
	Target   TargetConfig
	MasterDB DBConfig
	Metrics  MetricsConfig
}

type ChainConfig struct {
	ChainRpcUrl      string
	ChainId          uint
	StartingHeight   uint64
	Confirmations    uint64
	BlockStep        uint64
	MainLoopInterval time.Duration
}

type AnalysisConfig struct {
	RulesFile  string
	Workers    int
	Debug      bool
	CFGFormat  string
	ResultsDir string
	SaveDir    string
	Retry      utils.RetryConfig
}

// TargetConfig selects what gets analyzed. Exactly one of Transaction, Block,
// LoadFile or Follow is set.
type TargetConfig struct {
	Transaction *common.Hash
	Block       *uint64
	LoadFile    string
	Follow      bool
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// Enabled reports whether a database was configured.
func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

func LoadConfig(cliCtx *cli.Context) (Config, error) {
	cfg, err := NewConfig(cliCtx)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	log.Info("loaded config", "rules", cfg.Analysis.RulesFile, "workers", cfg.Analysis.Workers, "rpc", cfg.Chain.ChainRpcUrl)
	return cfg, nil
}

func NewConfig(cliCtx *cli.Context) (Config, error) {
	cfg := Config{
		Chain: ChainConfig{
			ChainId:          cliCtx.Uint(flags.ChainIdFlag.Name),
			ChainRpcUrl:      cliCtx.String(flags.ChainRpcFlag.Name),
			MainLoopInterval: cliCtx.Duration(flags.MainIntervalFlag.Name),
			BlockStep:        cliCtx.Uint64(flags.BlocksStepFlag.Name),
			StartingHeight:   cliCtx.Uint64(flags.StartingHeightFlag.Name),
			Confirmations:    cliCtx.Uint64(flags.ConfirmationsFlag.Name),
		},
		Analysis: AnalysisConfig{
			RulesFile:  cliCtx.String(flags.RulesFlag.Name),
			Workers:    cliCtx.Int(flags.WorkersFlag.Name),
			Debug:      cliCtx.Bool(flags.DebugFlag.Name),
			CFGFormat:  cliCtx.String(flags.CfgFlag.Name),
			ResultsDir: cliCtx.String(flags.ResultsFlag.Name),
			SaveDir:    cliCtx.String(flags.SaveFlag.Name),
			Retry:      utils.DefaultRetryConfig,
		},
		Target: TargetConfig{
			LoadFile: cliCtx.String(flags.LoadFlag.Name),
			Follow:   cliCtx.Bool(flags.FollowFlag.Name),
		},
		MasterDB: NewDBConfig(cliCtx),
		Metrics: MetricsConfig{
			Enabled: cliCtx.Bool(flags.MetricsEnabledFlag.Name),
			Addr:    cliCtx.String(flags.MetricsAddrFlag.Name),
		},
	}
	cfg.Analysis.Retry.MaxAttempts = cliCtx.Uint64(flags.RetryAttemptsFlag.Name)

	if s := cliCtx.String(flags.TransactionFlag.Name); s != "" {
		b, err := hexToBytes(s)
		if err != nil || len(b) != common.HashLength {
			return Config{}, utils.NewConfigError(fmt.Sprintf("invalid transaction hash %q", s), flags.TransactionFlag.Name)
		}
		h := common.BytesToHash(b)
		cfg.Target.Transaction = &h
	}
	if n := cliCtx.Int64(flags.BlockFlag.Name); n >= 0 {
		block := uint64(n)
		cfg.Target.Block = &block
	}
	return cfg, nil
}

func NewDBConfig(cliCtx *cli.Context) DBConfig {
	return DBConfig{
		Host:     cliCtx.String(flags.MasterDbHostFlag.Name),
		Port:     cliCtx.Int(flags.MasterDbPortFlag.Name),
		Name:     cliCtx.String(flags.MasterDbNameFlag.Name),
		User:     cliCtx.String(flags.MasterDbUserFlag.Name),
		Password: cliCtx.String(flags.MasterDbPasswordFlag.Name),
	}
}

func hexToBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// Check validates the combination of settings.
func (c Config) Check() error {
	targets := 0
	if c.Target.Transaction != nil {
		targets++
	}
	if c.Target.Block != nil {
		targets++
	}
	if c.Target.LoadFile != "" {
		targets++
	}
	if c.Target.Follow {
		targets++
	}
	if targets != 1 {
		return utils.NewConfigError("exactly one of --transaction, --block, --load or --follow is required", "target")
	}
	if c.Analysis.RulesFile == "" {
		return utils.NewConfigError("no rules file", flags.RulesFlag.Name)
	}
	if c.Analysis.Workers < 1 {
		return utils.NewConfigError(fmt.Sprintf("workers must be at least 1, got %d", c.Analysis.Workers), flags.WorkersFlag.Name)
	}
	if c.Analysis.Retry.MaxAttempts < 1 {
		return utils.NewConfigError("retry attempts must be at least 1", flags.RetryAttemptsFlag.Name)
	}
	if c.Analysis.CFGFormat != "" && !knownFormat(c.Analysis.CFGFormat) {
		return utils.NewConfigError(fmt.Sprintf("unknown cfg format %q, expected one of %v", c.Analysis.CFGFormat, CFGFormats), flags.CfgFlag.Name)
	}
	if c.Target.Follow && c.Chain.BlockStep == 0 {
		return utils.NewConfigError("blocks step must be positive when following", flags.BlocksStepFlag.Name)
	}
	return nil
}

func knownFormat(f string) bool {
	for _, k := range CFGFormats {
		if k == f {
			return true
		}
	}
	return false
}
