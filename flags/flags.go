package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

const envVarPrefix = "TRACESCAN"

func prefixEnvVars(name string) []string {
	return []string{envVarPrefix + "_" + name}
}

var (
	// Chain
	ChainRpcFlag = &cli.StringFlag{
		Name:    "rpc-url",
		Usage:   "HTTP or websocket endpoint of an archive node exposing debug_traceTransaction",
		EnvVars: prefixEnvVars("RPC_URL"),
		Value:   "http://127.0.0.1:8545",
	}
	ChainIdFlag = &cli.UintFlag{
		Name:    "chain-id",
		Usage:   "chain id of the node",
		EnvVars: prefixEnvVars("CHAIN_ID"),
		Value:   1,
	}
	StartingHeightFlag = &cli.Uint64Flag{
		Name:    "starting-height",
		Usage:   "block to start following the chain from",
		EnvVars: prefixEnvVars("STARTING_HEIGHT"),
	}
	ConfirmationsFlag = &cli.Uint64Flag{
		Name:    "confirmations",
		Usage:   "blocks to stay behind the chain head when following",
		EnvVars: prefixEnvVars("CONFIRMATIONS"),
		Value:   12,
	}
	BlocksStepFlag = &cli.Uint64Flag{
		Name:    "blocks-step",
		Usage:   "maximum number of blocks fetched per loop when following",
		EnvVars: prefixEnvVars("BLOCKS_STEP"),
		Value:   5,
	}
	MainIntervalFlag = &cli.DurationFlag{
		Name:    "main-loop-interval",
		Usage:   "interval between two polls of the chain head when following",
		EnvVars: prefixEnvVars("MAIN_LOOP_INTERVAL"),
		Value:   time.Second * 12,
	}

	// Targets
	TransactionFlag = &cli.StringFlag{
		Name:    "transaction",
		Aliases: []string{"t"},
		Usage:   "hash of the transaction to analyze",
		EnvVars: prefixEnvVars("TRANSACTION"),
	}
	BlockFlag = &cli.Int64Flag{
		Name:    "block",
		Aliases: []string{"b"},
		Usage:   "number of the block to analyze",
		EnvVars: prefixEnvVars("BLOCK"),
		Value:   -1,
	}
	FollowFlag = &cli.BoolFlag{
		Name:    "follow",
		Usage:   "keep analyzing new blocks from --starting-height on",
		EnvVars: prefixEnvVars("FOLLOW"),
	}

	// Analysis
	RulesFlag = &cli.StringFlag{
		Name:    "rules",
		Aliases: []string{"p"},
		Usage:   "YAML file holding the rules to evaluate",
		EnvVars: prefixEnvVars("RULES"),
		Value:   "rules.yaml",
	}
	WorkersFlag = &cli.IntFlag{
		Name:    "workers",
		Usage:   "number of transaction batches analyzed in parallel",
		EnvVars: prefixEnvVars("WORKERS"),
		Value:   1,
	}
	DebugFlag = &cli.BoolFlag{
		Name:    "debug",
		Usage:   "log every analyzed step and the rendered conditions",
		EnvVars: prefixEnvVars("DEBUG"),
	}
	CfgFlag = &cli.StringFlag{
		Name:    "cfg",
		Usage:   "write the control flow graph of each transaction rendered to this format (dot, pdf, png, svg)",
		EnvVars: prefixEnvVars("CFG"),
	}
	ResultsFlag = &cli.StringFlag{
		Name:    "results",
		Aliases: []string{"r"},
		Usage:   "folder receiving one JSON result file per target",
		EnvVars: prefixEnvVars("RESULTS"),
	}
	SaveFlag = &cli.StringFlag{
		Name:    "save",
		Aliases: []string{"s"},
		Usage:   "folder receiving the fetched transactions and traces",
		EnvVars: prefixEnvVars("SAVE"),
	}
	LoadFlag = &cli.StringFlag{
		Name:    "load",
		Aliases: []string{"l"},
		Usage:   "analyze the transactions and traces of a saved file instead of asking a node",
		EnvVars: prefixEnvVars("LOAD"),
	}
	RetryAttemptsFlag = &cli.Uint64Flag{
		Name:    "retry-attempts",
		Usage:   "attempts per node request before giving up",
		EnvVars: prefixEnvVars("RETRY_ATTEMPTS"),
		Value:   5,
	}

	// Database
	MasterDbHostFlag = &cli.StringFlag{
		Name:    "master-db-host",
		Usage:   "host of the database receiving the results, empty to disable",
		EnvVars: prefixEnvVars("MASTER_DB_HOST"),
	}
	MasterDbPortFlag = &cli.IntFlag{
		Name:    "master-db-port",
		Usage:   "port of the database",
		EnvVars: prefixEnvVars("MASTER_DB_PORT"),
		Value:   5432,
	}
	MasterDbUserFlag = &cli.StringFlag{
		Name:    "master-db-user",
		Usage:   "user of the database",
		EnvVars: prefixEnvVars("MASTER_DB_USER"),
	}
	MasterDbPasswordFlag = &cli.StringFlag{
		Name:    "master-db-password",
		Usage:   "password of the database",
		EnvVars: prefixEnvVars("MASTER_DB_PASSWORD"),
	}
	MasterDbNameFlag = &cli.StringFlag{
		Name:    "master-db-name",
		Usage:   "name of the database",
		EnvVars: prefixEnvVars("MASTER_DB_NAME"),
		Value:   "tracescan",
	}
	MigrationsFlag = &cli.StringFlag{
		Name:    "migrations-dir",
		Usage:   "folder of SQL migrations applied by the migrate command",
		EnvVars: prefixEnvVars("MIGRATIONS_DIR"),
		Value:   "./migrations",
	}

	// Metrics
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:    "metrics-enabled",
		Usage:   "serve prometheus metrics",
		EnvVars: prefixEnvVars("METRICS_ENABLED"),
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "listen address of the metrics server",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
		Value:   "127.0.0.1:7300",
	}
)

var requiredFlags = []cli.Flag{
	RulesFlag,
}

var optionalFlags = []cli.Flag{
	ChainRpcFlag,
	ChainIdFlag,
	StartingHeightFlag,
	ConfirmationsFlag,
	BlocksStepFlag,
	MainIntervalFlag,
	TransactionFlag,
	BlockFlag,
	FollowFlag,
	WorkersFlag,
	DebugFlag,
	CfgFlag,
	ResultsFlag,
	SaveFlag,
	LoadFlag,
	RetryAttemptsFlag,
	MasterDbHostFlag,
	MasterDbPortFlag,
	MasterDbUserFlag,
	MasterDbPasswordFlag,
	MasterDbNameFlag,
	MetricsEnabledFlag,
	MetricsAddrFlag,
}

var Flags []cli.Flag

// DBFlags are the flags of the migrate command.
var DBFlags = []cli.Flag{
	MasterDbHostFlag,
	MasterDbPortFlag,
	MasterDbUserFlag,
	MasterDbPasswordFlag,
	MasterDbNameFlag,
	MigrationsFlag,
}

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}
