package main

import (
	"context"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/DQYXACML/tracescan"
	"github.com/DQYXACML/tracescan/common/cliapp"
	"github.com/DQYXACML/tracescan/config"
	"github.com/DQYXACML/tracescan/database"
	"github.com/DQYXACML/tracescan/flags"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

func runAnalyze(ctx *cli.Context, shutdown context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		log.Error("failed to load config", "err", err)
		return nil, err
	}
	if cfg.Analysis.Debug {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelDebug, true)))
	}
	return tracescan.NewTraceScan(ctx.Context, &cfg, shutdown)
}

func runMigrations(ctx *cli.Context) error {
	dbConfig := config.NewDBConfig(ctx)
	if !dbConfig.Enabled() {
		return utils.NewConfigError("no database host", flags.MasterDbHostFlag.Name)
	}
	db, err := database.NewDB(ctx.Context, dbConfig)
	if err != nil {
		log.Error("failed to connect to database", "err", err)
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "err", err)
		}
	}()
	return db.ExecuteSQLMigration(ctx.String(flags.MigrationsFlag.Name))
}

func NewCli() *cli.App {
	return &cli.App{
		Name:                 "tracescan",
		Version:              "v0.1.0",
		Description:          "Detects vulnerability patterns in the execution traces of smart contract transactions",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:        "analyze",
				Description: "Analyzes a transaction, a block, a saved trace file or the chain as it grows",
				Flags:       flags.Flags,
				Action:      cliapp.LifecycleCmd(runAnalyze),
			},
			{
				Name:        "migrate",
				Description: "Creates the tables results are stored in",
				Flags:       flags.DBFlags,
				Action:      runMigrations,
			},
			{
				Name:        "version",
				Description: "print version",
				Action: func(ctx *cli.Context) error {
					cli.ShowVersion(ctx)
					return nil
				},
			},
		},
	}
}
