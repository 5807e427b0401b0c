package config

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/DQYXACML/tracescan/flags"
	"github.com/DQYXACML/tracescan/tracing/utils"
)

// loadConfig parses args the way the binary does, aliases included.
func loadConfig(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg     Config
		loadErr error
	)
	app := &cli.App{
		Name:  "test",
		Flags: flags.Flags,
		Action: func(ctx *cli.Context) error {
			cfg, loadErr = LoadConfig(ctx)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
	return cfg, loadErr
}

func TestLoadConfigTransaction(t *testing.T) {
	hash := "0x2a65254b41b42f39331a0bcc9f893518d6b106e80d9a476b8ca3816325f4a150"
	cfg, err := loadConfig(t, "--transaction", hash, "--workers", "4", "--cfg", "svg")
	require.NoError(t, err)

	require.NotNil(t, cfg.Target.Transaction)
	assert.Equal(t, common.HexToHash(hash), *cfg.Target.Transaction)
	assert.Nil(t, cfg.Target.Block)
	assert.Equal(t, 4, cfg.Analysis.Workers)
	assert.Equal(t, "svg", cfg.Analysis.CFGFormat)
	assert.Equal(t, "rules.yaml", cfg.Analysis.RulesFile)
	assert.Equal(t, uint64(5), cfg.Analysis.Retry.MaxAttempts)
	assert.False(t, cfg.MasterDB.Enabled())
}

func TestLoadConfigBlock(t *testing.T) {
	cfg, err := loadConfig(t, "-b", "0", "--master-db-host", "localhost")
	require.NoError(t, err)
	require.NotNil(t, cfg.Target.Block)
	assert.Equal(t, uint64(0), *cfg.Target.Block)
	assert.True(t, cfg.MasterDB.Enabled())
	assert.Equal(t, 5432, cfg.MasterDB.Port)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{name: "no target", args: nil, field: "target"},
		{name: "two targets", args: []string{"--block", "1", "--load", "x.trace"}, field: "target"},
		{name: "bad hash", args: []string{"--transaction", "0x1234"}, field: flags.TransactionFlag.Name},
		{name: "no workers", args: []string{"--block", "1", "--workers", "0"}, field: flags.WorkersFlag.Name},
		{name: "unknown format", args: []string{"--block", "1", "--cfg", "bmp"}, field: flags.CfgFlag.Name},
		{name: "no retries", args: []string{"--block", "1", "--retry-attempts", "0"}, field: flags.RetryAttemptsFlag.Name},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(t, tt.args...)
			require.Error(t, err)
			assert.True(t, utils.IsType(err, utils.ErrorTypeConfig))
			var te *utils.TraceError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.field, te.Context["field"])
		})
	}
}
