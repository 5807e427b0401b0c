package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DQYXACML/tracescan/tracing/utils"
)

func TestCommands(t *testing.T) {
	app := NewCli()
	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"analyze", "migrate", "version"}, names)
}

func TestMigrateNeedsHost(t *testing.T) {
	err := NewCli().RunContext(context.Background(), []string{"tracescan", "migrate"})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeConfig))
}

func TestAnalyzeRejectsMissingTarget(t *testing.T) {
	err := NewCli().RunContext(context.Background(), []string{"tracescan", "analyze", "--rules", "rules.yaml"})
	require.Error(t, err)
	assert.True(t, utils.IsType(err, utils.ErrorTypeConfig))
}
