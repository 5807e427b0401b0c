package tasks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupReturnsFirstError(t *testing.T) {
	var g Group
	g.Go(func() error { return nil })
	g.Go(func() error { return assert.AnError })
	assert.ErrorIs(t, g.Wait(), assert.AnError)
}

func TestGroupRecoversPanic(t *testing.T) {
	var crit error
	g := Group{HandleCrit: func(err error) { crit = err }}
	g.Go(func() error { panic("boom") })
	require.NoError(t, g.Wait())
	require.Error(t, crit)
	assert.Contains(t, crit.Error(), "boom")
	assert.False(t, errors.Is(crit, assert.AnError))
}
