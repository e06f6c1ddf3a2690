package director_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/director"
	"github.com/choiros/director/projection"
)

func TestBudgetTrackerConsumeTokensExhausts(t *testing.T) {
	b := director.NewBudgetTracker(projection.Budgets{Tokens: 100})
	require.NoError(t, b.ConsumeTokens(60))
	err := b.ConsumeTokens(60)
	require.Error(t, err)
	require.True(t, errors.Is(err, director.ErrBudgetExhausted))
}

func TestBudgetTrackerConsumeIterationsExhausts(t *testing.T) {
	b := director.NewBudgetTracker(projection.Budgets{Iterations: 2})
	require.NoError(t, b.ConsumeIteration())
	require.NoError(t, b.ConsumeIteration())
	err := b.ConsumeIteration()
	require.Error(t, err)
}

func TestBudgetTrackerConsumeDiffBytesExhausts(t *testing.T) {
	b := director.NewBudgetTracker(projection.Budgets{DiffBytes: 10})
	require.NoError(t, b.ConsumeDiffBytes(5))
	err := b.ConsumeDiffBytes(10)
	require.Error(t, err)
}

func TestBudgetTrackerZeroCapMeansUnbounded(t *testing.T) {
	b := director.NewBudgetTracker(projection.Budgets{})
	require.NoError(t, b.ConsumeTokens(1_000_000))
	require.NoError(t, b.ConsumeIteration())
	require.NoError(t, b.ConsumeDiffBytes(1_000_000))
	require.NoError(t, b.CheckWallClock())
}
