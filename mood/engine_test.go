package mood_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/mood"
	"github.com/choiros/director/projection"
)

func TestNewEngineRejectsIncompleteConfig(t *testing.T) {
	_, err := mood.NewEngine(mood.Config{})
	require.Error(t, err)
}

func TestDecideEntrySelectsCuriousWhenAcceptanceMissing(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		ProjectionSnapshot: mood.Snapshot{
			WorkItem:      projection.WorkItem{RiskTier: "low"},
			HasAcceptance: false,
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CURIOUS, decision.SelectedMood)
	require.True(t, decision.Transitioned)
	require.Equal(t, "entry.missing_acceptance", decision.GuardID)
}

func TestDecideEntryFallsBackToCalm(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		ProjectionSnapshot: mood.Snapshot{
			WorkItem:       projection.WorkItem{RiskTier: "low"},
			HasAcceptance:  true,
			HasConjectures: true,
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CALM, decision.SelectedMood)
	require.Empty(t, decision.GuardID)
}

func TestDecideEntryPrivilegeBoundarySelectsParanoid(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		ProjectionSnapshot: mood.Snapshot{
			WorkItem:       projection.WorkItem{RiskTier: "publish"},
			HasAcceptance:  true,
			HasConjectures: true,
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.PARANOID, decision.SelectedMood)
	require.Equal(t, "entry.privilege_boundary", decision.GuardID)
}

func TestDecideEntryPrivilegeBoundaryPrefersDeferentialOnMissingPreference(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		ProjectionSnapshot: mood.Snapshot{
			WorkItem:       projection.WorkItem{RiskTier: "promote"},
			HasAcceptance:  true,
			HasConjectures: true,
			AHDB:           projection.AHDBState{Hypothesize: []string{"missing_user_preference"}},
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.DEFERENTIAL, decision.SelectedMood)
}

func TestDecideEntryUncleanRestartSelectsContrite(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		CleanHandoff: false,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CONTRITE, decision.SelectedMood)
	require.Equal(t, "entry.unclean_restart", decision.GuardID)
}

func TestDecideReactiveCalmToCuriousOnAmbiguity(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	tail := mood.EventTail{
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeNoteRequestHelp, map[string]any{"kind": "ambiguity"}),
	}
	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:            mood.CALM,
		UnreadEventTail:     tail,
		CleanHandoff:        true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CURIOUS, decision.SelectedMood)
	require.Equal(t, "reactive.calm_ambiguous", decision.GuardID)
}

func TestDecideReactiveCalmToSkepticalOnNonMonotonicStreak(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	tail := mood.EventTail{
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeNoteObservation, map[string]any{"progress_monotonic": false}),
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeNoteObservation, map[string]any{"progress_monotonic": false}),
	}
	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:            mood.CALM,
		UnreadEventTail:     tail,
		CleanHandoff:        true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.SKEPTICAL, decision.SelectedMood)
}

func TestDecideReactiveCalmStaysCalmBelowThreshold(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	tail := mood.EventTail{
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeNoteObservation, map[string]any{"progress_monotonic": false}),
	}
	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:            mood.CALM,
		UnreadEventTail:     tail,
		CleanHandoff:        true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CALM, decision.SelectedMood)
	require.False(t, decision.Transitioned)
}

func TestDecideReactiveSkepticalToParanoidOnSecurityTouch(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	tail := mood.EventTail{
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeReceiptPatch, map[string]any{"path": "auth/session.go"}),
	}
	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:            mood.SKEPTICAL,
		UnreadEventTail:     tail,
		CleanHandoff:        true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.PARANOID, decision.SelectedMood)
}

func TestDecideReactiveParanoidToBoldAfterMitigationsPass(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		Current: mood.PARANOID,
		ProjectionSnapshot: mood.Snapshot{
			WorkItem: projection.WorkItem{RequiredVerifiers: []string{"unit_test"}},
			RecentAttests: []projection.Attestation{
				{VerifierType: "unit_test", Result: projection.ResultPass},
			},
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.BOLD, decision.SelectedMood)
}

func TestDecideReactiveAnyToPettyOnRewardHackSignature(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	tail := mood.EventTail{
		eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeNoteObservation, map[string]any{"signature": "reward_hack"}),
	}
	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:            mood.BOLD,
		UnreadEventTail:     tail,
		CleanHandoff:        true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.PETTY, decision.SelectedMood)
}

func TestDecideReactiveContriteResolvesToPriorMood(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		Current: mood.CONTRITE,
		ProjectionSnapshot: mood.Snapshot{
			Run: projection.Run{Mood: "SKEPTICAL"},
		},
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.SKEPTICAL, decision.SelectedMood)
	require.Equal(t, "reactive.contrite_resolved", decision.GuardID)
}

func TestDecideReactiveContriteFallsBackToCuriousWithoutPriorMood(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	decision, err := engine.Decide(context.Background(), mood.Input{
		Current:      mood.CONTRITE,
		CleanHandoff: true,
	})
	require.NoError(t, err)
	require.Equal(t, mood.CURIOUS, decision.SelectedMood)
}

func TestDecideIsPureReplayDeterministic(t *testing.T) {
	engine, err := mood.NewEngine(testConfig())
	require.NoError(t, err)

	in := mood.Input{
		Current: mood.SKEPTICAL,
		UnreadEventTail: mood.EventTail{
			eventlog.NewEvent("u1", eventlog.SourceAgent, eventlog.TypeReceiptPatch, map[string]any{"path": "auth/session.go"}),
		},
		CleanHandoff: true,
	}
	first, err := engine.Decide(context.Background(), in)
	require.NoError(t, err)
	second, err := engine.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
