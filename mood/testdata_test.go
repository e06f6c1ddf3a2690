package mood_test

import "github.com/choiros/director/mood"

func testConfig() mood.Config {
	base := mood.Profile{
		ToolAllowlist: []string{"fs.read", "fs.write"},
		ModelTier:     "standard",
		Budgets:       mood.BudgetCaps{Tokens: 100000, TimeMS: 600000, Iterations: 20},
	}

	profiles := map[mood.Name]mood.Profile{}
	for _, n := range []mood.Name{
		mood.CALM, mood.CURIOUS, mood.SKEPTICAL, mood.PARANOID,
		mood.BOLD, mood.CONTRITE, mood.PETTY, mood.DEFERENTIAL,
	} {
		p := base
		p.Mood = n
		profiles[n] = p
	}

	return mood.Config{
		Version:                     "test",
		Profiles:                    profiles,
		NonMonotonicSignalThreshold: 2,
	}
}
