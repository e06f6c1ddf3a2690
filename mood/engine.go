package mood

import (
	"context"
	"fmt"
)

// Engine selects the active mood and its capability profile. It is the
// per-run analogue of policy.Engine: the same Decide(ctx, Input) shape,
// generalized so the decision also names which mood governs the turn.
type Engine struct {
	cfg Config
}

// NewEngine builds an Engine bound to a fixed Config. The Config is never
// mutated after construction; a new versioned director.yaml requires a new
// Engine (and a process restart, which routes through the unclean-restart
// guard).
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("mood: config has no profiles")
	}
	for _, n := range []Name{CALM, CURIOUS, SKEPTICAL, PARANOID, BOLD, CONTRITE, PETTY, DEFERENTIAL} {
		if _, ok := cfg.Profiles[n]; !ok {
			return nil, fmt.Errorf("mood: config missing profile for %s", n)
		}
	}
	return &Engine{cfg: cfg}, nil
}

// Decide evaluates the guard table against in and returns the selected
// mood's Decision. When in.Current is the zero value, only entry guards
// run (falling back to CALM if none fire); otherwise reactive guards run
// against the currently active mood, falling back to staying put.
func (e *Engine) Decide(_ context.Context, in Input) (Decision, error) {
	table := reactiveGuards
	fallback := in.Current
	if in.Current == "" {
		table = entryGuards
		fallback = CALM
	}

	for _, g := range table {
		mood, fired := g.fn(in, e.cfg)
		if !fired {
			continue
		}
		profile, err := e.profile(mood)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			SelectedMood: mood,
			Profile:      profile,
			Transitioned: mood != in.Current,
			GuardID:      g.id,
		}, nil
	}

	profile, err := e.profile(fallback)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		SelectedMood: fallback,
		Profile:      profile,
		Transitioned: fallback != in.Current,
	}, nil
}

func (e *Engine) profile(n Name) (Profile, error) {
	p, ok := e.cfg.Profiles[n]
	if !ok {
		return Profile{}, fmt.Errorf("mood: no profile configured for %s", n)
	}
	return p, nil
}

// Profile returns the configured Profile for n, for callers (e.g.
// sandbox.Policy derivation) that already know which mood is active and
// don't need to run Decide again.
func (e *Engine) Profile(n Name) (Profile, error) {
	return e.profile(n)
}
