/*
Package tier implements the loyalty tier state machine.

PURPOSE:
  Evaluates which tier an account should hold from its lifetime
  qualifying points. Tiers are an ordered threshold table: the account
  holds the highest tier whose minimum is covered by lifetime points.

KEY PROPERTIES:
  - Pure: Evaluate does no I/O. The orchestrator persists results.
  - Lifetime-keyed: evaluation reads lifetime qualifying points, which
    never decrease on redemption or expiry. Heavy spending alone can
    never trigger a downgrade.
  - Grace: upgrades apply immediately; downgrades apply only after the
    computed tier has stayed below the held tier for more than
    GraceCycles consecutive evaluations, to avoid oscillation.

EXAMPLE:
  def := tier.Definition{Levels: []tier.Level{
      {Name: "base", MinPoints: ledger.NewAmount(0)},
      {Name: "silver", MinPoints: ledger.NewAmount(100)},
      {Name: "gold", MinPoints: ledger.NewAmount(500)},
  }}
  res := tier.Evaluate(def, tier.Policy{GraceCycles: 2}, tier.Input{
      CurrentTier:    "base",
      LifetimePoints: ledger.NewAmount(120),
  })
  // res.Action == tier.ActionUpgrade, res.Tier == "silver"

SEE ALSO:
  - config.go: YAML definition loader
  - program: persists transitions and grace counters
*/
package tier

import (
	"fmt"

	"github.com/warp/loyalty-engine/ledger"
)

// Re-exported so callers configuring the engine need only this package.
const (
	ActionUpgrade   = ledger.ActionUpgrade
	ActionDowngrade = ledger.ActionDowngrade
	ActionRetain    = ledger.ActionRetain
)

// =============================================================================
// DEFINITION - Ordered threshold table
// =============================================================================

// Level is one tier with its entry threshold.
type Level struct {
	Name      string
	MinPoints ledger.Amount
}

// Definition is the ordered tier table. Levels must be ascending by
// MinPoints and the first level's threshold must be zero, so every
// account qualifies for at least the base tier.
type Definition struct {
	Levels []Level
}

// Validate checks the ordering requirements.
func (d Definition) Validate() error {
	if len(d.Levels) == 0 {
		return fmt.Errorf("tier definition: no levels")
	}
	if !d.Levels[0].MinPoints.IsZero() {
		return fmt.Errorf("tier definition: first level %q must have a zero threshold", d.Levels[0].Name)
	}
	for i := 1; i < len(d.Levels); i++ {
		if !d.Levels[i].MinPoints.GreaterThan(d.Levels[i-1].MinPoints) {
			return fmt.Errorf("tier definition: level %q threshold must exceed %q",
				d.Levels[i].Name, d.Levels[i-1].Name)
		}
	}
	return nil
}

// Base returns the lowest tier name.
func (d Definition) Base() string { return d.Levels[0].Name }

// LevelFor returns the highest level whose threshold is covered by the
// given lifetime points.
func (d Definition) LevelFor(lifetime ledger.Amount) Level {
	current := d.Levels[0]
	for _, lvl := range d.Levels[1:] {
		if lifetime.LessThan(lvl.MinPoints) {
			break
		}
		current = lvl
	}
	return current
}

// index returns the position of a tier name, or 0 for unknown/empty
// names so brand-new accounts are treated as base.
func (d Definition) index(name string) int {
	for i, lvl := range d.Levels {
		if lvl.Name == name {
			return i
		}
	}
	return 0
}

// =============================================================================
// EVALUATION - Pure transition function
// =============================================================================

// Policy configures downgrade deferral. A tier is held for GraceCycles
// consecutive below-threshold evaluations before a downgrade applies;
// zero means downgrades apply immediately.
type Policy struct {
	GraceCycles int
}

// Input is the account state the transition function reads.
type Input struct {
	CurrentTier    string
	LifetimePoints ledger.Amount

	// BelowStreak is the persisted count of consecutive evaluations
	// where the computed tier was below the held tier.
	BelowStreak int
}

// Result is the outcome of one evaluation.
type Result struct {
	// Tier the account should hold after applying the action.
	Tier string

	Action ledger.TransitionAction

	// BelowStreak to persist for the next evaluation.
	BelowStreak int

	// Changed is true when a transition record should be written.
	Changed bool
}

// Evaluate computes the tier transition for one account. It is a pure
// function over (current tier, lifetime points, grace counter).
func Evaluate(def Definition, policy Policy, in Input) Result {
	currentIdx := def.index(in.CurrentTier)
	current := def.Levels[currentIdx]
	computed := def.LevelFor(in.LifetimePoints)
	computedIdx := def.index(computed.Name)

	switch {
	case computedIdx > currentIdx:
		// Upgrades apply immediately and clear any pending grace.
		return Result{Tier: computed.Name, Action: ActionUpgrade, BelowStreak: 0, Changed: true}

	case computedIdx < currentIdx:
		streak := in.BelowStreak + 1
		if streak > policy.GraceCycles {
			return Result{Tier: computed.Name, Action: ActionDowngrade, BelowStreak: 0, Changed: true}
		}
		// Still within grace: hold the tier, remember the streak.
		return Result{Tier: current.Name, Action: ActionRetain, BelowStreak: streak, Changed: false}

	default:
		return Result{Tier: current.Name, Action: ActionRetain, BelowStreak: 0, Changed: false}
	}
}
