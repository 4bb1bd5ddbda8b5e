package minutequota

import (
	"fmt"
	"slices"
	"sort"

	"go.uber.org/multierr"
)

// Plan is a static catalog entry
type Plan struct {
	ID              PlanID
	Type            PlanType
	IncludedMinutes int

	// TrialMinutes is the one-time allowance granted while trialing
	TrialMinutes int

	AllowedModes []Mode

	// CreditsPerMinute overrides the catalog rate for some modes.
	CreditsPerMinute map[Mode]int
}

// ModeAllowed reports whether the plan includes mode.
func (p Plan) ModeAllowed(mode Mode) bool {
	return slices.Contains(p.AllowedModes, mode)
}

// Catalog maps plan ids to plans and modes to credit rates. It is immutable
// after construction.
type Catalog struct {
	plans map[PlanID]Plan
	rates map[Mode]int
}

// DefaultCreditRates are the credits charged per minute of each mode
func DefaultCreditRates() map[Mode]int {
	return map[Mode]int{
		ModeAI:     1,
		ModeHybrid: 2,
		ModeHuman:  3,
	}
}

// DefaultCatalog returns the built-in plans.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultCreditRates(),
		Plan{ID: PlanNone, Type: PlanTypeFree},
		Plan{
			ID: PlanStarter, Type: PlanTypeSubscription,
			IncludedMinutes: 300, TrialMinutes: 30,
			AllowedModes: []Mode{ModeAI},
		},
		Plan{
			ID: PlanPro, Type: PlanTypeSubscription,
			IncludedMinutes: 750, TrialMinutes: 60,
			AllowedModes: []Mode{ModeAI, ModeHybrid},
		},
		Plan{
			ID: PlanBusiness, Type: PlanTypeSubscription,
			IncludedMinutes: 2000,
			AllowedModes:    []Mode{ModeAI, ModeHybrid, ModeHuman},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates and builds a catalog. A "none" plan is added when the
// caller does not supply one.
func NewCatalog(rates map[Mode]int, plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make(map[PlanID]Plan, len(plans)+1),
		rates: make(map[Mode]int, len(rates)),
	}

	var errs error
	for mode, rate := range rates {
		if !mode.Valid() {
			errs = multierr.Append(errs, fmt.Errorf("rate for %q: %w", mode, ErrInvalidMode))
			continue
		}
		if rate <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("rate for %q must be positive, got %d", mode, rate))
			continue
		}
		c.rates[mode] = rate
	}

	for _, p := range plans {
		if p.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("plan id is required"))
			continue
		}
		if _, dup := c.plans[p.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("plan %q defined twice", p.ID))
			continue
		}
		if p.IncludedMinutes < 0 || p.TrialMinutes < 0 {
			errs = multierr.Append(errs, fmt.Errorf("plan %q: minutes must not be negative", p.ID))
		}
		for _, mode := range p.AllowedModes {
			if !mode.Valid() {
				errs = multierr.Append(errs, fmt.Errorf("plan %q mode %q: %w", p.ID, mode, ErrInvalidMode))
			} else if _, ok := rates[mode]; !ok && p.CreditsPerMinute[mode] <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("plan %q mode %q has no credit rate", p.ID, mode))
			}
		}
		for mode, rate := range p.CreditsPerMinute {
			if rate <= 0 {
				errs = multierr.Append(errs, fmt.Errorf("plan %q rate for %q must be positive", p.ID, mode))
			}
		}
		p.AllowedModes = slices.Clone(p.AllowedModes)
		c.plans[p.ID] = p
	}
	if errs != nil {
		return nil, errs
	}

	if _, ok := c.plans[PlanNone]; !ok {
		c.plans[PlanNone] = Plan{ID: PlanNone, Type: PlanTypeFree}
	}
	return c, nil
}

// PlanFor looks up a plan. Unknown ids resolve to the "none" plan and false.
func (c *Catalog) PlanFor(id PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	if !ok {
		return c.plans[PlanNone], false
	}
	return p, true
}

// CreditRate returns the catalog rate for mode, or 0 for unknown modes.
func (c *Catalog) CreditRate(mode Mode) int {
	return c.rates[mode]
}

// RateFor returns the plan's rate for mode, falling back to the catalog rate.
func (c *Catalog) RateFor(plan Plan, mode Mode) int {
	if r, ok := plan.CreditsPerMinute[mode]; ok {
		return r
	}
	return c.CreditRate(mode)
}

// Plans returns every plan ordered by included minutes.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IncludedMinutes == out[j].IncludedMinutes {
			return out[i].ID < out[j].ID
		}
		return out[i].IncludedMinutes < out[j].IncludedMinutes
	})
	return out
}
