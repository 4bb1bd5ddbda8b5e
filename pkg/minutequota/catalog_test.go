package minutequota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/mihaimyh/minutequota/pkg/minutequota"
)

func TestDefaultCatalog(t *testing.T) {
	c := minutequota.DefaultCatalog()

	plans := c.Plans()
	require.Len(t, plans, 4)
	ids := make([]minutequota.PlanID, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	assert.Equal(t, []minutequota.PlanID{
		minutequota.PlanNone, minutequota.PlanStarter, minutequota.PlanPro, minutequota.PlanBusiness,
	}, ids)

	assert.Equal(t, 1, c.CreditRate(minutequota.ModeAI))
	assert.Equal(t, 2, c.CreditRate(minutequota.ModeHybrid))
	assert.Equal(t, 3, c.CreditRate(minutequota.ModeHuman))
	assert.Equal(t, 0, c.CreditRate("robot"))
}

func TestCatalog_UnknownPlanResolvesToNone(t *testing.T) {
	c := minutequota.DefaultCatalog()

	p, ok := c.PlanFor("enterprise")
	assert.False(t, ok)
	assert.Equal(t, minutequota.PlanNone, p.ID)
	assert.Zero(t, p.IncludedMinutes)
	assert.Empty(t, p.AllowedModes)
}

func TestCatalog_PlanRateOverride(t *testing.T) {
	c, err := minutequota.NewCatalog(minutequota.DefaultCreditRates(), minutequota.Plan{
		ID:               "studio",
		Type:             minutequota.PlanTypeSubscription,
		IncludedMinutes:  100,
		AllowedModes:     []minutequota.Mode{minutequota.ModeAI},
		CreditsPerMinute: map[minutequota.Mode]int{minutequota.ModeHuman: 5},
	})
	require.NoError(t, err)

	studio, ok := c.PlanFor("studio")
	require.True(t, ok)
	assert.Equal(t, 5, c.RateFor(studio, minutequota.ModeHuman))
	assert.Equal(t, 1, c.RateFor(studio, minutequota.ModeAI))

	none, ok := c.PlanFor(minutequota.PlanNone)
	assert.True(t, ok, "none is added when missing")
	assert.Equal(t, 3, c.RateFor(none, minutequota.ModeHuman))
}

func TestNewCatalog_ReportsEveryProblem(t *testing.T) {
	_, err := minutequota.NewCatalog(
		map[minutequota.Mode]int{minutequota.ModeAI: 1, minutequota.ModeHybrid: 0, "robot": 4},
		minutequota.Plan{ID: ""},
		minutequota.Plan{ID: "a", IncludedMinutes: -1},
		minutequota.Plan{ID: "a"},
		minutequota.Plan{ID: "b", AllowedModes: []minutequota.Mode{minutequota.ModeHuman}},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, minutequota.ErrInvalidMode)
	assert.Len(t, multierr.Errors(err), 6)
}
