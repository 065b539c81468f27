package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/reentry"
	"github.com/optguard/position-engine/internal/stoploss"
)

// Policy names.
const (
	PolicyStandard        = "standard"
	PolicyEarlyProtection = "early_protection"
)

// Default timings.
const (
	DefaultCooldown          = 5 * time.Second
	DefaultOverrideTTL       = 30 * time.Minute
	DefaultMaxLosingEpisodes = 5
)

// StandardPolicy is the 10-point step engine.
func StandardPolicy() model.Policy {
	return model.Policy{
		Name:              PolicyStandard,
		Step:              stoploss.DefaultStep,
		BaseOffset:        stoploss.DefaultBaseOffset,
		EarlyProtection:   decimal.Zero,
		Cooldown:          DefaultCooldown,
		OverrideTTL:       DefaultOverrideTTL,
		MaxLosingEpisodes: DefaultMaxLosingEpisodes,
	}
}

// EarlyProtectionPolicy locks entry+5 once price is five points up, then
// trails in the usual 10-point steps.
func EarlyProtectionPolicy() model.Policy {
	p := StandardPolicy()
	p.Name = PolicyEarlyProtection
	p.EarlyProtection = decimal.NewFromInt(5)
	return p
}

// PolicyByName returns a preset.
func PolicyByName(name string) (model.Policy, error) {
	switch name {
	case PolicyStandard, "":
		return StandardPolicy(), nil
	case PolicyEarlyProtection:
		return EarlyProtectionPolicy(), nil
	default:
		return model.Policy{}, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
}

// bind builds the calculator and gates for a policy.
func bind(p model.Policy) (*stoploss.Calculator, *reentry.Controller, error) {
	calc, err := stoploss.NewCalculator(p.Step, p.BaseOffset, p.EarlyProtection)
	if err != nil {
		return nil, nil, fmt.Errorf("policy %s: %w", p.Name, err)
	}
	if p.OverrideTTL < 0 {
		return nil, nil, fmt.Errorf("policy %s: override ttl must not be negative", p.Name)
	}
	return calc, reentry.NewController(p.Cooldown, p.MaxLosingEpisodes), nil
}
