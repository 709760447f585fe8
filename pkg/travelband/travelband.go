// Package travelband resolves monthly travel-allowance rates from tiers
// banded by transport mode, one-way distance, and effective date window.
package travelband

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Tier struct {
	Mode          string
	MinKM         decimal.Decimal
	MaxKM         *decimal.Decimal // nil = unbounded
	MonthlyRate   decimal.Decimal
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended
	Active        bool
}

func (t Tier) contains(distanceKM decimal.Decimal) bool {
	if distanceKM.Cmp(t.MinKM) < 0 {
		return false
	}
	return t.MaxKM == nil || distanceKM.Cmp(*t.MaxKM) <= 0
}

func (t Tier) effectiveOn(date time.Time) bool {
	if date.Before(t.EffectiveFrom) {
		return false
	}
	return t.EffectiveTo == nil || !date.After(*t.EffectiveTo)
}

// Resolve picks the active tier matching mode, containing the traveled
// distance, whose effective window contains the reference date. When several
// windows overlap the most recently effective tier wins.
func Resolve(tiers []Tier, mode string, distanceKM decimal.Decimal, on time.Time) (Tier, bool) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	var best *Tier
	for i := range tiers {
		t := tiers[i]
		if !t.Active {
			continue
		}
		if strings.ToLower(strings.TrimSpace(t.Mode)) != mode {
			continue
		}
		if !t.effectiveOn(on) || !t.contains(distanceKM) {
			continue
		}
		if best == nil || t.EffectiveFrom.After(best.EffectiveFrom) {
			best = &tiers[i]
		}
	}
	if best == nil {
		return Tier{}, false
	}
	return *best, true
}
