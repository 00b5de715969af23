package exit

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitpilot/internal/domain"
)

// DefaultLadder is the ladder used when none is configured.
const DefaultLadder = "2x:25,4x:25,10x:30,rest:trail15"

// Rung is one take-profit tier: once price reaches Multiple times the entry,
// sell SellPct of the original quantity.
type Rung struct {
	Key      string
	Multiple float64
	SellPct  decimal.Decimal
}

// Ladder is an ascending list of rungs plus the trailing distance applied to
// whatever the rungs leave behind.
type Ladder struct {
	Rungs        []Rung
	RestTrailPct float64
}

// SellInstruction is a rung that has just been crossed.
type SellInstruction struct {
	Key      string
	Multiple float64
	SellPct  decimal.Decimal
}

// RungKey is the canonical progress key for a multiple, e.g. "2x" or "2.5x".
func RungKey(multiple float64) string {
	return strconv.FormatFloat(multiple, 'f', -1, 64) + "x"
}

// ParseLadder parses text such as "2x:25,4x:25,10x:30,rest:trail15".
func ParseLadder(text string) (Ladder, error) {
	var l Ladder
	text = strings.TrimSpace(text)
	if text == "" {
		return l, errors.New("ladder: empty definition")
	}
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			return Ladder{}, fmt.Errorf("ladder: %q: expected <multiple>x:<pct> or rest:trail<pct>", part)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))

		if name == "rest" {
			raw, ok := strings.CutPrefix(value, "trail")
			if !ok {
				return Ladder{}, fmt.Errorf("ladder: %q: rest rule must be trail<pct>", part)
			}
			pct, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
			if err != nil {
				return Ladder{}, fmt.Errorf("ladder: %q: bad trail pct: %w", part, err)
			}
			if !(pct > 0) {
				return Ladder{}, fmt.Errorf("ladder: %q: trail pct must be positive", part)
			}
			l.RestTrailPct = pct
			continue
		}

		multRaw, ok := strings.CutSuffix(name, "x")
		if !ok {
			return Ladder{}, fmt.Errorf("ladder: %q: multiple must end in x", part)
		}
		mult, err := strconv.ParseFloat(multRaw, 64)
		if err != nil {
			return Ladder{}, fmt.Errorf("ladder: %q: bad multiple: %w", part, err)
		}
		pct, err := decimal.NewFromString(strings.TrimSuffix(value, "%"))
		if err != nil {
			return Ladder{}, fmt.Errorf("ladder: %q: bad sell pct: %w", part, err)
		}
		l.Rungs = append(l.Rungs, Rung{Key: RungKey(mult), Multiple: mult, SellPct: pct})
	}
	slices.SortFunc(l.Rungs, func(a, b Rung) int {
		switch {
		case a.Multiple < b.Multiple:
			return -1
		case a.Multiple > b.Multiple:
			return 1
		}
		return 0
	})
	if err := l.Validate(); err != nil {
		return Ladder{}, err
	}
	return l, nil
}

// Validate checks rung multiples, percentages and the rest rule.
func (l Ladder) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(l.Rungs))
	total := decimal.Zero
	for _, r := range l.Rungs {
		if !(r.Multiple > 1) {
			errs = append(errs, fmt.Errorf("ladder: rung %s: multiple must be > 1", r.Key))
		}
		if seen[r.Key] {
			errs = append(errs, fmt.Errorf("ladder: rung %s: duplicate multiple", r.Key))
		}
		seen[r.Key] = true
		if !r.SellPct.IsPositive() || r.SellPct.GreaterThan(domain.FullPct) {
			errs = append(errs, fmt.Errorf("ladder: rung %s: sell pct must be in (0, 100], got %s", r.Key, r.SellPct))
		}
		total = total.Add(r.SellPct)
	}
	if total.GreaterThan(domain.FullPct) {
		errs = append(errs, fmt.Errorf("ladder: rung sell pcts sum to %s, more than 100", total))
	}
	if l.RestTrailPct < 0 || l.RestTrailPct >= 100 {
		errs = append(errs, fmt.Errorf("ladder: rest trail pct must be in (0, 100), got %v", l.RestTrailPct))
	}
	return errors.Join(errs...)
}

// Evaluate returns, in ascending order, every rung not yet fired whose
// multiple has been reached at price. It does not mutate pos.
func (l Ladder) Evaluate(pos domain.Position, price float64) []SellInstruction {
	if pos.EntryPrice <= 0 {
		return nil
	}
	ratio := price / pos.EntryPrice
	var out []SellInstruction
	for _, r := range l.Rungs {
		if ratio < r.Multiple {
			break
		}
		if pos.LadderProgress[r.Key] {
			continue
		}
		out = append(out, SellInstruction{Key: r.Key, Multiple: r.Multiple, SellPct: r.SellPct})
	}
	return out
}

// String renders the ladder in its configuration syntax.
func (l Ladder) String() string {
	parts := make([]string, 0, len(l.Rungs)+1)
	for _, r := range l.Rungs {
		parts = append(parts, r.Key+":"+r.SellPct.String())
	}
	if l.RestTrailPct > 0 {
		parts = append(parts, "rest:trail"+strconv.FormatFloat(l.RestTrailPct, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}
