/*
level.go - Level progression rules

PURPOSE:
  Decides a member's level from their lifetime points and the level table.
  Pure functions over a *Member: no I/O, no clock reads. The engine calls
  Evaluate explicitly after locking the member and again after any change to
  lifetime points, then persists the member itself.

RULES (in order):
  1. Staff never hold a level.
  2. A member without a level is seeded to the lowest tier.
  3. Settlement: when today is past the level expiry date, the level is
     recomputed from lifetime points and the counter restarts at zero.
  4. Upgrade: the highest tier above the current one that lifetime points
     reach is granted, and its threshold is deducted from the counter.
  Levels never go down outside settlement.

EXAMPLE:
  Levels Bronze 0, Silver 500, Gold 1000; member Bronze with 600 lifetime.
  Evaluate -> Silver, lifetime 100, expiry today+365.

SEE ALSO:
  - engine.go: calls Evaluate / Promote inside each unit of work
  - maintenance.go: runs Evaluate for overdue settlements
*/
package loyalty

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type LevelOutcome string

const (
	LevelUnchanged LevelOutcome = "unchanged"
	LevelCleared   LevelOutcome = "staff_cleared"
	LevelSeeded    LevelOutcome = "seeded"
	LevelSettled   LevelOutcome = "settled"
	LevelUpgraded  LevelOutcome = "upgraded"
	LevelPromoted  LevelOutcome = "promoted"
)

// LevelChange describes what Evaluate or Promote did to a member.
type LevelChange struct {
	Outcome        LevelOutcome
	From           LevelID
	To             LevelID
	ToName         string
	LifetimeBefore int64
	LifetimeAfter  int64
}

// Changed reports whether the level itself moved.
func (c LevelChange) Changed() bool { return c.From != c.To }

// Progression applies the level rules. The zero value uses a 365-day term.
type Progression struct {
	TermDays int
}

func (p Progression) term() int {
	if p.TermDays <= 0 {
		return DefaultLevelTermDays
	}
	return p.TermDays
}

// Evaluate applies rules 1-4 to m in place. levels may be in any order.
func (p Progression) Evaluate(m *Member, levels []Level, now time.Time) LevelChange {
	change := LevelChange{
		Outcome:        LevelUnchanged,
		From:           m.LevelID,
		To:             m.LevelID,
		LifetimeBefore: m.LifetimePoints,
		LifetimeAfter:  m.LifetimePoints,
	}

	if m.Role.IsStaff() {
		if m.LevelID != "" || m.LevelExpiryDate != nil {
			m.LevelID = ""
			m.LevelExpiryDate = nil
			change.Outcome = LevelCleared
			change.To = ""
		}
		return change
	}

	sorted := sortLevels(levels)
	if len(sorted) == 0 {
		return change
	}

	today := DateOf(now)
	expiry := AddDays(today, p.term())

	if !m.HasLevel() || findLevel(sorted, m.LevelID) == nil {
		lowest := sorted[0]
		m.LevelID = lowest.ID
		m.LevelExpiryDate = ptrTime(expiry)
		change.Outcome = LevelSeeded
		change.To = lowest.ID
		change.ToName = lowest.Name
	}

	if m.LevelExpiryDate != nil && dateAfter(now, *m.LevelExpiryDate) {
		settled := sorted[0]
		for _, lvl := range sorted {
			if m.LifetimePoints >= lvl.MinPoints {
				settled = lvl
			}
		}
		m.LevelID = settled.ID
		m.LevelExpiryDate = ptrTime(expiry)
		m.LifetimePoints = 0
		change.Outcome = LevelSettled
		change.To = settled.ID
		change.ToName = settled.Name
		change.LifetimeAfter = 0
		return change
	}

	current := findLevel(sorted, m.LevelID)
	var target *Level
	for i := range sorted {
		lvl := &sorted[i]
		if lvl.MinPoints > current.MinPoints && m.LifetimePoints >= lvl.MinPoints {
			target = lvl
		}
	}
	if target == nil {
		return change
	}

	m.LevelID = target.ID
	m.LevelExpiryDate = ptrTime(expiry)
	m.LifetimePoints -= target.MinPoints
	if m.LifetimePoints < 0 {
		m.LifetimePoints = 0
	}
	change.Outcome = LevelUpgraded
	change.To = target.ID
	change.ToName = target.Name
	change.LifetimeAfter = m.LifetimePoints
	return change
}

// Promote moves m to the level named target when that level sits above the
// member's current one, refreshing the expiry. Lifetime points are kept.
// Unknown names and staff members are left untouched.
func (p Progression) Promote(m *Member, levels []Level, target string, now time.Time) LevelChange {
	change := LevelChange{
		Outcome:        LevelUnchanged,
		From:           m.LevelID,
		To:             m.LevelID,
		LifetimeBefore: m.LifetimePoints,
		LifetimeAfter:  m.LifetimePoints,
	}
	if m.Role.IsStaff() || target == "" {
		return change
	}

	var want *Level
	for i := range levels {
		if levels[i].Name == target {
			want = &levels[i]
			break
		}
	}
	if want == nil {
		return change
	}

	var currentMin int64
	if cur := findLevel(levels, m.LevelID); cur != nil {
		currentMin = cur.MinPoints
	}
	if want.MinPoints <= currentMin {
		return change
	}

	m.LevelID = want.ID
	m.LevelExpiryDate = ptrTime(AddDays(DateOf(now), p.term()))
	change.Outcome = LevelPromoted
	change.To = want.ID
	change.ToName = want.Name
	return change
}

// PromotionFor returns the level name granted by a recharge of amount, or ""
// when no promotion applies. The promotion with the largest MinAmount not
// exceeding amount wins; promos may be in any order.
func PromotionFor(promos []RechargePromotion, amount decimal.Decimal) string {
	best := ""
	var bestMin *decimal.Decimal
	for i := range promos {
		p := promos[i]
		if amount.LessThan(p.MinAmount) {
			continue
		}
		if bestMin == nil || p.MinAmount.GreaterThan(*bestMin) {
			best = p.LevelName
			bestMin = &promos[i].MinAmount
		}
	}
	return best
}

func sortLevels(levels []Level) []Level {
	sorted := make([]Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPoints < sorted[j].MinPoints
	})
	return sorted
}

func findLevel(levels []Level, id LevelID) *Level {
	if id == "" {
		return nil
	}
	for i := range levels {
		if levels[i].ID == id {
			return &levels[i]
		}
	}
	return nil
}
