// Package plan models subscription tiers and their quota tables.
package plan

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is a named subscription tier.
type Plan string

const (
	Free       Plan = "free"
	Pro        Plan = "pro"
	Team       Plan = "team"
	Enterprise Plan = "enterprise"
)

// All lists the known plans from cheapest to most generous.
func All() []Plan {
	return []Plan{Free, Pro, Team, Enterprise}
}

// Parse maps a stored or configured name onto a Plan.
func Parse(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if p == known {
			return p, true
		}
	}
	return Free, false
}

// DefaultLimits are requests per admission window.
func DefaultLimits() map[string]int64 {
	return map[string]int64{
		string(Free):       60,
		string(Pro):        600,
		string(Team):       2400,
		string(Enterprise): 10000,
	}
}

// DefaultMaxAlerts caps registered alerts per owner.
func DefaultMaxAlerts() map[string]int {
	return map[string]int{
		string(Free):       3,
		string(Pro):        20,
		string(Team):       50,
		string(Enterprise): 200,
	}
}

// Table resolves per-plan quotas.
type Table struct {
	limits    map[Plan]int64
	maxAlerts map[Plan]int
}

// NewTable validates raw config tables. Every known plan needs a positive
// limit and a non-negative alert cap; unknown plan names are rejected.
func NewTable(limits map[string]int64, maxAlerts map[string]int) (Table, error) {
	t := Table{
		limits:    make(map[Plan]int64, len(limits)),
		maxAlerts: make(map[Plan]int, len(maxAlerts)),
	}

	for name, limit := range limits {
		p, ok := Parse(name)
		if !ok {
			return Table{}, fmt.Errorf("unknown plan %q in limit table", name)
		}
		if limit <= 0 {
			return Table{}, fmt.Errorf("plan %q limit must be greater than zero", name)
		}
		t.limits[p] = limit
	}
	for name, n := range maxAlerts {
		p, ok := Parse(name)
		if !ok {
			return Table{}, fmt.Errorf("unknown plan %q in max alert table", name)
		}
		if n < 0 {
			return Table{}, fmt.Errorf("plan %q max alerts cannot be negative", name)
		}
		t.maxAlerts[p] = n
	}

	var missing []string
	for _, p := range All() {
		if _, ok := t.limits[p]; !ok {
			missing = append(missing, "limit:"+string(p))
		}
		if _, ok := t.maxAlerts[p]; !ok {
			missing = append(missing, "max_alerts:"+string(p))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Table{}, fmt.Errorf("plan table incomplete: %s", strings.Join(missing, ", "))
	}
	return t, nil
}

// DefaultTable returns the built-in quotas.
func DefaultTable() Table {
	t, err := NewTable(DefaultLimits(), DefaultMaxAlerts())
	if err != nil {
		panic(err)
	}
	return t
}

// Limit returns the admission limit for p; a non-nil override always wins.
func (t Table) Limit(p Plan, override *int64) int64 {
	if override != nil {
		return *override
	}
	if limit, ok := t.limits[p]; ok {
		return limit
	}
	return t.limits[Free]
}

// MaxAlerts returns the alert cap for p.
func (t Table) MaxAlerts(p Plan) int {
	if n, ok := t.maxAlerts[p]; ok {
		return n
	}
	return t.maxAlerts[Free]
}
