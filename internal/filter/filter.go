// Package filter decides whether a candidate library item should be
// skipped, based on optional date bounds and filename suffix/pattern
// lists. The predicate is pure: it holds parsed configuration and never
// touches disk or the provider.
package filter

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Config is the raw filter configuration from a policy. Empty fields
// disable the corresponding check. Dates are calendar days, compared at
// day granularity in the item's own timezone.
type Config struct {
	CreatedAfter  string
	CreatedBefore string
	AddedAfter    string
	AddedBefore   string
	Suffixes      []string
	// MatchPattern is a comma-separated list of glob patterns.
	MatchPattern string
}

type bound struct {
	year  int
	month time.Month
	day   int
}

// Predicate is a compiled filter.
type Predicate struct {
	createdAfter  *bound
	createdBefore *bound
	addedAfter    *bound
	addedBefore   *bound
	suffixes      []string
	patterns      []string
}

// New parses and validates the configuration.
func New(cfg Config) (*Predicate, error) {
	p := &Predicate{suffixes: cfg.Suffixes}
	var err error
	if p.createdAfter, err = parseBound("created_after", cfg.CreatedAfter); err != nil {
		return nil, err
	}
	if p.createdBefore, err = parseBound("created_before", cfg.CreatedBefore); err != nil {
		return nil, err
	}
	if p.addedAfter, err = parseBound("added_after", cfg.AddedAfter); err != nil {
		return nil, err
	}
	if p.addedBefore, err = parseBound("added_before", cfg.AddedBefore); err != nil {
		return nil, err
	}
	for _, pat := range splitPatterns(cfg.MatchPattern) {
		if _, err := path.Match(pat, "probe"); err != nil {
			return nil, fmt.Errorf("invalid match pattern %q: %w", pat, err)
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

func parseBound(field, value string) (*bound, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s date %q: %w", field, value, err)
	}
	y, m, d := t.Date()
	return &bound{year: y, month: m, day: d}, nil
}

func splitPatterns(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, pat := range strings.Split(s, ",") {
		if pat = strings.TrimSpace(pat); pat != "" {
			out = append(out, pat)
		}
	}
	return out
}

// at anchors the calendar day at midnight in the given location.
func (b *bound) at(loc *time.Location) time.Time {
	return time.Date(b.year, b.month, b.day, 0, 0, 0, 0, loc)
}

// Skip reports whether the item should be skipped, with a human-readable
// reason for the run log. Date bounds are checked in a fixed order and
// short-circuit; suffixes are checked before glob patterns.
func (p *Predicate) Skip(filename string, created, added time.Time) (bool, string) {
	if b := p.createdAfter; b != nil && created.Before(b.at(created.Location())) {
		return true, fmt.Sprintf("created before %04d-%02d-%02d", b.year, b.month, b.day)
	}
	if b := p.createdBefore; b != nil && created.After(b.at(created.Location())) {
		return true, fmt.Sprintf("created after %04d-%02d-%02d", b.year, b.month, b.day)
	}
	if b := p.addedAfter; b != nil && added.Before(b.at(added.Location())) {
		return true, fmt.Sprintf("added before %04d-%02d-%02d", b.year, b.month, b.day)
	}
	if b := p.addedBefore; b != nil && added.After(b.at(added.Location())) {
		return true, fmt.Sprintf("added after %04d-%02d-%02d", b.year, b.month, b.day)
	}

	if len(p.suffixes) == 0 && len(p.patterns) == 0 {
		return false, ""
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(filename, suffix) {
			return false, ""
		}
	}
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, filename); ok {
			return false, ""
		}
	}
	return true, "no suffix or pattern match"
}
