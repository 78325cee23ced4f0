// Package gateway implements the per-request credit gate that wraps
// every billable external AI call: a pre-flight balance check with a
// grace buffer, and a post-call debit that emits the meter event.
package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/botfleet/backend/internal/config"
)

// marginRule is one compiled (provider, model glob, multiplier) entry.
type marginRule struct {
	provider   string
	pattern    *regexp.Regexp
	multiplier float64
}

// MarginTable resolves the markup multiplier for a provider + model.
// Rules are matched in order; the first hit wins, the default applies
// otherwise.
type MarginTable struct {
	rules         []marginRule
	defaultMargin float64
}

// NewMarginTable compiles the configured rules. Multiplier bounds are
// checked again here so a table built outside config.LoadConfig cannot
// smuggle a bad value in.
func NewMarginTable(rules []config.MarginRule, defaultMargin float64) (*MarginTable, error) {
	t := &MarginTable{defaultMargin: defaultMargin}
	for _, r := range rules {
		if r.Multiplier < 1.0 || r.Multiplier > 3.0 {
			return nil, fmt.Errorf("margin rule %s/%s: multiplier %.2f outside [1.0, 3.0]", r.Provider, r.Model, r.Multiplier)
		}
		re, err := compileGlob(r.Model)
		if err != nil {
			return nil, fmt.Errorf("margin rule %s/%s: %w", r.Provider, r.Model, err)
		}
		t.rules = append(t.rules, marginRule{provider: r.Provider, pattern: re, multiplier: r.Multiplier})
	}
	return t, nil
}

// Lookup returns the multiplier for the first matching rule, or the
// default margin.
func (t *MarginTable) Lookup(provider, model string) float64 {
	for _, r := range t.rules {
		if r.provider == provider && r.pattern.MatchString(model) {
			return r.multiplier
		}
	}
	return t.defaultMargin
}

// compileGlob turns a '*' glob into an anchored regexp; everything
// except '*' is matched literally.
func compileGlob(glob string) (*regexp.Regexp, error) {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
