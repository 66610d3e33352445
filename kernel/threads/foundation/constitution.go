package foundation

import "sort"

// Constitution flags
const (
	RuleIORequiresConsent = "io_requires_consent"
	RuleThermalProtection = "thermal_protection"
)

// Constitution is an immutable set of named policy flags
type Constitution struct {
	flags map[string]bool
}

// DefaultConstitution enables every built-in rule
func DefaultConstitution() Constitution {
	return NewConstitution(map[string]bool{
		RuleIORequiresConsent: true,
		RuleThermalProtection: true,
	})
}

// NewConstitution copies flags; later changes to the map are not observed
func NewConstitution(flags map[string]bool) Constitution {
	c := Constitution{flags: make(map[string]bool, len(flags))}
	for k, v := range flags {
		c.flags[k] = v
	}
	return c
}

// Enabled reports whether a rule is on. Unknown rules are off.
func (c Constitution) Enabled(rule string) bool {
	return c.flags[rule]
}

// Rules returns the flags as a fresh map
func (c Constitution) Rules() map[string]bool {
	out := make(map[string]bool, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// Names returns the enabled rule names, sorted
func (c Constitution) Names() []string {
	names := make([]string, 0, len(c.flags))
	for k, v := range c.flags {
		if v {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
