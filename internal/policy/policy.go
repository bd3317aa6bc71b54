// Package policy decides whether a tool invocation proceeds, is blocked,
// or waits for a human decision.
package policy

import (
	"errors"
	"fmt"
	"slices"
)

// Effect is the outcome of evaluating a tool invocation.
type Effect string

const (
	Allow   Effect = "allow"
	Deny    Effect = "deny"
	Approve Effect = "approve"
)

// Wildcard matches every tool name.
const Wildcard = "*"

func (e Effect) Valid() bool {
	switch e {
	case Allow, Deny, Approve:
		return true
	}
	return false
}

// Rule is one entry of an ordered rule set. Leaving Channels or Users out
// makes the rule apply to every channel or user. A present but empty list
// would match nothing, so Validate rejects it.
type Rule struct {
	Tool     string   `json:"tool" yaml:"tool"`
	Effect   Effect   `json:"effect" yaml:"effect"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Users    []string `json:"users,omitempty" yaml:"users,omitempty"`
}

// Matches reports whether the rule applies to the given invocation.
func (r Rule) Matches(tool, channel, user string) bool {
	if r.Tool != tool && r.Tool != Wildcard {
		return false
	}
	if len(r.Channels) > 0 && !slices.Contains(r.Channels, channel) {
		return false
	}
	if len(r.Users) > 0 && !slices.Contains(r.Users, user) {
		return false
	}
	return true
}

// Evaluate returns the effect of the first rule matching (tool, channel, user),
// or Allow when no rule matches. It has no side effects.
func Evaluate(rules []Rule, tool, channel, user string) Effect {
	for _, r := range rules {
		if r.Matches(tool, channel, user) {
			return r.Effect
		}
	}
	return Allow
}

// Validate reports every malformed rule in the set.
func Validate(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		if r.Tool == "" {
			errs = append(errs, fmt.Errorf("rule %d: tool is required", i))
		}
		if !r.Effect.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: effect %q must be one of allow, deny, approve", i, r.Effect))
		}
		if r.Channels != nil && len(r.Channels) == 0 {
			errs = append(errs, fmt.Errorf("rule %d: channels is empty; omit it to match every channel", i))
		}
		if r.Users != nil && len(r.Users) == 0 {
			errs = append(errs, fmt.Errorf("rule %d: users is empty; omit it to match every user", i))
		}
	}
	return errors.Join(errs...)
}
