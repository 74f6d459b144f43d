package service

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EndpointRule maps a path prefix to a fixed-window throughput ceiling.
type EndpointRule struct {
	PathPrefix  string
	MaxRequests int64
	Window      time.Duration
}

// Name identifies the rule in bucket keys, headers, logs and audit events.
func (r EndpointRule) Name() string {
	return r.PathPrefix
}

// RuleTable holds the endpoint rules, immutable after construction. It
// replaces the mutable global registry pattern: build it once at startup and
// inject it into the rate limiter.
type RuleTable struct {
	rules []EndpointRule // sorted by descending prefix length
}

// NewRuleTable validates and indexes the given rules for longest-prefix
// matching. Duplicate prefixes and non-positive limits or windows are
// rejected.
func NewRuleTable(rules []EndpointRule) (*RuleTable, error) {
	seen := make(map[string]struct{}, len(rules))
	sorted := make([]EndpointRule, 0, len(rules))

	for _, rule := range rules {
		if rule.PathPrefix == "" || !strings.HasPrefix(rule.PathPrefix, "/") {
			return nil, fmt.Errorf("rule prefix %q must start with '/'", rule.PathPrefix)
		}
		if rule.MaxRequests <= 0 {
			return nil, fmt.Errorf("rule %q: max_requests must be positive, got %d", rule.PathPrefix, rule.MaxRequests)
		}
		if rule.Window <= 0 {
			return nil, fmt.Errorf("rule %q: window must be positive, got %s", rule.PathPrefix, rule.Window)
		}
		if _, dup := seen[rule.PathPrefix]; dup {
			return nil, fmt.Errorf("duplicate rule prefix %q", rule.PathPrefix)
		}
		seen[rule.PathPrefix] = struct{}{}
		sorted = append(sorted, rule)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	return &RuleTable{rules: sorted}, nil
}

// Match returns the longest-prefix rule covering path, or false when the path
// is unlimited.
func (t *RuleTable) Match(path string) (EndpointRule, bool) {
	for _, rule := range t.rules {
		if strings.HasPrefix(path, rule.PathPrefix) {
			return rule, true
		}
	}
	return EndpointRule{}, false
}

// Rules returns a copy of the indexed rules, longest prefix first.
func (t *RuleTable) Rules() []EndpointRule {
	out := make([]EndpointRule, len(t.rules))
	copy(out, t.rules)
	return out
}
