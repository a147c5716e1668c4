package models

import (
	"fmt"
	"sort"
	"strings"
)

// Conditions a check category's severity rules can key on.
const (
	ConditionPrivileged  = "privileged"
	ConditionSodConflict = "sodConflict"
	ConditionDormant     = "dormant"
	ConditionTerminated  = "terminated"
	ConditionUnmatched   = "unmatched"
)

var conditions = map[string]string{
	"privileged":  ConditionPrivileged,
	"sodconflict": ConditionSodConflict,
	"dormant":     ConditionDormant,
	"terminated":  ConditionTerminated,
	"unmatched":   ConditionUnmatched,
}

// SeverityRule sets a finding's severity when its condition holds for the
// access record.
type SeverityRule struct {
	When     string
	Severity Severity
}

// Rules decodes SeverityRules. Two shapes are accepted: a single rule
// {"when": "privileged", "severity": "CRITICAL"}, or a map from condition
// to severity such as {"privileged": "CRITICAL", "dormant": "HIGH"}.
// Conditions and severities are case-insensitive.
func (c *CheckCategory) Rules() ([]SeverityRule, error) {
	if len(c.SeverityRules) == 0 {
		return nil, nil
	}

	if when, ok := c.SeverityRules["when"]; ok {
		for k := range c.SeverityRules {
			if k != "when" && k != "severity" {
				return nil, fmt.Errorf("unexpected key %q next to \"when\"", k)
			}
		}
		rule, err := parseRule(when, c.SeverityRules["severity"])
		if err != nil {
			return nil, err
		}
		return []SeverityRule{rule}, nil
	}

	keys := make([]string, 0, len(c.SeverityRules))
	for k := range c.SeverityRules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rules := make([]SeverityRule, 0, len(keys))
	for _, k := range keys {
		rule, err := parseRule(k, c.SeverityRules[k])
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(when, severity interface{}) (SeverityRule, error) {
	cond, ok := when.(string)
	if !ok {
		return SeverityRule{}, fmt.Errorf("condition must be a string, got %v", when)
	}
	canonical, ok := conditions[strings.ToLower(strings.TrimSpace(cond))]
	if !ok {
		return SeverityRule{}, fmt.Errorf("unknown condition %q", cond)
	}
	raw, ok := severity.(string)
	if !ok {
		return SeverityRule{}, fmt.Errorf("severity for %q must be a string, got %v", cond, severity)
	}
	sev := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if !sev.Valid() {
		return SeverityRule{}, fmt.Errorf("unknown severity %q for %q", raw, cond)
	}
	return SeverityRule{When: canonical, Severity: sev}, nil
}
