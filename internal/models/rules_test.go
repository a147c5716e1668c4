package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCategory_Rules(t *testing.T) {
	t.Run("when form", func(t *testing.T) {
		cat := CheckCategory{SeverityRules: JSONB{"when": "Privileged", "severity": "critical"}}
		rules, err := cat.Rules()
		require.NoError(t, err)
		assert.Equal(t, []SeverityRule{{When: ConditionPrivileged, Severity: SeverityCritical}}, rules)
	})

	t.Run("condition map", func(t *testing.T) {
		cat := CheckCategory{SeverityRules: JSONB{"sodconflict": "HIGH", "dormant": "low"}}
		rules, err := cat.Rules()
		require.NoError(t, err)
		assert.Equal(t, []SeverityRule{
			{When: ConditionDormant, Severity: SeverityLow},
			{When: ConditionSodConflict, Severity: SeverityHigh},
		}, rules)
	})

	t.Run("empty", func(t *testing.T) {
		rules, err := (&CheckCategory{}).Rules()
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	bad := []struct {
		name  string
		rules JSONB
		msg   string
	}{
		{"unknown condition", JSONB{"when": "contractor", "severity": "HIGH"}, "unknown condition"},
		{"unknown severity", JSONB{"privileged": "URGENT"}, "unknown severity"},
		{"missing severity", JSONB{"when": "privileged"}, "must be a string"},
		{"stray key", JSONB{"when": "privileged", "severity": "HIGH", "dormant": "LOW"}, "unexpected key"},
		{"non-string severity", JSONB{"terminated": 7}, "must be a string"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&CheckCategory{SeverityRules: tt.rules}).Rules()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
