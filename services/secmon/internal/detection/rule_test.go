package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/siem-soar-platform/security-monitor/services/secmon/internal/event"
)

func TestRuleUnmarshalYAML(t *testing.T) {
	doc := `
- id: bf-strict
  name: Strict brute force
  category: brute_force
  conditions:
    threshold: 3
  actions: [block_ip]
  auto_respond: true
- id: spray
  type: password_spray
  enabled: false
  conditions:
    unique_users: 4
    window_seconds: 120
- id: ato
  category: account_takeover
  conditions:
    min_confidence: 0.6
  severity_threshold: high
- id: exfil
  category: data_exfiltration
  event_types: [data_export]
`
	var rules []Rule
	require.NoError(t, yaml.Unmarshal([]byte(doc), &rules))
	require.Len(t, rules, 4)
	for i := range rules {
		assert.NoError(t, rules[i].Validate(), rules[i].ID)
	}

	bf := rules[0]
	assert.Equal(t, KindBruteForce, bf.Kind)
	assert.True(t, bf.Enabled, "enabled defaults to true")
	assert.Equal(t, &BruteForceCondition{Threshold: 3, WindowSeconds: 300}, bf.Condition)
	assert.Equal(t, []event.Action{event.ActionBlockIP}, bf.Actions)

	spray := rules[1]
	assert.False(t, spray.Enabled)
	assert.Equal(t, event.CategoryBruteForce, spray.Category, "category follows the type")
	assert.Equal(t, &PasswordSprayCondition{UniqueUsers: 4, WindowSeconds: 120}, spray.Condition)

	ato := rules[2].Condition.(*TakeoverCondition)
	assert.Equal(t, 0.6, ato.MinConfidence)
	assert.Equal(t, 0.4, ato.LocationWeight, "unset fields keep defaults")
	assert.Equal(t, event.SeverityHigh, rules[2].SeverityThreshold)

	exfil := rules[3]
	assert.Equal(t, &ExfiltrationCondition{ThresholdMB: 100}, exfil.Condition)
	assert.True(t, exfil.appliesTo(event.DataExport))
	assert.False(t, exfil.appliesTo(event.DataDownload), "declared event types replace the defaults")
}

func TestRuleUnmarshalYAMLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown type", doc: "id: x\ntype: telepathy\n"},
		{name: "no type or category", doc: "id: x\n"},
		{name: "wrong field type", doc: "id: x\ncategory: brute_force\nconditions:\n  threshold: many\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Rule
			assert.Error(t, yaml.Unmarshal([]byte(tt.doc), &r))
		})
	}
}

func TestRuleValidate(t *testing.T) {
	valid := func() Rule { return DefaultRules()[0] }

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{name: "missing id", mutate: func(r *Rule) { r.ID = "" }},
		{name: "missing condition", mutate: func(r *Rule) { r.Condition = nil }},
		{name: "unknown category", mutate: func(r *Rule) { r.Category = "ufo" }},
		{name: "zero window", mutate: func(r *Rule) { r.Condition = &BruteForceCondition{Threshold: 5} }},
		{name: "unknown action", mutate: func(r *Rule) { r.Actions = []event.Action{"nuke"} }},
		{name: "unknown event type", mutate: func(r *Rule) { r.EventTypes = []event.EventType{"teleport"} }},
		{name: "unknown threshold", mutate: func(r *Rule) { r.SeverityThreshold = "extreme" }},
		{name: "bad takeover weight", mutate: func(r *Rule) {
			c := defaultTakeoverCondition()
			c.DeviceWeight = 1.5
			r.Condition = c
		}},
	}

	r := valid()
	require.NoError(t, r.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range DefaultRules() {
		assert.NoError(t, r.Validate(), r.ID)
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
	}
	assert.Len(t, seen, 7)
}
