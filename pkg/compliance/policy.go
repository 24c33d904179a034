// Package compliance evaluates tenant policy rules over request bodies and
// context, drives the workspace circuit breaker, and guards writes behind
// audit chain integrity.
package compliance

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Effect is a rule outcome, listed in priority order.
type Effect string

const (
	EffectDeny   Effect = "DENY"
	EffectFreeze Effect = "FREEZE"
	EffectFlag   Effect = "FLAG"
	EffectAllow  Effect = "ALLOW"
)

// effectPriority ranks effects for first-match selection. Lower wins.
var effectPriority = map[Effect]int{
	EffectDeny:   0,
	EffectFreeze: 1,
	EffectFlag:   2,
	EffectAllow:  3,
}

// Rule is a single policy rule. Predicate is a CEL expression over the
// variables `body` and `context`; it must be pure and total.
type Rule struct {
	ID            string        `json:"id"`
	Description   string        `json:"description,omitempty"`
	Effect        Effect        `json:"effect"`
	Predicate     string        `json:"predicate"`
	ResourceTypes []string      `json:"resourceTypes,omitempty"`
	FailClosed    bool          `json:"failClosed,omitempty"`
	Timeout       time.Duration `json:"-"`
	TimeoutMS     int           `json:"timeoutMs,omitempty"`

	order int
}

// PolicyDoc is a tenant's rule set as loaded from storage.
type PolicyDoc struct {
	TenantID string `json:"tenantId"`
	Rules    []Rule `json:"rules"`
}

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenantId", "rules"],
  "properties": {
    "tenantId": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "effect", "predicate"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "effect": {"enum": ["DENY", "FREEZE", "FLAG", "ALLOW"]},
          "predicate": {"type": "string", "minLength": 1},
          "resourceTypes": {"type": "array", "items": {"type": "string"}},
          "failClosed": {"type": "boolean"},
          "timeoutMs": {"type": "integer", "minimum": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledPolicySchema = jsonschema.MustCompileString("policy.schema.json", policySchema)

// ParsePolicyDoc validates the raw JSON against the policy schema and
// decodes it. Rules keep their document order for tie-breaking.
func ParsePolicyDoc(raw []byte) (*PolicyDoc, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("policy doc: %w", err)
	}
	if err := compiledPolicySchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy doc schema: %w", err)
	}
	var doc PolicyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy doc: %w", err)
	}
	for i := range doc.Rules {
		doc.Rules[i].order = i
		if doc.Rules[i].TimeoutMS > 0 {
			doc.Rules[i].Timeout = time.Duration(doc.Rules[i].TimeoutMS) * time.Millisecond
		}
	}
	return &doc, nil
}

// orderRules returns the rules sorted by effect priority, then document
// order. The input slice is not modified.
func orderRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := effectPriority[out[i].Effect], effectPriority[out[j].Effect]
		if pi != pj {
			return pi < pj
		}
		return out[i].order < out[j].order
	})
	return out
}
