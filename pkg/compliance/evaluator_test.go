package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincollab/govcore/pkg/events"
	"github.com/fincollab/govcore/pkg/ledger"
	"github.com/fincollab/govcore/pkg/tenants"
)

func newOrchestrator(t *testing.T) (*Orchestrator, *tenants.Manager, *ledger.Ledger, *events.Bus, string) {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore(), ledger.NewSigner([]byte("k")), nil)
	bus := events.NewBus(nil)
	m := tenants.NewManager(led, bus, nil)
	ws, err := m.CreateWorkspace(context.Background(), &tenants.Workspace{
		Name: "W", Type: tenants.TypeCompany, OwnerID: "owner-1",
	})
	require.NoError(t, err)
	o, err := NewOrchestrator(m, led, nil)
	require.NoError(t, err)
	return o, m, led, bus, ws.ID
}

func policy(t *testing.T, o *Orchestrator, tenantID string, rules ...Rule) {
	t.Helper()
	require.NoError(t, o.SetPolicy(&PolicyDoc{TenantID: tenantID, Rules: rules}))
}

func TestNoPolicyAllows(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	out := o.Evaluate(context.Background(), ws, "expense", nil, EvalContext{})
	assert.Equal(t, EffectAllow, out.Effect)
	assert.True(t, out.Proceed())
}

func TestDenyRuleWithAudit(t *testing.T) {
	o, _, led, _, ws := newOrchestrator(t)
	policy(t, o, ws, Rule{
		ID: "no-large-wires", Effect: EffectDeny,
		Description: "wire exceeds limit",
		Predicate:   `body.amount > 10000.0`,
	})

	out := o.Evaluate(context.Background(), ws, "wire",
		map[string]interface{}{"amount": 50000.0}, EvalContext{User: "u-1"})
	assert.Equal(t, EffectDeny, out.Effect)
	assert.Equal(t, "no-large-wires", out.PolicyID)
	assert.False(t, out.Proceed())

	// Invariant: a DENY always leaves a persisted audit entry with the
	// policy id.
	entries, err := led.Query(context.Background(), ledger.QueryFilter{EntityModel: "CompliancePolicy"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "no-large-wires", entries[0].Payload["policyId"])
	assert.Equal(t, "POLICY_DENY", entries[0].Payload["event"])

	under := o.Evaluate(context.Background(), ws, "wire",
		map[string]interface{}{"amount": 100.0}, EvalContext{})
	assert.Equal(t, EffectAllow, under.Effect)
}

func TestFreezeTripsCircuitBreaker(t *testing.T) {
	o, m, led, bus, ws := newOrchestrator(t)
	policy(t, o, ws, Rule{
		ID: "velocity-cap", Effect: EffectFreeze,
		Description: "daily velocity exceeded",
		Predicate:   `context.metrics.dailyVelocity > 10000.0`,
	})

	var frozen []events.Event
	bus.Subscribe(events.WorkspaceFrozen, func(ctx context.Context, ev events.Event) error {
		frozen = append(frozen, ev)
		return nil
	})

	out := o.Evaluate(context.Background(), ws, "expense",
		map[string]interface{}{"amount": 40.0},
		EvalContext{User: "u-1", Metrics: map[string]float64{"dailyVelocity": 12000}})
	assert.Equal(t, EffectFreeze, out.Effect)
	assert.Equal(t, "velocity-cap", out.PolicyID)

	got, err := m.Workspace(ws)
	require.NoError(t, err)
	assert.Equal(t, tenants.StatusFrozen, got.Status)
	assert.Len(t, frozen, 1)

	entries, err := led.Query(context.Background(), ledger.QueryFilter{EntityModel: "CompliancePolicy"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "POLICY_FREEZE", entries[0].Payload["event"])
}

func TestFlagAttachesAndProceeds(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	policy(t, o, ws,
		Rule{ID: "watch-foreign", Effect: EffectFlag, Predicate: `context.ip.startsWith("10.")`},
	)

	out := o.Evaluate(context.Background(), ws, "expense", nil, EvalContext{IP: "10.0.0.7"})
	assert.Equal(t, EffectFlag, out.Effect)
	assert.True(t, out.Proceed())
	assert.Equal(t, []string{"watch-foreign"}, out.Flags)
}

func TestEffectPriorityOverDocumentOrder(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	// The ALLOW rule comes first in the document but DENY outranks it.
	policy(t, o, ws,
		Rule{ID: "allow-all", Effect: EffectAllow, Predicate: `true`},
		Rule{ID: "deny-all", Effect: EffectDeny, Predicate: `true`},
	)
	out := o.Evaluate(context.Background(), ws, "x", nil, EvalContext{})
	assert.Equal(t, EffectDeny, out.Effect)
	assert.Equal(t, "deny-all", out.PolicyID)
}

func TestDocumentOrderBreaksTies(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	policy(t, o, ws,
		Rule{ID: "deny-b", Effect: EffectDeny, Predicate: `true`},
		Rule{ID: "deny-a", Effect: EffectDeny, Predicate: `true`},
	)
	out := o.Evaluate(context.Background(), ws, "x", nil, EvalContext{})
	assert.Equal(t, "deny-b", out.PolicyID)
}

func TestResourceTypeFilter(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	policy(t, o, ws, Rule{
		ID: "expense-only", Effect: EffectDeny, Predicate: `true`,
		ResourceTypes: []string{"expense/*"},
	})
	assert.Equal(t, EffectDeny, o.Evaluate(context.Background(), ws, "expense/report", nil, EvalContext{}).Effect)
	assert.Equal(t, EffectAllow, o.Evaluate(context.Background(), ws, "invoice", nil, EvalContext{}).Effect)
}

func TestPredicateTimeoutIsUnknown(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	// A pathological predicate that exceeds the 1ms budget; the interrupt
	// check aborts it and the rule does not match.
	slow := `[1,2,3,4,5,6,7,8,9,10].map(a, [1,2,3,4,5,6,7,8,9,10].map(b, [1,2,3,4,5,6,7,8,9,10].map(c, [1,2,3,4,5,6,7,8,9,10].map(d, [1,2,3,4,5,6,7,8,9,10].map(e, a*b*c*d*e))))).size() > 0`
	policy(t, o, ws, Rule{ID: "slow", Effect: EffectDeny, Predicate: slow, TimeoutMS: 1, Timeout: time.Millisecond})

	out := o.Evaluate(context.Background(), ws, "x", nil, EvalContext{})
	assert.Equal(t, EffectAllow, out.Effect)
}

func TestFailClosedRuleDeniesOnError(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	// The predicate errors at runtime (missing key); fail-open ignores it,
	// fail-closed treats it as a match.
	policy(t, o, ws, Rule{ID: "open", Effect: EffectDeny, Predicate: `body.missing > 1.0`})
	out := o.Evaluate(context.Background(), ws, "x", map[string]interface{}{}, EvalContext{})
	assert.Equal(t, EffectAllow, out.Effect)

	policy(t, o, ws, Rule{ID: "closed", Effect: EffectDeny, Predicate: `body.missing > 1.0`, FailClosed: true})
	out = o.Evaluate(context.Background(), ws, "x", map[string]interface{}{}, EvalContext{})
	assert.Equal(t, EffectDeny, out.Effect)
}

func TestSetPolicyRejectsBadPredicate(t *testing.T) {
	o, _, _, _, ws := newOrchestrator(t)
	err := o.SetPolicy(&PolicyDoc{TenantID: ws, Rules: []Rule{
		{ID: "bad", Effect: EffectDeny, Predicate: `this is not CEL ((`},
	}})
	require.Error(t, err)
}

func TestParsePolicyDoc(t *testing.T) {
	doc, err := ParsePolicyDoc([]byte(`{
		"tenantId": "w-1",
		"rules": [
			{"id": "r1", "effect": "DENY", "predicate": "body.amount > 100.0", "timeoutMs": 20},
			{"id": "r2", "effect": "FLAG", "predicate": "true", "resourceTypes": ["expense/*"]}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "w-1", doc.TenantID)
	require.Len(t, doc.Rules, 2)
	assert.Equal(t, 20*time.Millisecond, doc.Rules[0].Timeout)

	_, err = ParsePolicyDoc([]byte(`{"tenantId": "w-1", "rules": [{"id": "r1"}]}`))
	require.Error(t, err)

	_, err = ParsePolicyDoc([]byte(`{"rules": []}`))
	require.Error(t, err)

	_, err = ParsePolicyDoc([]byte(`{"tenantId":"w","rules":[{"id":"x","effect":"EXPLODE","predicate":"true"}]}`))
	require.Error(t, err)
}
