package router

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/types"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type staticClassifier struct{ intent *Intent }

func (c *staticClassifier) Classify(context.Context, *Message) (*Intent, error) {
	return c.intent, nil
}

type mockTarget struct {
	name       string
	confidence float64
	fail       bool
	calls      atomic.Int32
}

func (t *mockTarget) Name() string { return t.name }

func (t *mockTarget) Handle(_ context.Context, msg *Message, _ *Intent) (*Response, error) {
	t.calls.Add(1)
	if t.fail {
		return nil, assert.AnError
	}
	return &Response{
		Target:     t.name,
		Output:     types.Payload{"echo": msg.Text, "by": t.name},
		Confidence: t.confidence,
	}, nil
}

func intentOf(category string, confidence float64) *Intent {
	return &Intent{Category: category, Confidence: confidence, Entities: map[string]string{}}
}

func newRouterWith(t *testing.T, intent *Intent, targets ...Target) *Router {
	t.Helper()
	r := New(&staticClassifier{intent: intent}, zap.NewNop())
	for _, target := range targets {
		require.NoError(t, r.RegisterTarget(target))
	}
	return r
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

func TestDispatchMatchesByPriority(t *testing.T) {
	t.Parallel()
	billing := &mockTarget{name: "billing"}
	support := &mockTarget{name: "support"}
	r := newRouterWith(t, intentOf("billing", 0.9), billing, support)

	// Registered out of priority order on purpose.
	require.NoError(t, r.AddRoute(Route{Name: "catch-all", Priority: 100, Targets: []string{"support"}}))
	require.NoError(t, r.AddRoute(Route{
		Name: "billing", Priority: 10,
		Condition: `category == "billing" && confidence >= 0.5`,
		Targets:   []string{"billing"},
	}))

	resp, intent, err := r.Dispatch(context.Background(), &Message{Text: "invoice question"})
	require.NoError(t, err)
	assert.Equal(t, "billing", resp.Target)
	assert.Equal(t, "billing", intent.Category)
	assert.Equal(t, int32(1), billing.calls.Load())
	assert.Equal(t, int32(0), support.calls.Load(), "lower-priority route never ran")
}

func TestDispatchSkipsUnsatisfiedConditions(t *testing.T) {
	t.Parallel()
	billing := &mockTarget{name: "billing"}
	support := &mockTarget{name: "support"}
	r := newRouterWith(t, intentOf("billing", 0.3), billing, support)

	require.NoError(t, r.AddRoute(Route{
		Name: "billing-confident", Priority: 10,
		Condition: `category == "billing" && confidence >= 0.5`,
		Targets:   []string{"billing"},
	}))
	require.NoError(t, r.AddRoute(Route{Name: "catch-all", Priority: 100, Targets: []string{"support"}}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "maybe billing"})
	require.NoError(t, err)
	assert.Equal(t, "support", resp.Target, "low confidence falls through to the catch-all")
}

func TestDispatchNextPriorityWhenRouteFails(t *testing.T) {
	t.Parallel()
	primary := &mockTarget{name: "primary", fail: true}
	secondary := &mockTarget{name: "secondary"}
	r := newRouterWith(t, intentOf("support", 0.8), primary, secondary)

	require.NoError(t, r.AddRoute(Route{Name: "first", Priority: 1, Targets: []string{"primary"}}))
	require.NoError(t, r.AddRoute(Route{Name: "second", Priority: 2, Targets: []string{"secondary"}}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "help"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Target)
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestDispatchDefaultTargetFallback(t *testing.T) {
	t.Parallel()
	fallback := &mockTarget{name: "fallback"}
	r := newRouterWith(t, intentOf("unknown", 0.1), fallback)
	require.NoError(t, r.SetDefaultTarget("fallback"))

	// No routes at all: the default target handles the message.
	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Target)
}

func TestDispatchNoRouteNoDefault(t *testing.T) {
	t.Parallel()
	r := newRouterWith(t, intentOf("unknown", 0.1))

	_, _, err := r.Dispatch(context.Background(), &Message{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route matches")
}

func TestDispatchEntityConditions(t *testing.T) {
	t.Parallel()
	orders := &mockTarget{name: "orders"}
	support := &mockTarget{name: "support"}
	intent := &Intent{
		Category:   "support",
		Confidence: 0.9,
		Entities:   map[string]string{"order_id": "12345"},
	}
	r := newRouterWith(t, intent, orders, support)

	require.NoError(t, r.AddRoute(Route{
		Name: "order-lookup", Priority: 1,
		Condition: `entities.order_id != nil`,
		Targets:   []string{"orders"},
	}))
	require.NoError(t, r.AddRoute(Route{Name: "catch-all", Priority: 10, Targets: []string{"support"}}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "where is order 12345"})
	require.NoError(t, err)
	assert.Equal(t, "orders", resp.Target)
}

// ---------------------------------------------------------------------------
// Fan-out and merging
// ---------------------------------------------------------------------------

func TestFanOutHighestConfidence(t *testing.T) {
	t.Parallel()
	weak := &mockTarget{name: "weak", confidence: 0.4}
	strong := &mockTarget{name: "strong", confidence: 0.9}
	r := newRouterWith(t, intentOf("any", 1), weak, strong)

	require.NoError(t, r.AddRoute(Route{
		Name: "both", Priority: 1,
		Targets: []string{"weak", "strong"},
		Merge:   MergeHighestConfidence,
	}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "strong", resp.Target)
	assert.Equal(t, int32(1), weak.calls.Load(), "fan-out runs every target")
}

func TestFanOutConcatenate(t *testing.T) {
	t.Parallel()
	a := &mockTarget{name: "a", confidence: 0.5}
	b := &mockTarget{name: "b", confidence: 0.7}
	r := newRouterWith(t, intentOf("any", 1), a, b)

	require.NoError(t, r.AddRoute(Route{
		Name: "both", Priority: 1,
		Targets: []string{"a", "b"},
		Merge:   MergeConcatenate,
	}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "a+b", resp.Target)
	responses, ok := resp.Output["responses"].([]any)
	require.True(t, ok)
	require.Len(t, responses, 2)
	first := responses[0].(map[string]any)
	assert.Equal(t, "a", first["target"], "declaration order is preserved")
}

func TestFanOutToleratesPartialFailure(t *testing.T) {
	t.Parallel()
	broken := &mockTarget{name: "broken", fail: true}
	ok := &mockTarget{name: "ok", confidence: 0.6}
	r := newRouterWith(t, intentOf("any", 1), broken, ok)

	require.NoError(t, r.AddRoute(Route{
		Name: "pair", Priority: 1,
		Targets: []string{"broken", "ok"},
		Merge:   MergeFirstSuccess,
	}))

	resp, _, err := r.Dispatch(context.Background(), &Message{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Target)
}

func TestMergeStrategies(t *testing.T) {
	t.Parallel()
	responses := []*Response{
		{Target: "a", Confidence: 0.4, Output: types.Payload{"v": 1}},
		{Target: "b", Confidence: 0.8, Output: types.Payload{"v": 2}},
	}

	first, err := Merge(MergeFirstSuccess, responses)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Target)

	// Empty strategy defaults to first-success.
	first, err = Merge("", responses)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Target)

	best, err := Merge(MergeHighestConfidence, responses)
	require.NoError(t, err)
	assert.Equal(t, "b", best.Target)

	_, err = Merge("majority-vote", responses)
	assert.Error(t, err)

	_, err = Merge(MergeFirstSuccess, nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Table management
// ---------------------------------------------------------------------------

func TestRouteValidation(t *testing.T) {
	t.Parallel()
	r := newRouterWith(t, intentOf("any", 1), &mockTarget{name: "a"})

	assert.Error(t, r.AddRoute(Route{Name: "empty", Priority: 1}))
	assert.Error(t, r.AddRoute(Route{Name: "dangling", Priority: 1, Targets: []string{"ghost"}}))
	assert.Error(t, r.SetDefaultTarget("ghost"))

	assert.Error(t, r.RegisterTarget(&mockTarget{name: "a"}), "duplicate target name")
	assert.Error(t, r.RegisterTarget(&mockTarget{name: ""}))
}
