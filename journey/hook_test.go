package journey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/catalog"
	"github.com/pathware/flowengine/config"
	"github.com/pathware/flowengine/engine"
	"github.com/pathware/flowengine/types"
	"github.com/pathware/flowengine/workflow"
)

type noopHandler struct{ fail bool }

func (h *noopHandler) Validate(types.Payload) error { return nil }

func (h *noopHandler) Execute(context.Context, types.Payload, types.Payload) (types.Payload, error) {
	if h.fail {
		return nil, types.NewError(types.ErrNodeFatal, "boom")
	}
	return types.Payload{"done": true}, nil
}

func hookTestEngine(t *testing.T, m *Machine, fail bool) *engine.Engine {
	t.Helper()
	reg := catalog.NewRegistry(nil, zap.NewNop())
	require.NoError(t, reg.Register(
		&catalog.NodeType{TypeKey: "test.noop", Category: catalog.CategoryConditional},
		func() catalog.NodeHandler { return &noopHandler{fail: fail} },
	))
	cfg := config.EngineConfig{
		MaxWorkers:         2,
		DefaultNodeTimeout: time.Second,
		RetryInitialDelay:  time.Millisecond,
		RetryMaxDelay:      time.Millisecond,
		RetryMultiplier:    1.0,
	}
	return engine.New(cfg, reg, engine.NewMemoryStore(), zap.NewNop(),
		engine.WithCompletionListener(NewRunCompletionHook(m, zap.NewNop())))
}

func hookDefinition() *workflow.Definition {
	return &workflow.Definition{
		ID: "stage-work", Version: 1,
		Nodes: []workflow.NodeInstance{{NodeID: "work", TypeKey: "test.noop"}},
	}
}

func TestRunCompletionHookAdvancesStage(t *testing.T) {
	t.Parallel()
	m, store := newTestMachine(t)
	ctx := context.Background()

	e, err := m.Enroll(ctx, "onboarding", types.Payload{"score": 80}, "tester")
	require.NoError(t, err)

	eng := hookTestEngine(t, m, false)
	report, err := eng.Execute(ctx, hookDefinition(), types.Payload{
		"enrollment_id": e.ID,
		"advance_to":    "screening",
	}, "journey")
	require.NoError(t, err)
	require.Equal(t, engine.RunSucceeded, report.Run.Status)

	got, err := store.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "screening", got.CurrentStage)
	assert.Equal(t, 1, got.Version)

	history, err := store.ListTransitions(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "workflow:stage-work", history[1].TriggerReason)
	assert.Equal(t, "engine", history[1].TransitionedBy)
}

func TestRunCompletionHookIgnoresFailedRuns(t *testing.T) {
	t.Parallel()
	m, store := newTestMachine(t)
	ctx := context.Background()

	e, err := m.Enroll(ctx, "onboarding", types.Payload{"score": 80}, "tester")
	require.NoError(t, err)

	eng := hookTestEngine(t, m, true)
	report, err := eng.Execute(ctx, hookDefinition(), types.Payload{
		"enrollment_id": e.ID,
		"advance_to":    "screening",
	}, "journey")
	require.NoError(t, err)
	require.Equal(t, engine.RunFailed, report.Run.Status)

	got, err := store.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "intake", got.CurrentStage, "failed runs never advance")
	assert.Equal(t, 0, got.Version)
}

func TestRunCompletionHookIgnoresUnrelatedRuns(t *testing.T) {
	t.Parallel()
	m, _ := newTestMachine(t)

	eng := hookTestEngine(t, m, false)
	report, err := eng.Execute(context.Background(), hookDefinition(), types.Payload{"x": 1}, "other")
	require.NoError(t, err)
	assert.Equal(t, engine.RunSucceeded, report.Run.Status)
}
