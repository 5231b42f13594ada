package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/catalog"
	"github.com/pathware/flowengine/types"
)

func newHandlerRouter(t *testing.T) *Router {
	t.Helper()
	r := New(NewKeywordClassifier(supportRules()), zap.NewNop())
	require.NoError(t, r.RegisterTarget(&mockTarget{name: "billing", confidence: 0.9}))
	require.NoError(t, r.RegisterTarget(&mockTarget{name: "helpdesk", confidence: 0.5}))
	require.NoError(t, r.AddRoute(Route{
		Name: "billing", Priority: 1,
		Condition: `category == "billing"`,
		Targets:   []string{"billing"},
	}))
	require.NoError(t, r.SetDefaultTarget("helpdesk"))
	return r
}

func TestHandlerThroughCatalog(t *testing.T) {
	t.Parallel()
	reg := catalog.NewRegistry(nil, zap.NewNop())
	require.NoError(t, Register(reg, newHandlerRouter(t)))
	assert.True(t, reg.Known("conversation.route"))

	output, err := reg.Dispatch(context.Background(), "conversation.route", nil, types.Payload{
		"input": map[string]any{
			"message":         "I was double charged, please refund my invoice",
			"conversation_id": "c-1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "billing", output["target"])
	assert.Equal(t, "billing", output["category"])

	inner, ok := output["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "billing", inner["by"])
}

func TestHandlerDefaultTarget(t *testing.T) {
	t.Parallel()
	h := NewHandler(newHandlerRouter(t))

	output, err := h.Execute(context.Background(), types.Payload{
		"input": map[string]any{"message": "just saying hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "helpdesk", output["target"])
	assert.Equal(t, "general", output["category"])
}

func TestHandlerReadsUpstreamMessage(t *testing.T) {
	t.Parallel()
	h := NewHandler(newHandlerRouter(t))

	// The message can come from an upstream node's output instead of the
	// run input.
	output, err := h.Execute(context.Background(), types.Payload{
		"input":     map[string]any{},
		"transform": map[string]any{"message": "refund my invoice charge"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "billing", output["target"])
}

func TestHandlerMissingMessage(t *testing.T) {
	t.Parallel()
	h := NewHandler(newHandlerRouter(t))

	_, err := h.Execute(context.Background(), types.Payload{"input": map[string]any{}}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeFatal, types.GetErrorCode(err))
}
