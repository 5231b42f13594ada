package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/internal/cache"
	"github.com/pathware/flowengine/types"
)

// ---------------------------------------------------------------------------
// Mock helpers
// ---------------------------------------------------------------------------

type mockModelClient struct {
	resp      *ModelResponse
	err       error
	lastReq   ModelRequest
	callCount atomic.Int32
}

func (m *mockModelClient) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	m.callCount.Add(1)
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func newCacheManager(t *testing.T) *cache.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := cache.NewManagerWithClient(client, time.Minute, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// ---------------------------------------------------------------------------
// ModelCallHandler
// ---------------------------------------------------------------------------

func TestModelCallHandler_Execute(t *testing.T) {
	t.Parallel()
	client := &mockModelClient{resp: &ModelResponse{Text: "summary text", TokensUsed: 12}}
	h := NewModelCallHandler(client, zap.NewNop())

	config := types.Payload{
		"model":           "gpt-4",
		"prompt_template": "Summarize: {{message}}",
		"api_key":         "resolved-key",
	}
	out, err := h.Execute(context.Background(), types.Payload{"message": "hello world"}, config)
	require.NoError(t, err)

	assert.Equal(t, "summary text", out["text"])
	assert.Equal(t, 12, out["tokens_used"])
	assert.Positive(t, out["tokens_estimated"])
	assert.Equal(t, "Summarize: hello world", client.lastReq.Prompt)
	assert.Equal(t, "resolved-key", client.lastReq.APIKey)
}

func TestModelCallHandler_TransientError(t *testing.T) {
	t.Parallel()
	h := NewModelCallHandler(&mockModelClient{err: ErrModelUnavailable}, zap.NewNop())
	_, err := h.Execute(context.Background(), nil, types.Payload{
		"model": "gpt-4", "prompt_template": "x",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeTransient, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestModelCallHandler_Timeout(t *testing.T) {
	t.Parallel()
	h := NewModelCallHandler(&mockModelClient{err: context.DeadlineExceeded}, zap.NewNop())
	_, err := h.Execute(context.Background(), nil, types.Payload{
		"model": "gpt-4", "prompt_template": "x",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeTimeout, types.GetErrorCode(err))
}

func TestModelCallHandler_Validate(t *testing.T) {
	t.Parallel()
	h := NewModelCallHandler(&mockModelClient{}, zap.NewNop())
	assert.Error(t, h.Validate(types.Payload{"prompt_template": "x"}))
	assert.Error(t, h.Validate(types.Payload{"model": "gpt-4"}))
	assert.NoError(t, h.Validate(types.Payload{"model": "gpt-4", "prompt_template": "x"}))
}

// ---------------------------------------------------------------------------
// APICallHandler
// ---------------------------------------------------------------------------

func TestAPICallHandler_Execute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"id":7}`))
	}))
	defer srv.Close()

	h := NewAPICallHandler(srv.Client(), 0, zap.NewNop())
	out, err := h.Execute(context.Background(),
		types.Payload{"token": "tok-1"},
		types.Payload{
			"url":           srv.URL + "/items",
			"method":        "POST",
			"headers":       map[string]any{"Authorization": "{{token}}"},
			"body_template": `{"name":"n"}`,
		})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out["status"])
	body := out["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
}

func TestAPICallHandler_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewAPICallHandler(srv.Client(), 0, zap.NewNop())
	_, err := h.Execute(context.Background(), nil, types.Payload{"url": srv.URL})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeTransient, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestAPICallHandler_ClientErrorIsFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := NewAPICallHandler(srv.Client(), 0, zap.NewNop())
	_, err := h.Execute(context.Background(), nil, types.Payload{"url": srv.URL})
	require.Error(t, err)
	assert.Equal(t, types.ErrNodeFatal, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestAPICallHandler_Validate(t *testing.T) {
	t.Parallel()
	h := NewAPICallHandler(nil, 0, zap.NewNop())
	assert.Error(t, h.Validate(types.Payload{}))
	assert.Error(t, h.Validate(types.Payload{"url": "http://x", "method": "TRACE"}))
	assert.NoError(t, h.Validate(types.Payload{"url": "http://x", "method": "put"}))
}

// ---------------------------------------------------------------------------
// StorageHandler
// ---------------------------------------------------------------------------

func TestStorageHandler_SetGetDelete(t *testing.T) {
	store := newCacheManager(t)
	h := NewStorageHandler(store, zap.NewNop())
	ctx := context.Background()

	out, err := h.Execute(ctx,
		types.Payload{"patient_id": "p1", "value": "plan-a"},
		types.Payload{"operation": "set", "key_template": "plan:{{patient_id}}"})
	require.NoError(t, err)
	assert.Equal(t, true, out["stored"])

	out, err = h.Execute(ctx,
		types.Payload{"patient_id": "p1"},
		types.Payload{"operation": "get", "key_template": "plan:{{patient_id}}"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "plan-a", out["value"])

	_, err = h.Execute(ctx,
		types.Payload{"patient_id": "p1"},
		types.Payload{"operation": "delete", "key_template": "plan:{{patient_id}}"})
	require.NoError(t, err)

	out, err = h.Execute(ctx,
		types.Payload{"patient_id": "p1"},
		types.Payload{"operation": "get", "key_template": "plan:{{patient_id}}"})
	require.NoError(t, err)
	assert.Equal(t, false, out["found"])
}

func TestStorageHandler_Validate(t *testing.T) {
	t.Parallel()
	h := NewStorageHandler(nil, zap.NewNop())
	assert.Error(t, h.Validate(types.Payload{"operation": "merge", "key_template": "k"}))
	assert.Error(t, h.Validate(types.Payload{"operation": "get"}))
	assert.NoError(t, h.Validate(types.Payload{"operation": "get", "key_template": "k"}))
}

// ---------------------------------------------------------------------------
// ConditionalHandler
// ---------------------------------------------------------------------------

func TestConditionalHandler_Execute(t *testing.T) {
	t.Parallel()
	h := NewConditionalHandler()

	out, err := h.Execute(context.Background(),
		types.Payload{"score": 0.9},
		types.Payload{"expression": "score > 0.5"})
	require.NoError(t, err)
	assert.Equal(t, true, out["result"])

	out, err = h.Execute(context.Background(),
		types.Payload{"score": 0.2},
		types.Payload{"expression": "score > 0.5"})
	require.NoError(t, err)
	assert.Equal(t, false, out["result"])
}

func TestConditionalHandler_ValidateSyntax(t *testing.T) {
	t.Parallel()
	h := NewConditionalHandler()
	assert.NoError(t, h.Validate(types.Payload{"expression": "a == 1"}))
	assert.Error(t, h.Validate(types.Payload{"expression": "a =="}))
	assert.Error(t, h.Validate(types.Payload{}))
}

// ---------------------------------------------------------------------------
// RetrievalHandler
// ---------------------------------------------------------------------------

type staticRetriever struct{ docs []Document }

func (r *staticRetriever) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit < len(r.docs) {
		return r.docs[:limit], nil
	}
	return r.docs, nil
}

func TestRetrievalHandler_Execute(t *testing.T) {
	t.Parallel()
	h := NewRetrievalHandler(&staticRetriever{docs: []Document{
		{ID: 1, Topic: "benefits", Content: "coverage details"},
		{ID: 2, Topic: "benefits", Content: "copay schedule"},
	}}, zap.NewNop())

	out, err := h.Execute(context.Background(),
		types.Payload{"topic": "benefits"},
		types.Payload{"query_template": "{{topic}}", "limit": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil, zap.NewNop())
	require.NoError(t, RegisterBuiltins(r, BuiltinDeps{}, zap.NewNop()))

	for _, key := range []string{"model.call", "api.call", "storage.op", "condition.eval", "knowledge.retrieve"} {
		assert.True(t, r.Known(key), key)
	}
}
