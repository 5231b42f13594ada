package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pathware/flowengine/types"
)

// maxAPIResponseBytes bounds how much of a response body is captured into
// step output.
const maxAPIResponseBytes = 1 << 20

// APICallHandler performs an HTTP request against an external API.
//
// Config: url (required, templated), method, headers (map), body_template,
// rate_limit_rps. Output: status, body, headers.
type APICallHandler struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewAPICallHandler builds the handler. A nil client falls back to
// http.DefaultClient. rps bounds outbound request rate across all nodes
// sharing this handler; zero disables limiting.
func NewAPICallHandler(client *http.Client, rps float64, logger *zap.Logger) *APICallHandler {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &APICallHandler{
		client:  client,
		limiter: limiter,
		logger:  logger.With(zap.String("handler", "api.call")),
	}
}

// Validate implements NodeHandler.
func (h *APICallHandler) Validate(config types.Payload) error {
	if _, err := configString(config, "url"); err != nil {
		return err
	}
	if m, ok := config["method"].(string); ok {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("unsupported method %q", m)
		}
	}
	return nil
}

// Execute implements NodeHandler.
func (h *APICallHandler) Execute(ctx context.Context, input, config types.Payload) (types.Payload, error) {
	urlTmpl, err := configString(config, "url")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	url := renderTemplate(urlTmpl, input)
	method := http.MethodGet
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrNodeTimeout, "rate limit wait cancelled").WithCause(err).WithRetryable(true)
		}
	}

	var body io.Reader
	if tmpl, ok := config["body_template"].(string); ok && tmpl != "" {
		body = bytes.NewBufferString(renderTemplate(tmpl, input))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, renderTemplate(fmt.Sprintf("%v", v), input))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrNodeTimeout, "api call timed out").WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrNodeTransient, "api call failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, types.NewError(types.ErrNodeTransient, "read response body").WithCause(err).WithRetryable(true)
	}

	h.logger.Debug("api call completed",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
	)

	// 5xx is worth retrying; 4xx means the configuration or data is wrong.
	if resp.StatusCode >= 500 {
		return nil, types.NewErrorf(types.ErrNodeTransient, "upstream returned %d", resp.StatusCode).WithRetryable(true)
	}
	if resp.StatusCode >= 400 {
		return nil, types.NewErrorf(types.ErrNodeFatal, "upstream rejected request with %d", resp.StatusCode)
	}

	out := types.Payload{"status": resp.StatusCode}
	var parsed map[string]any
	if json.Unmarshal(data, &parsed) == nil {
		out["body"] = parsed
	} else {
		out["body"] = string(data)
	}
	return out, nil
}

// APICallType returns the catalog descriptor for api-call nodes.
func APICallType() *NodeType {
	return &NodeType{
		TypeKey:     "api.call",
		Category:    CategoryAPICall,
		Description: "Performs an HTTP request against an external API",
		InputSchema: map[string]string{"*": "any upstream output referenced by url/body templates"},
		OutputSchema: map[string]string{
			"status": "int",
			"body":   "object|string",
		},
		DefaultConfig:    types.Payload{"method": "GET"},
		CallsExternalAPI: true,
	}
}
