package catalog

import (
	"context"
	"errors"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/types"
)

// ModelClient abstracts the AI model backend invoked by model-call nodes.
// Implementations live outside the engine (provider SDKs, gateways).
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// ModelRequest is one completion request.
type ModelRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// APIKey is resolved from a secret reference at dispatch time.
	APIKey string
}

// ModelResponse is the completion result.
type ModelResponse struct {
	Text       string
	TokensUsed int
}

// ErrModelUnavailable marks a transient backend failure. Clients return it
// (or wrap it) when the call is worth retrying.
var ErrModelUnavailable = errors.New("model backend unavailable")

// ModelCallHandler invokes an AI model with a templated prompt.
//
// Config: model (required), prompt_template (required), temperature,
// max_tokens, api_key (usually a $secret reference).
// Output: text, tokens_used, tokens_estimated.
type ModelCallHandler struct {
	client ModelClient
	logger *zap.Logger
}

// NewModelCallHandler builds the handler around a model client.
func NewModelCallHandler(client ModelClient, logger *zap.Logger) *ModelCallHandler {
	return &ModelCallHandler{
		client: client,
		logger: logger.With(zap.String("handler", "model.call")),
	}
}

// Validate implements NodeHandler.
func (h *ModelCallHandler) Validate(config types.Payload) error {
	if _, err := configString(config, "model"); err != nil {
		return err
	}
	if _, err := configString(config, "prompt_template"); err != nil {
		return err
	}
	return nil
}

// Execute implements NodeHandler.
func (h *ModelCallHandler) Execute(ctx context.Context, input, config types.Payload) (types.Payload, error) {
	if h.client == nil {
		return nil, types.NewError(types.ErrNodeFatal, "model client not configured")
	}
	model, err := configString(config, "model")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	tmpl, err := configString(config, "prompt_template")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}

	prompt := renderTemplate(tmpl, input)
	estimated := estimateTokens(model, prompt)

	apiKey, _ := config["api_key"].(string)
	resp, err := h.client.Complete(ctx, ModelRequest{
		Model:       model,
		Prompt:      prompt,
		Temperature: configFloat(config, "temperature", 0.7),
		MaxTokens:   configInt(config, "max_tokens", 1024),
		APIKey:      apiKey,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, types.NewError(types.ErrNodeTimeout, "model call timed out").WithCause(err).WithRetryable(true)
		}
		if errors.Is(err, ErrModelUnavailable) {
			return nil, types.NewError(types.ErrNodeTransient, "model call failed").WithCause(err).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrNodeFatal, "model call rejected").WithCause(err)
	}

	h.logger.Debug("model call completed",
		zap.String("model", model),
		zap.Int("tokens_estimated", estimated),
		zap.Int("tokens_used", resp.TokensUsed),
	)
	return types.Payload{
		"text":             resp.Text,
		"tokens_used":      resp.TokensUsed,
		"tokens_estimated": estimated,
	}, nil
}

// estimateTokens counts prompt tokens with the model's encoding, falling
// back to cl100k_base for unknown models.
func estimateTokens(model, prompt string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Rough heuristic when no encoding data is available.
			return len(prompt) / 4
		}
	}
	return len(enc.Encode(prompt, nil, nil))
}

// ModelCallType returns the catalog descriptor for model-call nodes.
func ModelCallType() *NodeType {
	return &NodeType{
		TypeKey:     "model.call",
		Category:    CategoryModelCall,
		Description: "Invokes an AI model with a templated prompt",
		InputSchema: map[string]string{"*": "any upstream output referenced by the prompt template"},
		OutputSchema: map[string]string{
			"text":             "string",
			"tokens_used":      "int",
			"tokens_estimated": "int",
		},
		DefaultConfig: types.Payload{"temperature": 0.7, "max_tokens": 1024},
		CallsModel:    true,
	}
}
