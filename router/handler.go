package router

import (
	"context"
	"fmt"
	"time"

	"github.com/pathware/flowengine/catalog"
	"github.com/pathware/flowengine/types"
)

// Handler exposes the router as a workflow node so definitions can embed
// conversation routing alongside other node types.
//
// Input: message (required), conversation_id, metadata.
// Output: target, category, confidence, entities, output.
type Handler struct {
	router *Router
}

// NewHandler wraps a configured router.
func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

// Validate implements catalog.NodeHandler. The routing table lives on the
// router itself, so node configuration carries nothing to check.
func (h *Handler) Validate(types.Payload) error { return nil }

// Execute implements catalog.NodeHandler.
func (h *Handler) Execute(ctx context.Context, input, _ types.Payload) (types.Payload, error) {
	text, ok := messageText(input)
	if !ok {
		return nil, types.NewError(types.ErrNodeFatal, "input has no message text")
	}
	msg := &Message{Text: text}
	if id, ok := input.Get("input.conversation_id"); ok {
		msg.ConversationID, _ = id.(string)
	}
	if meta, ok := input.Get("input.metadata"); ok {
		if m, isMap := meta.(map[string]any); isMap {
			msg.Metadata = types.Payload(m)
		}
	}

	resp, intent, err := h.router.Dispatch(ctx, msg)
	if err != nil {
		return nil, types.NewError(types.ErrNodeTransient, "routing failed").
			WithRetryable(true).WithCause(err)
	}

	entities := make(map[string]any, len(intent.Entities))
	for k, v := range intent.Entities {
		entities[k] = v
	}
	return types.Payload{
		"target":     resp.Target,
		"category":   intent.Category,
		"confidence": intent.Confidence,
		"entities":   entities,
		"output":     map[string]any(resp.Output),
	}, nil
}

// messageText finds the message in the run input or any upstream output.
func messageText(input types.Payload) (string, bool) {
	if v, ok := input.Get("input.message"); ok {
		if s, isString := v.(string); isString && s != "" {
			return s, true
		}
	}
	for key, v := range input {
		if key == "input" {
			continue
		}
		m, isMap := v.(map[string]any)
		if !isMap {
			continue
		}
		if s, isString := m["message"].(string); isString && s != "" {
			return s, true
		}
	}
	return "", false
}

// NodeType returns the descriptor for the conversation routing node.
func NodeType() *catalog.NodeType {
	return &catalog.NodeType{
		TypeKey:     "conversation.route",
		Category:    catalog.CategoryConditional,
		Description: "Classify a conversation message and dispatch it to a target",
		InputSchema: map[string]string{
			"message":         "string",
			"conversation_id": "string",
		},
		OutputSchema: map[string]string{
			"target":     "string",
			"category":   "string",
			"confidence": "number",
			"output":     "object",
		},
		DefaultTimeout: 30 * time.Second,
		Branches:       true,
	}
}

// Register adds the routing node type to a catalog registry.
func Register(reg *catalog.Registry, router *Router) error {
	h := NewHandler(router)
	if err := reg.Register(NodeType(), func() catalog.NodeHandler { return h }); err != nil {
		return fmt.Errorf("register conversation.route: %w", err)
	}
	return nil
}
