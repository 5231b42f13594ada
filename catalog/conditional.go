package catalog

import (
	"context"

	"github.com/pathware/flowengine/expr"
	"github.com/pathware/flowengine/types"
)

// ConditionalHandler evaluates a boolean expression over the node input.
//
// Config: expression (required). Output: result.
type ConditionalHandler struct{}

// NewConditionalHandler builds the handler.
func NewConditionalHandler() *ConditionalHandler {
	return &ConditionalHandler{}
}

// Validate implements NodeHandler. The expression is parsed against an
// empty scope so syntax errors surface at authoring time.
func (h *ConditionalHandler) Validate(config types.Payload) error {
	expression, err := configString(config, "expression")
	if err != nil {
		return err
	}
	_, err = expr.Eval(expression, map[string]any{})
	return err
}

// Execute implements NodeHandler.
func (h *ConditionalHandler) Execute(ctx context.Context, input, config types.Payload) (types.Payload, error) {
	expression, err := configString(config, "expression")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	result, err := expr.Eval(expression, input)
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, "evaluate expression").WithCause(err)
	}
	return types.Payload{"result": result}, nil
}

// ConditionalType returns the catalog descriptor for conditional nodes.
func ConditionalType() *NodeType {
	return &NodeType{
		TypeKey:      "condition.eval",
		Category:     CategoryConditional,
		Description:  "Evaluates a boolean expression over the node input",
		InputSchema:  map[string]string{"*": "fields referenced by the expression"},
		OutputSchema: map[string]string{"result": "bool"},
		Branches:     true,
	}
}
