package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pathware/flowengine/internal/cache"
	"github.com/pathware/flowengine/types"
)

// StorageHandler reads and writes keyed values in the shared cache layer.
//
// Config: operation (get|set|delete, required), key_template (required).
// For set, the stored value is input["value"] when present, otherwise the
// whole input payload.
type StorageHandler struct {
	store  *cache.Manager
	logger *zap.Logger
}

// NewStorageHandler builds the handler around the cache manager.
func NewStorageHandler(store *cache.Manager, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{
		store:  store,
		logger: logger.With(zap.String("handler", "storage.op")),
	}
}

// Validate implements NodeHandler.
func (h *StorageHandler) Validate(config types.Payload) error {
	op, err := configString(config, "operation")
	if err != nil {
		return err
	}
	switch op {
	case "get", "set", "delete":
	default:
		return fmt.Errorf("operation must be get, set, or delete, got %q", op)
	}
	if _, err := configString(config, "key_template"); err != nil {
		return err
	}
	return nil
}

// Execute implements NodeHandler.
func (h *StorageHandler) Execute(ctx context.Context, input, config types.Payload) (types.Payload, error) {
	if h.store == nil {
		return nil, types.NewError(types.ErrNodeFatal, "storage backend not configured")
	}
	op, err := configString(config, "operation")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	keyTmpl, err := configString(config, "key_template")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	key := renderTemplate(keyTmpl, input)

	switch op {
	case "get":
		var value any
		err := h.store.Get(ctx, key, &value)
		if errors.Is(err, cache.ErrNotFound) {
			return types.Payload{"key": key, "found": false}, nil
		}
		if err != nil {
			return nil, types.NewError(types.ErrNodeTransient, "storage read failed").WithCause(err).WithRetryable(true)
		}
		return types.Payload{"key": key, "found": true, "value": value}, nil

	case "set":
		value, ok := input["value"]
		if !ok {
			value = map[string]any(input)
		}
		if err := h.store.Set(ctx, key, value); err != nil {
			return nil, types.NewError(types.ErrNodeTransient, "storage write failed").WithCause(err).WithRetryable(true)
		}
		h.logger.Debug("storage write", zap.String("key", key))
		return types.Payload{"key": key, "stored": true}, nil

	case "delete":
		if err := h.store.Delete(ctx, key); err != nil {
			return nil, types.NewError(types.ErrNodeTransient, "storage delete failed").WithCause(err).WithRetryable(true)
		}
		return types.Payload{"key": key, "deleted": true}, nil
	}
	return nil, types.NewErrorf(types.ErrNodeFatal, "unknown storage operation %q", op)
}

// StorageType returns the catalog descriptor for storage nodes.
func StorageType() *NodeType {
	return &NodeType{
		TypeKey:     "storage.op",
		Category:    CategoryStorage,
		Description: "Reads or writes a keyed value in the storage layer",
		InputSchema: map[string]string{"value": "any (stored on set)"},
		OutputSchema: map[string]string{
			"key":   "string",
			"value": "any (returned on get)",
		},
	}
}
