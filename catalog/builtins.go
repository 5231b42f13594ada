package catalog

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/pathware/flowengine/internal/cache"
)

// BuiltinDeps carries the external collaborators the builtin handlers need.
// Nil fields leave the corresponding handler registered but failing fast
// with a configuration error at dispatch.
type BuiltinDeps struct {
	Model     ModelClient
	HTTP      *http.Client
	Store     *cache.Manager
	Retriever Retriever
	// APIRateRPS bounds outbound api.call requests. Zero disables limiting.
	APIRateRPS float64
}

// RegisterBuiltins seeds the registry with the standard node types.
func RegisterBuiltins(r *Registry, deps BuiltinDeps, logger *zap.Logger) error {
	modelHandler := NewModelCallHandler(deps.Model, logger)
	apiHandler := NewAPICallHandler(deps.HTTP, deps.APIRateRPS, logger)
	storageHandler := NewStorageHandler(deps.Store, logger)
	conditionalHandler := NewConditionalHandler()
	retrievalHandler := NewRetrievalHandler(deps.Retriever, logger)

	entries := []struct {
		nt      *NodeType
		factory HandlerFactory
	}{
		{ModelCallType(), func() NodeHandler { return modelHandler }},
		{APICallType(), func() NodeHandler { return apiHandler }},
		{StorageType(), func() NodeHandler { return storageHandler }},
		{ConditionalType(), func() NodeHandler { return conditionalHandler }},
		{RetrievalType(), func() NodeHandler { return retrievalHandler }},
	}
	for _, e := range entries {
		if err := r.Register(e.nt, e.factory); err != nil {
			return fmt.Errorf("register %s: %w", e.nt.TypeKey, err)
		}
	}
	return nil
}

// EnvSecretResolver resolves secret names from environment variables.
type EnvSecretResolver struct{}

// Resolve implements SecretResolver.
func (EnvSecretResolver) Resolve(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return v, nil
}

// StaticSecretResolver resolves secrets from a fixed map. Used in tests and
// embedded deployments.
type StaticSecretResolver map[string]string

// Resolve implements SecretResolver.
func (s StaticSecretResolver) Resolve(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return v, nil
}
