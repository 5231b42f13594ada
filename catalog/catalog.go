// Package catalog holds the node type registry: immutable type descriptors,
// handler factories keyed by type key, and the dispatch path the execution
// engine calls for every node invocation.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathware/flowengine/types"
)

// Category classifies what a node type does.
type Category string

const (
	CategoryModelCall   Category = "model-call"
	CategoryAPICall     Category = "api-call"
	CategoryStorage     Category = "storage"
	CategoryConditional Category = "conditional"
	CategoryRetrieval   Category = "retrieval"
)

// NodeType is an immutable descriptor for a registered node type.
// Descriptors are created at catalog seeding and never mutated during
// execution.
type NodeType struct {
	// TypeKey uniquely identifies the type across the catalog.
	TypeKey string
	// Category classifies the type.
	Category Category
	// Description is shown by authoring tools.
	Description string
	// InputSchema maps expected input fields to type hints.
	InputSchema map[string]string
	// OutputSchema maps produced output fields to type hints.
	OutputSchema map[string]string
	// DefaultConfig is merged under a node instance's bound config.
	DefaultConfig types.Payload
	// DefaultTimeout applies when the node instance leaves its timeout
	// unset. Zero falls through to the engine default.
	DefaultTimeout time.Duration
	// Capability flags.
	CallsModel       bool
	CallsExternalAPI bool
	Branches         bool
}

// NodeHandler executes node invocations of one type.
// Validate is invocable standalone so authoring tools can pre-flight
// configurations before a definition is ever run.
type NodeHandler interface {
	// Validate checks a bound configuration.
	Validate(config types.Payload) error
	// Execute runs one invocation. The context carries the node deadline;
	// handlers must honor cancellation at I/O boundaries.
	Execute(ctx context.Context, input, config types.Payload) (types.Payload, error)
}

// HandlerFactory builds a handler instance for dispatch.
type HandlerFactory func() NodeHandler

// SecretResolver resolves secret references found in node configuration
// at dispatch time. Resolved values are handed to the handler only and
// never persisted in trace output.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// secretPrefix marks a config value as a secret reference.
const secretPrefix = "$secret:"

// Registry maps type keys to descriptors and handler factories.
type Registry struct {
	mu        sync.RWMutex
	descr     map[string]*NodeType
	factories map[string]HandlerFactory
	secrets   SecretResolver
	logger    *zap.Logger
}

// NewRegistry creates an empty registry. secrets may be nil when no node
// configuration references secrets.
func NewRegistry(secrets SecretResolver, logger *zap.Logger) *Registry {
	return &Registry{
		descr:     make(map[string]*NodeType),
		factories: make(map[string]HandlerFactory),
		secrets:   secrets,
		logger:    logger.With(zap.String("component", "catalog")),
	}
}

// Register adds a type descriptor and its handler factory.
func (r *Registry) Register(nt *NodeType, factory HandlerFactory) error {
	if nt == nil || nt.TypeKey == "" {
		return fmt.Errorf("node type must have a type key")
	}
	if factory == nil {
		return fmt.Errorf("node type %s registered without a handler factory", nt.TypeKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descr[nt.TypeKey]; exists {
		return fmt.Errorf("node type %s already registered", nt.TypeKey)
	}
	r.descr[nt.TypeKey] = nt
	r.factories[nt.TypeKey] = factory
	r.logger.Debug("node type registered",
		zap.String("type_key", nt.TypeKey),
		zap.String("category", string(nt.Category)),
	)
	return nil
}

// Type returns the descriptor for a type key.
func (r *Registry) Type(typeKey string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.descr[typeKey]
	return nt, ok
}

// Known reports whether a type key is registered.
func (r *Registry) Known(typeKey string) bool {
	_, ok := r.Type(typeKey)
	return ok
}

// Validate pre-flights a configuration against the type's handler.
// An unknown type key is a fatal configuration error.
func (r *Registry) Validate(typeKey string, config types.Payload) error {
	factory, nt, err := r.lookup(typeKey)
	if err != nil {
		return err
	}
	return factory().Validate(r.effectiveConfig(nt, config))
}

// Dispatch invokes the handler bound to typeKey. The node's default config
// is merged under the bound config, and secret references are resolved
// just before the handler runs.
func (r *Registry) Dispatch(ctx context.Context, typeKey string, config, input types.Payload) (types.Payload, error) {
	factory, nt, err := r.lookup(typeKey)
	if err != nil {
		return nil, err
	}
	effective, err := r.resolveSecrets(ctx, r.effectiveConfig(nt, config))
	if err != nil {
		return nil, types.NewErrorf(types.ErrNodeFatal, "resolve secrets for %s", typeKey).WithCause(err)
	}
	return factory().Execute(ctx, input, effective)
}

func (r *Registry) lookup(typeKey string) (HandlerFactory, *NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[typeKey]
	if !ok {
		return nil, nil, types.NewErrorf(types.ErrUnknownNodeType, "unknown node type %q", typeKey)
	}
	return factory, r.descr[typeKey], nil
}

// effectiveConfig merges the descriptor's default config under the bound
// config without mutating either.
func (r *Registry) effectiveConfig(nt *NodeType, config types.Payload) types.Payload {
	if nt == nil || len(nt.DefaultConfig) == 0 {
		return config
	}
	return nt.DefaultConfig.Clone().Merge(config)
}

// resolveSecrets replaces $secret:NAME string values with the resolved
// secret. The returned payload is a copy; the original config (which is
// what gets persisted in traces) keeps the unresolved reference.
func (r *Registry) resolveSecrets(ctx context.Context, config types.Payload) (types.Payload, error) {
	var resolved types.Payload
	for k, v := range config {
		ref, ok := v.(string)
		if !ok || !strings.HasPrefix(ref, secretPrefix) {
			continue
		}
		if r.secrets == nil {
			return nil, fmt.Errorf("config key %s references a secret but no resolver is configured", k)
		}
		name := strings.TrimPrefix(ref, secretPrefix)
		value, err := r.secrets.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %s: %w", name, err)
		}
		if resolved == nil {
			resolved = config.Clone()
		}
		resolved[k] = value
	}
	if resolved == nil {
		return config, nil
	}
	return resolved, nil
}

// TypeKeys returns all registered type keys, for diagnostics.
func (r *Registry) TypeKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.descr))
	for k := range r.descr {
		keys = append(keys, k)
	}
	return keys
}
