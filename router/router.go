// Package router classifies conversation messages into intents and
// dispatches them to registered targets through a priority-ordered
// routing table.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pathware/flowengine/expr"
	"github.com/pathware/flowengine/types"
)

// Message is one inbound conversation turn.
type Message struct {
	ConversationID string
	Text           string
	Metadata       types.Payload
}

// Intent is the classification result for a message.
type Intent struct {
	// Category is the classified intent label.
	Category string
	// Confidence is the classifier's score in [0, 1].
	Confidence float64
	// Entities holds extracted named values (order ids, emails, amounts).
	Entities map[string]string
}

// Classifier turns a message into an intent.
type Classifier interface {
	Classify(ctx context.Context, msg *Message) (*Intent, error)
}

// Target handles messages routed to it.
type Target interface {
	// Name identifies the target in routing tables and responses.
	Name() string
	// Handle processes the message. Confidence on the response lets the
	// highest-confidence merge strategy pick between parallel targets.
	Handle(ctx context.Context, msg *Message, intent *Intent) (*Response, error)
}

// Response is one target's answer.
type Response struct {
	Target     string
	Output     types.Payload
	Confidence float64
}

// Route is one row of the routing table.
type Route struct {
	// Name labels the route in logs.
	Name string
	// Priority orders evaluation, ascending. Lower numbers match first.
	Priority int
	// Condition is an expression over the intent: category, confidence,
	// and entities.* are in scope. Empty matches every intent.
	Condition string
	// Targets are fanned out to concurrently when the route matches.
	Targets []string
	// Merge combines the fan-out responses. Defaults to first-success.
	Merge MergeStrategy
}

// Router owns the classifier, the routing table, and the target registry.
type Router struct {
	classifier Classifier
	logger     *zap.Logger

	mu            sync.RWMutex
	routes        []Route
	targets       map[string]Target
	defaultTarget string
}

// New builds a router around a classifier.
func New(classifier Classifier, logger *zap.Logger) *Router {
	return &Router{
		classifier: classifier,
		logger:     logger.With(zap.String("component", "router")),
		targets:    make(map[string]Target),
	}
}

// RegisterTarget adds a named target.
func (r *Router) RegisterTarget(t Target) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("target must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[t.Name()]; exists {
		return fmt.Errorf("target %s already registered", t.Name())
	}
	r.targets[t.Name()] = t
	return nil
}

// SetDefaultTarget names the fallback target used when no route matches or
// every matching route fails.
func (r *Router) SetDefaultTarget(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[name]; !ok {
		return fmt.Errorf("default target %s is not registered", name)
	}
	r.defaultTarget = name
	return nil
}

// AddRoute appends a route. Routes referencing unregistered targets are
// rejected so the table can never dispatch into a hole.
func (r *Router) AddRoute(route Route) error {
	if len(route.Targets) == 0 {
		return fmt.Errorf("route %s has no targets", route.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range route.Targets {
		if _, ok := r.targets[name]; !ok {
			return fmt.Errorf("route %s references unregistered target %s", route.Name, name)
		}
	}
	r.routes = append(r.routes, route)
	sort.SliceStable(r.routes, func(i, j int) bool { return r.routes[i].Priority < r.routes[j].Priority })
	return nil
}

// Dispatch classifies the message and routes it. Matching routes are tried
// in priority order: when every target of a route fails, the next matching
// route gets its turn. When no route produces a response the default
// target handles the message directly.
func (r *Router) Dispatch(ctx context.Context, msg *Message) (*Response, *Intent, error) {
	intent, err := r.classifier.Classify(ctx, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("classify message: %w", err)
	}
	r.logger.Debug("message classified",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("category", intent.Category),
		zap.Float64("confidence", intent.Confidence),
	)

	r.mu.RLock()
	routes := append([]Route(nil), r.routes...)
	defaultTarget := r.defaultTarget
	r.mu.RUnlock()

	vars := intentVars(intent)
	var lastErr error
	for _, route := range routes {
		if route.Condition != "" {
			ok, err := expr.Eval(route.Condition, vars)
			if err != nil {
				r.logger.Warn("route condition failed to evaluate",
					zap.String("route", route.Name), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		resp, err := r.fanOut(ctx, route, msg, intent)
		if err != nil {
			lastErr = err
			r.logger.Warn("route exhausted, trying next priority",
				zap.String("route", route.Name), zap.Error(err))
			continue
		}
		return resp, intent, nil
	}

	if defaultTarget != "" {
		r.mu.RLock()
		target := r.targets[defaultTarget]
		r.mu.RUnlock()
		resp, err := target.Handle(ctx, msg, intent)
		if err != nil {
			return nil, intent, fmt.Errorf("default target %s: %w", defaultTarget, err)
		}
		return resp, intent, nil
	}

	if lastErr != nil {
		return nil, intent, fmt.Errorf("all matching routes failed: %w", lastErr)
	}
	return nil, intent, fmt.Errorf("no route matches intent %q and no default target is set", intent.Category)
}

// fanOut runs all of a route's targets concurrently and merges the
// responses. Individual target failures are tolerated as long as at least
// one target responds; the merge sees successes only.
func (r *Router) fanOut(ctx context.Context, route Route, msg *Message, intent *Intent) (*Response, error) {
	r.mu.RLock()
	targets := make([]Target, len(route.Targets))
	for i, name := range route.Targets {
		targets[i] = r.targets[name]
	}
	r.mu.RUnlock()

	responses := make([]*Response, len(targets))
	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			resp, err := target.Handle(gctx, msg, intent)
			if err != nil {
				errs[i] = fmt.Errorf("target %s: %w", target.Name(), err)
				return nil
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	succeeded := make([]*Response, 0, len(responses))
	for _, resp := range responses {
		if resp != nil {
			succeeded = append(succeeded, resp)
		}
	}
	if len(succeeded) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("route %s produced no responses", route.Name)
	}
	return Merge(route.Merge, succeeded)
}

// intentVars exposes the intent to route condition expressions.
func intentVars(intent *Intent) map[string]any {
	entities := make(map[string]any, len(intent.Entities))
	for k, v := range intent.Entities {
		entities[k] = v
	}
	return map[string]any{
		"category":   intent.Category,
		"confidence": intent.Confidence,
		"entities":   entities,
	}
}
