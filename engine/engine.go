package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pathware/flowengine/catalog"
	"github.com/pathware/flowengine/config"
	"github.com/pathware/flowengine/expr"
	"github.com/pathware/flowengine/internal/metrics"
	"github.com/pathware/flowengine/types"
	"github.com/pathware/flowengine/workflow"
)

// inputKey is where the run-level input payload appears in every node's
// assembled input. Upstream outputs appear under their source node id.
const inputKey = "input"

// CompletionListener is notified after a run reaches a terminal status.
// Listeners run synchronously on the run's goroutine, in registration order.
type CompletionListener func(ctx context.Context, run *Run, steps []*StepExecution)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithRetryPolicy overrides the backoff policy derived from configuration.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithCompletionListener registers a terminal-status listener.
func WithCompletionListener(l CompletionListener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// Engine schedules resolved plans wave by wave. Nodes within a wave run
// concurrently, bounded by MaxWorkers; a wave never starts before the
// previous wave has fully settled.
type Engine struct {
	cfg      config.EngineConfig
	registry *catalog.Registry
	store    RunStore
	policy   RetryPolicy
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	listeners []CompletionListener

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New builds an engine over a catalog registry and a run store.
func New(cfg config.EngineConfig, registry *catalog.Registry, store RunStore, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		policy:   policyFromConfig(cfg),
		logger:   logger.With(zap.String("component", "engine")),
		tracer:   otel.Tracer("flowengine/engine"),
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates and resolves the definition, persists a running run
// record, and executes it on a background goroutine. The returned run id is
// usable with GetStatus, Wait, and Cancel immediately.
func (e *Engine) Start(ctx context.Context, def *workflow.Definition, input types.Payload, triggeredBy string) (string, error) {
	plan, run, err := e.begin(ctx, def, input, triggeredBy)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.active[run.RunID] = cancel
	e.mu.Unlock()

	go e.executeRun(runCtx, plan, run)
	return run.RunID, nil
}

// Execute runs the definition synchronously and returns the final report.
// Cancellation follows the caller's context.
func (e *Engine) Execute(ctx context.Context, def *workflow.Definition, input types.Payload, triggeredBy string) (*StatusReport, error) {
	plan, run, err := e.begin(ctx, def, input, triggeredBy)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[run.RunID] = cancel
	e.mu.Unlock()

	e.executeRun(runCtx, plan, run)
	return e.GetStatus(ctx, run.RunID)
}

// begin validates, resolves, and persists the initial run record.
func (e *Engine) begin(ctx context.Context, def *workflow.Definition, input types.Payload, triggeredBy string) (*workflow.ExecutionPlan, *Run, error) {
	if err := def.Validate(e.registry); err != nil {
		return nil, nil, err
	}
	plan, err := workflow.Resolve(def)
	if err != nil {
		return nil, nil, err
	}

	run := &Run{
		RunID:             uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            RunRunning,
		TriggeredBy:       triggeredBy,
		Input:             input.Clone(),
		StartedAt:         time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create run record: %w", err)
	}

	e.logger.Info("run started",
		zap.String("run_id", run.RunID),
		zap.String("definition", workflow.Ref{ID: def.ID, Version: def.Version}.String()),
		zap.Int("waves", len(plan.Waves)),
		zap.Int("nodes", plan.NodeCount()),
	)
	return plan, run, nil
}

// GetStatus returns the run and all of its step executions. Calling it
// repeatedly on a terminal run always returns the same report.
func (e *Engine) GetStatus(ctx context.Context, runID string) (*StatusReport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &StatusReport{Run: run, Steps: steps}, nil
}

// Wait blocks until the run reaches a terminal status or the context ends.
func (e *Engine) Wait(ctx context.Context, runID string) (*StatusReport, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		report, err := e.GetStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if report.Run.Status.Terminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel stops an in-flight run owned by this engine. Nodes already running
// are interrupted through their contexts; unstarted nodes are skipped and
// the run lands on cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return types.NewErrorf(types.ErrNotCancellable, "run %s already %s", runID, run.Status)
	}
	return types.NewErrorf(types.ErrNotCancellable, "run %s is not owned by this engine", runID)
}

// ---------------------------------------------------------------------------
// Run execution
// ---------------------------------------------------------------------------

// runState tracks per-node outcomes while a run executes. Waves settle
// completely before the next wave gates, so reads about earlier waves are
// stable; the mutex covers concurrent writers within one wave.
type runState struct {
	mu        sync.Mutex
	status    map[string]StepStatus
	outputs   map[string]types.Payload
	critical  bool
	succeeded int
	failed    int
}

func newRunState(n int) *runState {
	return &runState{
		status:  make(map[string]StepStatus, n),
		outputs: make(map[string]types.Payload, n),
	}
}

func (s *runState) settle(nodeID string, status StepStatus, output types.Payload, criticalFailure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[nodeID] = status
	if output != nil {
		s.outputs[nodeID] = output
	}
	switch status {
	case StepSucceeded:
		s.succeeded++
	case StepFailed:
		s.failed++
		if criticalFailure {
			s.critical = true
		}
	}
}

func (s *runState) snapshot(nodeID string) (StepStatus, types.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[nodeID], s.outputs[nodeID]
}

func (s *runState) criticalFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical
}

func (e *Engine) executeRun(ctx context.Context, plan *workflow.ExecutionPlan, run *Run) {
	defer func() {
		e.mu.Lock()
		cancel, ok := e.active[run.RunID]
		delete(e.active, run.RunID)
		e.mu.Unlock()
		if ok {
			cancel()
		}
	}()

	runCtx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("definition.id", run.DefinitionID),
			attribute.Int("definition.version", run.DefinitionVersion),
		))
	defer span.End()

	state := newRunState(plan.NodeCount())
	def := plan.Definition

	for _, wave := range plan.Waves {
		if runCtx.Err() != nil || state.criticalFailed() {
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(e.cfg.MaxWorkers)
		for _, nodeID := range wave {
			node, _ := def.Node(nodeID)
			if reason, skip := e.gate(def, node, state); skip {
				e.recordSkip(runCtx, run.RunID, node, state, reason)
				continue
			}
			input := e.assembleInput(def, node, run, state)
			g.Go(func() error {
				e.runNode(runCtx, run, node, input, state)
				return nil
			})
		}
		_ = g.Wait()
	}

	// Nodes never gated (later waves after a critical failure or cancel)
	// get a skipped trace record so every node of the plan is accounted
	// for. The reason is derived per node: a node whose own predecessor
	// failed is distinguished from one the run simply never reached.
	cancelled := runCtx.Err() != nil
	for _, wave := range plan.Waves {
		for _, nodeID := range wave {
			if status, _ := state.snapshot(nodeID); status != "" {
				continue
			}
			node, _ := def.Node(nodeID)
			reason := "run failed before node was dispatched"
			switch {
			case cancelled:
				reason = "run cancelled"
			case upstreamFailed(def, node, state):
				reason = "upstream node failed"
			}
			e.recordSkip(runCtx, run.RunID, node, state, reason)
		}
	}

	e.finishRun(runCtx, run, state)
}

// upstreamFailed reports whether any direct predecessor settled failed.
func upstreamFailed(def *workflow.Definition, node *workflow.NodeInstance, state *runState) bool {
	for _, edge := range def.InboundEdges(node.NodeID) {
		if status, _ := state.snapshot(edge.Source); status == StepFailed {
			return true
		}
	}
	return false
}

// gate decides whether a node runs or is skipped, based on settled upstream
// state. An edge is live when its source succeeded and its condition (if
// any) evaluates true against the source output.
func (e *Engine) gate(def *workflow.Definition, node *workflow.NodeInstance, state *runState) (string, bool) {
	inbound := def.InboundEdges(node.NodeID)
	if len(inbound) == 0 {
		return "", false
	}

	live := 0
	for _, edge := range inbound {
		status, output := state.snapshot(edge.Source)
		if status != StepSucceeded {
			continue
		}
		if edge.Condition != "" {
			ok, err := expr.Eval(edge.Condition, output)
			if err != nil {
				e.logger.Warn("edge condition failed to evaluate",
					zap.String("source", edge.Source),
					zap.String("target", edge.Target),
					zap.String("condition", edge.Condition),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		live++
	}

	if live == 0 {
		return "no live inbound edges", true
	}
	if node.AllInputsRequired && live < len(inbound) {
		return "required inputs missing", true
	}
	return "", false
}

// assembleInput merges the run input with the outputs of live upstream
// edges. The run input sits under "input"; each upstream output sits under
// its source node id.
func (e *Engine) assembleInput(def *workflow.Definition, node *workflow.NodeInstance, run *Run, state *runState) types.Payload {
	input := types.Payload{inputKey: map[string]any(run.Input.Clone())}
	for _, edge := range def.InboundEdges(node.NodeID) {
		status, output := state.snapshot(edge.Source)
		if status != StepSucceeded || output == nil {
			continue
		}
		if edge.Condition != "" {
			if ok, err := expr.Eval(edge.Condition, output); err != nil || !ok {
				continue
			}
		}
		input[edge.Source] = map[string]any(output.Clone())
	}
	return input
}

func (e *Engine) recordSkip(ctx context.Context, runID string, node *workflow.NodeInstance, state *runState, reason string) {
	now := time.Now().UTC()
	step := &StepExecution{
		RunID:       runID,
		NodeID:      node.NodeID,
		TypeKey:     node.TypeKey,
		Status:      StepSkipped,
		Error:       reason,
		StartedAt:   now,
		CompletedAt: &now,
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		e.logger.Error("persist skipped step", zap.String("run_id", runID), zap.String("node_id", node.NodeID), zap.Error(err))
	}
	state.settle(node.NodeID, StepSkipped, nil, false)
	if e.metrics != nil {
		e.metrics.ObserveStep(node.TypeKey, string(StepSkipped), 0)
	}
	e.logger.Debug("node skipped",
		zap.String("run_id", runID),
		zap.String("node_id", node.NodeID),
		zap.String("reason", reason),
	)
}

// runNode drives one node through its attempt loop. One StepExecution row
// is reused across attempts: AttemptCount climbs and the status passes
// through retrying between attempts.
func (e *Engine) runNode(ctx context.Context, run *Run, node *workflow.NodeInstance, input types.Payload, state *runState) {
	nodeCtx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("node.id", node.NodeID),
			attribute.String("node.type", node.TypeKey),
		))
	defer span.End()

	retries := node.Retries(e.cfg.DefaultRetryAttempts)
	timeout := e.nodeTimeout(node)

	step := &StepExecution{
		RunID:     run.RunID,
		NodeID:    node.NodeID,
		TypeKey:   node.TypeKey,
		Status:    StepRunning,
		Input:     input.Clone(),
		StartedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		step.AttemptCount = attempt
		step.Status = StepRunning
		if err := e.store.SaveStep(nodeCtx, step); err != nil {
			e.logger.Error("persist step", zap.String("run_id", run.RunID), zap.String("node_id", node.NodeID), zap.Error(err))
		}

		output, err := e.invoke(nodeCtx, node, input, timeout)
		if err == nil {
			e.settleStep(nodeCtx, run, node, step, StepSucceeded, output, nil, state)
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			// The run was cancelled, not the attempt deadline.
			e.settleStep(nodeCtx, run, node, step, StepSkipped, nil, fmt.Errorf("run cancelled"), state)
			return
		}

		retryable := types.IsRetryable(err) || types.HasCode(err, types.ErrNodeTimeout)
		if !retryable || attempt > retries {
			break
		}

		step.Status = StepRetrying
		step.Error = err.Error()
		if err := e.store.SaveStep(nodeCtx, step); err != nil {
			e.logger.Error("persist step", zap.String("run_id", run.RunID), zap.String("node_id", node.NodeID), zap.Error(err))
		}
		if e.metrics != nil {
			e.metrics.ObserveRetry(node.TypeKey)
		}
		delay := e.policy.Delay(attempt)
		e.logger.Warn("node attempt failed, retrying",
			zap.String("run_id", run.RunID),
			zap.String("node_id", node.NodeID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			e.settleStep(nodeCtx, run, node, step, StepSkipped, nil, fmt.Errorf("run cancelled"), state)
			return
		}
	}

	e.settleStep(nodeCtx, run, node, step, StepFailed, nil, lastErr, state)
}

// invoke dispatches one attempt through the catalog with the per-attempt
// timeout and panic recovery. A panicking handler surfaces as a fatal,
// non-retryable step error instead of tearing the run down.
func (e *Engine) invoke(ctx context.Context, node *workflow.NodeInstance, input types.Payload, timeout time.Duration) (output types.Payload, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = types.NewErrorf(types.ErrNodeFatal, "handler panic: %v", r).WithNode(node.NodeID)
		}
	}()
	return e.registry.Dispatch(attemptCtx, node.TypeKey, node.Config, input)
}

func (e *Engine) nodeTimeout(node *workflow.NodeInstance) time.Duration {
	if t := node.Timeout(); t > 0 {
		return t
	}
	if nt, ok := e.registry.Type(node.TypeKey); ok && nt.DefaultTimeout > 0 {
		return nt.DefaultTimeout
	}
	return e.cfg.DefaultNodeTimeout
}

func (e *Engine) settleStep(ctx context.Context, run *Run, node *workflow.NodeInstance, step *StepExecution, status StepStatus, output types.Payload, cause error, state *runState) {
	now := time.Now().UTC()
	step.Status = status
	step.Output = output
	step.CompletedAt = &now
	step.Duration = now.Sub(step.StartedAt)
	if cause != nil {
		step.Error = types.NewErrorf(types.ErrStepFailed, "node %s failed", node.NodeID).
			WithNode(node.NodeID).
			WithAttempts(step.AttemptCount).
			WithCause(cause).Error()
		if status == StepSkipped {
			step.Error = cause.Error()
		}
	} else {
		step.Error = ""
	}
	if err := e.store.SaveStep(ctx, step); err != nil {
		e.logger.Error("persist step", zap.String("run_id", run.RunID), zap.String("node_id", node.NodeID), zap.Error(err))
	}

	state.settle(node.NodeID, status, output, status == StepFailed && !node.NonCritical)
	if e.metrics != nil {
		e.metrics.ObserveStep(node.TypeKey, string(status), step.Duration)
	}

	switch status {
	case StepSucceeded:
		e.logger.Debug("node succeeded",
			zap.String("run_id", run.RunID),
			zap.String("node_id", node.NodeID),
			zap.Int("attempts", step.AttemptCount),
			zap.Duration("duration", step.Duration),
		)
	case StepFailed:
		e.logger.Error("node failed",
			zap.String("run_id", run.RunID),
			zap.String("node_id", node.NodeID),
			zap.Bool("critical", !node.NonCritical),
			zap.Int("attempts", step.AttemptCount),
			zap.String("error", step.Error),
		)
	}
}

func (e *Engine) finishRun(ctx context.Context, run *Run, state *runState) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.NodesSucceeded = state.succeeded
	run.NodesFailed = state.failed

	switch {
	case ctx.Err() != nil:
		run.Status = RunCancelled
	case state.criticalFailed():
		run.Status = RunFailed
	default:
		run.Status = RunSucceeded
	}

	// Persist and notify even when the run context was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if err := e.store.UpdateRun(finishCtx, run); err != nil {
		e.logger.Error("persist run", zap.String("run_id", run.RunID), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(run.DefinitionID, string(run.Status), run.Duration())
	}

	e.logger.Info("run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", run.NodesSucceeded),
		zap.Int("failed", run.NodesFailed),
		zap.Duration("duration", run.Duration()),
	)

	if len(e.listeners) > 0 {
		steps, err := e.store.ListSteps(finishCtx, run.RunID)
		if err != nil {
			e.logger.Error("load steps for listeners", zap.String("run_id", run.RunID), zap.Error(err))
			return
		}
		for _, l := range e.listeners {
			l(finishCtx, cloneRun(run), steps)
		}
	}
}
