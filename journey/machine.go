package journey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pathware/flowengine/expr"
	"github.com/pathware/flowengine/internal/cache"
	"github.com/pathware/flowengine/internal/metrics"
	"github.com/pathware/flowengine/types"
)

const stageCachePrefix = "journey:stage:"

// transition outcomes reported to metrics.
const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeConflict = "conflict"
)

// Machine applies stage transitions: reachability and entry criteria are
// checked against the template, then the stage pointer moves under the
// enrollment's version guard.
type Machine struct {
	store   *Store
	cache   *cache.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithCache attaches the stage-pointer cache. Without it every
// GetCurrentStage reads the database.
func WithCache(c *cache.Manager) MachineOption {
	return func(m *Machine) { m.cache = c }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(c *metrics.Collector) MachineOption {
	return func(m *Machine) { m.metrics = c }
}

// NewMachine builds a journey state machine over the store.
func NewMachine(store *Store, logger *zap.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		store:  store,
		logger: logger.With(zap.String("component", "journey")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enroll creates an enrollment at the template's first stage and logs the
// entry transition. The first stage's entry criteria are evaluated against
// the attributes like any other stage's.
func (m *Machine) Enroll(ctx context.Context, templateID string, attributes types.Payload, by string) (*Enrollment, error) {
	tmpl, err := m.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	first, ok := tmpl.First()
	if !ok {
		return nil, types.NewErrorf(types.ErrStageNotFound, "template %s has no stages", templateID)
	}
	if err := m.checkCriteria(first, attributes); err != nil {
		m.observe(templateID, outcomeRejected)
		return nil, err
	}

	now := time.Now().UTC()
	e := &Enrollment{
		ID:             uuid.NewString(),
		TemplateID:     templateID,
		CurrentStage:   first.Key,
		Status:         EnrollmentActive,
		StageEnteredAt: now,
		Version:        0,
		Attributes:     attributes.Clone(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateEnrollment(ctx, e); err != nil {
		return nil, err
	}
	if err := m.store.AppendTransition(ctx, &StageTransition{
		EnrollmentID:   e.ID,
		FromStage:      "",
		ToStage:        first.Key,
		TriggerReason:  "enrolled",
		TransitionedBy: by,
	}); err != nil {
		return nil, err
	}

	m.cacheStage(ctx, e.ID, first.Key)
	m.observe(templateID, outcomeApplied)
	m.logger.Info("enrolled",
		zap.String("enrollment_id", e.ID),
		zap.String("template_id", templateID),
		zap.String("stage", first.Key),
	)
	return e, nil
}

// Transition moves an enrollment to toStage. The move is rejected when the
// target is unknown, unreachable from the current stage, or its entry
// criteria evaluate false; a concurrent writer surfaces as
// CONCURRENCY_CONFLICT and the caller may re-read and retry.
func (m *Machine) Transition(ctx context.Context, enrollmentID, toStage, reason, by string) (*Enrollment, error) {
	e, err := m.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.store.GetTemplate(ctx, e.TemplateID)
	if err != nil {
		return nil, err
	}

	if e.Status != EnrollmentActive {
		m.observe(e.TemplateID, outcomeRejected)
		return nil, types.NewErrorf(types.ErrValidationRejected,
			"enrollment %s is %s and cannot transition", e.ID, e.Status)
	}
	current, ok := tmpl.Stage(e.CurrentStage)
	if !ok {
		return nil, types.NewErrorf(types.ErrStageNotFound,
			"enrollment %s points at unknown stage %q", e.ID, e.CurrentStage)
	}
	target, ok := tmpl.Stage(toStage)
	if !ok {
		m.observe(e.TemplateID, outcomeRejected)
		return nil, types.NewErrorf(types.ErrStageNotFound,
			"template %s has no stage %q", tmpl.ID, toStage)
	}
	if !tmpl.Reachable(current, toStage) {
		m.observe(e.TemplateID, outcomeRejected)
		return nil, types.NewErrorf(types.ErrValidationRejected,
			"stage %q is not reachable from %q", toStage, current.Key)
	}
	if err := m.checkCriteria(target, e.Attributes); err != nil {
		m.observe(e.TemplateID, outcomeRejected)
		return nil, err
	}

	status := EnrollmentActive
	if tmpl.Final(target) {
		status = EnrollmentCompleted
	}

	tr, err := m.store.ApplyTransition(ctx, e, toStage, status, reason, by)
	if err != nil {
		if types.HasCode(err, types.ErrConcurrencyConflict) {
			m.observe(e.TemplateID, outcomeConflict)
		}
		return nil, err
	}

	m.cacheStage(ctx, e.ID, toStage)
	m.observe(e.TemplateID, outcomeApplied)
	m.logger.Info("stage transition applied",
		zap.String("enrollment_id", e.ID),
		zap.String("from", tr.FromStage),
		zap.String("to", tr.ToStage),
		zap.String("reason", reason),
		zap.Int("version", e.Version),
	)
	return e, nil
}

// Withdraw closes an active enrollment without moving its stage pointer.
func (m *Machine) Withdraw(ctx context.Context, enrollmentID, reason, by string) (*Enrollment, error) {
	e, err := m.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != EnrollmentActive {
		return nil, types.NewErrorf(types.ErrValidationRejected,
			"enrollment %s is %s and cannot be withdrawn", e.ID, e.Status)
	}
	if _, err := m.store.ApplyTransition(ctx, e, e.CurrentStage, EnrollmentWithdrawn, reason, by); err != nil {
		if types.HasCode(err, types.ErrConcurrencyConflict) {
			m.observe(e.TemplateID, outcomeConflict)
		}
		return nil, err
	}
	m.logger.Info("enrollment withdrawn", zap.String("enrollment_id", e.ID), zap.String("reason", reason))
	return e, nil
}

// GetCurrentStage returns the enrollment's stage pointer, served from the
// cache when possible. A cache miss falls back to the database and
// repopulates the cache.
func (m *Machine) GetCurrentStage(ctx context.Context, enrollmentID string) (string, error) {
	if m.cache != nil {
		var stage string
		err := m.cache.Get(ctx, stageCachePrefix+enrollmentID, &stage)
		if err == nil {
			return stage, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.Warn("stage cache read failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
		}
	}

	e, err := m.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return "", err
	}
	m.cacheStage(ctx, enrollmentID, e.CurrentStage)
	return e.CurrentStage, nil
}

// History returns the enrollment's transition log, oldest first.
func (m *Machine) History(ctx context.Context, enrollmentID string) ([]*StageTransition, error) {
	if _, err := m.store.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(ctx, enrollmentID)
}

func (m *Machine) checkCriteria(stage *Stage, attributes types.Payload) error {
	if stage.EntryCriteria == "" {
		return nil
	}
	ok, err := expr.Eval(stage.EntryCriteria, attributes)
	if err != nil {
		return types.NewErrorf(types.ErrValidationRejected,
			"entry criteria for stage %q failed to evaluate", stage.Key).WithCause(err)
	}
	if !ok {
		return types.NewErrorf(types.ErrValidationRejected,
			"entry criteria for stage %q not met", stage.Key)
	}
	return nil
}

// cacheStage best-effort updates the stage pointer cache.
func (m *Machine) cacheStage(ctx context.Context, enrollmentID, stage string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, stageCachePrefix+enrollmentID, stage); err != nil {
		m.logger.Warn("stage cache write failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
	}
}

func (m *Machine) observe(templateID, outcome string) {
	if m.metrics != nil {
		m.metrics.ObserveTransition(templateID, outcome)
	}
}
