package journey

import (
	"context"

	"go.uber.org/zap"

	"github.com/pathware/flowengine/engine"
)

// Run input keys read by the completion hook.
const (
	hookEnrollmentKey = "enrollment_id"
	hookAdvanceKey    = "advance_to"
)

// NewRunCompletionHook returns an engine completion listener that advances
// an enrollment when a workflow run succeeds. Runs opt in by carrying
// enrollment_id and advance_to in their input; runs without those keys are
// ignored. Failed and cancelled runs never advance anything.
func NewRunCompletionHook(m *Machine, logger *zap.Logger) engine.CompletionListener {
	logger = logger.With(zap.String("component", "journey_hook"))
	return func(ctx context.Context, run *engine.Run, _ []*engine.StepExecution) {
		if run.Status != engine.RunSucceeded {
			return
		}
		enrollmentID, ok := run.Input[hookEnrollmentKey].(string)
		if !ok || enrollmentID == "" {
			return
		}
		toStage, ok := run.Input[hookAdvanceKey].(string)
		if !ok || toStage == "" {
			return
		}

		if _, err := m.Transition(ctx, enrollmentID, toStage, "workflow:"+run.DefinitionID, "engine"); err != nil {
			logger.Warn("stage advance after run completion rejected",
				zap.String("run_id", run.RunID),
				zap.String("enrollment_id", enrollmentID),
				zap.String("to_stage", toStage),
				zap.Error(err),
			)
			return
		}
		logger.Info("stage advanced after run completion",
			zap.String("run_id", run.RunID),
			zap.String("enrollment_id", enrollmentID),
			zap.String("to_stage", toStage),
		)
	}
}
