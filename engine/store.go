package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathware/flowengine/types"
)

// RunStore persists runs and their step executions. Implementations must
// provide read-your-writes consistency: a GetRun/ListSteps issued after a
// write observes that write.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// SaveStep upserts the step record keyed by (run id, node id).
	SaveStep(ctx context.Context, step *StepExecution) error
	ListSteps(ctx context.Context, runID string) ([]*StepExecution, error)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStore is a map-backed RunStore for tests and embedded use.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	steps map[string]map[string]*StepExecution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*Run),
		steps: make(map[string]map[string]*StepExecution),
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	m.runs[run.RunID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; !exists {
		return types.NewErrorf(types.ErrRunNotFound, "run %s not found", run.RunID)
	}
	m.runs[run.RunID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, types.NewErrorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) SaveStep(_ context.Context, step *StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNode, ok := m.steps[step.RunID]
	if !ok {
		byNode = make(map[string]*StepExecution)
		m.steps[step.RunID] = byNode
	}
	byNode[step.NodeID] = cloneStep(step)
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNode := m.steps[runID]
	out := make([]*StepExecution, 0, len(byNode))
	for _, s := range byNode {
		out = append(out, cloneStep(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func cloneRun(r *Run) *Run {
	c := *r
	c.Input = r.Input.Clone()
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneStep(s *StepExecution) *StepExecution {
	c := *s
	c.Input = s.Input.Clone()
	c.Output = s.Output.Clone()
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ---------------------------------------------------------------------------
// SQL store
// ---------------------------------------------------------------------------

// RunRecord is the GORM model for a run row.
type RunRecord struct {
	RunID             string `gorm:"primaryKey;column:run_id"`
	DefinitionID      string
	DefinitionVersion int
	Status            string
	TriggeredBy       string
	Input             string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	NodesSucceeded    int
	NodesFailed       int
}

// TableName pins the table shared with the SQL migrations.
func (RunRecord) TableName() string { return "runs" }

// StepRecord is the GORM model for a step execution row.
type StepRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	RunID        string `gorm:"column:run_id;uniqueIndex:idx_step_run_node"`
	NodeID       string `gorm:"uniqueIndex:idx_step_run_node"`
	TypeKey      string
	Status       string
	Input        string
	Output       string
	Error        string
	AttemptCount int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   int64
}

// TableName pins the table shared with the SQL migrations.
func (StepRecord) TableName() string { return "step_executions" }

// SQLStore is the GORM-backed RunStore.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an open GORM connection.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// AutoMigrate creates the run tables. Deployments that run the SQL
// migrations instead can skip this.
func (s *SQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RunRecord{}, &StepRecord{})
}

func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	rec, err := runToRecord(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *Run) error {
	rec, err := runToRecord(run)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&RunRecord{}).
		Where("run_id = ?", run.RunID).
		Select("*").Omit("run_id").
		Updates(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrRunNotFound, "run %s not found", run.RunID)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return recordToRun(&rec)
}

func (s *SQLStore) SaveStep(ctx context.Context, step *StepExecution) error {
	rec, err := stepToRecord(step)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "input", "output", "error",
			"attempt_count", "started_at", "completed_at", "duration_ms",
		}),
	}).Create(rec).Error
}

func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]*StepExecution, error) {
	var rows []StepRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("node_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	steps := make([]*StepExecution, 0, len(rows))
	for i := range rows {
		step, err := recordToStep(&rows[i])
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func runToRecord(run *Run) (*RunRecord, error) {
	input, err := marshalPayload(run.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal run input: %w", err)
	}
	started := run.StartedAt
	return &RunRecord{
		RunID:             run.RunID,
		DefinitionID:      run.DefinitionID,
		DefinitionVersion: run.DefinitionVersion,
		Status:            string(run.Status),
		TriggeredBy:       run.TriggeredBy,
		Input:             input,
		StartedAt:         &started,
		CompletedAt:       run.CompletedAt,
		NodesSucceeded:    run.NodesSucceeded,
		NodesFailed:       run.NodesFailed,
	}, nil
}

func recordToRun(rec *RunRecord) (*Run, error) {
	input, err := unmarshalPayload(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("unmarshal run input: %w", err)
	}
	run := &Run{
		RunID:             rec.RunID,
		DefinitionID:      rec.DefinitionID,
		DefinitionVersion: rec.DefinitionVersion,
		Status:            RunStatus(rec.Status),
		TriggeredBy:       rec.TriggeredBy,
		Input:             input,
		CompletedAt:       rec.CompletedAt,
		NodesSucceeded:    rec.NodesSucceeded,
		NodesFailed:       rec.NodesFailed,
	}
	if rec.StartedAt != nil {
		run.StartedAt = *rec.StartedAt
	}
	return run, nil
}

func stepToRecord(step *StepExecution) (*StepRecord, error) {
	input, err := marshalPayload(step.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal step input: %w", err)
	}
	output, err := marshalPayload(step.Output)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	started := step.StartedAt
	return &StepRecord{
		RunID:        step.RunID,
		NodeID:       step.NodeID,
		TypeKey:      step.TypeKey,
		Status:       string(step.Status),
		Input:        input,
		Output:       output,
		Error:        step.Error,
		AttemptCount: step.AttemptCount,
		StartedAt:    &started,
		CompletedAt:  step.CompletedAt,
		DurationMs:   step.Duration.Milliseconds(),
	}, nil
}

func recordToStep(rec *StepRecord) (*StepExecution, error) {
	input, err := unmarshalPayload(rec.Input)
	if err != nil {
		return nil, fmt.Errorf("unmarshal step input: %w", err)
	}
	output, err := unmarshalPayload(rec.Output)
	if err != nil {
		return nil, fmt.Errorf("unmarshal step output: %w", err)
	}
	step := &StepExecution{
		RunID:        rec.RunID,
		NodeID:       rec.NodeID,
		TypeKey:      rec.TypeKey,
		Status:       StepStatus(rec.Status),
		Input:        input,
		Output:       output,
		Error:        rec.Error,
		AttemptCount: rec.AttemptCount,
		CompletedAt:  rec.CompletedAt,
		Duration:     time.Duration(rec.DurationMs) * time.Millisecond,
	}
	if rec.StartedAt != nil {
		step.StartedAt = *rec.StartedAt
	}
	return step, nil
}

func marshalPayload(p types.Payload) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalPayload(s string) (types.Payload, error) {
	if s == "" {
		return nil, nil
	}
	var p types.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}
