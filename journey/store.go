package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pathware/flowengine/types"
)

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentWithdrawn EnrollmentStatus = "withdrawn"
)

// Enrollment tracks one subject's progression through a template. The
// current stage is a denormalized pointer kept consistent with the
// transition log; Version guards every stage change optimistically.
type Enrollment struct {
	ID             string
	TemplateID     string
	CurrentStage   string
	Status         EnrollmentStatus
	StageEnteredAt time.Time
	Version        int
	Attributes     types.Payload
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageTransition is one append-only log entry. Rows are never updated or
// deleted; the full history of an enrollment is the ordered set of its
// transitions.
type StageTransition struct {
	ID             string
	EnrollmentID   string
	FromStage      string
	ToStage        string
	TriggerReason  string
	TransitionedBy string
	CreatedAt      time.Time
}

// ---------------------------------------------------------------------------
// GORM models
// ---------------------------------------------------------------------------

type templateRecord struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func (templateRecord) TableName() string { return "stage_templates" }

type stageRecord struct {
	TemplateID              string `gorm:"primaryKey"`
	StageKey                string `gorm:"primaryKey"`
	OrderIndex              int
	EntryCriteria           string
	ExpectedDurationSeconds int
	AllowedNext             string
}

func (stageRecord) TableName() string { return "journey_stages" }

type enrollmentRecord struct {
	ID             string `gorm:"primaryKey"`
	TemplateID     string
	CurrentStage   string
	Status         string
	StageEnteredAt time.Time
	Version        int
	Attributes     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (enrollmentRecord) TableName() string { return "enrollments" }

type transitionRecord struct {
	ID             string `gorm:"primaryKey"`
	EnrollmentID   string `gorm:"index:idx_stage_transitions_enrollment"`
	FromStage      string
	ToStage        string
	TriggerReason  string
	TransitionedBy string
	CreatedAt      time.Time `gorm:"index:idx_stage_transitions_enrollment"`
}

func (transitionRecord) TableName() string { return "stage_transitions" }

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store persists templates, enrollments, and the transition log.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore builds a journey store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.With(zap.String("component", "journey_store"))}
}

// AutoMigrate creates the journey tables. Deployments that run the SQL
// migrations instead can skip this.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&templateRecord{}, &stageRecord{}, &enrollmentRecord{}, &transitionRecord{})
}

// SaveTemplate writes a template, replacing any previous stage set for the
// same id. Enrollments keep their version guard, so replacing a template
// under live enrollments cannot corrupt a concurrent transition.
func (s *Store) SaveTemplate(ctx context.Context, tmpl *StageTemplate) error {
	if err := tmpl.Validate(); err != nil {
		return types.NewError(types.ErrValidationRejected, "invalid template").WithCause(err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&templateRecord{ID: tmpl.ID, Name: tmpl.Name}).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", tmpl.ID).Delete(&stageRecord{}).Error; err != nil {
			return err
		}
		for _, st := range tmpl.Stages {
			allowed, err := json.Marshal(st.AllowedNext)
			if err != nil {
				return fmt.Errorf("marshal allowed_next for stage %s: %w", st.Key, err)
			}
			if len(st.AllowedNext) == 0 {
				allowed = []byte("")
			}
			if err := tx.Create(&stageRecord{
				TemplateID:              tmpl.ID,
				StageKey:                st.Key,
				OrderIndex:              st.OrderIndex,
				EntryCriteria:           st.EntryCriteria,
				ExpectedDurationSeconds: int(st.ExpectedDuration / time.Second),
				AllowedNext:             string(allowed),
			}).Error; err != nil {
				return err
			}
		}
		s.logger.Info("template saved", zap.String("template_id", tmpl.ID), zap.Int("stages", len(tmpl.Stages)))
		return nil
	})
}

// GetTemplate loads a template and its stages.
func (s *Store) GetTemplate(ctx context.Context, id string) (*StageTemplate, error) {
	var rec templateRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrStageNotFound, "template %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	var rows []stageRecord
	if err := s.db.WithContext(ctx).
		Where("template_id = ?", id).
		Order("order_index").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	tmpl := &StageTemplate{ID: rec.ID, Name: rec.Name}
	for _, row := range rows {
		var allowed []string
		if row.AllowedNext != "" {
			if err := json.Unmarshal([]byte(row.AllowedNext), &allowed); err != nil {
				return nil, fmt.Errorf("unmarshal allowed_next for stage %s: %w", row.StageKey, err)
			}
		}
		tmpl.Stages = append(tmpl.Stages, Stage{
			Key:              row.StageKey,
			OrderIndex:       row.OrderIndex,
			EntryCriteria:    row.EntryCriteria,
			ExpectedDuration: time.Duration(row.ExpectedDurationSeconds) * time.Second,
			AllowedNext:      allowed,
		})
	}
	return tmpl, nil
}

// CreateEnrollment inserts a fresh enrollment row.
func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	rec, err := enrollmentToRecord(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// GetEnrollment loads an enrollment by id.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	var rec enrollmentRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrEnrollmentNotFound, "enrollment %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return recordToEnrollment(&rec)
}

// ApplyTransition moves the enrollment's stage pointer and appends the log
// entry in one transaction. The update is guarded by the version the caller
// read: when another writer advanced the enrollment first, RowsAffected is
// zero and the whole transaction rolls back with CONCURRENCY_CONFLICT.
func (s *Store) ApplyTransition(ctx context.Context, e *Enrollment, toStage string, status EnrollmentStatus, reason, by string) (*StageTransition, error) {
	now := time.Now().UTC()
	tr := &StageTransition{
		ID:             uuid.NewString(),
		EnrollmentID:   e.ID,
		FromStage:      e.CurrentStage,
		ToStage:        toStage,
		TriggerReason:  reason,
		TransitionedBy: by,
		CreatedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&enrollmentRecord{}).
			Where("id = ? AND version = ?", e.ID, e.Version).
			Updates(map[string]any{
				"current_stage":    toStage,
				"status":           string(status),
				"version":          e.Version + 1,
				"stage_entered_at": now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewErrorf(types.ErrConcurrencyConflict,
				"enrollment %s was modified concurrently (expected version %d)", e.ID, e.Version)
		}
		return tx.Create(&transitionRecord{
			ID:             tr.ID,
			EnrollmentID:   tr.EnrollmentID,
			FromStage:      tr.FromStage,
			ToStage:        tr.ToStage,
			TriggerReason:  tr.TriggerReason,
			TransitionedBy: tr.TransitionedBy,
			CreatedAt:      tr.CreatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	e.CurrentStage = toStage
	e.Status = status
	e.Version++
	e.StageEnteredAt = now
	e.UpdatedAt = now
	return tr, nil
}

// AppendTransition writes a log entry outside the CAS path. Used for the
// enrollment's initial entry, which has no prior version to guard.
func (s *Store) AppendTransition(ctx context.Context, tr *StageTransition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&transitionRecord{
		ID:             tr.ID,
		EnrollmentID:   tr.EnrollmentID,
		FromStage:      tr.FromStage,
		ToStage:        tr.ToStage,
		TriggerReason:  tr.TriggerReason,
		TransitionedBy: tr.TransitionedBy,
		CreatedAt:      tr.CreatedAt,
	}).Error
}

// ListTransitions returns the enrollment's history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, enrollmentID string) ([]*StageTransition, error) {
	var rows []transitionRecord
	if err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("created_at, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*StageTransition, 0, len(rows))
	for _, row := range rows {
		out = append(out, &StageTransition{
			ID:             row.ID,
			EnrollmentID:   row.EnrollmentID,
			FromStage:      row.FromStage,
			ToStage:        row.ToStage,
			TriggerReason:  row.TriggerReason,
			TransitionedBy: row.TransitionedBy,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

func enrollmentToRecord(e *Enrollment) (*enrollmentRecord, error) {
	attrs := ""
	if e.Attributes != nil {
		data, err := json.Marshal(e.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal enrollment attributes: %w", err)
		}
		attrs = string(data)
	}
	return &enrollmentRecord{
		ID:             e.ID,
		TemplateID:     e.TemplateID,
		CurrentStage:   e.CurrentStage,
		Status:         string(e.Status),
		StageEnteredAt: e.StageEnteredAt,
		Version:        e.Version,
		Attributes:     attrs,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}, nil
}

func recordToEnrollment(rec *enrollmentRecord) (*Enrollment, error) {
	var attrs types.Payload
	if rec.Attributes != "" {
		if err := json.Unmarshal([]byte(rec.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("unmarshal enrollment attributes: %w", err)
		}
	}
	return &Enrollment{
		ID:             rec.ID,
		TemplateID:     rec.TemplateID,
		CurrentStage:   rec.CurrentStage,
		Status:         EnrollmentStatus(rec.Status),
		StageEnteredAt: rec.StageEnteredAt,
		Version:        rec.Version,
		Attributes:     attrs,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}
