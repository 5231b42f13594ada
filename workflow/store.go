package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pathware/flowengine/types"
)

// Graphs are persisted as rows (definition, node, edge tables) rather than
// a serialized blob so large graphs version cheaply; Resolve loads the rows
// into an in-memory adjacency index and never writes back.

// DefinitionRecord is the GORM model for one definition version.
type DefinitionRecord struct {
	ID        string `gorm:"primaryKey"`
	Version   int    `gorm:"primaryKey"`
	Name      string
	CreatedAt time.Time
}

// TableName pins the table shared with the SQL migrations.
func (DefinitionRecord) TableName() string { return "workflow_definitions" }

// NodeRecord is the GORM model for one node instance.
type NodeRecord struct {
	DefinitionID      string `gorm:"primaryKey"`
	DefinitionVersion int    `gorm:"primaryKey"`
	NodeID            string `gorm:"primaryKey"`
	TypeKey           string
	Config            string
	PositionX         float64
	PositionY         float64
	NonCritical       bool
	AllInputsRequired bool
	TimeoutSeconds    int
	RetryAttempts     *int
}

// TableName pins the table shared with the SQL migrations.
func (NodeRecord) TableName() string { return "workflow_nodes" }

// EdgeRecord is the GORM model for one edge.
type EdgeRecord struct {
	ID                int64 `gorm:"primaryKey;autoIncrement"`
	DefinitionID      string
	DefinitionVersion int
	SourceNodeID      string
	TargetNodeID      string
	Condition         string
}

// TableName pins the table shared with the SQL migrations.
func (EdgeRecord) TableName() string { return "workflow_edges" }

// Store persists versioned definitions. Versions are immutable once
// written; publishing a change means writing the next version.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore builds a definition store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.With(zap.String("component", "definition_store"))}
}

// AutoMigrate creates the definition tables. Deployments that run the SQL
// migrations instead can skip this.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&DefinitionRecord{}, &NodeRecord{}, &EdgeRecord{})
}

// Save writes a definition version. Writing an existing (id, version) pair
// is rejected to keep referenced versions immutable.
func (s *Store) Save(ctx context.Context, def *Definition) error {
	if err := def.Validate(nil); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&DefinitionRecord{}).
			Where("id = ? AND version = ?", def.ID, def.Version).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("definition %s@%d already exists and is immutable", def.ID, def.Version)
		}

		if err := tx.Create(&DefinitionRecord{
			ID: def.ID, Version: def.Version, Name: def.Name,
		}).Error; err != nil {
			return err
		}
		for _, n := range def.Nodes {
			configJSON, err := json.Marshal(n.Config)
			if err != nil {
				return fmt.Errorf("marshal config for node %s: %w", n.NodeID, err)
			}
			if err := tx.Create(&NodeRecord{
				DefinitionID:      def.ID,
				DefinitionVersion: def.Version,
				NodeID:            n.NodeID,
				TypeKey:           n.TypeKey,
				Config:            string(configJSON),
				PositionX:         n.Position.X,
				PositionY:         n.Position.Y,
				NonCritical:       n.NonCritical,
				AllInputsRequired: n.AllInputsRequired,
				TimeoutSeconds:    n.TimeoutSeconds,
				RetryAttempts:     n.RetryAttempts,
			}).Error; err != nil {
				return err
			}
		}
		for _, e := range def.Edges {
			if err := tx.Create(&EdgeRecord{
				DefinitionID:      def.ID,
				DefinitionVersion: def.Version,
				SourceNodeID:      e.Source,
				TargetNodeID:      e.Target,
				Condition:         e.Condition,
			}).Error; err != nil {
				return err
			}
		}
		s.logger.Info("definition saved",
			zap.String("definition_id", def.ID),
			zap.Int("version", def.Version),
			zap.Int("nodes", len(def.Nodes)),
			zap.Int("edges", len(def.Edges)),
		)
		return nil
	})
}

// Get loads one definition version from its rows.
func (s *Store) Get(ctx context.Context, id string, version int) (*Definition, error) {
	var rec DefinitionRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewErrorf(types.ErrDefinitionInvalid, "definition %s@%d not found", id, version)
	}
	if err != nil {
		return nil, err
	}

	var nodeRows []NodeRecord
	if err := s.db.WithContext(ctx).
		Where("definition_id = ? AND definition_version = ?", id, version).
		Order("node_id").
		Find(&nodeRows).Error; err != nil {
		return nil, err
	}
	var edgeRows []EdgeRecord
	if err := s.db.WithContext(ctx).
		Where("definition_id = ? AND definition_version = ?", id, version).
		Order("id").
		Find(&edgeRows).Error; err != nil {
		return nil, err
	}

	def := &Definition{ID: rec.ID, Version: rec.Version, Name: rec.Name}
	for _, row := range nodeRows {
		var config types.Payload
		if row.Config != "" {
			if err := json.Unmarshal([]byte(row.Config), &config); err != nil {
				return nil, fmt.Errorf("unmarshal config for node %s: %w", row.NodeID, err)
			}
		}
		def.Nodes = append(def.Nodes, NodeInstance{
			NodeID:            row.NodeID,
			TypeKey:           row.TypeKey,
			Config:            config,
			Position:          Position{X: row.PositionX, Y: row.PositionY},
			NonCritical:       row.NonCritical,
			AllInputsRequired: row.AllInputsRequired,
			TimeoutSeconds:    row.TimeoutSeconds,
			RetryAttempts:     row.RetryAttempts,
		})
	}
	for _, row := range edgeRows {
		def.Edges = append(def.Edges, Edge{
			Source:    row.SourceNodeID,
			Target:    row.TargetNodeID,
			Condition: row.Condition,
		})
	}
	return def, nil
}

// LatestVersion returns the highest stored version for a definition id.
func (s *Store) LatestVersion(ctx context.Context, id string) (int, error) {
	var version *int
	err := s.db.WithContext(ctx).
		Model(&DefinitionRecord{}).
		Where("id = ?", id).
		Select("MAX(version)").
		Scan(&version).Error
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, types.NewErrorf(types.ErrDefinitionInvalid, "definition %s not found", id)
	}
	return *version, nil
}
