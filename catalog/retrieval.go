package catalog

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pathware/flowengine/types"
)

// Document is one retrieved knowledge item.
type Document struct {
	ID      int64  `json:"id"`
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// Retriever searches the knowledge base. Implementations may back onto a
// SQL table, a vector store, or an external search service.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) ([]Document, error)
}

// KnowledgeDocument is the GORM model backing the default retriever.
type KnowledgeDocument struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Topic     string `gorm:"index"`
	Content   string
	CreatedAt time.Time
}

// TableName pins the table shared with the SQL migrations.
func (KnowledgeDocument) TableName() string { return "knowledge_documents" }

// GormRetriever is a keyword retriever over the knowledge_documents table.
type GormRetriever struct {
	db *gorm.DB
}

// NewGormRetriever builds the default retriever.
func NewGormRetriever(db *gorm.DB) *GormRetriever {
	return &GormRetriever{db: db}
}

// Search matches documents whose topic or content contains the query terms.
func (r *GormRetriever) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	pattern := "%" + strings.TrimSpace(query) + "%"
	var rows []KnowledgeDocument
	err := r.db.WithContext(ctx).
		Where("topic LIKE ? OR content LIKE ?", pattern, pattern).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = Document{ID: row.ID, Topic: row.Topic, Content: row.Content}
	}
	return docs, nil
}

// RetrievalHandler fetches knowledge documents matching a templated query.
//
// Config: query_template (required), limit. Output: documents, count.
type RetrievalHandler struct {
	retriever Retriever
	logger    *zap.Logger
}

// NewRetrievalHandler builds the handler around a retriever.
func NewRetrievalHandler(retriever Retriever, logger *zap.Logger) *RetrievalHandler {
	return &RetrievalHandler{
		retriever: retriever,
		logger:    logger.With(zap.String("handler", "knowledge.retrieve")),
	}
}

// Validate implements NodeHandler.
func (h *RetrievalHandler) Validate(config types.Payload) error {
	_, err := configString(config, "query_template")
	return err
}

// Execute implements NodeHandler.
func (h *RetrievalHandler) Execute(ctx context.Context, input, config types.Payload) (types.Payload, error) {
	if h.retriever == nil {
		return nil, types.NewError(types.ErrNodeFatal, "retriever not configured")
	}
	tmpl, err := configString(config, "query_template")
	if err != nil {
		return nil, types.NewError(types.ErrNodeFatal, err.Error())
	}
	query := renderTemplate(tmpl, input)
	limit := configInt(config, "limit", 5)

	docs, err := h.retriever.Search(ctx, query, limit)
	if err != nil {
		return nil, types.NewError(types.ErrNodeTransient, "knowledge search failed").WithCause(err).WithRetryable(true)
	}

	h.logger.Debug("retrieval completed",
		zap.String("query", query),
		zap.Int("count", len(docs)),
	)
	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = map[string]any{"id": d.ID, "topic": d.Topic, "content": d.Content}
	}
	return types.Payload{"documents": items, "count": len(docs)}, nil
}

// RetrievalType returns the catalog descriptor for retrieval nodes.
func RetrievalType() *NodeType {
	return &NodeType{
		TypeKey:     "knowledge.retrieve",
		Category:    CategoryRetrieval,
		Description: "Fetches knowledge documents matching a templated query",
		InputSchema: map[string]string{"*": "fields referenced by the query template"},
		OutputSchema: map[string]string{
			"documents": "[]object",
			"count":     "int",
		},
		DefaultConfig: types.Payload{"limit": 5},
	}
}
