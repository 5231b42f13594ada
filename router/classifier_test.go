package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathware/flowengine/catalog"
)

func supportRules() []ClassRule {
	return []ClassRule{
		{Category: "billing", Keywords: []string{"invoice", "refund", "charge"}},
		{Category: "shipping", Keywords: []string{"delivery", "shipping", "track"}},
	}
}

func TestKeywordClassifier(t *testing.T) {
	t.Parallel()
	c := NewKeywordClassifier(supportRules())
	ctx := context.Background()

	intent, err := c.Classify(ctx, &Message{Text: "I need a refund for this invoice"})
	require.NoError(t, err)
	assert.Equal(t, "billing", intent.Category)
	assert.InDelta(t, 2.0/3.0, intent.Confidence, 0.001, "two of three keywords hit")

	intent, err = c.Classify(ctx, &Message{Text: "TRACK my Delivery please"})
	require.NoError(t, err)
	assert.Equal(t, "shipping", intent.Category, "matching is case-insensitive")

	intent, err = c.Classify(ctx, &Message{Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "general", intent.Category)
	assert.Zero(t, intent.Confidence)
}

func TestKeywordClassifierEntities(t *testing.T) {
	t.Parallel()
	c := NewKeywordClassifier(supportRules())

	intent, err := c.Classify(context.Background(), &Message{
		Text: "refund $49.99 for order #12345, contact me at jo@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", intent.Entities["order_id"])
	assert.Equal(t, "$49.99", intent.Entities["amount"])
	assert.Equal(t, "jo@example.com", intent.Entities["email"])
}

type scriptedModel struct {
	text string
	err  error
}

func (m *scriptedModel) Complete(context.Context, catalog.ModelRequest) (*catalog.ModelResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &catalog.ModelResponse{Text: m.text, TokensUsed: 10}, nil
}

func TestModelClassifier(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{text: `{"category": "billing", "confidence": 0.92, "entities": {"order_id": "777"}}`}
	c := NewModelClassifier(model, "test-model", nil)

	intent, err := c.Classify(context.Background(), &Message{Text: "refund please"})
	require.NoError(t, err)
	assert.Equal(t, "billing", intent.Category)
	assert.Equal(t, 0.92, intent.Confidence)
	assert.Equal(t, "777", intent.Entities["order_id"])
}

func TestModelClassifierClampsConfidence(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{text: `{"category": "billing", "confidence": 3.5}`}
	c := NewModelClassifier(model, "test-model", nil)

	intent, err := c.Classify(context.Background(), &Message{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, intent.Confidence)
}

func TestModelClassifierFallsBack(t *testing.T) {
	t.Parallel()
	fallback := NewKeywordClassifier(supportRules())
	ctx := context.Background()

	// Backend down: keyword fallback takes over.
	c := NewModelClassifier(&scriptedModel{err: catalog.ErrModelUnavailable}, "m", fallback)
	intent, err := c.Classify(ctx, &Message{Text: "invoice refund charge"})
	require.NoError(t, err)
	assert.Equal(t, "billing", intent.Category)

	// Unparseable verdict: same fallback.
	c = NewModelClassifier(&scriptedModel{text: "sure, that sounds like billing!"}, "m", fallback)
	intent, err = c.Classify(ctx, &Message{Text: "invoice refund charge"})
	require.NoError(t, err)
	assert.Equal(t, "billing", intent.Category)

	// No fallback configured: the error surfaces.
	c = NewModelClassifier(&scriptedModel{err: catalog.ErrModelUnavailable}, "m", nil)
	_, err = c.Classify(ctx, &Message{Text: "x"})
	assert.Error(t, err)
}
