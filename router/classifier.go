package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pathware/flowengine/catalog"
)

// ClassRule maps keywords to an intent category for the keyword classifier.
type ClassRule struct {
	Category string
	Keywords []string
}

// Common entity patterns extracted by the keyword classifier.
var entityPatterns = map[string]*regexp.Regexp{
	"email":    regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"order_id": regexp.MustCompile(`(?i)\border[\s#:]*([0-9]{4,})`),
	"amount":   regexp.MustCompile(`\$[0-9]+(?:\.[0-9]{2})?`),
}

// KeywordClassifier scores categories by keyword hits. Confidence is the
// fraction of a rule's keywords present in the message; the best-scoring
// rule wins. Messages matching no rule classify as "general" with zero
// confidence.
type KeywordClassifier struct {
	rules []ClassRule
}

// NewKeywordClassifier builds a classifier from the rule set.
func NewKeywordClassifier(rules []ClassRule) *KeywordClassifier {
	return &KeywordClassifier{rules: rules}
}

// Classify implements Classifier.
func (c *KeywordClassifier) Classify(_ context.Context, msg *Message) (*Intent, error) {
	text := strings.ToLower(msg.Text)

	best := &Intent{Category: "general", Confidence: 0}
	for _, rule := range c.rules {
		if len(rule.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := float64(hits) / float64(len(rule.Keywords))
		if confidence > best.Confidence {
			best = &Intent{Category: rule.Category, Confidence: confidence}
		}
	}

	best.Entities = extractEntities(msg.Text)
	return best, nil
}

func extractEntities(text string) map[string]string {
	entities := make(map[string]string)
	for name, pattern := range entityPatterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		// Prefer the capture group when the pattern has one.
		if len(m) > 1 {
			entities[name] = m[1]
		} else {
			entities[name] = m[0]
		}
	}
	return entities
}

// ModelClassifier asks a model to classify the message and parses the
// JSON verdict. Falls back to the keyword classifier when the model is
// unavailable or returns something unparseable.
type ModelClassifier struct {
	client   catalog.ModelClient
	model    string
	fallback Classifier
}

// NewModelClassifier builds a model-backed classifier with a fallback.
func NewModelClassifier(client catalog.ModelClient, model string, fallback Classifier) *ModelClassifier {
	return &ModelClassifier{client: client, model: model, fallback: fallback}
}

const classifyPrompt = `Classify the user message into an intent.
Respond with JSON only: {"category": "...", "confidence": 0.0-1.0, "entities": {"name": "value"}}

Message: %s`

type modelVerdict struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, msg *Message) (*Intent, error) {
	resp, err := c.client.Complete(ctx, catalog.ModelRequest{
		Model:       c.model,
		Prompt:      fmt.Sprintf(classifyPrompt, msg.Text),
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return c.fallbackClassify(ctx, msg, err)
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &verdict); err != nil {
		return c.fallbackClassify(ctx, msg, fmt.Errorf("parse model verdict: %w", err))
	}
	if verdict.Category == "" {
		return c.fallbackClassify(ctx, msg, fmt.Errorf("model verdict has no category"))
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return &Intent{
		Category:   verdict.Category,
		Confidence: verdict.Confidence,
		Entities:   verdict.Entities,
	}, nil
}

func (c *ModelClassifier) fallbackClassify(ctx context.Context, msg *Message, cause error) (*Intent, error) {
	if c.fallback == nil {
		return nil, cause
	}
	return c.fallback.Classify(ctx, msg)
}
