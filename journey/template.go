// Package journey tracks enrollments through ordered stage templates: an
// append-only transition log, a denormalized current-stage pointer, and
// optimistic concurrency on every stage change.
package journey

import (
	"fmt"
	"time"
)

// Stage is one step of a template's ordered progression.
type Stage struct {
	// Key identifies the stage within its template.
	Key string `json:"key" yaml:"key"`
	// OrderIndex positions the stage in the template, ascending from 0.
	OrderIndex int `json:"order_index" yaml:"order_index"`
	// EntryCriteria is an optional expression evaluated against the
	// enrollment's attributes before the stage can be entered. Empty
	// means unconditional.
	EntryCriteria string `json:"entry_criteria,omitempty" yaml:"entry_criteria,omitempty"`
	// ExpectedDuration is advisory dwell time, surfaced by reporting.
	ExpectedDuration time.Duration `json:"expected_duration,omitempty" yaml:"expected_duration,omitempty"`
	// AllowedNext lists stage keys reachable from this stage. Empty means
	// only the next stage by order index is reachable.
	AllowedNext []string `json:"allowed_next,omitempty" yaml:"allowed_next,omitempty"`
}

// StageTemplate is an ordered set of stages enrollments progress through.
type StageTemplate struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`
}

// Stage returns the stage with the given key.
func (t *StageTemplate) Stage(key string) (*Stage, bool) {
	for i := range t.Stages {
		if t.Stages[i].Key == key {
			return &t.Stages[i], true
		}
	}
	return nil, false
}

// First returns the stage with the lowest order index.
func (t *StageTemplate) First() (*Stage, bool) {
	var first *Stage
	for i := range t.Stages {
		if first == nil || t.Stages[i].OrderIndex < first.OrderIndex {
			first = &t.Stages[i]
		}
	}
	return first, first != nil
}

// next returns the stage immediately following s by order index.
func (t *StageTemplate) next(s *Stage) (*Stage, bool) {
	var best *Stage
	for i := range t.Stages {
		c := &t.Stages[i]
		if c.OrderIndex <= s.OrderIndex {
			continue
		}
		if best == nil || c.OrderIndex < best.OrderIndex {
			best = c
		}
	}
	return best, best != nil
}

// Reachable reports whether to can be entered directly from from.
// With an explicit AllowedNext list only the listed keys are reachable;
// otherwise only the next stage by order index is.
func (t *StageTemplate) Reachable(from *Stage, to string) bool {
	if len(from.AllowedNext) > 0 {
		for _, key := range from.AllowedNext {
			if key == to {
				return true
			}
		}
		return false
	}
	n, ok := t.next(from)
	return ok && n.Key == to
}

// Final reports whether s has no onward stages.
func (t *StageTemplate) Final(s *Stage) bool {
	if len(s.AllowedNext) > 0 {
		return false
	}
	_, ok := t.next(s)
	return !ok
}

// Validate checks template invariants: non-empty id, at least one stage,
// unique keys and order indexes, and AllowedNext entries referencing
// existing stages.
func (t *StageTemplate) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("template id is empty")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s has no stages", t.ID)
	}
	keys := make(map[string]bool, len(t.Stages))
	orders := make(map[int]bool, len(t.Stages))
	for _, s := range t.Stages {
		if s.Key == "" {
			return fmt.Errorf("template %s contains a stage without a key", t.ID)
		}
		if keys[s.Key] {
			return fmt.Errorf("duplicate stage key %q", s.Key)
		}
		keys[s.Key] = true
		if orders[s.OrderIndex] {
			return fmt.Errorf("duplicate order index %d", s.OrderIndex)
		}
		orders[s.OrderIndex] = true
	}
	for _, s := range t.Stages {
		for _, nextKey := range s.AllowedNext {
			if !keys[nextKey] {
				return fmt.Errorf("stage %q allows unknown next stage %q", s.Key, nextKey)
			}
			if nextKey == s.Key {
				return fmt.Errorf("stage %q allows transitioning to itself", s.Key)
			}
		}
	}
	return nil
}
