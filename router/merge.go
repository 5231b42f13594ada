package router

import (
	"fmt"

	"github.com/pathware/flowengine/types"
)

// MergeStrategy selects how fan-out responses collapse into one.
type MergeStrategy string

const (
	// MergeFirstSuccess keeps the first successful response in target
	// declaration order.
	MergeFirstSuccess MergeStrategy = "first-success"
	// MergeHighestConfidence keeps the response with the highest
	// confidence, ties broken by declaration order.
	MergeHighestConfidence MergeStrategy = "highest-confidence"
	// MergeConcatenate keeps every response, listed under "responses" in
	// declaration order.
	MergeConcatenate MergeStrategy = "concatenate"
)

// Merge collapses successful responses per the strategy. It is a pure
// function over the response list; an empty list is an error.
func Merge(strategy MergeStrategy, responses []*Response) (*Response, error) {
	if len(responses) == 0 {
		return nil, fmt.Errorf("nothing to merge")
	}
	switch strategy {
	case MergeFirstSuccess, "":
		return responses[0], nil
	case MergeHighestConfidence:
		best := responses[0]
		for _, r := range responses[1:] {
			if r.Confidence > best.Confidence {
				best = r
			}
		}
		return best, nil
	case MergeConcatenate:
		combined := make([]any, 0, len(responses))
		names := make([]string, 0, len(responses))
		for _, r := range responses {
			combined = append(combined, map[string]any{
				"target":     r.Target,
				"confidence": r.Confidence,
				"output":     map[string]any(r.Output),
			})
			names = append(names, r.Target)
		}
		return &Response{
			Target:     joinNames(names),
			Output:     types.Payload{"responses": combined},
			Confidence: responses[0].Confidence,
		}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "+"
		}
		out += n
	}
	return out
}
