package types

// Payload is the unit of data flowing between workflow nodes: run inputs,
// assembled node inputs, and node outputs are all Payloads.
type Payload map[string]any

// Clone returns a shallow copy of the payload. Nested maps are shared;
// callers that mutate nested values must copy them first.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies all entries from other into p, overwriting existing keys,
// and returns p. A nil receiver allocates a new payload.
func (p Payload) Merge(other Payload) Payload {
	if p == nil {
		p = make(Payload, len(other))
	}
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Get resolves a dotted path ("result.score") against the payload.
// Returns nil, false when any segment is missing or not a map.
func (p Payload) Get(path string) (any, bool) {
	var current any = map[string]any(p)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			if pl, isPayload := current.(Payload); isPayload {
				m = map[string]any(pl)
			} else {
				return nil, false
			}
		}
		current, ok = m[path[start:i]]
		if !ok {
			return nil, false
		}
		start = i + 1
	}
	return current, true
}
