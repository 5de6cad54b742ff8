package routing

import (
	"fmt"
	"strconv"
)

// Shape selects how a routing decision is encoded in the webhook response.
// The telephony platform owns this contract, so it is configuration.
type Shape string

const (
	// ShapeNested wraps the target in a data object:
	// {"data":{"target_type":"user","target_id":123}}
	ShapeNested Shape = "nested"
	// ShapeFlat puts the target fields at the top level:
	// {"target_type":"user","target_id":123}
	ShapeFlat Shape = "flat"
	// ShapeToken combines type and id into one string: {"target":"user:123"}
	ShapeToken Shape = "token"
)

// ParseShape validates a response shape name.
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case ShapeNested, ShapeFlat, ShapeToken:
		return Shape(s), nil
	default:
		return "", fmt.Errorf("unknown response shape %q", s)
	}
}

// Body returns the JSON-encodable webhook response for d. NoRoute is always
// an empty object.
func (s Shape) Body(d Decision) map[string]any {
	if !d.Routed() {
		return map[string]any{}
	}

	switch s {
	case ShapeFlat:
		return map[string]any{
			"target_type": "user",
			"target_id":   targetID(d.UserID),
		}
	case ShapeToken:
		return map[string]any{
			"target": "user:" + d.UserID,
		}
	default:
		return map[string]any{
			"data": map[string]any{
				"target_type": "user",
				"target_id":   targetID(d.UserID),
			},
		}
	}
}

// targetID encodes numeric ids as JSON numbers and anything else as a string.
func targetID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
