// Package orientation validates sensor orientation messages and smooths joint rotations
// toward reported targets.
package orientation

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/posebridge/errors"
)

// Message is the sensor wire shape: {"label": "RFA", "quaternion": [w, x, y, z]}.
// Extra fields are tolerated.
type Message struct {
	Label      string     `json:"label"`
	Quaternion [4]float64 `json:"quaternion"`
}

// Reason tells why a payload was rejected.
type Reason string

// Rejection reasons, also used as metric label values.
const (
	ReasonMalformed Reason = "malformed_json"
	ReasonShape     Reason = "invalid_shape"
	ReasonZeroNorm  Reason = "zero_norm"
)

// Orientation is a validated target rotation for the joint behind Label.
type Orientation struct {
	Label    string
	Rotation mgl64.Quat
}

// Result is either a valid orientation or a rejection with a reason. Err is set
// for rejections and wraps errors.ErrInvalidData.
type Result struct {
	Orientation Orientation
	Rejected    bool
	Reason      Reason
	Detail      string
	Err         error
}

// OK reports whether the payload produced a usable orientation.
func (r Result) OK() bool {
	return !r.Rejected
}

func reject(reason Reason, detail string) Result {
	return Result{
		Rejected: true,
		Reason:   reason,
		Detail:   detail,
		Err:      fmt.Errorf("%w: %s: %s", errors.ErrInvalidData, reason, detail),
	}
}

const messageSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["label", "quaternion"],
  "properties": {
    "label": {"type": "string"},
    "quaternion": {
      "type": "array",
      "minItems": 4,
      "maxItems": 4,
      "items": {"type": "number"}
    }
  }
}`

var messageSchema = mustCompileSchema(messageSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("orientation: compile message schema: %v", err))
	}
	return schema
}

// Decode validates a raw sensor payload and converts it to an orientation.
// It never panics; every failure comes back as a rejected Result.
func Decode(payload []byte) Result {
	if !json.Valid(payload) {
		return reject(ReasonMalformed, "payload is not valid JSON")
	}

	validation, err := messageSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return reject(ReasonMalformed, err.Error())
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			details = append(details, e.String())
		}
		return reject(ReasonShape, strings.Join(details, "; "))
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return reject(ReasonMalformed, err.Error())
	}

	w, x, y, z := msg.Quaternion[0], msg.Quaternion[1], msg.Quaternion[2], msg.Quaternion[3]
	q := mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
	norm := q.Len()
	if norm < 1e-9 || math.IsInf(norm, 0) || math.IsNaN(norm) {
		return reject(ReasonZeroNorm, fmt.Sprintf("quaternion norm %g", norm))
	}

	return Result{Orientation: Orientation{Label: msg.Label, Rotation: q.Scale(1 / norm)}}
}
