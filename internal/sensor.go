package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Kind is the sensor which produced a reading.
type Kind string

const (
	KindDoor   Kind = "DOOR"
	KindMotion Kind = "MOTION"
)

// Value is a sensor observation. The set of valid values depends on the Kind.
type Value string

const (
	DoorOpen     Value = "OPEN"
	DoorClosed   Value = "CLOSED"
	MotionMotion Value = "MOTION"
	MotionStill  Value = "STILL"
)

var kindValues = map[Kind][]Value{
	KindDoor:   {DoorOpen, DoorClosed},
	KindMotion: {MotionMotion, MotionStill},
}

// Valid returns true if this is a known sensor kind.
func (k Kind) Valid() bool {
	_, ok := kindValues[k]
	return ok
}

// Allows returns true if v belongs to the value domain of this kind.
func (k Kind) Allows(v Value) bool {
	for _, allowed := range kindValues[k] {
		if allowed == v {
			return true
		}
	}
	return false
}

func (v Value) known() bool {
	for _, values := range kindValues {
		for _, allowed := range values {
			if allowed == v {
				return true
			}
		}
	}
	return false
}

// Incoming is a validated sensor event which has not been stored yet.
type Incoming struct {
	Kind  Kind
	Value Value
}

func (i Incoming) String() string {
	return fmt.Sprintf("%s=%s", i.Kind, i.Value)
}

// Session is one occupancy episode of the room.
type Session struct {
	NID       int64     `db:"session_nid"`
	ID        string    `db:"session_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Reading is a single sensor observation attached to exactly one session.
type Reading struct {
	NID       int64     `db:"reading_nid"`
	ID        string    `db:"reading_id"`
	SessionID string    `db:"session_id"`
	Kind      Kind      `db:"kind"`
	Value     Value     `db:"value"`
	Synthetic bool      `db:"synthetic"`
	CreatedAt time.Time `db:"created_at"`
}

// ValidationError is returned by ParseIncoming when the payload is malformed.
// Field is the offending JSON key.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseIncoming extracts and validates a sensor event from a JSON payload of the form
// {"type":"DOOR","value":"OPEN"}. Matching is case-insensitive. Extra keys are ignored,
// so device payloads carrying e.g. a battery level or firmware version are accepted.
func ParseIncoming(body []byte) (*Incoming, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ValidationError{Field: "body", Reason: "not valid JSON"}
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	typeField := parsed.Get("type")
	if typeField.Type != gjson.String || typeField.Str == "" {
		return nil, &ValidationError{Field: "type", Reason: "type is required"}
	}
	valueField := parsed.Get("value")
	if valueField.Type != gjson.String || valueField.Str == "" {
		return nil, &ValidationError{Field: "value", Reason: "value is required"}
	}
	kind := Kind(strings.ToUpper(typeField.Str))
	if !kind.Valid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", typeField.Str)}
	}
	value := Value(strings.ToUpper(valueField.Str))
	if !value.known() {
		return nil, &ValidationError{Field: "value", Reason: fmt.Sprintf("unknown value %q", valueField.Str)}
	}
	if !kind.Allows(value) {
		return nil, &ValidationError{Field: "value", Reason: "value does not match type"}
	}
	return &Incoming{Kind: kind, Value: value}, nil
}
