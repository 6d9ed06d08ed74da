package schema

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Request op names carried by the "op" field.
const (
	OpCompile      = "compile"
	OpRequire      = "require"
	OpPing         = "ping"
	OpNativeSource = "native-source"
	OpSource       = "source"
)

// Field names shared by request envelopes.
const (
	FieldOp     = "op"
	FieldID     = "id"
	FieldCode   = "code"
	FieldNS     = "ns"
	FieldModule = "module"
	FieldSource = "source"
)

// JSON value kinds a field may be required to hold.
const (
	TypeString = "string"
	TypeNumber = "number"
)

type Requirement struct {
	Field string
	Type  string
}

type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: op=%q: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("schema: op=%q field=%s: %s", e.Op, e.Field, e.Reason)
}

var requirements = map[string][]Requirement{
	OpCompile: {
		{FieldID, TypeNumber},
		{FieldCode, TypeString},
	},
	OpRequire: {
		{FieldID, TypeNumber},
		{FieldNS, TypeString},
		{FieldSource, TypeString},
	},
	OpPing: {
		{FieldID, TypeNumber},
	},
	OpNativeSource: {
		{FieldID, TypeNumber},
		{FieldCode, TypeString},
	},
	OpSource: {
		{FieldID, TypeNumber},
		{FieldNS, TypeString},
		{FieldSource, TypeString},
	},
}

// optional lists fields that are checked for type only when present.
var optional = map[string][]Requirement{
	OpCompile: {
		{FieldNS, TypeString},
		{FieldModule, TypeString},
	},
	OpNativeSource: {
		{FieldNS, TypeString},
	},
}

// Known reports whether op is a request op this schema describes.
func Known(op string) bool {
	_, ok := requirements[op]
	return ok
}

// Validate enforces required fields and their JSON kinds for one request op.
// Unknown fields are ignored.
func Validate(op string, fields map[string]json.RawMessage) error {
	reqs, ok := requirements[op]
	if !ok {
		log.Debug().Str("op", op).Msg("schema.Validate unknown op")
		return ValidationError{Op: op, Reason: "unknown op"}
	}
	for _, req := range reqs {
		raw, found := fields[req.Field]
		if !found {
			log.Debug().Str("op", op).Str("field", req.Field).Msg("schema.Validate missing field")
			return ValidationError{Op: op, Field: req.Field, Reason: "missing required field"}
		}
		if kindOf(raw) != req.Type {
			return ValidationError{Op: op, Field: req.Field, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[op] {
		raw, found := fields[opt.Field]
		if !found || kindOf(raw) == "null" {
			continue
		}
		if kindOf(raw) != opt.Type {
			return ValidationError{Op: op, Field: opt.Field, Reason: "type mismatch"}
		}
	}
	return nil
}

func kindOf(raw json.RawMessage) string {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '"':
			return TypeString
		case '{':
			return "object"
		case '[':
			return "array"
		case 't', 'f':
			return "bool"
		case 'n':
			return "null"
		default:
			return TypeNumber
		}
	}
	return ""
}
