// ABOUTME: Single ingestion path for inbound frames: size, syntax, reserved keys, schema, decode
// ABOUTME: Frames are validated with gjson before any Go value is built from them

package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrSchemaInvalid indicates a frame that failed validation.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrMessageTooLarge indicates a frame above the size cap.
	ErrMessageTooLarge = errors.New("message too large")
)

// maxDepth bounds object/array nesting in inbound frames.
const maxDepth = 32

var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Ingest validates raw against the size cap and the schema registry and
// returns the typed message. Nothing is decoded unless validation passes.
func Ingest(raw []byte, maxBytes int) (Message, error) {
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(raw), maxBytes)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrSchemaInvalid)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: frame must be a JSON object", ErrSchemaInvalid)
	}
	if err := checkKeys(root, 0); err != nil {
		return nil, err
	}

	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrSchemaInvalid)
	}
	sc, ok := schemas[typ.Str]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrSchemaInvalid, typ.Str)
	}
	if err := checkFields(root, sc); err != nil {
		return nil, err
	}

	msg := newMessage(typ.Str)
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return msg, nil
}

// checkKeys walks every object key in v, rejecting reserved names and
// excessive nesting.
func checkKeys(v gjson.Result, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSchemaInvalid, maxDepth)
	}
	var err error
	switch {
	case v.IsObject():
		v.ForEach(func(key, value gjson.Result) bool {
			if reservedKeys[key.Str] {
				err = fmt.Errorf("%w: reserved key %q", ErrSchemaInvalid, key.Str)
				return false
			}
			err = checkKeys(value, depth+1)
			return err == nil
		})
	case v.IsArray():
		v.ForEach(func(_, value gjson.Result) bool {
			err = checkKeys(value, depth+1)
			return err == nil
		})
	}
	return err
}

// checkFields verifies that root carries every required field, no unknown
// fields, and that each field holds the expected kind.
func checkFields(root gjson.Result, sc schema) error {
	seen := make(map[string]bool, len(sc))
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.Str
		if name == "type" {
			return true
		}
		f, ok := sc[name]
		if !ok {
			err = fmt.Errorf("%w: unknown field %q", ErrSchemaInvalid, name)
			return false
		}
		if !f.kind.matches(value) {
			err = fmt.Errorf("%w: field %q has wrong type", ErrSchemaInvalid, name)
			return false
		}
		seen[name] = true
		return true
	})
	if err != nil {
		return err
	}
	for name, f := range sc {
		if f.required && !seen[name] {
			return fmt.Errorf("%w: missing required field %q", ErrSchemaInvalid, name)
		}
	}
	return nil
}

func (k kind) matches(v gjson.Result) bool {
	switch k {
	case kindString:
		return v.Type == gjson.String
	case kindNumber:
		return v.Type == gjson.Number
	case kindBool:
		return v.Type == gjson.True || v.Type == gjson.False
	case kindArray:
		return v.IsArray()
	default:
		return v.Type != gjson.Null
	}
}

// requestIDOf extracts a string requestId from a rejected frame so the
// error can be correlated by the sender.
func requestIDOf(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	id := gjson.GetBytes(raw, "requestId")
	if id.Type != gjson.String || len(id.Str) > 128 {
		return ""
	}
	return id.Str
}
