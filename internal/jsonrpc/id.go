package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errBadID = errors.New("jsonrpc: id must be a string or a number")

// ID is a request id. It keeps the exact bytes the peer sent so a response
// echoes the id back unchanged, including numbers that would lose precision
// as float64.
type ID struct {
	raw json.RawMessage
}

// StringID builds an id from a string.
func StringID(s string) *ID {
	b, _ := json.Marshal(s)
	return &ID{raw: b}
}

// ParseID validates raw as an id. JSON null is rejected; notifications have
// no id at all.
func ParseID(raw json.RawMessage) (*ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errBadID
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadID, err)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadID, err)
		}
	default:
		return nil, fmt.Errorf("%w, got %s", errBadID, raw)
	}
	return &ID{raw: append(json.RawMessage(nil), raw...)}, nil
}

// Key returns a comparable form of the id. The string "1" and the number 1
// have different keys.
func (id *ID) Key() string {
	if id == nil {
		return ""
	}
	return string(id.raw)
}

// String renders the id for logs.
func (id *ID) String() string {
	if id == nil {
		return ""
	}
	if len(id.raw) > 0 && id.raw[0] == '"' {
		var s string
		if json.Unmarshal(id.raw, &s) == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id *ID) MarshalJSON() ([]byte, error) {
	if id == nil || len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	parsed, err := ParseID(b)
	if err != nil {
		return err
	}
	*id = *parsed
	return nil
}
