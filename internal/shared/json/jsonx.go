package jsonx

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonrepair"
)

// Thin wrapper so hot paths can swap JSON implementations in one place.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
	Valid         = json.Valid
)

type RawMessage = json.RawMessage
type Number = json.Number

// IsNull reports whether raw is empty or the literal null.
func IsNull(raw RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// UnmarshalString decodes a JSON document that arrived as a string field of an
// outer document (string-encoded JSON).
func UnmarshalString(text string, v any) error {
	if text == "" {
		return fmt.Errorf("empty document")
	}
	data := []byte(text)
	if !Valid(data) {
		return fmt.Errorf("invalid JSON document")
	}
	return Unmarshal(data, v)
}

// UnmarshalRepair behaves like UnmarshalString but retries once with a
// repaired document when the first decode fails.
func UnmarshalRepair(text string, v any) (repaired bool, err error) {
	if err = UnmarshalString(text, v); err == nil {
		return false, nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(text)
	if repairErr != nil {
		return false, err
	}
	if retryErr := UnmarshalString(fixed, v); retryErr != nil {
		return false, err
	}
	return true, nil
}
