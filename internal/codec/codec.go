// Package codec is the single JSON import site for persisted ledger events and snapshots.
package codec

import (
	"bytes"
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any) ([]byte, error) {
	return gjson.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// Equal reports whether a and b have the same JSON encoding. It is used to compare
// snapshots that went through a JSON store, where integers come back as float64.
func Equal(a, b any) (bool, error) {
	x, err := Marshal(a)
	if err != nil {
		return false, err
	}
	y, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(x, y), nil
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
