package dbh

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONField wraps any JSON-marshalable struct so that gorm stores it as a
// TEXT column, while Go code gets typed access via Data.
// A nil *JSONField scans from, and stores, SQL NULL.
type JSONField[T any] struct {
	Data T
}

// MakeJSONField creates a JSONField holding 'data'
func MakeJSONField[T any](data T) *JSONField[T] {
	return &JSONField[T]{Data: data}
}

func (f *JSONField[T]) Scan(src any) error {
	if src == nil {
		var empty T
		f.Data = empty
		return nil
	}
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), &f.Data)
	case []byte:
		return json.Unmarshal(v, &f.Data)
	}
	return fmt.Errorf("Unable to scan JSONField from %T", src)
}

func (f JSONField[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(f.Data)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f JSONField[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Data)
}

func (f *JSONField[T]) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &f.Data)
}
