// Package models defines GORM database models for reencodarr entities.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BaseModel provides common fields for all models with an integer primary key.
type BaseModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StringList is a []string stored as a JSON array in a text column.
type StringList []string

// Value implements driver.Valuer for database storage.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshaling string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}

	if len(data) == 0 {
		*l = nil
		return nil
	}

	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scanning string list: %w", err)
	}
	*l = out
	return nil
}

// Contains reports whether the list contains s (case-sensitive).
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// GormDataType returns the GORM data type for StringList.
func (StringList) GormDataType() string {
	return "text"
}

// JSONMap is a map[string]any stored as a JSON object in a text column.
type JSONMap map[string]any

// Value implements driver.Valuer for database storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("marshaling map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("scanning map: %w", err)
	}
	*m = out
	return nil
}

// GormDataType returns the GORM data type for JSONMap.
func (JSONMap) GormDataType() string {
	return "text"
}

// IntPtr returns a pointer to an int value.
func IntPtr(i int) *int {
	return &i
}

// Int64Ptr returns a pointer to an int64 value.
func Int64Ptr(i int64) *int64 {
	return &i
}

// StringPtr returns a pointer to a string value.
func StringPtr(s string) *string {
	return &s
}

// Float64Ptr returns a pointer to a float64 value.
func Float64Ptr(f float64) *float64 {
	return &f
}
