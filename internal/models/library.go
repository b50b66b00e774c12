package models

import "strings"

// Library maps a filesystem path prefix to a discovery source.
type Library struct {
	BaseModel

	// Path is the library root on disk. Unique.
	Path string `gorm:"uniqueIndex;not null;size:4096" json:"path"`

	// Name is a human-readable label for the library.
	Name string `gorm:"size:255" json:"name"`
}

// TableName returns the table name for Library.
func (Library) TableName() string {
	return "libraries"
}

// ContainsPath reports whether p lives under this library's root.
func (l *Library) ContainsPath(p string) bool {
	root := strings.TrimSuffix(l.Path, "/")
	return p == root || strings.HasPrefix(p, root+"/")
}
