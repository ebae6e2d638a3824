package repositories

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a record id or key does not exist
var ErrNotFound = errors.New("record not found")

// FieldMap translates API (camelCase) field names to persisted (snake_case) column names.
// It is the single place where the two naming schemes meet.
type FieldMap map[string]string

// Column returns the column for an API field
func (m FieldMap) Column(field string) (string, bool) {
	col, ok := m[field]
	return col, ok
}

// Columns converts an API-keyed patch into a column-keyed update map
func (m FieldMap) Columns(patch map[string]any) (map[string]any, error) {
	updates := make(map[string]any, len(patch))
	for field, value := range patch {
		col, ok := m[field]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", field)
		}
		updates[col] = value
	}
	return updates, nil
}

// Order builds an ORDER BY clause from API sort parameters, falling back when the field is unknown
func (m FieldMap) Order(sortBy, sortOrder, fallback string) string {
	col, ok := m[sortBy]
	if !ok {
		return fallback
	}
	dir := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}

// ListOptions carries filter, sort and page parameters for FindAll style queries
type ListOptions struct {
	Filter    map[string]any
	SortBy    string
	SortOrder string
	Page      int
	PageSize  int
}

// Offset returns the row offset for the page, or -1 when paging is off
func (o ListOptions) Offset() int {
	if o.Page <= 0 || o.PageSize <= 0 {
		return -1
	}
	return (o.Page - 1) * o.PageSize
}

func applyFilter(q *gorm.DB, fields FieldMap, filter map[string]any) (*gorm.DB, error) {
	for field, value := range filter {
		col, ok := fields.Column(field)
		if !ok {
			return nil, fmt.Errorf("unknown filter field %q", field)
		}
		q = q.Where(col+" = ?", value)
	}
	return q, nil
}

func applyPage(q *gorm.DB, opts ListOptions) *gorm.DB {
	if off := opts.Offset(); off >= 0 {
		q = q.Offset(off).Limit(opts.PageSize)
	}
	return q
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
