package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ColumnType is the portable attribute type of a collection column
type ColumnType int

const (
	Integer ColumnType = iota
	Text
)

// Column describes one attribute of a collection
type Column struct {
	Name    string
	Type    ColumnType
	Default any
	NotNull bool
}

// IndexColumn is one key part of a secondary index
type IndexColumn struct {
	Name string
	Desc bool
}

// Index is a secondary index maintained alongside a collection
type Index struct {
	Name    string
	Columns []IndexColumn
}

// Schema is the attribute set a collection is created with
type Schema struct {
	Columns    []Column
	PrimaryKey []string
	Indexes    []Index
}

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validName(name string) error {
	if !identifierRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// validate checks every identifier in the schema and that keys reference declared columns
func (s Schema) validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrInvalidName)
	}
	declared := make(map[string]bool, len(s.Columns))
	for _, col := range s.Columns {
		if err := validName(col.Name); err != nil {
			return err
		}
		if declared[col.Name] {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidName, col.Name)
		}
		declared[col.Name] = true
	}
	for _, key := range s.PrimaryKey {
		if !declared[key] {
			return fmt.Errorf("%w: primary key references unknown column %q", ErrInvalidName, key)
		}
	}
	for _, idx := range s.Indexes {
		if err := validName(idx.Name); err != nil {
			return err
		}
		for _, col := range idx.Columns {
			if !declared[col.Name] {
				return fmt.Errorf("%w: index %q references unknown column %q", ErrInvalidName, idx.Name, col.Name)
			}
		}
	}
	return nil
}

// createTableSQL renders the idempotent DDL for a collection
func (s Schema) createTableSQL(d Dialect, collection string) (string, error) {
	parts := make([]string, 0, len(s.Columns)+1)
	for _, col := range s.Columns {
		def := col.Name + " " + d.ColumnType(col.Type)
		if col.NotNull {
			def += " NOT NULL"
		}
		if col.Default != nil {
			lit, err := literal(col.Default)
			if err != nil {
				return "", fmt.Errorf("column %q: %w", col.Name, err)
			}
			def += " DEFAULT " + lit
		}
		parts = append(parts, def)
	}
	if len(s.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+strings.Join(s.PrimaryKey, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", collection, strings.Join(parts, ", ")), nil
}

func (idx Index) createSQL(collection string) string {
	cols := make([]string, len(idx.Columns))
	for i, col := range idx.Columns {
		cols[i] = col.Name
		if col.Desc {
			cols[i] += " DESC"
		}
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.Name, collection, strings.Join(cols, ", "))
}

// literal renders a default value as an SQL literal understood by every dialect
func literal(v any) (string, error) {
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'", nil
	default:
		return "", fmt.Errorf("unsupported default of type %T", v)
	}
}
