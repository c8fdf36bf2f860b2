// Package store provides a generic record store: named collections with
// dynamic schemas, addressed by exact-equality filters.
//
// Every mutating call is a single auto-committed statement, so each operation
// is atomic with respect to concurrent callers. Cross-call transactions are
// not offered.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Store errors
var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidName = errors.New("invalid collection or attribute name")
	ErrConstraint  = errors.New("constraint violation")
	ErrUnavailable = errors.New("store unavailable")
)

// InsertResult tells a first write apart from a row that already existed
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyPresent
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// MarshalText renders the result by name in JSON responses
func (r InsertResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Row is one record keyed by attribute name
type Row map[string]any

// Filter is an AND-ed set of attribute equality conditions
type Filter map[string]any

// Order is one ORDER BY term
type Order struct {
	Column string
	Desc   bool
}

// FindOptions controls ordering and truncation of Find
type FindOptions struct {
	OrderBy []Order
	Limit   int
}

// Store executes record operations against a database/sql handle
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	closeMu sync.Mutex
	onClose []func()
}

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// OnClose registers fn to run once after the database handle is closed.
// Backends use it to release resources database/sql does not own.
func (s *Store) OnClose(fn func()) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Close closes the underlying database handle, then runs OnClose hooks
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()

	s.closeMu.Lock()
	hooks := s.onClose
	s.onClose = nil
	s.closeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}

// Dialect returns the SQL dialect in use
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks that the backend is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// EnsureCollection creates the collection and its indexes if absent. Repeat calls are no-ops.
func (s *Store) EnsureCollection(ctx context.Context, name string, schema Schema) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := schema.validate(); err != nil {
		return err
	}
	ddl, err := schema.createTableSQL(s.dialect, name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return s.classify("creating collection "+name, err)
	}
	for _, idx := range schema.Indexes {
		if _, err := s.db.ExecContext(ctx, idx.createSQL(name)); err != nil {
			return s.classify("creating index "+idx.Name, err)
		}
	}
	s.logger.Debug("collection ensured", "collection", name, "dialect", s.dialect.Name())
	return nil
}

// Insert adds a row. A row whose unique key already exists is left untouched
// and reported as AlreadyPresent rather than as an error.
func (s *Store) Insert(ctx context.Context, collection string, row Row) (InsertResult, error) {
	if err := validName(collection); err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, fmt.Errorf("%w: empty row", ErrInvalidName)
	}
	cols, args, err := s.sortedAttrs(row)
	if err != nil {
		return 0, err
	}
	holders := make([]string, len(cols))
	for i := range cols {
		holders[i] = s.dialect.Placeholder(i + 1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		collection, strings.Join(cols, ", "), strings.Join(holders, ", "),
	)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.classify("inserting into "+collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.classify("inserting into "+collection, err)
	}
	if affected == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

// GetOne returns the first row matching filter, or ErrNotFound
func (s *Store) GetOne(ctx context.Context, collection string, filter Filter) (Row, error) {
	rows, err := s.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Find returns every row matching filter, optionally ordered and limited
func (s *Store) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Row, error) {
	if err := validName(collection); err != nil {
		return nil, err
	}
	where, args, err := s.whereClause(filter, 1)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(collection)
	b.WriteString(where)
	if len(opts.OrderBy) > 0 {
		terms := make([]string, len(opts.OrderBy))
		for i, o := range opts.OrderBy {
			if err := validName(o.Column); err != nil {
				return nil, err
			}
			terms[i] = o.Column
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(opts.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, s.classify("querying "+collection, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, s.classify("reading columns of "+collection, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.classify("scanning "+collection, err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("iterating "+collection, err)
	}
	return out, nil
}

// Update overwrites the attributes in patch on every row matching filter
func (s *Store) Update(ctx context.Context, collection string, patch Row, filter Filter) (int64, error) {
	if err := validName(collection); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, fmt.Errorf("%w: empty patch", ErrInvalidName)
	}
	cols, args, err := s.sortedAttrs(patch)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = " + s.dialect.Placeholder(i+1)
	}
	where, whereArgs, err := s.whereClause(filter, len(cols)+1)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s", collection, strings.Join(sets, ", "), where)
	result, err := s.db.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, s.classify("updating "+collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.classify("updating "+collection, err)
	}
	return affected, nil
}

// Delete removes every row matching filter
func (s *Store) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := validName(collection); err != nil {
		return 0, err
	}
	where, args, err := s.whereClause(filter, 1)
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM "+collection+where, args...)
	if err != nil {
		return 0, s.classify("deleting from "+collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.classify("deleting from "+collection, err)
	}
	return affected, nil
}

// sortedAttrs returns validated attribute names in a stable order with their values
func (s *Store) sortedAttrs(attrs map[string]any) ([]string, []any, error) {
	cols := slices.Sorted(maps.Keys(attrs))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validName(col); err != nil {
			return nil, nil, err
		}
		args[i] = attrs[col]
	}
	return cols, args, nil
}

// whereClause renders filter with placeholders numbered from start
func (s *Store) whereClause(filter Filter, start int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	cols, args, err := s.sortedAttrs(filter)
	if err != nil {
		return "", nil, err
	}
	clauses := make([]string, len(cols))
	for i, col := range cols {
		clauses[i] = col + " = " + s.dialect.Placeholder(start+i)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// classify maps a driver error onto the store sentinels
func (s *Store) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.dialect.IsConstraintViolation(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
