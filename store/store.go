// Package store is the local store adapter shared by both deployment shapes.
// The sync engine talks to a Store only; whether rows live in an embedded
// file or a hosted relational service is decided once at startup.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// Row is one result row keyed by column name.
type Row = map[string]any

type Result struct {
	Changes      int64
	LastInsertID int64
}

type Statement interface {
	All(ctx context.Context, args ...any) ([]Row, error)
	// Get returns the first row; found is false when the query matched nothing.
	Get(ctx context.Context, args ...any) (row Row, found bool, err error)
	Run(ctx context.Context, args ...any) (Result, error)
}

type Store interface {
	Prepare(query string) Statement
	// Transaction runs fn atomically. Nested calls join the outer transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	Exec(ctx context.Context, query string) error
	Dialect() Dialect
}

var ErrUnsupportedDriver = errors.New("unsupported store driver")

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// New wraps an open gorm connection. driver is the configured store driver name.
func New(driver string, gdb *gorm.DB) (Store, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return NewEmbeddedStore(gdb)
	case DialectPostgres, DialectMySQL:
		return NewHostedStore(gdb)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

type baseStore struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

func (s *baseStore) Dialect() Dialect {
	return s.dialect
}

func (s *baseStore) Prepare(query string) Statement {
	st := &statement{store: s, query: query}
	if s.dialect == DialectPostgres {
		st.query = TranslatePlaceholders(query)
		if isInsert(st.query) && !strings.Contains(strings.ToUpper(st.query), "RETURNING") {
			st.query += " RETURNING id"
			st.returning = true
		}
	}
	return st
}

func (s *baseStore) Exec(ctx context.Context, query string) error {
	_, err := s.q.ExecContext(ctx, query)
	return err
}

func (s *baseStore) Transaction(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &baseStore{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

type statement struct {
	store     *baseStore
	query     string
	returning bool
}

func (st *statement) All(ctx context.Context, args ...any) ([]Row, error) {
	rows, err := st.store.q.QueryContext(ctx, st.query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func (st *statement) Get(ctx context.Context, args ...any) (Row, bool, error) {
	rows, err := st.All(ctx, args...)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (st *statement) Run(ctx context.Context, args ...any) (Result, error) {
	if st.returning {
		rows, err := st.store.q.QueryContext(ctx, st.query, args...)
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()
		var res Result
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return Result{}, err
			}
			res.Changes++
			res.LastInsertID = id
		}
		return res, rows.Err()
	}

	r, err := st.store.q.ExecContext(ctx, st.query, args...)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if n, err := r.RowsAffected(); err == nil {
		res.Changes = n
	}
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return res, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			// mysql hands back text and decimals as bytes
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isInsert(query string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT")
}
