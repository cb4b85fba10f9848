package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// TranslatePlaceholders rewrites positional ? into $1, $2, ... skipping quoted literals.
func TranslatePlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func QuoteIdent(d Dialect, name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholders returns "?, ?, ?" for n parameters.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// UpsertSpec describes a multi-row insert-or-update into one table.
type UpsertSpec struct {
	Table       string
	Columns     []string
	ConflictKey string
	// PreserveBlank columns keep the stored value when the incoming one is NULL or ''.
	PreserveBlank []string
	// GuardColumn, when set, makes an update apply only if the incoming value is not older.
	GuardColumn string
	Rows        int
}

// BuildUpsert renders the dialect specific upsert statement with ? placeholders.
// The conflict key and id are never updated.
func BuildUpsert(d Dialect, spec UpsertSpec) (string, error) {
	if spec.Table == "" || len(spec.Columns) == 0 || spec.Rows <= 0 {
		return "", errors.New("upsert: table, columns and rows are required")
	}
	if spec.ConflictKey == "" {
		spec.ConflictKey = "id"
	}
	preserve := make(map[string]bool, len(spec.PreserveBlank))
	for _, c := range spec.PreserveBlank {
		preserve[c] = true
	}

	table := QuoteIdent(d, spec.Table)
	quoted := make([]string, len(spec.Columns))
	for i, c := range spec.Columns {
		quoted[i] = QuoteIdent(d, c)
	}
	tuple := "(" + Placeholders(len(spec.Columns)) + ")"
	tuples := make([]string, spec.Rows)
	for i := range tuples {
		tuples[i] = tuple
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES %s", table, strings.Join(quoted, ", "), strings.Join(tuples, ", "))

	var updatable []string
	hasGuard := false
	for _, c := range spec.Columns {
		if c == "id" || c == spec.ConflictKey {
			continue
		}
		if c == spec.GuardColumn {
			hasGuard = true
			continue
		}
		updatable = append(updatable, c)
	}
	if spec.GuardColumn == "" {
		hasGuard = false
	}

	switch d {
	case DialectMySQL:
		sets := make([]string, 0, len(updatable)+1)
		guard := ""
		if hasGuard {
			g := QuoteIdent(d, spec.GuardColumn)
			guard = fmt.Sprintf("VALUES(%s) >= %s", g, g)
		}
		for _, c := range updatable {
			q := QuoteIdent(d, c)
			cond := guard
			if preserve[c] {
				notBlank := fmt.Sprintf("NOT (VALUES(%s) IS NULL OR VALUES(%s) = '')", q, q)
				if cond == "" {
					cond = notBlank
				} else {
					cond = cond + " AND " + notBlank
				}
			}
			if cond == "" {
				sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", q, q))
			} else {
				sets = append(sets, fmt.Sprintf("%s = IF(%s, VALUES(%s), %s)", q, cond, q, q))
			}
		}
		// assignments run left to right, so the guard column goes last
		if hasGuard {
			g := QuoteIdent(d, spec.GuardColumn)
			sets = append(sets, fmt.Sprintf("%s = IF(%s, VALUES(%s), %s)", g, guard, g, g))
		}
		if len(sets) == 0 {
			k := QuoteIdent(d, spec.ConflictKey)
			sets = append(sets, fmt.Sprintf("%s = %s", k, k))
		}
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		b.WriteString(strings.Join(sets, ", "))
	default:
		sets := make([]string, 0, len(updatable)+1)
		for _, c := range updatable {
			q := QuoteIdent(d, c)
			if preserve[c] {
				sets = append(sets, fmt.Sprintf("%s = CASE WHEN excluded.%s IS NULL OR excluded.%s = '' THEN %s.%s ELSE excluded.%s END", q, q, q, table, q, q))
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
		}
		if hasGuard {
			g := QuoteIdent(d, spec.GuardColumn)
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", g, g))
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s)", QuoteIdent(d, spec.ConflictKey))
		if len(sets) == 0 {
			b.WriteString(" DO NOTHING")
			break
		}
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
		if hasGuard {
			g := QuoteIdent(d, spec.GuardColumn)
			fmt.Fprintf(&b, " WHERE excluded.%s >= %s.%s", g, table, g)
		}
	}
	return b.String(), nil
}

// IsDuplicateKey reports a unique or primary key violation on any supported driver.
func IsDuplicateKey(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// RepairSequence moves a postgres serial sequence past MAX(id) after explicit id inserts.
// Other dialects track this themselves.
func RepairSequence(ctx context.Context, s Store, table string) error {
	if s.Dialect() != DialectPostgres {
		return nil
	}
	t := QuoteIdent(DialectPostgres, table)
	query := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)",
		strings.ReplaceAll(table, "'", "''"), t)
	_, _, err := s.Prepare(query).Get(ctx)
	return err
}
