package ispyb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	primaryKey: `"id" INTEGER PRIMARY KEY AUTOINCREMENT`,
	types: map[kind]string{
		kindInt:   "INTEGER",
		kindFloat: "REAL",
		kindText:  "TEXT",
	},
	placeholder: func(int) string { return "?" },
}

// SQLite is a single-file store for one beamline or a test.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and its tables.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ispyb: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ispyb: connect sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ispyb: %q: %w", pragma, err)
		}
	}
	for _, name := range TableNames() {
		if _, err := db.Exec(sqliteDialect.createTable(tables[name])); err != nil {
			db.Close()
			return nil, fmt.Errorf("ispyb: create %s: %w", name, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Insert(ctx context.Context, tableName string, row Row) (int64, error) {
	t, names, values, err := prepareWrite(tableName, row)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqliteDialect.insert(t, names), values...)
	if err != nil {
		return 0, sqliteError("insert "+tableName, err)
	}
	return res.LastInsertId()
}

func (s *SQLite) Update(ctx context.Context, tableName string, id int64, row Row) error {
	t, names, values, err := prepareWrite(tableName, row)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		_, err := s.Get(ctx, tableName, id)
		return err
	}
	res, err := s.db.ExecContext(ctx, sqliteDialect.update(t, names), append(values, id)...)
	if err != nil {
		return sqliteError("update "+tableName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, tableName, id)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, tableName string, id int64) (Row, error) {
	rows, err := s.Select(ctx, tableName, Row{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, tableName, id)
	}
	return rows[0], nil
}

func (s *SQLite) Select(ctx context.Context, tableName string, where Row) ([]Row, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}
	names, values, err := t.normalize(where)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqliteDialect.selectWhere(t, names), values...)
	if err != nil {
		return nil, sqliteError("select "+tableName, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		values := make([]any, len(t.columns)+1)
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sqliteError("scan "+tableName, err)
		}
		out = append(out, t.row(values))
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("select "+tableName, err)
	}
	return out, nil
}

func sqliteError(op string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %v", ErrRetryable, op, err)
	}
	return fmt.Errorf("ispyb: %s: %w", op, err)
}
