package ispyb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
)

var postgresDialect = dialect{
	primaryKey: `"id" BIGSERIAL PRIMARY KEY`,
	types: map[kind]string{
		kindInt:   "BIGINT",
		kindFloat: "DOUBLE PRECISION",
		kindText:  "TEXT",
	},
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	returning:   true,
}

// Postgres is the shared store used by a deployment with several
// connector instances.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and creates missing tables.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ispyb: connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return pgError("begin", err)
	}
	defer tx.Rollback(ctx)
	for _, name := range TableNames() {
		if _, err := tx.Exec(ctx, postgresDialect.createTable(tables[name])); err != nil {
			return pgError("create "+name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Insert(ctx context.Context, tableName string, row Row) (int64, error) {
	t, names, values, err := prepareWrite(tableName, row)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := p.pool.QueryRow(ctx, postgresDialect.insert(t, names), values...).Scan(&id); err != nil {
		return 0, pgError("insert "+tableName, err)
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, tableName string, id int64, row Row) error {
	t, names, values, err := prepareWrite(tableName, row)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		_, err := p.Get(ctx, tableName, id)
		return err
	}
	tag, err := p.pool.Exec(ctx, postgresDialect.update(t, names), append(values, id)...)
	if err != nil {
		return pgError("update "+tableName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, tableName, id)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, tableName string, id int64) (Row, error) {
	rows, err := p.Select(ctx, tableName, Row{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, tableName, id)
	}
	return rows[0], nil
}

func (p *Postgres) Select(ctx context.Context, tableName string, where Row) ([]Row, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, err
	}
	names, values, err := t.normalize(where)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, postgresDialect.selectWhere(t, names), values...)
	if err != nil {
		return nil, pgError("select "+tableName, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, pgError("scan "+tableName, err)
		}
		out = append(out, t.row(values))
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("select "+tableName, err)
	}
	return out, nil
}

// pgError marks serialization failures, deadlocks and dropped
// connections as retryable.
func pgError(op string, err error) error {
	if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
		if pgerrcode.IsTransactionRollback(pgerr.Code) || pgerrcode.IsConnectionException(pgerr.Code) {
			return fmt.Errorf("%w: %s: %v", ErrRetryable, op, err)
		}
		if pgerr.Code == pgerrcode.UndefinedTable {
			return fmt.Errorf("%w: %s: %v", ErrUnknownTable, op, err)
		}
	}
	return fmt.Errorf("ispyb: %s: %w", op, err)
}
