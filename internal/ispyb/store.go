package ispyb

import (
	"context"
	"fmt"
)

// Store persists records. Implementations assign ids; callers never do.
type Store interface {
	// Insert adds a row and returns its new id.
	Insert(ctx context.Context, table string, row Row) (int64, error)
	// Update changes the given columns of one row.
	Update(ctx context.Context, table string, id int64, row Row) error
	// Get returns one row or ErrNotFound.
	Get(ctx context.Context, table string, id int64) (Row, error)
	// Select returns the rows whose columns equal where, ordered by id.
	Select(ctx context.Context, table string, where Row) ([]Row, error)
	Close() error
}

// Open connects to a store. driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		return OpenSQLite(dsn)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// prepareWrite resolves table and columns for Insert and Update.
func prepareWrite(tableName string, row Row) (*table, []string, []any, error) {
	t, err := lookupTable(tableName)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, ok := row["id"]; ok {
		return nil, nil, nil, invalid("%s: ids are assigned by the store", tableName)
	}
	names, values, err := t.normalize(row)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, names, values, nil
}
