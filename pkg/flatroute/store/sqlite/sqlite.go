package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cognicore/flatroute/pkg/flatroute/internalerr"
	"github.com/cognicore/flatroute/pkg/flatroute/record"
	"github.com/cognicore/flatroute/pkg/flatroute/store"
)

// sqliteStore implements the Store interface using SQLite
type sqliteStore struct {
	db *sql.DB
}

// Options tunes the SQLite connection pool.
type Options struct {
	// MaxOpenConns caps concurrent connections; chunk workers beyond this
	// wait for a connection. Zero means 4.
	MaxOpenConns int
	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

// OpenSQLite opens a SQLite database with WAL mode enabled and creates the
// destination tables.
func OpenSQLite(ctx context.Context, path string, opts ...Options) (store.Store, error) {
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 10 * time.Second
	}

	db, err := sql.Open("sqlite", dsn(path, o.BusyTimeout))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: open %s", path)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		o.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(o.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(errors.Join(internalerr.ErrStoreUnavailable, err), "sqlite: ping")
	}

	// Initialize schema
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: init schema")
	}

	return &sqliteStore{db: db}, nil
}

// dsn applies per-connection pragmas. Transactions take the write lock
// up front so concurrent chunk commits queue on busy_timeout instead of
// failing on lock upgrade.
func dsn(path string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, sep, busy.Milliseconds())
}

// Close closes the database connection
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS customers (
	id INTEGER PRIMARY KEY,
	first_name TEXT,
	last_name TEXT,
	email TEXT,
	created_at TEXT
);

CREATE TABLE IF NOT EXISTS products (
	id INTEGER PRIMARY KEY,
	name TEXT,
	description TEXT,
	price_cents INTEGER NOT NULL,
	created_at TEXT
);
`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// Begin starts a transaction for one chunk
func (s *sqliteStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// InsertCustomers inserts all rows through one prepared statement
func (t *sqliteTx) InsertCustomers(ctx context.Context, rows []*record.Customer) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO customers (id, first_name, last_name, email, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range rows {
		if _, err := stmt.ExecContext(ctx, c.ID, c.FirstName, c.LastName, c.Email, formatTime(c.ProcessedAt)); err != nil {
			return insertErr(err, "customers", c.ID)
		}
	}
	return nil
}

// InsertProducts inserts all rows through one prepared statement
func (t *sqliteTx) InsertProducts(ctx context.Context, rows []*record.Product) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO products (id, name, description, price_cents, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range rows {
		if _, err := stmt.ExecContext(ctx, p.ID, p.Name, p.Description, p.PriceCents, formatTime(p.ProcessedAt)); err != nil {
			return insertErr(err, "products", p.ID)
		}
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// insertErr maps primary key violations onto internalerr.ErrDuplicate.
func insertErr(err error, table string, id int64) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch {
		case serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(serr.Error(), "UNIQUE"):
			return fmt.Errorf("%s id %d: %w", table, id, internalerr.ErrDuplicate)
		}
	}
	return fmt.Errorf("%s id %d: %w", table, id, err)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CountCustomers returns the number of stored customers
func (s *sqliteStore) CountCustomers(ctx context.Context) (int64, error) {
	return s.count(ctx, "customers")
}

// CountProducts returns the number of stored products
func (s *sqliteStore) CountProducts(ctx context.Context) (int64, error) {
	return s.count(ctx, "products")
}

func (s *sqliteStore) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	return n, err
}

// ListCustomers returns all customers ordered by id
func (s *sqliteStore) ListCustomers(ctx context.Context) ([]record.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, first_name, last_name, email, created_at
FROM customers
ORDER BY id;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Customer
	for rows.Next() {
		var c record.Customer
		var created sql.NullString
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &created); err != nil {
			return nil, err
		}
		if c.ProcessedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListProducts returns all products ordered by id
func (s *sqliteStore) ListProducts(ctx context.Context) ([]record.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, description, price_cents, created_at
FROM products
ORDER BY id;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Product
	for rows.Next() {
		var p record.Product
		var created sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &created); err != nil {
			return nil, err
		}
		if p.ProcessedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
