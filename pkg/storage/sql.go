package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and column syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend stores keys in one table of a SQLite or Postgres database.
// Transactions map onto database transactions.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

// OpenSQL opens dsn with the driver of dialect and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLBackend, error) {
	driver := string(dialect)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	b, err := NewSQLBackend(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewSQLBackend wraps an open database and creates the schema.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("storage: unknown dialect %q", dialect)
	}
	b := &SQLBackend{db: db, dialect: dialect}
	if err := b.migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	blob := "BLOB"
	if b.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kv (
	k %[1]s PRIMARY KEY,
	v %[1]s NOT NULL
)`, blob)
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders for Postgres.
func (b *SQLBackend) bind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type sqlTx struct {
	b  *SQLBackend
	tx *sql.Tx
}

func (t *sqlTx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRowContext(ctx, t.b.bind(`SELECT v FROM kv WHERE k = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	return v, true, nil
}

func (t *sqlTx) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	query := t.b.bind(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`)
	if _, err := t.tx.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("storage: put: %w", err)
	}
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, key []byte) error {
	if _, err := t.tx.ExecContext(ctx, t.b.bind(`DELETE FROM kv WHERE k = ?`), key); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

func (t *sqlTx) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = t.tx.QueryContext(ctx, t.b.bind(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`), prefix, end)
	} else {
		rows, err = t.tx.QueryContext(ctx, t.b.bind(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k`), prefix)
	}
	if err != nil {
		return fmt.Errorf("storage: scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Collect first: fn may issue queries on the same transaction.
	type kv struct{ k, v []byte }
	var out []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			return fmt.Errorf("storage: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: scan: %w", err)
	}
	_ = rows.Close()
	for _, e := range out {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLBackend) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(readOnly{&sqlTx{b: b, tx: tx}})
}

func (b *SQLBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	if err := fn(&sqlTx{b: b, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Close closes the database when OpenSQL opened it.
func (b *SQLBackend) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}
