package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/agentic-research/cityhall/internal/keystore"
)

// dialect holds what differs between the SQL engines we run on.
type dialect struct {
	driver   string
	seqType  string // auto-increment primary key column type
	numbered bool   // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{driver: "sqlite", seqType: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = dialect{driver: "pgx", seqType: "BIGSERIAL PRIMARY KEY", numbered: true}
)

// rebind rewrites ? placeholders for engines that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS cityhall_vals (
			seq %[1]s,
			id BIGINT NOT NULL,
			parent BIGINT NOT NULL,
			active INTEGER NOT NULL,
			name TEXT NOT NULL,
			override TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL,
			ts BIGINT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			first_last INTEGER NOT NULL,
			protect INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cityhall_vals_id ON cityhall_vals (id, active);
		CREATE INDEX IF NOT EXISTS cityhall_vals_parent ON cityhall_vals (parent, active);
		CREATE TABLE IF NOT EXISTS cityhall_auth (
			seq %[1]s,
			username TEXT NOT NULL,
			passhash TEXT NOT NULL DEFAULT '',
			default_env TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL,
			author TEXT NOT NULL,
			ts BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS cityhall_rights (
			env TEXT NOT NULL,
			username TEXT NOT NULL,
			rights INTEGER NOT NULL,
			author TEXT NOT NULL,
			PRIMARY KEY (env, username)
		);
	`, d.seqType)
}

// SQLBackend stores the tables in SQLite or Postgres.
type SQLBackend struct {
	db *sql.DB
	d  dialect
	mu sync.Mutex // serializes writers; id allocation reads MAX(id)
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQL opens a backend. driver is "sqlite" or "postgres".
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLBackend, error) {
	var d dialect
	switch driver {
	case "sqlite", "sqlite3":
		d = sqliteDialect
	case "postgres", "postgresql", "pgx":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", driver, dsn, err)
	}
	if d == sqliteDialect {
		// One connection: SQLite has a single writer and nested queries
		// are never issued.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	b := &SQLBackend{db: db, d: d}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(b.d.schema(), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Key rows
// ---------------------------------------------------------------------------

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

const rowColumns = "id, parent, active, name, override, author, ts, value, first_last, protect"

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var r Row
	var active, firstLast, protect int
	var ts int64
	if err := s.Scan(&r.ID, &r.Parent, &active, &r.Name, &r.Override, &r.Author, &ts, &r.Value, &firstLast, &protect); err != nil {
		return Row{}, err
	}
	r.Active = active != 0
	r.FirstLast = firstLast != 0
	r.Protect = protect != 0
	r.Datetime = time.Unix(0, ts).UTC()
	return r, nil
}

func (b *SQLBackend) queryRows(ctx context.Context, q string, args ...any) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, b.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLBackend) insertRow(ctx context.Context, x execer, r Row) error {
	_, err := x.ExecContext(ctx, b.d.rebind(
		"INSERT INTO cityhall_vals ("+rowColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		r.ID, r.Parent, b2i(r.Active), r.Name, r.Override, r.Author,
		r.Datetime.UnixNano(), r.Value, b2i(r.FirstLast), b2i(r.Protect))
	return err
}

// withTx runs fn in a transaction under the writer lock.
func (b *SQLBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLBackend) nextID(ctx context.Context, tx *sql.Tx) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM cityhall_vals").Scan(&id)
	return id, err
}

func (b *SQLBackend) CreateRoot(ctx context.Context, author, env string) (int64, error) {
	var id int64
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, b.d.rebind(
			"SELECT COUNT(*) FROM cityhall_vals WHERE active = 1 AND id = parent AND name = ?"), env).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		var err error
		if id, err = b.nextID(ctx, tx); err != nil {
			return err
		}
		return b.insertRow(ctx, tx, Row{
			ID: id, Parent: id, Active: true, Name: env, Author: author,
			Datetime: time.Now(), FirstLast: true,
		})
	})
	return id, err
}

func (b *SQLBackend) EnvRoot(ctx context.Context, env string) (int64, error) {
	var id int64
	err := b.db.QueryRowContext(ctx, b.d.rebind(
		"SELECT id FROM cityhall_vals WHERE active = 1 AND id = parent AND name = ?"), env).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("query root of %s: %w", env, err)
	}
	return id, nil
}

func (b *SQLBackend) ChildrenOf(ctx context.Context, id int64) ([]Row, error) {
	rows, err := b.queryRows(ctx,
		"SELECT "+rowColumns+" FROM cityhall_vals WHERE active = 1 AND parent = ? AND id != parent ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("query children of %d: %w", id, err)
	}
	return rows, nil
}

func (b *SQLBackend) Create(ctx context.Context, author string, parent int64, name, value, override string) (int64, error) {
	var id int64
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = b.nextID(ctx, tx); err != nil {
			return err
		}
		return b.insertRow(ctx, tx, Row{
			ID: id, Parent: parent, Active: true, Name: name, Override: override,
			Author: author, Datetime: time.Now(), Value: value, FirstLast: true,
		})
	})
	return id, err
}

// revise deactivates id's current row and inserts edit(copy) as the new one.
func (b *SQLBackend) revise(ctx context.Context, author string, id int64, edit func(*Row) bool) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanRow(tx.QueryRowContext(ctx, b.d.rebind(
			"SELECT "+rowColumns+" FROM cityhall_vals WHERE id = ? AND active = 1"), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		next := cur
		next.Author = author
		next.Datetime = time.Now()
		next.FirstLast = false
		if !edit(&next) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, b.d.rebind(
			"UPDATE cityhall_vals SET active = 0 WHERE id = ? AND active = 1"), id); err != nil {
			return err
		}
		return b.insertRow(ctx, tx, next)
	})
}

func (b *SQLBackend) Update(ctx context.Context, author string, id int64, value string) error {
	return b.revise(ctx, author, id, func(r *Row) bool {
		r.Value = value
		return true
	})
}

func (b *SQLBackend) SetProtect(ctx context.Context, author string, id int64, protect bool) error {
	return b.revise(ctx, author, id, func(r *Row) bool {
		if r.Protect == protect {
			return false
		}
		r.Protect = protect
		return true
	})
}

func (b *SQLBackend) Delete(ctx context.Context, author string, id int64) error {
	return b.revise(ctx, author, id, func(r *Row) bool {
		r.Active = false
		r.FirstLast = true
		return true
	})
}

func (b *SQLBackend) Get(ctx context.Context, id int64) (Row, error) {
	r, err := scanRow(b.db.QueryRowContext(ctx, b.d.rebind(
		"SELECT "+rowColumns+" FROM cityhall_vals WHERE id = ? AND active = 1"), id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Row{}, ErrNotFound
	case err != nil:
		return Row{}, fmt.Errorf("query key %d: %w", id, err)
	}
	return r, nil
}

func (b *SQLBackend) History(ctx context.Context, id int64) ([]Row, error) {
	rows, err := b.queryRows(ctx,
		"SELECT "+rowColumns+" FROM cityhall_vals WHERE id = ? OR (parent = ? AND first_last = 1 AND id != parent) ORDER BY seq",
		id, id)
	if err != nil {
		return nil, fmt.Errorf("query history of %d: %w", id, err)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Users and rights
// ---------------------------------------------------------------------------

func (b *SQLBackend) CreateUser(ctx context.Context, author, user, passhash string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, b.d.rebind(
			"SELECT COUNT(*) FROM cityhall_auth WHERE active = 1 AND username = ?"), user).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		_, err := tx.ExecContext(ctx, b.d.rebind(
			"INSERT INTO cityhall_auth (username, passhash, default_env, active, author, ts) VALUES (?, ?, '', 1, ?, ?)"),
			user, passhash, author, time.Now().UnixNano())
		return err
	})
}

func (b *SQLBackend) GetUser(ctx context.Context, user string) (User, error) {
	u := User{Name: user}
	err := b.db.QueryRowContext(ctx, b.d.rebind(
		"SELECT passhash, default_env FROM cityhall_auth WHERE active = 1 AND username = ?"), user).Scan(&u.Passhash, &u.DefaultEnv)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (b *SQLBackend) retireUser(ctx context.Context, tx *sql.Tx, user string) error {
	res, err := tx.ExecContext(ctx, b.d.rebind(
		"UPDATE cityhall_auth SET active = 0 WHERE active = 1 AND username = ?"), user)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLBackend) UpdateUser(ctx context.Context, author string, u User) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.retireUser(ctx, tx, u.Name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, b.d.rebind(
			"INSERT INTO cityhall_auth (username, passhash, default_env, active, author, ts) VALUES (?, ?, ?, 1, ?, ?)"),
			u.Name, u.Passhash, u.DefaultEnv, author, time.Now().UnixNano())
		return err
	})
}

func (b *SQLBackend) DeleteUser(ctx context.Context, author, user string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := b.retireUser(ctx, tx, user); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, b.d.rebind(
			"INSERT INTO cityhall_auth (username, passhash, default_env, active, author, ts) VALUES (?, '', '', 0, ?, ?)"),
			user, author, time.Now().UnixNano()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, b.d.rebind("DELETE FROM cityhall_rights WHERE username = ?"), user)
		return err
	})
}

func (b *SQLBackend) Rights(ctx context.Context, env, user string) (keystore.Rights, error) {
	var r int
	err := b.db.QueryRowContext(ctx, b.d.rebind(
		"SELECT rights FROM cityhall_rights WHERE env = ? AND username = ?"), env, user).Scan(&r)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return keystore.RightsNone, nil
	case err != nil:
		return keystore.RightsNone, fmt.Errorf("query rights of %s on %s: %w", user, env, err)
	}
	return keystore.Rights(r), nil
}

func (b *SQLBackend) SetRights(ctx context.Context, author, env, user string, r keystore.Rights) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == keystore.RightsNone {
		_, err := b.db.ExecContext(ctx, b.d.rebind(
			"DELETE FROM cityhall_rights WHERE env = ? AND username = ?"), env, user)
		return err
	}
	_, err := b.db.ExecContext(ctx, b.d.rebind(
		`INSERT INTO cityhall_rights (env, username, rights, author) VALUES (?, ?, ?, ?)
		 ON CONFLICT (env, username) DO UPDATE SET rights = excluded.rights, author = excluded.author`),
		env, user, int(r), author)
	return err
}

func (b *SQLBackend) rightsMap(ctx context.Context, q string, arg string) (map[string]keystore.Rights, error) {
	rows, err := b.db.QueryContext(ctx, b.d.rebind(q), arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]keystore.Rights)
	for rows.Next() {
		var k string
		var r int
		if err := rows.Scan(&k, &r); err != nil {
			return nil, err
		}
		out[k] = keystore.Rights(r)
	}
	return out, rows.Err()
}

func (b *SQLBackend) UserRights(ctx context.Context, user string) (map[string]keystore.Rights, error) {
	return b.rightsMap(ctx, "SELECT env, rights FROM cityhall_rights WHERE username = ?", user)
}

func (b *SQLBackend) EnvUsers(ctx context.Context, env string) (map[string]keystore.Rights, error) {
	return b.rightsMap(ctx, "SELECT username, rights FROM cityhall_rights WHERE env = ?", env)
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}
