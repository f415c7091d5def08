package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/huykn/querycache/todo"
)

const sqliteDriver = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS todos (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	text       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
)`

// SQLStore keeps todos in a SQLite database.
type SQLStore struct {
	db  *sql.DB
	now Clock
}

// NewSQLStore opens (and migrates) the SQLite database at dsn. Use
// ":memory:" for a throwaway database.
func NewSQLStore(ctx context.Context, dsn string, now Clock) (*SQLStore, error) {
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: every :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if now == nil {
		now = defaultClock
	}
	return &SQLStore{db: db, now: now}, nil
}

// List returns every todo in creation order.
func (ss *SQLStore) List(ctx context.Context) ([]todo.Todo, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT id, text, status, created_at FROM todos ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []todo.Todo{}
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Get returns the todo with id.
func (ss *SQLStore) Get(ctx context.Context, id string) (todo.Todo, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return todo.Todo{}, ErrNotFound
	}
	row := ss.db.QueryRowContext(ctx, `SELECT id, text, status, created_at FROM todos WHERE id = ?`, n)
	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return todo.Todo{}, ErrNotFound
	}
	return t, err
}

// Add creates an open todo.
func (ss *SQLStore) Add(ctx context.Context, text string) (todo.Todo, error) {
	created := ss.now()
	res, err := ss.db.ExecContext(ctx,
		`INSERT INTO todos (text, status, created_at) VALUES (?, ?, ?)`,
		text, string(todo.StatusOpen), created.Format(time.RFC3339Nano))
	if err != nil {
		return todo.Todo{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return todo.Todo{}, err
	}
	return todo.Todo{ID: strconv.FormatInt(id, 10), Text: text, Status: todo.StatusOpen, CreatedAt: created}, nil
}

// Update applies patch to the todo with id.
func (ss *SQLStore) Update(ctx context.Context, id string, patch todo.Patch) (todo.Todo, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return todo.Todo{}, err
	}
	defer tx.Rollback()

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return todo.Todo{}, ErrNotFound
	}
	t, err := scanTodo(tx.QueryRowContext(ctx, `SELECT id, text, status, created_at FROM todos WHERE id = ?`, n))
	if errors.Is(err, sql.ErrNoRows) {
		return todo.Todo{}, ErrNotFound
	}
	if err != nil {
		return todo.Todo{}, err
	}

	t = applyPatch(t, patch)
	if _, err := tx.ExecContext(ctx, `UPDATE todos SET text = ?, status = ? WHERE id = ?`, t.Text, string(t.Status), n); err != nil {
		return todo.Todo{}, err
	}
	return t, tx.Commit()
}

// Close closes the database.
func (ss *SQLStore) Close() error {
	return ss.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTodo(row scanner) (todo.Todo, error) {
	var (
		id      int64
		t       todo.Todo
		status  string
		created string
	)
	if err := row.Scan(&id, &t.Text, &status, &created); err != nil {
		return todo.Todo{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return todo.Todo{}, fmt.Errorf("todo %d: created_at: %w", id, err)
	}
	t.ID = strconv.FormatInt(id, 10)
	t.Status = todo.Status(status)
	t.CreatedAt = at
	return t, nil
}
