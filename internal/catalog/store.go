// Package catalog persists reusable shell commands in SQLite, with ranked
// search and usage tracking.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a command ID does not exist.
var ErrNotFound = errors.New("command not found")

// Command is a saved shell command.
type Command struct {
	ID          int64     `json:"id"`
	Text        string    `json:"text"`
	Description string    `json:"description"`
	WorkingDir  string    `json:"workingDir"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UsageCount  int       `json:"usageCount"`
}

// Stats summarizes the catalog contents.
type Stats struct {
	Total      int       `json:"total"`
	MostUsed   []Command `json:"mostUsed"`
	AddedToday int       `json:"addedToday"`
	TotalUsage int       `json:"totalUsage"`
}

// Store is a SQLite-backed command catalog.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_text TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	create_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	update_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	usage_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_commands_text ON commands(command_text);
CREATE INDEX IF NOT EXISTS idx_commands_usage ON commands(usage_count DESC);
`

// NewStore opens (creating if needed) the catalog database at the given
// path and ensures the schema exists.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("command catalog ready", zap.String("path", dbPath))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add saves a new command and returns it with its assigned ID.
func (s *Store) Add(ctx context.Context, text, description, workingDir string) (*Command, error) {
	if text == "" {
		return nil, fmt.Errorf("command text is required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (command_text, description, working_directory) VALUES (?, ?, ?)`,
		text, description, workingDir)
	if err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read insert id: %w", err)
	}

	s.logger.Debug("command added", zap.Int64("id", id))
	return s.Get(ctx, id)
}

// Get returns one command by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, command_text, description, working_directory, create_time, update_time, usage_count
		 FROM commands WHERE id = ?`, id)

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query command: %w", err)
	}
	return cmd, nil
}

// allowed update columns, keyed by API field name.
var updateColumns = map[string]string{
	"text":        "command_text",
	"description": "description",
	"workingDir":  "working_directory",
}

// Update modifies the given fields of a command. Unknown field names are
// rejected rather than ignored.
func (s *Store) Update(ctx context.Context, id int64, fields map[string]string) (*Command, error) {
	if len(fields) == 0 {
		return s.Get(ctx, id)
	}

	query := "UPDATE commands SET "
	args := make([]any, 0, len(fields)+1)
	first := true
	for name, value := range fields {
		col, ok := updateColumns[name]
		if !ok {
			return nil, fmt.Errorf("unknown field: %s", name)
		}
		if !first {
			query += ", "
		}
		query += col + " = ?"
		args = append(args, value)
		first = false
	}
	query += ", update_time = CURRENT_TIMESTAMP WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	return s.Get(ctx, id)
}

// Delete removes a command.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Search returns commands matching the query, best first. Exact command
// matches outrank prefix matches, which outrank substring matches;
// description matches rank below all of those. Ties break on usage count,
// then recency.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	if query == "" {
		return s.Recent(ctx, limit)
	}

	prefix := query + "%"
	contains := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_text, description, working_directory, create_time, update_time, usage_count
		FROM (
			SELECT *,
				CASE
					WHEN command_text = ? THEN 1000
					WHEN command_text LIKE ? THEN 100
					WHEN command_text LIKE ? THEN 50
					WHEN description LIKE ? THEN 10
					WHEN description LIKE ? THEN 5
					ELSE 0
				END AS score
			FROM commands
		)
		WHERE score > 0
		ORDER BY score DESC, usage_count DESC, create_time DESC
		LIMIT ?`,
		query, prefix, contains, prefix, contains, limit)
	if err != nil {
		return nil, fmt.Errorf("search commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// Recent returns the most recently created commands.
func (s *Store) Recent(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_text, description, working_directory, create_time, update_time, usage_count
		FROM commands ORDER BY create_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// Popular returns the most used commands.
func (s *Store) Popular(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_text, description, working_directory, create_time, update_time, usage_count
		FROM commands ORDER BY usage_count DESC, create_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list popular commands: %w", err)
	}
	defer rows.Close()

	return collectCommands(rows)
}

// IncrementUsage bumps a command's usage counter, typically when it is
// injected into a shell.
func (s *Store) IncrementUsage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET usage_count = usage_count + 1, update_time = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns catalog-wide statistics including the five most used
// commands.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(usage_count), 0) FROM commands`).
		Scan(&st.Total, &st.TotalUsage)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE date(create_time) = date('now')`).
		Scan(&st.AddedToday)
	if err != nil {
		return nil, fmt.Errorf("count today's commands: %w", err)
	}

	top, err := s.Popular(ctx, 5)
	if err != nil {
		return nil, err
	}
	st.MostUsed = top

	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	err := row.Scan(&cmd.ID, &cmd.Text, &cmd.Description, &cmd.WorkingDir,
		&cmd.CreatedAt, &cmd.UpdatedAt, &cmd.UsageCount)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func collectCommands(rows *sql.Rows) ([]Command, error) {
	var result []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return result, nil
}
