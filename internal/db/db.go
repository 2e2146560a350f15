// Package db persists triage classifications and the prompt registry to a
// local SQLite file using a single cooperative connection, mirroring the
// storage layer conventions of the host this guard runs inside.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// Classification is one recorded triage decision.
type Classification struct {
	ID         int64
	MessageID  *string
	FromNode   string
	Tier       string
	Action     string
	Reasoning  string
	PromptHash string
	WallMs     int64
	SessionID  string
	CreatedAt  float64
	TTLExpires float64
}

// Prompt is a named, versioned system prompt pushed through the admin surface.
type Prompt struct {
	Name     string
	Content  string
	Hash     string
	PushedBy string
	PushedAt float64
	Active   bool
}

// Open creates a new DB connection and runs all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	// Goose runs each migration in a transaction by default (useTx=true);
	// a failed statement rolls back fully and goose_db_version is left
	// pointing at the last successfully applied version.
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need direct access.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// --- Classification methods ---

// InsertClassification records one triage decision and returns its rowid.
func (d *DB) InsertClassification(c Classification) (int64, error) {
	res, err := d.conn.Exec(
		`INSERT INTO classifications (message_id, from_node, tier, action, reasoning, prompt_hash, wall_ms, session_id, created_at, ttl_expires)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.MessageID, c.FromNode, c.Tier, c.Action, c.Reasoning, c.PromptHash, c.WallMs, c.SessionID, c.CreatedAt, c.TTLExpires,
	)
	if err != nil {
		return 0, fmt.Errorf("insert classification: %w", err)
	}
	return res.LastInsertId()
}

// PruneExpiredClassifications deletes every classification whose TTL has
// passed as of now, returning the number of rows removed.
func (d *DB) PruneExpiredClassifications(now float64) (int64, error) {
	res, err := d.conn.Exec(`DELETE FROM classifications WHERE ttl_expires < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("prune classifications: %w", err)
	}
	return res.RowsAffected()
}

// CountRecentDrops counts drop decisions from a node prefix since the given
// time. The match is an exact substr comparison, never LIKE, so a sender
// cannot smuggle wildcard characters into the prefix it controls.
func (d *DB) CountRecentDrops(prefix string, since float64) (int64, error) {
	var count int64
	err := d.conn.QueryRow(
		`SELECT count(*) FROM classifications WHERE substr(from_node, 1, 16) = ? AND action = 'drop' AND created_at > ?`,
		prefix, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent drops: %w", err)
	}
	return count, nil
}

// --- Prompt registry methods ---

func scanPrompt(scanner interface{ Scan(...any) error }) (*Prompt, error) {
	var p Prompt
	var active int
	if err := scanner.Scan(&p.Name, &p.Content, &p.Hash, &p.PushedBy, &p.PushedAt, &active); err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}

// EnsureDefaultPrompt inserts the built-in prompt if no row with this name
// exists yet. It never overwrites a prompt already pushed through the admin
// surface.
func (d *DB) EnsureDefaultPrompt(name, content, hash, pushedBy string, pushedAt float64) error {
	_, err := d.conn.Exec(
		`INSERT OR IGNORE INTO prompts (name, content, hash, pushed_by, pushed_at, active) VALUES (?, ?, ?, ?, ?, 1)`,
		name, content, hash, pushedBy, pushedAt,
	)
	if err != nil {
		return fmt.Errorf("ensure default prompt %q: %w", name, err)
	}
	return nil
}

// UpsertPrompt pushes a new active version of a named prompt.
func (d *DB) UpsertPrompt(name, content, hash, pushedBy string, pushedAt float64) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO prompts (name, content, hash, pushed_by, pushed_at, active) VALUES (?, ?, ?, ?, ?, 1)`,
		name, content, hash, pushedBy, pushedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert prompt %q: %w", name, err)
	}
	return nil
}

// GetPrompt returns the named prompt regardless of active state, or nil if
// it does not exist.
func (d *DB) GetPrompt(name string) (*Prompt, error) {
	row := d.conn.QueryRow(`SELECT name, content, hash, pushed_by, pushed_at, active FROM prompts WHERE name = ?`, name)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return p, nil
}

// GetActivePrompt returns the named prompt only if it is currently active.
func (d *DB) GetActivePrompt(name string) (*Prompt, error) {
	row := d.conn.QueryRow(`SELECT name, content, hash, pushed_by, pushed_at, active FROM prompts WHERE name = ? AND active = 1`, name)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active prompt %q: %w", name, err)
	}
	return p, nil
}

// ListPrompts returns every prompt in the registry.
func (d *DB) ListPrompts() ([]Prompt, error) {
	rows, err := d.conn.Query(`SELECT name, content, hash, pushed_by, pushed_at, active FROM prompts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt row: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return out, nil
}
