package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/petervdpas/goop2-rtc/internal/changefeed"
	"github.com/petervdpas/goop2-rtc/internal/util"
)

var log = logging.Logger("storage")

// DefaultStaleAfter is how old a typing row may be before Open prunes it.
const DefaultStaleAfter = 30 * time.Second

// Notifier receives a change after every committed write.
type Notifier interface {
	Publish(ctx context.Context, c changefeed.Change) error
}

// Options tunes Open. Zero values use the defaults.
type Options struct {
	// Notifier publishes row changes. Nil disables change notification.
	Notifier   Notifier
	Clock      clock.Clock
	StaleAfter time.Duration
	// Table names the typing table and the Table of every published change.
	Table string
}

// DB wraps a SQLite database for a peer
type DB struct {
	db     *sql.DB
	path   string
	notify Notifier
	clk    clock.Clock
	table  string
	mu     sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(ctx context.Context, configDir string, opts Options) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	table := opts.Table
	if table == "" {
		table = DefaultTypingTable
	}
	if err := util.ValidateTableName(table); err != nil {
		return nil, err
	}

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// updated_at is unix milliseconds so pruning follows the injected clock.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + table + ` (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create typing table: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	d := &DB{db: db, path: dbPath, notify: opts.Notifier, clk: clk, table: table}

	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	n, err := d.PruneTyping(ctx, stale)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prune typing rows: %w", err)
	}
	if n > 0 {
		log.Infof("pruned %d stale typing rows", n)
	}
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Table returns the typing table name.
func (d *DB) Table() string {
	return d.table
}

// SetMeta stores a key/value pair in the metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetMeta returns the value stored under key, or "" if unset.
func (d *DB) GetMeta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// publish hands c to the notifier.
func (d *DB) publish(ctx context.Context, c changefeed.Change) error {
	if d.notify == nil {
		return nil
	}
	if err := d.notify.Publish(ctx, c); err != nil {
		return fmt.Errorf("publish %s on %s: %w", c.Kind, c.Table, err)
	}
	return nil
}
