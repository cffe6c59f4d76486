package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const partitionSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL UNIQUE,
	created INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	ua TEXT NOT NULL DEFAULT '',
	referrer TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS hits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	referrer TEXT NOT NULL DEFAULT '',
	time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hits_time ON hits(time);

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL CHECK (origin IN ('client', 'server')),
	message TEXT NOT NULL,
	level INTEGER NOT NULL,
	tag TEXT NOT NULL DEFAULT '',
	time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_time ON logs(origin, time);

CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message TEXT NOT NULL,
	time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	cpu REAL NOT NULL DEFAULT 0,
	mem_used REAL NOT NULL DEFAULT 0,
	mem_total REAL NOT NULL DEFAULT 0,
	net_up REAL NOT NULL DEFAULT 0,
	net_down REAL NOT NULL DEFAULT 0,
	disk_used REAL NOT NULL DEFAULT 0,
	disk_total REAL NOT NULL DEFAULT 0,
	time INTEGER NOT NULL
);
`

// Partitions manages the per-application event databases. Handles are
// opened on first use and held in a bounded cache whose TTL eviction
// closes databases that sat idle, as does LRU displacement when too many
// apps are active at once.
type Partitions struct {
	dir   string
	mu    sync.Mutex
	cache *expirable.LRU[int64, *sql.DB]

	// OnOpen, if set, is called whenever a partition file is opened.
	OnOpen func()
}

// NewPartitions creates the manager rooted at dir. maxOpen bounds the
// number of simultaneously open partitions and idleTTL closes handles
// that have not been used.
func NewPartitions(dir string, maxOpen int, idleTTL time.Duration) (*Partitions, error) {
	if maxOpen <= 0 {
		maxOpen = 64
	}
	if err := os.MkdirAll(filepath.Join(dir, "apps"), 0o755); err != nil {
		return nil, fmt.Errorf("creating partition directory: %w", err)
	}

	p := &Partitions{dir: dir}
	// The cache TTL runs from the most recent Add, so DB re-adds on
	// every hit and only partitions idle for a full TTL get closed.
	// Close lets queries already executing finish; maxOpen should
	// exceed the number of concurrently active apps so displacement
	// never closes a handle a request still holds.
	p.cache = expirable.NewLRU[int64, *sql.DB](maxOpen, func(_ int64, db *sql.DB) {
		db.Close()
	}, idleTTL)
	return p, nil
}

func (p *Partitions) path(appID int64) string {
	return filepath.Join(p.dir, "apps", fmt.Sprintf("%d.sqlite", appID))
}

// DB returns the open event database for an app, creating the partition
// file on first use.
func (p *Partitions) DB(appID int64) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.cache.Get(appID); ok {
		// Renew the idle TTL; a partition in constant use must never
		// have its handle closed out from under a request.
		p.cache.Add(appID, db)
		return db, nil
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", p.path(appID))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening partition for app %d: %w", appID, err)
	}
	// SQLite serializes writers; a single connection avoids lock
	// contention between them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(partitionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing partition for app %d: %w", appID, err)
	}

	p.cache.Add(appID, db)
	if p.OnOpen != nil {
		p.OnOpen()
	}
	return db, nil
}

// Drop closes and irrecoverably deletes an app's partition. Dropping an
// app that never stored events is not an error.
func (p *Partitions) Drop(appID int64) error {
	p.mu.Lock()
	p.cache.Remove(appID) // eviction callback closes the handle
	p.mu.Unlock()

	if err := os.Remove(p.path(appID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing partition for app %d: %w", appID, err)
	}
	return nil
}

// Vacuum compacts every partition that is currently open. Idle
// partitions are left alone; they are compacted the next time they come
// back into rotation. Returns the number of partitions vacuumed and the
// first error encountered.
func (p *Partitions) Vacuum(ctx context.Context) (int, error) {
	p.mu.Lock()
	handles := make(map[int64]*sql.DB, p.cache.Len())
	for _, appID := range p.cache.Keys() {
		if db, ok := p.cache.Get(appID); ok {
			handles[appID] = db
		}
	}
	p.mu.Unlock()

	var firstErr error
	n := 0
	for appID, db := range handles {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("vacuuming partition for app %d: %w", appID, err)
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// OpenCount reports the number of partitions currently held open.
func (p *Partitions) OpenCount() int {
	return p.cache.Len()
}

// Close closes all open partitions.
func (p *Partitions) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}
