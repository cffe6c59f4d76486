package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry is the shared database holding users, dashboard sessions,
// apps and permissions. It runs on SQLite by default and optionally on
// PostgreSQL; all queries use $N placeholders, which both drivers accept.
type Registry struct {
	db     *sql.DB
	driver string
}

const registrySchemaSQLite = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_salt TEXT NOT NULL,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dash_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ip TEXT NOT NULL DEFAULT '',
	ua TEXT NOT NULL DEFAULT '',
	time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS apps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	audience_key TEXT NOT NULL UNIQUE,
	telemetry_key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS app_permissions (
	app_id INTEGER NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	permissions INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (app_id, user_id)
);
`

const registrySchemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_salt TEXT NOT NULL,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dash_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	ip TEXT NOT NULL DEFAULT '',
	ua TEXT NOT NULL DEFAULT '',
	time BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS apps (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	audience_key TEXT NOT NULL UNIQUE,
	telemetry_key TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS app_permissions (
	app_id BIGINT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	permissions INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (app_id, user_id)
);
`

// OpenRegistry opens the registry database and ensures its schema.
// Supported drivers are "sqlite3" and "postgres".
func OpenRegistry(driver, dsn string) (*Registry, error) {
	var schema string
	switch driver {
	case "sqlite3":
		schema = registrySchemaSQLite
	case "postgres":
		schema = registrySchemaPostgres
	default:
		return nil, fmt.Errorf("unsupported registry driver: %s", driver)
	}

	// The foreign_keys pragma is per-connection, so it has to ride on
	// the DSN to cover every connection the pool opens.
	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging registry: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry schema: %w", err)
	}

	return &Registry{db: db, driver: driver}, nil
}

// NewRegistryWithDB wraps an already-open database, used by tests.
func NewRegistryWithDB(db *sql.DB, driver string) *Registry {
	return &Registry{db: db, driver: driver}
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping verifies connectivity, for health checks.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateUser inserts a dashboard account with precomputed password
// derivation material. Returns ErrUsernameTaken on a duplicate name.
func (r *Registry) CreateUser(ctx context.Context, username, salt, hash string) (*User, error) {
	var exists int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE username = $1`, username).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrUsernameTaken
	}

	user := &User{Username: username, PasswordSalt: salt, PasswordHash: hash}
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_salt, password_hash)
		 VALUES ($1, $2, $3) RETURNING id`,
		username, salt, hash).Scan(&user.ID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByUsername looks up an account by name.
func (r *Registry) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_salt, password_hash
		 FROM users WHERE username = $1`, username))
}

// GetUser looks up an account by id.
func (r *Registry) GetUser(ctx context.Context, id int64) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		`SELECT id, username, password_salt, password_hash
		 FROM users WHERE id = $1`, id))
}

func (r *Registry) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordSalt, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUser changes the username and, when salt and hash are non-empty,
// the password material.
func (r *Registry) UpdateUser(ctx context.Context, id int64, username, salt, hash string) (*User, error) {
	if username != "" {
		var taken int
		err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE username = $1 AND id != $2`,
			username, id).Scan(&taken)
		if err != nil {
			return nil, err
		}
		if taken > 0 {
			return nil, ErrUsernameTaken
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE users SET username = $1 WHERE id = $2`, username, id); err != nil {
			return nil, err
		}
	}
	if salt != "" && hash != "" {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE users SET password_salt = $1, password_hash = $2 WHERE id = $3`,
			salt, hash, id); err != nil {
			return nil, err
		}
	}
	return r.GetUser(ctx, id)
}

// DeleteUser removes an account. Sessions, apps and permissions cascade.
func (r *Registry) DeleteUser(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateDashSession starts a dashboard login session.
func (r *Registry) CreateDashSession(ctx context.Context, userID int64, ip, ua string) (*DashSession, error) {
	s := &DashSession{
		ID:     uuid.NewString(),
		UserID: userID,
		IP:     ip,
		UA:     ua,
		Time:   time.Now().UnixMilli(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO dash_sessions (id, user_id, ip, ua, time)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.IP, s.UA, s.Time)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetDashSession resolves a dashboard session by its key.
func (r *Registry) GetDashSession(ctx context.Context, id string) (*DashSession, error) {
	var s DashSession
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, ip, ua, time FROM dash_sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.IP, &s.UA, &s.Time)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListDashSessions lists a user's dashboard sessions, newest first.
func (r *Registry) ListDashSessions(ctx context.Context, userID int64) ([]DashSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, ip, ua, time FROM dash_sessions
		 WHERE user_id = $1 ORDER BY time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []DashSession{}
	for rows.Next() {
		var s DashSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.IP, &s.UA, &s.Time); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteDashSession ends one dashboard session.
func (r *Registry) DeleteDashSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dash_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteAllDashSessions ends every session of a user.
func (r *Registry) DeleteAllDashSessions(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM dash_sessions WHERE user_id = $1`, userID)
	return err
}

// DeleteExpiredDashSessions prunes sessions older than maxAge, returning
// the number removed. Run from the maintenance schedule.
func (r *Registry) DeleteExpiredDashSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM dash_sessions WHERE time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateApp registers an application, generating its audience and
// telemetry keys.
func (r *Registry) CreateApp(ctx context.Context, ownerID int64, name, description string) (*App, error) {
	app := &App{
		Name:         name,
		Description:  description,
		OwnerID:      ownerID,
		AudienceKey:  uuid.NewString(),
		TelemetryKey: uuid.NewString(),
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO apps (name, description, owner_id, audience_key, telemetry_key)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		app.Name, app.Description, app.OwnerID, app.AudienceKey, app.TelemetryKey).
		Scan(&app.ID)
	if err != nil {
		return nil, err
	}
	return app, nil
}

const appColumns = `id, name, description, owner_id, audience_key, telemetry_key`

func (r *Registry) scanApp(row *sql.Row) (*App, error) {
	var a App
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.OwnerID, &a.AudienceKey, &a.TelemetryKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetApp looks up an application by id.
func (r *Registry) GetApp(ctx context.Context, id int64) (*App, error) {
	return r.scanApp(r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = $1`, id))
}

// GetAppByAudienceKey resolves the application for an Audience-Key
// header value.
func (r *Registry) GetAppByAudienceKey(ctx context.Context, key string) (*App, error) {
	return r.scanApp(r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE audience_key = $1`, key))
}

// GetAppByTelemetryKey resolves the application for a Telemetry-Key
// header value.
func (r *Registry) GetAppByTelemetryKey(ctx context.Context, key string) (*App, error) {
	return r.scanApp(r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE telemetry_key = $1`, key))
}

// ListApps returns the apps a user owns or has been granted access to.
func (r *Registry) ListApps(ctx context.Context, userID int64) ([]App, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT a.id, a.name, a.description, a.owner_id, a.audience_key, a.telemetry_key
		 FROM apps a
		 LEFT JOIN app_permissions p ON p.app_id = a.id
		 WHERE a.owner_id = $1 OR p.user_id = $1
		 ORDER BY a.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := []App{}
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.OwnerID,
			&a.AudienceKey, &a.TelemetryKey); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// UpdateApp changes an app's name and description.
func (r *Registry) UpdateApp(ctx context.Context, id int64, name, description string) (*App, error) {
	if name != "" {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE apps SET name = $1 WHERE id = $2`, name, id); err != nil {
			return nil, err
		}
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE apps SET description = $1 WHERE id = $2`, description, id); err != nil {
		return nil, err
	}
	return r.GetApp(ctx, id)
}

// DeleteApp removes the registry row. The caller is responsible for
// dropping the app's event partition.
func (r *Registry) DeleteApp(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAppNotFound
	}
	return nil
}

// SetPermission grants or updates a user's permissions on an app.
func (r *Registry) SetPermission(ctx context.Context, appID, userID int64, permissions int) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM app_permissions WHERE app_id = $1 AND user_id = $2`,
		appID, userID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO app_permissions (app_id, user_id, permissions)
		 VALUES ($1, $2, $3)`, appID, userID, permissions)
	return err
}

// RevokePermission removes a user's grant on an app.
func (r *Registry) RevokePermission(ctx context.Context, appID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM app_permissions WHERE app_id = $1 AND user_id = $2`,
		appID, userID)
	return err
}

// GetPermission reports a user's permission bits on an app; zero when no
// grant exists.
func (r *Registry) GetPermission(ctx context.Context, appID, userID int64) (int, error) {
	var permissions int
	err := r.db.QueryRowContext(ctx,
		`SELECT permissions FROM app_permissions WHERE app_id = $1 AND user_id = $2`,
		appID, userID).Scan(&permissions)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return permissions, nil
}

// ListPermissions lists all grants on an app with usernames resolved.
func (r *Registry) ListPermissions(ctx context.Context, appID int64) ([]AppPermission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.username, p.permissions
		 FROM app_permissions p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.app_id = $1 ORDER BY u.username`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []AppPermission{}
	for rows.Next() {
		var g AppPermission
		if err := rows.Scan(&g.Username, &g.Permissions); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
