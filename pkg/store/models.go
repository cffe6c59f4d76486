// Package store persists the collector's data: a registry database for
// users, dashboard sessions, applications and permissions, plus one
// SQLite partition per application holding that app's events. Partitions
// are opened lazily and closed again after an idle period.
package store

import (
	"errors"
	"fmt"
)

// App is a registered application. The audience key is public and
// embedded in browser tracking snippets; the telemetry key is secret and
// used by server-side clients.
type App struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	OwnerID      int64  `json:"ownerID"`
	AudienceKey  string `json:"audienceKey"`
	TelemetryKey string `json:"telemetryKey"`
}

// User is a dashboard account.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordSalt string `json:"-"`
	PasswordHash string `json:"-"`
}

// DashSession is a dashboard login session, unrelated to visitor
// sessions tracked per app.
type DashSession struct {
	ID     string `json:"id"`
	UserID int64  `json:"-"`
	IP     string `json:"ip"`
	UA     string `json:"ua"`
	Time   int64  `json:"time"`
}

// Permission levels grantable on an app. View allows reading aggregates;
// Edit additionally allows changing the app.
const (
	PermissionView = 1
	PermissionEdit = 2
)

// AppPermission is one user's grant on an app.
type AppPermission struct {
	Username    string `json:"username"`
	Permissions int    `json:"permissions"`
}

// VisitorSession is a tracked visitor of one application. Times are
// epoch milliseconds.
type VisitorSession struct {
	ID         int64  `json:"-"`
	Token      string `json:"-"`
	Created    int64  `json:"created"`
	LastActive int64  `json:"lastActive"`
	UA         string `json:"ua"`
	Referrer   string `json:"referrer"`
}

// Hit is a single page view. Immutable once written.
type Hit struct {
	ID        int64  `json:"-"`
	SessionID int64  `json:"-"`
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	Time      int64  `json:"time"`
}

// LogOrigin distinguishes browser logs from server telemetry logs.
type LogOrigin string

const (
	OriginClient LogOrigin = "client"
	OriginServer LogOrigin = "server"
)

// Log levels accepted for client and server logs.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// LogEntry is a client or server log line.
type LogEntry struct {
	ID      int64  `json:"-"`
	Message string `json:"message"`
	Level   int    `json:"level"`
	Tag     string `json:"tag,omitempty"`
	Time    int64  `json:"time"`
}

// Feedback is a free-form visitor message.
type Feedback struct {
	ID      int64  `json:"-"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// MetricSample is one server metrics reading.
type MetricSample struct {
	ID        int64   `json:"-"`
	Device    string  `json:"device"`
	CPU       float64 `json:"cpu"`
	MemUsed   float64 `json:"memUsed"`
	MemTotal  float64 `json:"memTotal"`
	NetUp     float64 `json:"netUp"`
	NetDown   float64 `json:"netDown"`
	DiskUsed  float64 `json:"diskUsed"`
	DiskTotal float64 `json:"diskTotal"`
	Time      int64   `json:"time"`
}

// TimeRange is a [Start, End] window in epoch milliseconds.
type TimeRange struct {
	Start int64
	End   int64
}

// Contains reports whether ts falls inside the window.
func (tr TimeRange) Contains(ts int64) bool {
	return ts >= tr.Start && ts <= tr.End
}

// Sentinel errors returned by registry and partition lookups.
var (
	ErrAppNotFound     = errors.New("app not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrUsernameTaken   = errors.New("username already taken")
)

// ValidationError reports a missing or invalid event field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing or invalid field: %s", e.Field)
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
