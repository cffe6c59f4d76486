// Package audience computes the aggregate views served to the
// dashboard. Nothing here is precomputed; every aggregate is derived
// from the app's raw partition at read time, so re-running a query
// over the same window always reproduces the same result.
package audience

import (
	"context"
	"strconv"
	"time"

	"github.com/crash-course/backend/pkg/store"
)

// DefaultRealtimeWindow bounds the "happening now" view.
const DefaultRealtimeWindow = 5 * time.Minute

// Realtime is the live snapshot of an app's audience.
type Realtime struct {
	CurrentUsers int            `json:"currentUsers"`
	Pages        map[string]int `json:"pages"`
	Sessions     map[string]int `json:"sessions"`
	Referrers    map[string]int `json:"referrers"`
}

// PageView is one hit inside a session summary.
type PageView struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer,omitempty"`
	Time     int64  `json:"time"`
}

// SessionSummary describes one visitor session on a day.
type SessionSummary struct {
	Duration int64      `json:"duration"`
	UA       string     `json:"ua"`
	Pages    []PageView `json:"pages"`
}

// Day is the detailed audience report for a single day.
type Day struct {
	Users       int              `json:"users"`
	Views       int              `json:"views"`
	Sessions    []SessionSummary `json:"sessions"`
	BounceRate  float64          `json:"bounceRate"`
	AvgDuration float64          `json:"avgDuration"`
	Pages       map[string]int   `json:"pages"`
	Referrers   map[string]int   `json:"referrers"`
}

// DayStat is one bucket of the historical audience series.
type DayStat struct {
	Users int `json:"users"`
	Views int `json:"views"`
}

// PageStat is the per-URL rollup over a window.
type PageStat struct {
	Users int `json:"users"`
	Views int `json:"views"`
}

// Overview is the small per-app card on the dashboard front page.
type Overview struct {
	CurrentUsers int `json:"currentUsers"`
	Sessions     int `json:"sessions"`
	ClientLogs   int `json:"clientLogs"`
	ServerLogs   int `json:"serverLogs"`
}

// Engine derives audience aggregates from per-app partitions.
// Day bucketing follows the configured location, not UTC.
type Engine struct {
	parts    *store.Partitions
	loc      *time.Location
	realtime time.Duration

	now func() time.Time
}

// New returns an Engine. A nil location means UTC; a non-positive
// realtime window falls back to DefaultRealtimeWindow.
func New(parts *store.Partitions, loc *time.Location, realtime time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if realtime <= 0 {
		realtime = DefaultRealtimeWindow
	}
	return &Engine{parts: parts, loc: loc, realtime: realtime, now: time.Now}
}

// RealtimeWindow reports the live-view window.
func (e *Engine) RealtimeWindow() time.Duration { return e.realtime }

// DayKey maps a timestamp to its bucket key: the epoch milliseconds
// of local midnight, formatted as a decimal string.
func (e *Engine) DayKey(ts int64) string {
	t := time.UnixMilli(ts).In(e.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
	return strconv.FormatInt(midnight.UnixMilli(), 10)
}

// DayRange expands a timestamp to the [start, end] window of its
// local day.
func (e *Engine) DayRange(ts int64) store.TimeRange {
	t := time.UnixMilli(ts).In(e.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.loc)
	return store.TimeRange{
		Start: midnight.UnixMilli(),
		End:   midnight.AddDate(0, 0, 1).UnixMilli() - 1,
	}
}

// Realtime reports everything that happened inside the live window.
// Sessions are bucketed per minute of hit activity. A non-positive
// window falls back to the engine's configured one.
func (e *Engine) Realtime(ctx context.Context, appID int64, window time.Duration) (*Realtime, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = e.realtime
	}
	start := e.now().Add(-window).UnixMilli()

	out := &Realtime{
		Pages:     map[string]int{},
		Sessions:  map[string]int{},
		Referrers: map[string]int{},
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE last_active >= $1`, start).
		Scan(&out.CurrentUsers)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT session_id, url, referrer, time FROM hits WHERE time >= $1`, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perMinute := map[string]map[int64]struct{}{}
	for rows.Next() {
		var (
			sessionID     int64
			url, referrer string
			ts            int64
		)
		if err := rows.Scan(&sessionID, &url, &referrer, &ts); err != nil {
			return nil, err
		}
		out.Pages[url]++
		if referrer != "" {
			out.Referrers[referrer]++
		}
		minute := strconv.FormatInt((ts/60000)*60000, 10)
		if perMinute[minute] == nil {
			perMinute[minute] = map[int64]struct{}{}
		}
		perMinute[minute][sessionID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for minute, ids := range perMinute {
		out.Sessions[minute] = len(ids)
	}
	return out, nil
}

// Day builds the detailed report for sessions that began inside the
// window. Bounce rate is the share of sessions with at most one page
// view; durations come from session activity, in milliseconds.
func (e *Engine) Day(ctx context.Context, appID int64, tr store.TimeRange) (*Day, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}

	out := &Day{
		Sessions:  []SessionSummary{},
		Pages:     map[string]int{},
		Referrers: map[string]int{},
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, created, last_active, ua FROM sessions
		 WHERE created >= $1 AND created <= $2 ORDER BY created`, tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	type sess struct {
		created, lastActive int64
		ua                  string
		pages               []PageView
	}
	order := []int64{}
	byID := map[int64]*sess{}
	for rows.Next() {
		var (
			id, created, lastActive int64
			ua                      string
		)
		if err := rows.Scan(&id, &created, &lastActive, &ua); err != nil {
			rows.Close()
			return nil, err
		}
		order = append(order, id)
		byID[id] = &sess{created: created, lastActive: lastActive, ua: ua, pages: []PageView{}}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Sessions can spill past the window's end; only their hits inside
	// it count toward the day.
	hits, err := db.QueryContext(ctx,
		`SELECT h.session_id, h.url, h.referrer, h.time
		 FROM hits h JOIN sessions s ON s.id = h.session_id
		 WHERE s.created >= $1 AND s.created <= $2
		   AND h.time >= $3 AND h.time <= $4 ORDER BY h.time`,
		tr.Start, tr.End, tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer hits.Close()
	for hits.Next() {
		var (
			sessionID     int64
			url, referrer string
			ts            int64
		)
		if err := hits.Scan(&sessionID, &url, &referrer, &ts); err != nil {
			return nil, err
		}
		s, ok := byID[sessionID]
		if !ok {
			continue
		}
		s.pages = append(s.pages, PageView{URL: url, Referrer: referrer, Time: ts})
		out.Views++
		out.Pages[url]++
		if referrer != "" {
			out.Referrers[referrer]++
		}
	}
	if err := hits.Err(); err != nil {
		return nil, err
	}

	bounced := 0
	var totalDuration int64
	for _, id := range order {
		s := byID[id]
		duration := s.lastActive - s.created
		if duration < 0 {
			duration = 0
		}
		totalDuration += duration
		if len(s.pages) <= 1 {
			bounced++
		}
		out.Sessions = append(out.Sessions, SessionSummary{
			Duration: duration,
			UA:       s.ua,
			Pages:    s.pages,
		})
	}
	out.Users = len(order)
	if out.Users > 0 {
		out.BounceRate = float64(bounced) / float64(out.Users)
		out.AvgDuration = float64(totalDuration) / float64(out.Users)
	}
	return out, nil
}

// Aggregate rolls hits up into per-day users and views over the
// window. Users on a day means distinct sessions that hit that day.
func (e *Engine) Aggregate(ctx context.Context, appID int64, tr store.TimeRange) (map[string]DayStat, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT session_id, time FROM hits WHERE time >= $1 AND time <= $2`,
		tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := map[string]int{}
	users := map[string]map[int64]struct{}{}
	for rows.Next() {
		var sessionID, ts int64
		if err := rows.Scan(&sessionID, &ts); err != nil {
			return nil, err
		}
		day := e.DayKey(ts)
		views[day]++
		if users[day] == nil {
			users[day] = map[int64]struct{}{}
		}
		users[day][sessionID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]DayStat{}
	for day, n := range views {
		out[day] = DayStat{Users: len(users[day]), Views: n}
	}
	return out, nil
}

// PageAggregate rolls hits up per URL over the window.
func (e *Engine) PageAggregate(ctx context.Context, appID int64, tr store.TimeRange) (map[string]PageStat, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT session_id, url FROM hits WHERE time >= $1 AND time <= $2`,
		tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := map[string]int{}
	users := map[string]map[int64]struct{}{}
	for rows.Next() {
		var (
			sessionID int64
			url       string
		)
		if err := rows.Scan(&sessionID, &url); err != nil {
			return nil, err
		}
		views[url]++
		if users[url] == nil {
			users[url] = map[int64]struct{}{}
		}
		users[url][sessionID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := map[string]PageStat{}
	for url, n := range views {
		out[url] = PageStat{Users: len(users[url]), Views: n}
	}
	return out, nil
}

// LevelName maps a numeric log level to its dashboard label.
func LevelName(level int) string {
	switch level {
	case store.LevelDebug:
		return "debug"
	case store.LevelInfo:
		return "info"
	case store.LevelWarn:
		return "warn"
	case store.LevelError:
		return "error"
	default:
		return strconv.Itoa(level)
	}
}

// LogAggregate counts log lines per day per level over the window.
func (e *Engine) LogAggregate(ctx context.Context, appID int64, origin store.LogOrigin, tr store.TimeRange) (map[string]map[string]int, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT level, time FROM logs WHERE origin = $1 AND time >= $2 AND time <= $3`,
		string(origin), tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var (
			level int
			ts    int64
		)
		if err := rows.Scan(&level, &ts); err != nil {
			return nil, err
		}
		day := e.DayKey(ts)
		if out[day] == nil {
			out[day] = map[string]int{}
		}
		out[day][LevelName(level)]++
	}
	return out, rows.Err()
}

// Overview builds the per-app summary card: live users plus session
// and log counts over the window.
func (e *Engine) Overview(ctx context.Context, appID int64, tr store.TimeRange) (*Overview, error) {
	db, err := e.parts.DB(appID)
	if err != nil {
		return nil, err
	}

	out := &Overview{}
	liveStart := e.now().Add(-e.realtime).UnixMilli()
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE last_active >= $1`, liveStart).
		Scan(&out.CurrentUsers)
	if err != nil {
		return nil, err
	}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE created >= $1 AND created <= $2`,
		tr.Start, tr.End).Scan(&out.Sessions)
	if err != nil {
		return nil, err
	}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logs WHERE origin = $1 AND time >= $2 AND time <= $3`,
		string(store.OriginClient), tr.Start, tr.End).Scan(&out.ClientLogs)
	if err != nil {
		return nil, err
	}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logs WHERE origin = $1 AND time >= $2 AND time <= $3`,
		string(store.OriginServer), tr.Start, tr.End).Scan(&out.ServerLogs)
	if err != nil {
		return nil, err
	}
	return out, nil
}
