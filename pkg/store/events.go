package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Event append and read operations. All of them address exactly one
// app's partition; nothing here can read across applications.

// CreateSession inserts a new visitor session.
func (p *Partitions) CreateSession(ctx context.Context, appID int64, token, ua, referrer string, ts int64) (*VisitorSession, error) {
	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	s := &VisitorSession{
		Token:      token,
		Created:    ts,
		LastActive: ts,
		UA:         ua,
		Referrer:   referrer,
	}
	err = db.QueryRowContext(ctx,
		`INSERT INTO sessions (token, created, last_active, ua, referrer)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		s.Token, s.Created, s.LastActive, s.UA, s.Referrer).Scan(&s.ID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSessionByToken resolves a visitor session by its opaque token.
func (p *Partitions) GetSessionByToken(ctx context.Context, appID int64, token string) (*VisitorSession, error) {
	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	var s VisitorSession
	err = db.QueryRowContext(ctx,
		`SELECT id, token, created, last_active, ua, referrer
		 FROM sessions WHERE token = $1`, token).
		Scan(&s.ID, &s.Token, &s.Created, &s.LastActive, &s.UA, &s.Referrer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession writes the given activity timestamp. The latest write
// wins; activity never needs a compare-and-swap because hits carry
// server-assigned, monotonically read clock values.
func (p *Partitions) TouchSession(ctx context.Context, appID, sessionID, ts int64) error {
	db, err := p.DB(appID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE sessions SET last_active = $1 WHERE id = $2`, ts, sessionID)
	return err
}

// AppendHit records a page view for a session.
func (p *Partitions) AppendHit(ctx context.Context, appID, sessionID int64, url, referrer string, ts int64) (*Hit, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &ValidationError{Field: "url"}
	}

	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	h := &Hit{SessionID: sessionID, URL: strings.TrimSpace(url), Referrer: strings.TrimSpace(referrer), Time: ts}
	err = db.QueryRowContext(ctx,
		`INSERT INTO hits (session_id, url, referrer, time)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		h.SessionID, h.URL, h.Referrer, h.Time).Scan(&h.ID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AppendLog records a client or server log line.
func (p *Partitions) AppendLog(ctx context.Context, appID int64, origin LogOrigin, message string, level int, tag string, ts int64) (*LogEntry, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &ValidationError{Field: "message"}
	}
	if level < LevelDebug || level > LevelError {
		return nil, &ValidationError{Field: "level"}
	}

	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	l := &LogEntry{Message: message, Level: level, Tag: strings.TrimSpace(tag), Time: ts}
	err = db.QueryRowContext(ctx,
		`INSERT INTO logs (origin, message, level, tag, time)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		string(origin), l.Message, l.Level, l.Tag, l.Time).Scan(&l.ID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// AppendFeedback records a visitor feedback message.
func (p *Partitions) AppendFeedback(ctx context.Context, appID int64, message string, ts int64) (*Feedback, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &ValidationError{Field: "message"}
	}

	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	f := &Feedback{Message: message, Time: ts}
	err = db.QueryRowContext(ctx,
		`INSERT INTO feedback (message, time) VALUES ($1, $2) RETURNING id`,
		f.Message, f.Time).Scan(&f.ID)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// AppendMetric records a server metrics sample.
func (p *Partitions) AppendMetric(ctx context.Context, appID int64, m MetricSample) (*MetricSample, error) {
	m.Device = strings.TrimSpace(m.Device)
	if m.Device == "" {
		return nil, &ValidationError{Field: "device"}
	}

	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx,
		`INSERT INTO metrics (device, cpu, mem_used, mem_total, net_up, net_down, disk_used, disk_total, time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		m.Device, m.CPU, m.MemUsed, m.MemTotal, m.NetUp, m.NetDown,
		m.DiskUsed, m.DiskTotal, m.Time).Scan(&m.ID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Logs reads log entries of one origin within the window, oldest first.
// A non-nil level restricts to that level.
func (p *Partitions) Logs(ctx context.Context, appID int64, origin LogOrigin, level *int, tr TimeRange) ([]LogEntry, error) {
	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, message, level, tag, time FROM logs
		 WHERE origin = $1 AND time >= $2 AND time <= $3`
	args := []interface{}{string(origin), tr.Start, tr.End}
	if level != nil {
		query += ` AND level = $4`
		args = append(args, *level)
	}
	query += ` ORDER BY time`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Message, &l.Level, &l.Tag, &l.Time); err != nil {
			return nil, err
		}
		entries = append(entries, l)
	}
	return entries, rows.Err()
}

// Feedbacks reads feedback within the window, oldest first.
func (p *Partitions) Feedbacks(ctx context.Context, appID int64, tr TimeRange) ([]Feedback, error) {
	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, message, time FROM feedback
		 WHERE time >= $1 AND time <= $2 ORDER BY time`, tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Feedback{}
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.Message, &f.Time); err != nil {
			return nil, err
		}
		entries = append(entries, f)
	}
	return entries, rows.Err()
}

// Metrics reads metric samples within the window, oldest first.
func (p *Partitions) Metrics(ctx context.Context, appID int64, tr TimeRange) ([]MetricSample, error) {
	db, err := p.DB(appID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, device, cpu, mem_used, mem_total, net_up, net_down, disk_used, disk_total, time
		 FROM metrics WHERE time >= $1 AND time <= $2 ORDER BY time`, tr.Start, tr.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []MetricSample{}
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(&m.ID, &m.Device, &m.CPU, &m.MemUsed, &m.MemTotal,
			&m.NetUp, &m.NetDown, &m.DiskUsed, &m.DiskTotal, &m.Time); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}
