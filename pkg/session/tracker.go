// Package session resolves incoming hits to visitor sessions.
//
// A session is a run of activity with no gap longer than the
// inactivity window. Expiry is lazy: nothing scans for stale
// sessions, a stale token simply resolves to a fresh session on
// the next hit.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/crash-course/backend/pkg/store"
)

// DefaultWindow is the inactivity gap after which a session ends.
const DefaultWindow = 30 * time.Minute

// Resolution is the outcome of matching a hit to a session.
type Resolution struct {
	SessionID int64
	Token     string
	IsNew     bool
}

// Tracker matches hits to sessions inside one app's partition.
type Tracker struct {
	parts  *store.Partitions
	window time.Duration

	// now is swappable in tests.
	now func() time.Time

	// OnStart fires when a new session is created.
	OnStart func()
}

// New returns a Tracker over the given partitions. A non-positive
// window falls back to DefaultWindow.
func New(parts *store.Partitions, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{parts: parts, window: window, now: time.Now}
}

// Window reports the configured inactivity window.
func (t *Tracker) Window() time.Duration { return t.window }

// Resolve maps a client-presented token to a live session, creating
// one when the token is absent, unknown, or expired. The resolved
// session's activity timestamp is always advanced to now, so activity
// never moves backwards even when hits race.
func (t *Tracker) Resolve(ctx context.Context, appID int64, clientToken, ua, referrer string) (Resolution, error) {
	now := t.now().UnixMilli()

	if clientToken != "" {
		s, err := t.parts.GetSessionByToken(ctx, appID, clientToken)
		switch {
		case err == nil:
			if now-s.LastActive <= t.window.Milliseconds() {
				if err := t.parts.TouchSession(ctx, appID, s.ID, now); err != nil {
					return Resolution{}, err
				}
				return Resolution{SessionID: s.ID, Token: s.Token}, nil
			}
			// Expired. Fall through and start over.
		case errors.Is(err, store.ErrSessionNotFound):
			// Unknown token, likely from before an app reset.
		default:
			return Resolution{}, err
		}
	}

	s, err := t.parts.CreateSession(ctx, appID, uuid.NewString(), ua, referrer, now)
	if err != nil {
		return Resolution{}, err
	}
	if t.OnStart != nil {
		t.OnStart()
	}
	return Resolution{SessionID: s.ID, Token: s.Token, IsNew: true}, nil
}
