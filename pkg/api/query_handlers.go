package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/store"
)

// timeRange reads the start/end query window, defaulting to the
// configured lookback ending now. Writes the error response itself.
func (s *Server) timeRange(w http.ResponseWriter, r *http.Request) (store.TimeRange, bool) {
	start, end, err := httputil.ParseTimeRange(r, s.opts.Lookback, time.Now())
	if err != nil {
		httputil.WriteValidation(w, err.Error())
		return store.TimeRange{}, false
	}
	return store.TimeRange{Start: start, End: end}, true
}

// period reads the optional "period" query parameter, a lookback in
// milliseconds. Zero means the caller did not send one.
func period(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	ms, err := httputil.ParseQueryInt64(r, "period", 0)
	if err != nil || ms < 0 {
		httputil.WriteValidation(w, "invalid period")
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (s *Server) getOverview(w http.ResponseWriter, r *http.Request) {
	lookback, ok := period(w, r)
	if !ok {
		return
	}
	var tr store.TimeRange
	if lookback > 0 {
		now := time.Now().UnixMilli()
		tr = store.TimeRange{Start: now - lookback.Milliseconds(), End: now}
	} else if tr, ok = s.timeRange(w, r); !ok {
		return
	}
	overview, err := s.engine.Overview(r.Context(), s.app(r).ID, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, overview)
}

func (s *Server) getAudienceNow(w http.ResponseWriter, r *http.Request) {
	window, ok := period(w, r)
	if !ok {
		return
	}
	live, err := s.engine.Realtime(r.Context(), s.app(r).ID, window)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, live)
}

// getAudienceDay reports the local day containing the "start" query
// timestamp, today when absent. "day" is accepted as an alias.
func (s *Server) getAudienceDay(w http.ResponseWriter, r *http.Request) {
	fallback, err := httputil.ParseQueryInt64(r, "day", time.Now().UnixMilli())
	if err != nil {
		httputil.WriteValidation(w, err.Error())
		return
	}
	at, err := httputil.ParseQueryInt64(r, "start", fallback)
	if err != nil {
		httputil.WriteValidation(w, err.Error())
		return
	}
	day, err := s.engine.Day(r.Context(), s.app(r).ID, s.engine.DayRange(at))
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, day)
}

func (s *Server) getAudienceAggregate(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	agg, err := s.engine.Aggregate(r.Context(), s.app(r).ID, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, agg)
}

func (s *Server) getPageAggregate(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	agg, err := s.engine.PageAggregate(r.Context(), s.app(r).ID, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, agg)
}

// logOrigin maps the {type} route variable. Anything but client or
// server is an unknown route.
func logOrigin(r *http.Request) (store.LogOrigin, bool) {
	switch mux.Vars(r)["type"] {
	case "client":
		return store.OriginClient, true
	case "server":
		return store.OriginServer, true
	}
	return "", false
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	origin, ok := logOrigin(r)
	if !ok {
		httputil.WriteRouteNotFound(w)
		return
	}
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}

	var level *int
	if raw := r.URL.Query().Get("level"); raw != "" {
		n, err := httputil.ParseQueryInt(r, "level", 0)
		if err != nil {
			httputil.WriteValidation(w, err.Error())
			return
		}
		level = &n
	}

	logs, err := s.parts.Logs(r.Context(), s.app(r).ID, origin, level, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, logs)
}

func (s *Server) getLogAggregate(w http.ResponseWriter, r *http.Request) {
	origin, ok := logOrigin(r)
	if !ok {
		httputil.WriteRouteNotFound(w)
		return
	}
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	agg, err := s.engine.LogAggregate(r.Context(), s.app(r).ID, origin, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, agg)
}

func (s *Server) getFeedback(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	feedback, err := s.parts.Feedbacks(r.Context(), s.app(r).ID, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, feedback)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.timeRange(w, r)
	if !ok {
		return
	}
	samples, err := s.parts.Metrics(r.Context(), s.app(r).ID, tr)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, samples)
}
