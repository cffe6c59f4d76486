package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/store"
)

// audienceApp resolves the Audience-Key header. A missing or unknown
// key reads as APP_NOT_FOUND; the snippet key is public, so there is
// nothing more specific to leak.
func (s *Server) audienceApp(w http.ResponseWriter, r *http.Request) (*store.App, bool) {
	key := r.Header.Get(HeaderAudienceKey)
	if key == "" {
		httputil.WriteAppNotFound(w)
		return nil, false
	}
	app, err := s.registry.GetAppByAudienceKey(r.Context(), key)
	if errors.Is(err, store.ErrAppNotFound) {
		httputil.WriteAppNotFound(w)
		return nil, false
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return nil, false
	}
	return app, true
}

// telemetryApp resolves the secret Telemetry-Key header.
func (s *Server) telemetryApp(w http.ResponseWriter, r *http.Request) (*store.App, bool) {
	key := r.Header.Get(HeaderTelemetryKey)
	if key == "" {
		httputil.WriteAppNotFound(w)
		return nil, false
	}
	app, err := s.registry.GetAppByTelemetryKey(r.Context(), key)
	if errors.Is(err, store.ErrAppNotFound) {
		httputil.WriteAppNotFound(w)
		return nil, false
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return nil, false
	}
	return app, true
}

func (s *Server) ingested(kind string) {
	if s.metrics != nil {
		s.metrics.IngestTotal.WithLabelValues(kind).Inc()
	}
}

func (s *Server) writeEventError(w http.ResponseWriter, err error) {
	if store.IsValidation(err) {
		httputil.WriteValidation(w, err.Error())
		return
	}
	httputil.WriteInternal(w, s.opts.Dev, err.Error())
}

// hitRequest is what cc.js sends. The ccs field is the session token
// the snippet got back from a previous hit, if any.
type hitRequest struct {
	CCS      string `json:"ccs"`
	Referrer string `json:"referrer"`
	URL      string `json:"url"`
}

// postHit records a page view. When the hit starts a new session the
// response carries the token the snippet should present next time;
// continuing hits get an empty object.
func (s *Server) postHit(w http.ResponseWriter, r *http.Request) {
	app, ok := s.audienceApp(w, r)
	if !ok {
		return
	}
	var req hitRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		httputil.WriteValidation(w, "URL is required")
		return
	}

	res, err := s.tracker.Resolve(r.Context(), app.ID, req.CCS, r.UserAgent(), req.Referrer)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if _, err := s.parts.AppendHit(r.Context(), app.ID, res.SessionID, req.URL, req.Referrer, time.Now().UnixMilli()); err != nil {
		s.writeEventError(w, err)
		return
	}

	s.ingested("hit")
	if res.IsNew {
		httputil.WriteSuccess(w, map[string]string{"session": res.Token})
		return
	}
	httputil.WriteSuccess(w, map[string]string{})
}

type logRequest struct {
	Message string `json:"message"`
	Level   *int   `json:"level"`
	Tag     string `json:"tag"`
}

// postClientLog records a browser-side log line. Level is optional
// and defaults to info.
func (s *Server) postClientLog(w http.ResponseWriter, r *http.Request) {
	app, ok := s.audienceApp(w, r)
	if !ok {
		return
	}
	var req logRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeNoMessageOrLevel,
			"Message and level are required")
		return
	}
	level := store.LevelInfo
	if req.Level != nil {
		level = *req.Level
	}

	if _, err := s.parts.AppendLog(r.Context(), app.ID, store.OriginClient,
		req.Message, level, req.Tag, time.Now().UnixMilli()); err != nil {
		s.writeEventError(w, err)
		return
	}
	s.ingested("client_log")
	httputil.WriteCreated(w)
}

// postServerLog records a server-side log line. Unlike client logs
// the level is mandatory.
func (s *Server) postServerLog(w http.ResponseWriter, r *http.Request) {
	app, ok := s.telemetryApp(w, r)
	if !ok {
		return
	}
	var req logRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if req.Message == "" || req.Level == nil {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeNoMessageOrLevel,
			"Message and level are required")
		return
	}

	if _, err := s.parts.AppendLog(r.Context(), app.ID, store.OriginServer,
		req.Message, *req.Level, req.Tag, time.Now().UnixMilli()); err != nil {
		s.writeEventError(w, err)
		return
	}
	s.ingested("server_log")
	httputil.WriteCreated(w)
}

type feedbackRequest struct {
	Message string `json:"message"`
}

func (s *Server) postFeedback(w http.ResponseWriter, r *http.Request) {
	app, ok := s.audienceApp(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}

	if _, err := s.parts.AppendFeedback(r.Context(), app.ID, req.Message, time.Now().UnixMilli()); err != nil {
		s.writeEventError(w, err)
		return
	}
	s.ingested("feedback")
	httputil.WriteCreated(w)
}

type metricRequest struct {
	Device    string  `json:"device"`
	CPU       float64 `json:"cpu"`
	MemUsed   float64 `json:"memUsed"`
	MemTotal  float64 `json:"memTotal"`
	NetUp     float64 `json:"netUp"`
	NetDown   float64 `json:"netDown"`
	DiskUsed  float64 `json:"diskUsed"`
	DiskTotal float64 `json:"diskTotal"`
}

func (s *Server) postMetric(w http.ResponseWriter, r *http.Request) {
	app, ok := s.telemetryApp(w, r)
	if !ok {
		return
	}
	var req metricRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}

	sample := store.MetricSample{
		Device:    req.Device,
		CPU:       req.CPU,
		MemUsed:   req.MemUsed,
		MemTotal:  req.MemTotal,
		NetUp:     req.NetUp,
		NetDown:   req.NetDown,
		DiskUsed:  req.DiskUsed,
		DiskTotal: req.DiskTotal,
		Time:      time.Now().UnixMilli(),
	}
	if _, err := s.parts.AppendMetric(r.Context(), app.ID, sample); err != nil {
		s.writeEventError(w, err)
		return
	}
	s.ingested("metric")
	httputil.WriteCreated(w)
}
