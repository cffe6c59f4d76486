package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/store"
)

const appContextKey contextKey = "app"

// requireApp builds on requireAuth: it resolves the {id} route
// variable to an app and checks that the caller holds at least the
// given permission. Owners hold every permission implicitly.
func (s *Server) requireApp(minPerm int, next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			httputil.WriteAppNotFound(w)
			return
		}
		app, err := s.registry.GetApp(r.Context(), id)
		if errors.Is(err, store.ErrAppNotFound) {
			httputil.WriteAppNotFound(w)
			return
		}
		if err != nil {
			httputil.WriteInternal(w, s.opts.Dev, err.Error())
			return
		}

		a := s.auth(r)
		if app.OwnerID != a.user.ID {
			perm, err := s.registry.GetPermission(r.Context(), app.ID, a.user.ID)
			if err != nil {
				httputil.WriteInternal(w, s.opts.Dev, err.Error())
				return
			}
			if perm < minPerm {
				httputil.WriteNoPermission(w)
				return
			}
		}

		ctx := context.WithValue(r.Context(), appContextKey, app)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) app(r *http.Request) *store.App {
	app, _ := r.Context().Value(appContextKey).(*store.App)
	return app
}

type appRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// appWithUsers augments the app listing with the live user count,
// requested by the dashboard front page via ?audience=true.
type appWithUsers struct {
	store.App
	CurrentUsers int `json:"currentUsers"`
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.registry.ListApps(r.Context(), s.auth(r).user.ID)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}

	if r.URL.Query().Get("audience") != "true" {
		httputil.WriteSuccess(w, apps)
		return
	}

	out := make([]appWithUsers, 0, len(apps))
	for _, app := range apps {
		live, err := s.engine.Realtime(r.Context(), app.ID, 0)
		if err != nil {
			httputil.WriteInternal(w, s.opts.Dev, err.Error())
			return
		}
		out = append(out, appWithUsers{App: app, CurrentUsers: live.CurrentUsers})
	}
	httputil.WriteSuccess(w, out)
}

func (s *Server) createApp(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httputil.WriteValidation(w, "Name is required")
		return
	}

	app, err := s.registry.CreateApp(r.Context(), s.auth(r).user.ID, req.Name, req.Description)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"app":   app.ID,
		"owner": app.OwnerID,
	}).Info("app created")
	httputil.WriteJSON(w, http.StatusCreated, app)
}

func (s *Server) getApp(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.app(r))
}

func (s *Server) patchApp(w http.ResponseWriter, r *http.Request) {
	app := s.app(r)
	var req appRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = app.Name
	}

	updated, err := s.registry.UpdateApp(r.Context(), app.ID, req.Name, req.Description)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, updated)
}

// deleteApp removes the app and its entire partition. Other apps'
// partitions are untouched.
func (s *Server) deleteApp(w http.ResponseWriter, r *http.Request) {
	app := s.app(r)
	if err := s.registry.DeleteApp(r.Context(), app.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if err := s.parts.Drop(app.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.PartitionDrops.Inc()
	}
	s.logger.WithField("app", app.ID).Info("app deleted")
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.registry.ListPermissions(r.Context(), s.app(r).ID)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, perms)
}

type permissionRequest struct {
	Username    string `json:"username"`
	Permissions int    `json:"permissions"`
}

func (s *Server) putPermission(w http.ResponseWriter, r *http.Request) {
	app := s.app(r)
	var req permissionRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if req.Permissions != store.PermissionView && req.Permissions != store.PermissionEdit {
		httputil.WriteValidation(w, "Permissions must be 1 (view) or 2 (edit)")
		return
	}

	user, err := s.registry.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if errors.Is(err, store.ErrUserNotFound) {
		httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "User was not found")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if user.ID == app.OwnerID {
		httputil.WriteValidation(w, "The owner already has full access")
		return
	}

	if err := s.registry.SetPermission(r.Context(), app.ID, user.ID, req.Permissions); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

func (s *Server) deletePermission(w http.ResponseWriter, r *http.Request) {
	app := s.app(r)
	username := mux.Vars(r)["username"]
	if username == "" {
		username = strings.TrimSpace(r.URL.Query().Get("username"))
	}
	if username == "" {
		httputil.WriteValidation(w, "Username is required")
		return
	}

	user, err := s.registry.GetUserByUsername(r.Context(), username)
	if errors.Is(err, store.ErrUserNotFound) {
		httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "User was not found")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}

	if err := s.registry.RevokePermission(r.Context(), app.ID, user.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}
