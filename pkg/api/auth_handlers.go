package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/pbkdf2"

	"github.com/crash-course/backend/pkg/httputil"
	"github.com/crash-course/backend/pkg/store"
)

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltBytes        = 16
)

func newSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return hex.EncodeToString(key)
}

func verifyPassword(password string, user *store.User) bool {
	got := hashPassword(password, user.PasswordSalt)
	return hmac.Equal([]byte(got), []byte(user.PasswordHash))
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse is what login and register return: the session key the
// dashboard sends back as API-Key, plus the account.
type authResponse struct {
	Key  string      `json:"key"`
	User *store.User `json:"user"`
}

// checkCredentials validates the request body shape; it writes the
// error response itself and reports whether to continue.
func (s *Server) checkCredentials(w http.ResponseWriter, req *credentialsRequest) bool {
	req.Username = strings.TrimSpace(req.Username)
	switch {
	case req.Username == "" && req.Password == "":
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeNoCredentials,
			"Username and password are required")
	case req.Username == "":
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeNoUsername,
			"Username is required")
	case req.Password == "":
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeNoPassword,
			"Password is required")
	default:
		return true
	}
	return false
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if !s.checkCredentials(w, &req) {
		return
	}

	salt, err := newSalt()
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	user, err := s.registry.CreateUser(r.Context(), req.Username, salt, hashPassword(req.Password, salt))
	if errors.Is(err, store.ErrUsernameTaken) {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeUsernameTaken,
			"Username is already taken")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}

	sess, err := s.registry.CreateDashSession(r.Context(), user.ID, httputil.ClientIP(r), r.UserAgent())
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	s.logger.WithField("username", user.Username).Info("account registered")
	httputil.WriteJSON(w, http.StatusCreated, authResponse{Key: sess.ID, User: user})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}
	if !s.checkCredentials(w, &req) {
		return
	}

	user, err := s.registry.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrUserNotFound) {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeWrongCredentials,
			"Wrong username or password")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if !verifyPassword(req.Password, user) {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeWrongCredentials,
			"Wrong username or password")
		return
	}

	sess, err := s.registry.CreateDashSession(r.Context(), user.ID, httputil.ClientIP(r), r.UserAgent())
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, authResponse{Key: sess.ID, User: user})
}

// checkAuth confirms that the presented API key is still valid.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]bool{"valid": true})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	a := s.auth(r)
	if err := s.registry.DeleteDashSession(r.Context(), a.session.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

func (s *Server) getMe(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.auth(r).user)
}

type patchMeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) patchMe(w http.ResponseWriter, r *http.Request) {
	a := s.auth(r)
	var req patchMeRequest
	if !httputil.DecodeBody(w, r, &req) {
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = a.user.Username
	}
	salt, hash := "", ""
	if req.Password != "" {
		var err error
		salt, err = newSalt()
		if err != nil {
			httputil.WriteInternal(w, s.opts.Dev, err.Error())
			return
		}
		hash = hashPassword(req.Password, salt)
	}

	user, err := s.registry.UpdateUser(r.Context(), a.user.ID, username, salt, hash)
	if errors.Is(err, store.ErrUsernameTaken) {
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeUsernameTaken,
			"Username is already taken")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, user)
}

// deleteMe removes the account, its login sessions, and every app it
// owns, including the apps' partition files.
func (s *Server) deleteMe(w http.ResponseWriter, r *http.Request) {
	a := s.auth(r)

	apps, err := s.registry.ListApps(r.Context(), a.user.ID)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	for _, app := range apps {
		if app.OwnerID != a.user.ID {
			continue
		}
		if err := s.registry.DeleteApp(r.Context(), app.ID); err != nil {
			httputil.WriteInternal(w, s.opts.Dev, err.Error())
			return
		}
		if err := s.parts.Drop(app.ID); err != nil {
			s.logger.WithError(err).WithField("app", app.ID).Warn("dropping partition failed")
		} else if s.metrics != nil {
			s.metrics.PartitionDrops.Inc()
		}
	}
	if err := s.registry.DeleteUser(r.Context(), a.user.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	s.logger.WithField("username", a.user.Username).Info("account deleted")
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.registry.ListDashSessions(r.Context(), s.auth(r).user.ID)
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, sessions)
}

func (s *Server) deleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteAllDashSessions(r.Context(), s.auth(r).user.ID); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	a := s.auth(r)
	id := mux.Vars(r)["id"]

	sess, err := s.registry.GetDashSession(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "Session was not found")
		return
	}
	if err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	if sess.UserID != a.user.ID {
		httputil.WriteNoPermission(w)
		return
	}
	if err := s.registry.DeleteDashSession(r.Context(), id); err != nil {
		httputil.WriteInternal(w, s.opts.Dev, err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"ok": true})
}
