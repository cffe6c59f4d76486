package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestErrorResponseShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppNotFound(rec)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeError(t, rec)
	assert.Equal(t, CodeAppNotFound, resp.Error)
	assert.Equal(t, "App was not found", resp.Message)
}

func TestWriteRateLimitedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimited(rec)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimited, decodeError(t, rec).Error)
}

func TestWriteInternalHidesDetailInProduction(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, false, "pq: connection refused")
	resp := decodeError(t, rec)
	assert.Equal(t, CodeAppError, resp.Error)
	assert.NotContains(t, resp.Message, "connection refused")

	rec = httptest.NewRecorder()
	WriteInternal(rec, true, "pq: connection refused")
	assert.Contains(t, decodeError(t, rec).Message, "connection refused")
}

func TestDecodeBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("empty body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/", strings.NewReader(""))
		var dest payload
		assert.False(t, DecodeBody(rec, r, &dest))
		assert.Equal(t, CodeNoBody, decodeError(t, rec).Error)
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/", strings.NewReader("{nope"))
		var dest payload
		assert.False(t, DecodeBody(rec, r, &dest))
		assert.Equal(t, CodeValidation, decodeError(t, rec).Error)
	})

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
		var dest payload
		assert.True(t, DecodeBody(rec, r, &dest))
		assert.Equal(t, "x", dest.Name)
	})
}

func TestParseTimeRange(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	lookback := 168 * time.Hour

	t.Run("defaults", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		start, end, err := ParseTimeRange(r, lookback, now)
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli(), end)
		assert.Equal(t, now.UnixMilli()-lookback.Milliseconds(), start)
	})

	t.Run("explicit", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/?start=1000&end=2000", nil)
		start, end, err := ParseTimeRange(r, lookback, now)
		require.NoError(t, err)
		assert.EqualValues(t, 1000, start)
		assert.EqualValues(t, 2000, end)
	})

	t.Run("inverted", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/?start=2000&end=1000", nil)
		_, _, err := ParseTimeRange(r, lookback, now)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/?start=yesterday", nil)
		_, _, err := ParseTimeRange(r, lookback, now)
		assert.Error(t, err)
	})
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:52342"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", ClientIP(r))
}

func TestIdentityMiddleware(t *testing.T) {
	handler := IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, IdentityValue, rec.Header().Get(IdentityHeader))
}

func TestCORSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("dev reflects origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Origin", "http://localhost:5173")
		CORSMiddleware("", true)(ok).ServeHTTP(rec, r)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("production pins origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Origin", "http://evil.example")
		CORSMiddleware("https://dash.example", false)(ok).ServeHTTP(rec, r)
		assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("OPTIONS", "/", nil)
		CORSMiddleware("", true)(ok).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code, "handler must not run on preflight")
	})
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dest map[string]interface{}
		if !DecodeBody(w, r, &dest) {
			return
		}
		WriteSuccess(w, dest)
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"key":"a very long value"}`))
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, CodeValidation, resp.Error)
	assert.Equal(t, "Request body too large", resp.Message)

	// A body under the cap still decodes.
	rec = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"k":1}`))
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}
