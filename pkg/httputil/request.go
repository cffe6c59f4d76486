package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DecodeBody reads the request body into dest. It writes NO_BODY for an
// empty body, 413 for a body over the configured cap, and
// VALIDATION_ERROR for malformed JSON, returning false in all cases.
func DecodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	data, err := io.ReadAll(r.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, CodeValidation, "Request body too large")
		return false
	}
	if err != nil || len(data) == 0 {
		WriteNoBody(w)
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		WriteValidation(w, "Request body is not valid JSON")
		return false
	}
	return true
}

// ParseQueryInt64 extracts an int64 query parameter, falling back to
// defaultVal when absent.
func ParseQueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryInt extracts an int query parameter, falling back to
// defaultVal when absent.
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseTimeRange reads the start/end query parameters (epoch milliseconds).
// end defaults to now, start to end minus the configured lookback.
func ParseTimeRange(r *http.Request, lookback time.Duration, now time.Time) (start, end int64, err error) {
	end, err = ParseQueryInt64(r, "end", now.UnixMilli())
	if err != nil {
		return 0, 0, err
	}
	start, err = ParseQueryInt64(r, "start", end-lookback.Milliseconds())
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("start must not be after end")
	}
	return start, end, nil
}

// ClientIP extracts the client address, honoring proxy headers.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
