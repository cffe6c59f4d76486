// Package httputil provides HTTP handler utilities for consistent error
// responses, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Code is a machine-readable error identifier shared with the dashboard
// client and the tracking snippet.
type Code string

const (
	CodeAppNotFound      Code = "APP_NOT_FOUND"
	CodeNoBody           Code = "NO_BODY"
	CodeNoMessageOrLevel Code = "NO_MESSAGE_OR_LEVEL"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAppError         Code = "APP_ERROR"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeNoPermission     Code = "NO_PERMISSION"
	CodeNoUsername       Code = "NO_USERNAME"
	CodeNoPassword       Code = "NO_PASSWORD"
	CodeNoCredentials    Code = "NO_CREDENTIALS"
	CodeUsernameTaken    Code = "USERNAME_TAKEN"
	CodeWrongCredentials Code = "WRONG_CREDENTIALS"
)

// ErrorResponse is the error body shape every endpoint returns.
type ErrorResponse struct {
	Error   Code   `json:"error"`
	Message string `json:"message"`
}

// MessageResponse is the body for endpoints that only confirm an action.
type MessageResponse struct {
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a coded JSON error response.
func WriteError(w http.ResponseWriter, status int, code Code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteCreated writes an empty 201 response.
func WriteCreated(w http.ResponseWriter) {
	w.WriteHeader(http.StatusCreated)
}

// WriteSuccess writes a 200 response with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteAppNotFound reports an absent or invalid application key.
func WriteAppNotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusBadRequest, CodeAppNotFound, "App was not found")
}

// WriteNoBody reports a missing request body.
func WriteNoBody(w http.ResponseWriter) {
	WriteError(w, http.StatusBadRequest, CodeNoBody,
		"Required information must be provided in the request body")
}

// WriteRateLimited reports a denied rate-limit admission.
func WriteRateLimited(w http.ResponseWriter) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited,
		"Too many requests, try again later")
}

// WriteValidation reports a field validation failure.
func WriteValidation(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidation, message)
}

// WriteNotAuthenticated reports a missing or invalid dashboard session.
func WriteNotAuthenticated(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, CodeNotAuthenticated,
		"You must sign in to do this")
}

// WriteNoPermission reports insufficient app permissions.
func WriteNoPermission(w http.ResponseWriter) {
	WriteError(w, http.StatusForbidden, CodeNoPermission,
		"You do not have permission to do this")
}

// WriteRouteNotFound reports an unknown route.
func WriteRouteNotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, CodeNotFound, "Route not found")
}

// WriteInternal reports an unexpected failure. The detail is only exposed
// when dev is set; production callers get a sanitized message.
func WriteInternal(w http.ResponseWriter, dev bool, detail string) {
	message := "An error occurred while processing your request"
	if dev && detail != "" {
		message = detail
	}
	WriteError(w, http.StatusInternalServerError, CodeAppError, message)
}
