package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"mfa-service/internal/service"
	"mfa-service/internal/util"
)

// Response is the JSON envelope of every API answer. Fields the mobile
// client reads at the top level (tokens, verificationToken, ...) stay there.
type Response struct {
	Success           bool        `json:"success"`
	Authenticated     *bool       `json:"authenticated,omitempty"`
	Locked            bool        `json:"locked,omitempty"`
	RetryAfter        int         `json:"retryAfter,omitempty"`
	Message           string      `json:"message,omitempty"`
	Error             string      `json:"error,omitempty"`
	Details           string      `json:"details,omitempty"`
	Method            string      `json:"method,omitempty"`
	Data              interface{} `json:"data,omitempty"`
	Token             string      `json:"token,omitempty"`
	VerificationToken string      `json:"verificationToken,omitempty"`
	Code              string      `json:"code,omitempty"`
	NewToken          interface{} `json:"newToken,omitempty"`
	Tokens            interface{} `json:"tokens,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError writes a service error. Login-type endpoints also carry
// authenticated=false so clients can branch on one field.
func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error, loginFlow bool) {
	se := service.AsError(err)
	status := statusCode(se)

	resp := Response{Success: false, Error: se.Message, Message: se.Message}
	if loginFlow && (status == http.StatusUnauthorized || status == http.StatusTooManyRequests) {
		resp.Authenticated = boolPtr(false)
	}
	if se.Locked {
		resp.Locked = true
	}
	if se.RetryAfter > 0 {
		resp.RetryAfter = retrySeconds(se.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			util.String("path", r.URL.Path),
			util.Int("status_code", status),
			util.ErrorField(err))
		if h.exposeErrors && se.Cause != nil {
			resp.Details = se.Cause.Error()
		}
	} else {
		h.logger.Debug("Request rejected",
			util.String("path", r.URL.Path),
			util.Int("status_code", status),
			util.String("message", se.Message))
	}

	respondWithJSON(w, status, resp)
}

// statusCode maps a service error kind to its HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

const maxBodyBytes = 1 << 20
