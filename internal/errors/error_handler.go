// Package errors maps gateway failures onto HTTP responses.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/boundary-gateway/internal/dispatch"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
	"go.uber.org/zap"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// General errors
	ErrorCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrorCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrorCodeInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeCanceled        ErrorCode = "REQUEST_CANCELED"
	ErrorCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrorCodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Routing errors
	ErrorCodeSubnetNotFound    ErrorCode = "SUBNET_NOT_FOUND"
	ErrorCodeNoEligibleNodes   ErrorCode = "NO_ELIGIBLE_NODES"
	ErrorCodeAllAttemptsFailed ErrorCode = "ALL_ATTEMPTS_FAILED"
)

// StatusClientClosedRequest is written when the caller went away before a
// reply was ready.
const StatusClientClosedRequest = 499

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// AttemptDetail describes one failed node attempt in an
// ALL_ATTEMPTS_FAILED response.
type AttemptDetail struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AttemptsDetails is the details payload of an ALL_ATTEMPTS_FAILED response.
type AttemptsDetails struct {
	Subnet           string          `json:"subnet_id"`
	DeadlineExceeded bool            `json:"deadline_exceeded"`
	Attempts         []AttemptDetail `json:"attempts"`
}

// Handler provides error handling functionality.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger,
	}
}

// HandleError writes the response for a failed call.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	var rejected *dispatch.NonRetriableError
	if stderrors.As(err, &rejected) {
		h.RelayUpstreamError(w, rejected, requestID)
		return
	}

	var failed *dispatch.AllAttemptsFailedError
	if stderrors.As(err, &failed) {
		h.writeAllAttemptsFailed(w, failed, requestID)
		return
	}

	switch {
	case stderrors.Is(err, ratelimit.ErrRateLimited):
		h.WriteRateLimitedError(w, time.Second, requestID)
	case stderrors.Is(err, dispatch.ErrUnknownSubnet):
		h.WriteErrorResponse(w, http.StatusNotFound, ErrorCodeSubnetNotFound, err.Error(), requestID)
	case stderrors.Is(err, dispatch.ErrNoEligibleNodes):
		h.WriteErrorResponse(w, http.StatusServiceUnavailable, ErrorCodeNoEligibleNodes, err.Error(), requestID)
	case stderrors.Is(err, context.Canceled):
		h.WriteErrorResponse(w, StatusClientClosedRequest, ErrorCodeCanceled, "request canceled by client", requestID)
	default:
		h.logger.Error("unclassified request failure", zap.String("request_id", requestID), zap.Error(err))
		h.WriteInternalError(w, "internal error", requestID)
	}
}

func (h *Handler) writeAllAttemptsFailed(w http.ResponseWriter, failed *dispatch.AllAttemptsFailedError, requestID string) {
	details := AttemptsDetails{
		Subnet:           failed.Subnet,
		DeadlineExceeded: failed.DeadlineExceeded,
		Attempts:         make([]AttemptDetail, 0, len(failed.Failures)),
	}
	for _, f := range failed.Failures {
		d := AttemptDetail{NodeID: f.NodeID, Kind: string(f.Kind), Status: f.Status}
		if f.Err != nil {
			d.Error = f.Err.Error()
		}
		details.Attempts = append(details.Attempts, d)
	}

	statusCode := http.StatusBadGateway
	message := "all attempts failed"
	if failed.DeadlineExceeded {
		statusCode = http.StatusGatewayTimeout
		message = "deadline exceeded before any node answered"
	}
	h.writeResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: ErrorCodeAllAttemptsFailed,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	})
}

// RelayUpstreamError passes a node's rejection through unchanged.
func (h *Handler) RelayUpstreamError(w http.ResponseWriter, rejected *dispatch.NonRetriableError, requestID string) {
	h.logger.Info("relaying upstream rejection",
		zap.String("request_id", requestID),
		zap.String("node_id", rejected.NodeID),
		zap.Int("status_code", rejected.Status))

	if rejected.ContentType != "" {
		w.Header().Set("Content-Type", rejected.ContentType)
	}
	w.Header().Set("X-Gateway-Node", rejected.NodeID)
	w.WriteHeader(rejected.Status)
	w.Write(rejected.Body)
}

// WriteErrorResponse writes a formatted error response to the HTTP response writer.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.writeResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) writeResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// WriteValidationError writes a validation error response.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WritePayloadTooLarge writes a request-too-large response.
func (h *Handler) WritePayloadTooLarge(w http.ResponseWriter, limit int64, requestID string) {
	h.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, ErrorCodePayloadTooLarge,
		"request body exceeds "+strconv.FormatInt(limit, 10)+" bytes", requestID)
}

// WriteInternalError writes an internal error response.
func (h *Handler) WriteInternalError(w http.ResponseWriter, message string, requestID string) {
	h.WriteErrorResponse(w, http.StatusInternalServerError, ErrorCodeInternalError, message, requestID)
}

// WriteForbidden writes a blocked-client response.
func (h *Handler) WriteForbidden(w http.ResponseWriter, requestID string) {
	h.WriteErrorResponse(w, http.StatusForbidden, ErrorCodeForbidden, "client is blocked", requestID)
}

// WriteRateLimitedError writes a rate limit exceeded response with a
// Retry-After hint in whole seconds.
func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, retryAfter time.Duration, requestID string) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.WriteErrorResponse(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded", requestID)
}
