package errors_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/boundary-gateway/internal/dispatch"
	apierrors "github.com/devrev/boundary-gateway/internal/errors"
	"github.com/devrev/boundary-gateway/internal/identity"
	"github.com/devrev/boundary-gateway/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func handleError(t *testing.T, err error) (*httptest.ResponseRecorder, apierrors.ErrorResponse) {
	t.Helper()
	handler := apierrors.NewHandler(zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/subnet/s/query", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.HandleError(rec, req, err)

	var body apierrors.ErrorResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHandleError_Taxonomy(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apierrors.ErrorCode
	}{
		{"rate limited", ratelimit.ErrRateLimited, http.StatusTooManyRequests, apierrors.ErrorCodeRateLimited},
		{"unknown subnet", fmt.Errorf("%w: s", dispatch.ErrUnknownSubnet), http.StatusNotFound, apierrors.ErrorCodeSubnetNotFound},
		{"no eligible nodes", fmt.Errorf("%w in subnet s", dispatch.ErrNoEligibleNodes), http.StatusServiceUnavailable, apierrors.ErrorCodeNoEligibleNodes},
		{"canceled", context.Canceled, apierrors.StatusClientClosedRequest, apierrors.ErrorCodeCanceled},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError, apierrors.ErrorCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := handleError(t, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, body.ErrorCode)
			assert.Equal(t, "error", body.Status)
			assert.Equal(t, "req-1", body.RequestID)
		})
	}
}

func TestHandleError_AllAttemptsFailed(t *testing.T) {
	mismatch := &identity.MismatchError{NodeID: "n2", Expected: "aa", Actual: "bb"}
	failed := &dispatch.AllAttemptsFailedError{
		Subnet: "s",
		Failures: []dispatch.AttemptFailure{
			{NodeID: "n1", Kind: dispatch.KindUpstreamStatus, Status: 503, Err: fmt.Errorf("upstream returned status 503")},
			{NodeID: "n2", Kind: dispatch.KindIdentityMismatch, Err: mismatch},
		},
	}

	rec, body := handleError(t, failed)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, apierrors.ErrorCodeAllAttemptsFailed, body.ErrorCode)

	var details struct {
		Attempts []apierrors.AttemptDetail `json:"attempts"`
	}
	raw, err := json.Marshal(body.Details)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &details))
	require.Len(t, details.Attempts, 2)
	assert.Equal(t, "upstream_status", details.Attempts[0].Kind)
	assert.Equal(t, 503, details.Attempts[0].Status)
	assert.Equal(t, "identity_mismatch", details.Attempts[1].Kind)
	assert.Equal(t, "n2", details.Attempts[1].NodeID)
}

func TestHandleError_DeadlineIsGatewayTimeout(t *testing.T) {
	failed := &dispatch.AllAttemptsFailedError{
		Subnet:           "s",
		DeadlineExceeded: true,
		Failures:         []dispatch.AttemptFailure{{NodeID: "n1", Kind: dispatch.KindTimeout, Err: context.DeadlineExceeded}},
	}
	rec, body := handleError(t, fmt.Errorf("dispatch: %w", failed))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, apierrors.ErrorCodeAllAttemptsFailed, body.ErrorCode)
}

func TestHandleError_RelaysNonRetriable(t *testing.T) {
	rejected := &dispatch.NonRetriableError{
		NodeID:      "n1",
		Status:      http.StatusBadRequest,
		ContentType: "application/cbor",
		Body:        []byte{0xa1, 0x01},
	}
	rec, _ := handleError(t, rejected)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/cbor", rec.Header().Get("Content-Type"))
	assert.Equal(t, "n1", rec.Header().Get("X-Gateway-Node"))
	assert.Equal(t, []byte{0xa1, 0x01}, rec.Body.Bytes())
}

func TestWriteRateLimitedError_RetryAfter(t *testing.T) {
	handler := apierrors.NewHandler(zap.NewNop())

	tests := []struct {
		wait time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{1500 * time.Millisecond, "2"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.WriteRateLimitedError(rec, tt.wait, "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, tt.want, rec.Header().Get("Retry-After"), "wait %v", tt.wait)
	}
}

func TestWritePayloadTooLarge(t *testing.T) {
	handler := apierrors.NewHandler(zap.NewNop())
	rec := httptest.NewRecorder()
	handler.WritePayloadTooLarge(rec, 1024, "req-2")

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var body apierrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apierrors.ErrorCodePayloadTooLarge, body.ErrorCode)
	assert.Contains(t, body.Message, "1024")
}
