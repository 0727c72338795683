package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestWithLogger returns a request whose context carries a trace ID and a
// text logger writing to buf at DEBUG.
func requestWithLogger(buf *strings.Builder) *http.Request {
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.WithValue(context.Background(), TraceIDKey, "test-trace-id")
	ctx = logger.WithContext(ctx, log)
	return httptest.NewRequest(http.MethodGet, "/api/jobs", nil).WithContext(ctx)
}

func TestRespondWithJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()

	RespondWithJSON(w, req, http.StatusCreated, map[string]int{"tasks": 3})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"tasks": 3}`, w.Body.String())
}

func TestRespondWithJSON_EncodingError(t *testing.T) {
	var buf strings.Builder
	req := requestWithLogger(&buf)
	w := httptest.NewRecorder()

	RespondWithJSON(w, req, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "failed to encode JSON response")
}

func TestRespondNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	RespondNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRespondWithError(t *testing.T) {
	var buf strings.Builder
	req := requestWithLogger(&buf)
	w := httptest.NewRecorder()

	RespondWithError(w, req, http.StatusBadRequest, "Invalid request")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Invalid request", response.Error)
	assert.Equal(t, "test-trace-id", response.TraceID)
}

func TestRespondWithErrorAndLog(t *testing.T) {
	tests := []struct {
		name             string
		statusCode       int
		err              error
		elevate          bool
		expectedLogLevel string
	}{
		{name: "server error", statusCode: http.StatusInternalServerError, err: errors.New("db down"), expectedLogLevel: "ERROR"},
		{name: "client error", statusCode: http.StatusBadRequest, err: errors.New("bad asin"), expectedLogLevel: "DEBUG"},
		{name: "elevated client error", statusCode: http.StatusConflict, err: errors.New("exists"), elevate: true, expectedLogLevel: "WARN"},
		{name: "rate limited", statusCode: http.StatusTooManyRequests, err: errors.New("slow down"), expectedLogLevel: "WARN"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf strings.Builder
			req := requestWithLogger(&buf)
			w := httptest.NewRecorder()

			var opts []ResponseOption
			if tc.elevate {
				opts = append(opts, WithElevatedLogLevel())
			}
			RespondWithErrorAndLog(w, req, tc.statusCode, "Something went wrong", tc.err, opts...)

			assert.Equal(t, tc.statusCode, w.Code)
			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, "Something went wrong", response.Error)
			assert.NotContains(t, w.Body.String(), tc.err.Error(), "raw errors never reach the client")

			logs := buf.String()
			assert.Contains(t, logs, "level="+tc.expectedLogLevel)
			assert.Contains(t, logs, "trace_id=test-trace-id")
			assert.Contains(t, logs, "error_type=")
		})
	}
}

func TestRespondWithErrorAndLog_RedactsSecrets(t *testing.T) {
	var buf strings.Builder
	req := requestWithLogger(&buf)
	w := httptest.NewRecorder()

	err := errors.New("start run: token apify_api_Xb12Cd34Ef56 rejected")
	RespondWithErrorAndLog(w, req, http.StatusInternalServerError, "Failed", err)

	assert.NotContains(t, buf.String(), "apify_api_Xb12Cd34Ef56")
	assert.NotContains(t, w.Body.String(), "apify_api_Xb12Cd34Ef56")
}
