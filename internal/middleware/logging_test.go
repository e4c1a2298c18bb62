package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loggedLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLoggingLevelsByOutcome(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel string
	}{
		{name: "success", path: "/graph/top", status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", path: "/arena/commit", status: http.StatusNotFound, wantLevel: "WARN"},
		{name: "server error", path: "/arena/close/r1", status: http.StatusInternalServerError, wantLevel: "ERROR"},
		{name: "health poll", path: "/health", status: http.StatusOK, wantLevel: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("ok"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			line := loggedLine(t, &buf)
			assert.Equal(t, tt.wantLevel, line["level"])
			assert.Equal(t, tt.path, line["path"])
			assert.Equal(t, float64(tt.status), line["status"])
			assert.Equal(t, float64(2), line["bytes"])
		})
	}
}

func TestLoggingDefaultsImplicitStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("implicit 200"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/graph/top", nil))

	line := loggedLine(t, &buf)
	assert.Equal(t, float64(http.StatusOK), line["status"])
}
