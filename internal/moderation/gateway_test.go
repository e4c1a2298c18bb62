package moderation

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalRules(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		flagged bool
	}{
		{"clean text", "a thoughtful essay about gardens", false},
		{"banned phrase", "this contains malware instructions", true},
		{"case insensitive", "MALWARE everywhere", true},
		{"multi word phrase", "promoting Hate Speech online", true},
		{"empty", "", false},
	}

	g := New("", time.Second, discardLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := g.Check(context.Background(), tt.text)
			assert.Equal(t, tt.flagged, result.Flagged)
			if tt.flagged {
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}

func TestExternalClassifierVerdictWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flagged":true,"reason":"policy 4.2"}`))
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second, discardLogger())

	// The external verdict flags text the local rules would pass.
	result := g.Check(context.Background(), "a perfectly clean essay")
	assert.True(t, result.Flagged)
	assert.Equal(t, "policy 4.2", result.Reason)
}

func TestExternalClassifierCanClear(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"flagged":false}`))
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second, discardLogger())

	// A healthy external classifier overrides the local phrase list.
	result := g.Check(context.Background(), "research on malware detection")
	assert.False(t, result.Flagged)
}

func TestExternalErrorFallsBackToLocalRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second, discardLogger())
	assert.True(t, g.Check(context.Background(), "contains malware").Flagged)
	assert.False(t, g.Check(context.Background(), "clean").Flagged)
}

func TestUnreachableEndpointFallsBackToLocalRules(t *testing.T) {
	g := New("http://127.0.0.1:1", 200*time.Millisecond, discardLogger())
	assert.True(t, g.Check(context.Background(), "contains terrorism").Flagged)
}

func TestGarbageResponseFallsBackToLocalRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	g := New(srv.URL, time.Second, discardLogger())
	assert.True(t, g.Check(context.Background(), "hate speech post").Flagged)
}
