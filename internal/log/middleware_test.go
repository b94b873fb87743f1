package log

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, NewConsoleHandler(&buf, &Config{Format: "text"}, slog.LevelInfo))

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test/path", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	output := buf.String()
	assert.Contains(t, output, "http request")
	assert.Contains(t, output, "method=GET")
	assert.Contains(t, output, "path=/test/path")
	assert.Contains(t, output, "status=200")
}

func TestRequestLogger_ErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, NewConsoleHandler(&buf, &Config{Format: "text"}, slog.LevelInfo))

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/error", nil))

	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestRequestLogger_RequestID(t *testing.T) {
	useLogger(t, slog.NewTextHandler(&bytes.Buffer{}, nil))

	var seen string
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	// A well-formed incoming id is reused, anything else is replaced
	incoming := uuid.NewString()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, incoming, seen)

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bogus\nvalue")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "bogus\nvalue", seen)
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
	assert.False(t, rw.hijacked)
}
