package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/minutequota/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.AppConfig{Env: "test", LogLevel: "info", LogFormat: "json"})
	log.Debug().Msg("hidden")
	log.Info().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"minutequotad"`)
	assert.Contains(t, out, `"env":"test"`)
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	backend, err := openStorage(ctx, &config.Config{Storage: config.StorageConfig{Backend: config.BackendMemory}})
	require.NoError(t, err)
	assert.NoError(t, backend.ping(ctx))
	assert.NoError(t, backend.close())

	_, err = openStorage(ctx, &config.Config{Storage: config.StorageConfig{Backend: "cassandra"}})
	assert.Error(t, err)
}

func TestOpenStorage_SQLite(t *testing.T) {
	ctx := context.Background()
	backend, err := openStorage(ctx, &config.Config{Storage: config.StorageConfig{
		Backend:     config.BackendSQLite,
		DSN:         filepath.Join(t.TempDir(), "minutequota.db"),
		AutoMigrate: true,
	}})
	require.NoError(t, err)
	defer func() { _ = backend.close() }()
	assert.NoError(t, backend.ping(ctx))
}

func TestHealthHandler(t *testing.T) {
	healthy := &storageBackend{ping: noopPing}
	w := httptest.NewRecorder()
	healthHandler(healthy)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	down := &storageBackend{ping: func(context.Context) error { return errors.New("dial tcp: refused") }}
	w = httptest.NewRecorder()
	healthHandler(down)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "refused")
}
