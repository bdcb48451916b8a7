package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/store"
)

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, session.DefaultResolveTimeout, cfg.Session.ResolveTimeout)
	assert.Equal(t, store.DefaultPollInterval, cfg.Store.PollInterval, "matches the store's own default")

	s, err := cfg.Serialization()
	require.NoError(t, err)
	assert.Equal(t, optimistic.PerKey, s)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_OverridesKeepOtherDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  poll_interval: 50ms
session:
  resolve_timeout: 1500ms
optimistic:
  serialization: concurrent
realtime:
  notification_filter: payload.recipient_id == vars.principal && payload.task_id != ""
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "optisync.db", cfg.Store.Path)
	assert.Equal(t, 50*time.Millisecond, cfg.Store.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Session.ResolveTimeout)
	assert.Contains(t, cfg.Realtime.NotificationFilter, "task_id")
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	s, err := cfg.Serialization()
	require.NoError(t, err)
	assert.Equal(t, optimistic.Concurrent, s)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown section", "cache:\n  size: 10\n"},
		{"unknown key", "store:\n  dsn: x\n"},
		{"bad serialization", "optimistic:\n  serialization: parallel\n"},
		{"bad duration", "session:\n  resolve_timeout: soon\n"},
		{"number for duration", "store:\n  poll_interval: 10\n"},
		{"bad level", "log:\n  level: trace\n"},
		{"empty path", "local:\n  path: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("store: [unclosed"))
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: /tmp/board.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/board.db", cfg.Store.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.NewLogger(&buf).Info("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	Default().NewLogger(&buf).Debug("hidden")
	assert.Empty(t, buf.String())
}
