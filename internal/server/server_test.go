package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/rtcr/internal/config"
	"github.com/nixpig/rtcr/internal/logging"
	"github.com/nixpig/rtcr/internal/rpc"
	"github.com/nixpig/rtcr/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcrd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
socket = "/tmp/from-file.sock"
metrics_addr = ":9100"
bootstrap = true
`), 0o644))

	scenarios := map[string]struct {
		args []string
		want func(*testing.T, config.Config)
	}{
		"defaults": {
			args: nil,
			want: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.Default(), cfg)
			},
		},
		"file values": {
			args: []string{"--config", path},
			want: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "/tmp/from-file.sock", cfg.Socket)
				assert.Equal(t, ":9100", cfg.MetricsAddr)
				assert.True(t, cfg.Bootstrap)
			},
		},
		"flags override file": {
			args: []string{"--config", path, "--metrics-addr", ":9200", "--bootstrap=false", "--log-format", "json"},
			want: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "/tmp/from-file.sock", cfg.Socket)
				assert.Equal(t, ":9200", cfg.MetricsAddr)
				assert.False(t, cfg.Bootstrap)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			cmd := Cmd()
			require.NoError(t, cmd.ParseFlags(data.args))

			cfg, err := loadConfig(cmd)
			require.NoError(t, err)
			data.want(t, cfg)
		})
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	cmd := Cmd()
	require.NoError(t, cmd.ParseFlags([]string{"--socket", ""}))

	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "socket cannot be empty")
}

func TestSetupListenerReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "run", "rtcrd.sock")

	require.NoError(t, os.MkdirAll(filepath.Dir(socket), 0o755))
	require.NoError(t, os.WriteFile(socket, nil, 0o644))

	listener, err := setupListener(socket)
	require.NoError(t, err)
	defer listener.Close()

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
}

func TestDaemon(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "rtcrd.sock")

	cfg := config.Default()
	cfg.Socket = socket
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.MetricsAddr = "127.0.0.1:0"

	listener, err := setupListener(socket)
	require.NoError(t, err)

	d, err := newDaemon(cfg, listener, logging.NewLogger(io.Discard, false, "text"))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.start()
	}()

	client, err := rpc.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CreateSession(t.Context(), `label="daemon"`)
	require.NoError(t, err)

	records, err := session.LoadRecords(cfg.StateDir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "daemon", records[0].Label)

	resp, err := http.Get("http://" + d.metricsListener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtcr_sessions")

	d.shutdown()
	assert.NoError(t, <-errCh)

	records, err = session.LoadRecords(cfg.StateDir)
	require.NoError(t, err)
	assert.Empty(t, records, "shutdown destroys every session")
}
