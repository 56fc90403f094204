package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/core"
	"github.com/nixpig/rtcr/internal/rpc"
	"github.com/nixpig/rtcr/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDaemon(t *testing.T) (string, *bootstrap.Phase) {
	t.Helper()

	alloc := capability.NewAllocator()
	space := capability.NewSpace(alloc)
	phase := bootstrap.NewPhase(false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	factory, err := session.New(&session.Opts{
		Backend: core.NewPlatform(alloc, logger),
		Space:   space,
		Phase:   phase,
		Logger:  logger,
	})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "rtcrd.sock")

	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	server := rpc.NewServer(listener, &rpc.ServerOpts{
		Factory: factory,
		Space:   space,
		Phase:   phase,
		Logger:  logger,
	})

	go func() {
		_ = server.Start()
	}()

	t.Cleanup(func() {
		server.Shutdown()
		factory.Close()
	})

	return socket, phase
}

func run(t *testing.T, socket string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--socket", socket}, args...))

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

func TestCreateListDestroy(t *testing.T) {
	socket, _ := setupDaemon(t)

	out, err := run(t, socket, "create", `label="init -> counter", ram_quota=64K, cap_quota=20`)
	require.NoError(t, err)

	badge, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	require.NoError(t, err)
	assert.NotZero(t, badge)

	out, err = run(t, socket, "sessions")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "LABEL")
	assert.Contains(t, lines[1], "init -> counter")
	assert.Contains(t, lines[1], "64 KiB")
	assert.Contains(t, lines[1], "/ 20")

	_, err = run(t, socket, "upgrade", strconv.FormatUint(badge, 10), "ram_quota=64K")
	require.NoError(t, err)

	out, err = run(t, socket, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "128 KiB")

	_, err = run(t, socket, "destroy", "cap<"+strconv.FormatUint(badge, 10)+">")
	require.NoError(t, err)

	out, err = run(t, socket, "sessions")
	require.NoError(t, err)
	assert.Equal(t, 1, len(strings.Split(strings.TrimSpace(out), "\n")))
}

func TestSnapshot(t *testing.T) {
	socket, _ := setupDaemon(t)

	_, err := run(t, socket, "create", `label="a"`)
	require.NoError(t, err)

	_, err = run(t, socket, "create", `label="b"`)
	require.NoError(t, err)

	out, err := run(t, socket, "sessions")
	require.NoError(t, err)

	var idB string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		if fields := strings.Fields(line); fields[2] == "b" {
			idB = fields[1]
		}
	}
	require.NotEmpty(t, idB)

	scenarios := map[string]struct {
		args   []string
		labels []string
	}{
		"all sessions": {
			args:   []string{"snapshot"},
			labels: []string{"a", "b"},
		},
		"by id": {
			args:   []string{"snapshot", idB},
			labels: []string{"b"},
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			out, err := run(t, socket, data.args...)
			require.NoError(t, err)

			var snaps []session.Snapshot
			require.NoError(t, json.Unmarshal([]byte(out), &snaps))

			labels := make([]string, 0, len(snaps))
			for _, s := range snaps {
				labels = append(labels, s.Label)
				assert.True(t, s.PD.AddressSpace.Cap.Valid())
			}

			assert.Equal(t, data.labels, labels)
		})
	}
}

func TestBootstrap(t *testing.T) {
	socket, phase := setupDaemon(t)

	out, err := run(t, socket, "bootstrap", "on")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap: off -> on\n", out)
	assert.True(t, phase.Active())

	out, err = run(t, socket, "bootstrap", "off")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap: on -> off\n", out)
	assert.False(t, phase.Active())

	_, err = run(t, socket, "bootstrap", "maybe")
	assert.ErrorContains(t, err, "invalid phase")
}

func TestUnknownSession(t *testing.T) {
	socket, _ := setupDaemon(t)

	scenarios := map[string]struct {
		args []string
		err  string
	}{
		"unknown id": {
			args: []string{"destroy", "not-a-session"},
			err:  "no session with id or capability",
		},
		"unknown badge": {
			args: []string{"upgrade", "999", "ram_quota=4K"},
			err:  "failed to upgrade session",
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			_, err := run(t, socket, data.args...)
			assert.ErrorContains(t, err, data.err)
		})
	}
}
