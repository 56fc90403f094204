// Package server runs rtcrd, the daemon that intercepts protection-domain
// sessions and serves their ledgers to the checkpoint orchestrator.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nixpig/rtcr/internal/config"
	"github.com/nixpig/rtcr/internal/logging"
	"github.com/spf13/cobra"
)

func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rtcrd [flags]",
		Short:        "Start the rtcr interception daemon",
		Example:      "  rtcrd --socket /run/rtcr/rtcrd.sock --metrics-addr :9100",
		Version:      "0.0.1",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, closeLog, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			slog.SetDefault(logger)

			listener, err := setupListener(cfg.Socket)
			if err != nil {
				return fmt.Errorf("failed to setup socket: %w", err)
			}

			d, err := newDaemon(cfg, listener, logger)
			if err != nil {
				listener.Close()
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				fmt.Fprintln(cmd.OutOrStdout(), "starting server")
				errCh <- d.start()
			}()

			ctx, cancel := signal.NotifyContext(
				cmd.Context(),
				syscall.SIGTERM,
				os.Interrupt,
			)
			defer cancel()

			select {
			case err := <-errCh:
				d.shutdown()
				if err != nil {
					return fmt.Errorf("server stopped with error: %w", err)
				}
			case <-ctx.Done():
				fmt.Fprintln(cmd.OutOrStdout(), "shutting down server")
				d.shutdown()
				<-errCh
			}

			return nil
		},
	}

	cmd.Flags().StringP("config", "c", "", "path to a TOML configuration file")
	cmd.Flags().StringP("socket", "s", config.DefaultSocket, "UNIX socket for the session service")
	cmd.Flags().String("state-dir", config.DefaultStateDir, "directory for session records (empty disables)")
	cmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().Bool("bootstrap", false, "start in the bootstrap phase")
	cmd.Flags().StringP("log", "l", "", "destination to write logs (default is stderr)")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	cmd.Flags().String("log-format", "text", "log format (json | text)")

	cmd.CompletionOptions.HiddenDefaultCmd = true

	return cmd
}

// loadConfig reads the configuration file, if any, and applies the flags the
// user set explicitly on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if flags.Changed("socket") {
		cfg.Socket, _ = flags.GetString("socket")
	}

	if flags.Changed("state-dir") {
		cfg.StateDir, _ = flags.GetString("state-dir")
	}

	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if flags.Changed("bootstrap") {
		cfg.Bootstrap, _ = flags.GetBool("bootstrap")
	}

	if flags.Changed("log") {
		cfg.Log.File, _ = flags.GetString("log")
	}

	if flags.Changed("debug") {
		cfg.Log.Debug, _ = flags.GetBool("debug")
	}

	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*slog.Logger, func(), error) {
	if cfg.Log.File == "" {
		return logging.NewLogger(cmd.ErrOrStderr(), cfg.Log.Debug, cfg.Log.Format), func() {}, nil
	}

	f, err := logging.OpenLogFile(cfg.Log.File)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return logging.NewLogger(f, cfg.Log.Debug, cfg.Log.Format), func() { f.Close() }, nil
}

func setupListener(socket string) (net.Listener, error) {
	if err := os.Remove(socket); err != nil &&
		!errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(socket), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(socket, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}

	return listener, nil
}
