package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/rcmd/internal/core"
	"github.com/3cpo-dev/rcmd/internal/server"
	"github.com/3cpo-dev/rcmd/internal/telemetry"
)

// Resolve the configuration, applying any flags the user set
func resolveConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Listen, _ = flags.GetString("port")
	}
	if flags.Changed("capture-dir") {
		cfg.CaptureDir, _ = flags.GetString("capture-dir")
	}
	if flags.Changed("audit") {
		cfg.Audit.Path, _ = flags.GetString("audit")
	}
	if flags.Changed("monitoring-addr") {
		cfg.Telemetry.MonitoringAddr, _ = flags.GetString("monitoring-addr")
	}
	if flags.Changed("idle-timeout") {
		cfg.IdleTimeout, _ = flags.GetDuration("idle-timeout")
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations, _ = flags.GetUint("max-iterations")
	}
	return cfg, cfg.Validate()
}

// Serve rcmd sessions
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept rcmd clients and run their commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("port", "p", "9000", "port or host:port to listen on")
	cmd.Flags().String("capture-dir", "", "directory for per-client capture files")
	cmd.Flags().String("audit", "", "SQLite file recording served sessions")
	cmd.Flags().String("monitoring-addr", "", "address for the /health and /metrics endpoint")
	cmd.Flags().Duration("idle-timeout", 0, "close connections silent this long while a request or ack is due")
	cmd.Flags().Uint("max-iterations", 0, "reject requests with a larger count (0 = unlimited)")
	return cmd
}

func serve(ctx context.Context, cfg core.Config) error {
	enabled := cfg.Telemetry.Enabled || cfg.Telemetry.MonitoringAddr != ""
	collector := telemetry.InitGlobal(enabled)
	monitor := telemetry.NewPerformanceMonitor(collector, enabled)
	defer func() {
		monitor.Shutdown()
		_ = telemetry.Shutdown()
	}()

	h := &server.Handler{
		CaptureDir: cfg.CaptureDir,
		Executor: &server.ShellExecutor{
			Shell:         cfg.Shell,
			CaptureStderr: cfg.CaptureStderr,
			Stderr:        os.Stderr,
		},
		IdleTimeout:   cfg.IdleTimeout,
		MaxIterations: cfg.MaxIterations,
		Monitor:       monitor,
	}

	var store *core.Store
	if cfg.Audit.Path != "" {
		var err error
		store, err = core.NewStore(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close()
		h.Audit = store
		log.Info().Str("path", cfg.Audit.Path).Msg("Auditing sessions")
	}

	srv := server.NewServer(h)
	if err := srv.Listen(cfg.ListenAddr()); err != nil {
		return err
	}

	var ms *telemetry.MonitoringServer
	if cfg.Telemetry.MonitoringAddr != "" {
		ms = telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector, monitor)
		ms.RegisterHealthCheck("capture_dir", telemetry.WritableDirCheck("capture_dir", cfg.CaptureDir))
		if store != nil {
			ms.RegisterHealthCheck("audit", auditHealthCheck(store))
		}
		go func() {
			if err := ms.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Monitoring server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Int64("active_sessions", monitor.Active()).Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ms != nil {
		_ = ms.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errc
}

func auditHealthCheck(store *core.Store) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return telemetry.HealthCheck{Name: "audit", Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
		}
		return telemetry.HealthCheck{Name: "audit", Status: telemetry.HealthStatusHealthy, Message: "audit store reachable"}
	}
}

// List recently served sessions
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently served sessions from the audit store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if p, _ := cmd.Flags().GetString("audit"); p != "" {
				cfg.Audit.Path = p
			}
			if cfg.Audit.Path == "" {
				return errors.New("no audit store configured (set audit.path or --audit)")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			verbose, _ := cmd.Flags().GetBool("iterations")

			store, err := core.NewStore(cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			sessions, err := store.RecentSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(cmd, store, sessions, verbose)
		},
	}
	cmd.Flags().String("audit", "", "SQLite audit file (overrides config)")
	cmd.Flags().Int("limit", 20, "number of sessions to show")
	cmd.Flags().Bool("iterations", false, "also list each session's iterations")
	return cmd
}

func printHistory(cmd *cobra.Command, store *core.Store, sessions []core.SessionRecord, verbose bool) error {
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tCLIENT\tRUNS\tEND\tCOMMAND")
	for _, s := range sessions {
		reason := s.EndReason
		if reason == "" {
			reason = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			humanize.Time(s.StartedAt), s.Client, s.Iterations, s.Count, reason, strings.TrimSpace(s.Command))
		if !verbose {
			continue
		}
		its, err := store.Iterations(cmd.Context(), s.ID)
		if err != nil {
			return err
		}
		for _, it := range its {
			fmt.Fprintf(w, "\t#%d\texit %d\t%s\t%s\n",
				it.Index, it.ExitCode, humanize.Bytes(uint64(it.OutputBytes)), it.Duration)
		}
	}
	return w.Flush()
}
