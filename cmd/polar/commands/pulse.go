package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/polar/am"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/schedule"
	"github.com/teranos/polar/server"
	"github.com/teranos/polar/sym"
)

// PulseCmd groups the scheduler daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the scheduler daemon",
	Long: sym.Pulse + ` Pulse - the scheduler daemon.

The daemon:
- ticks on scheduler.ticker_interval_seconds, turning due jobs into events
- drains due retries after every tick
- serves the HTTP API, /metrics and the /ws/scheduler feed
- retunes the ticker when am.toml changes

Example:
  polar pulse start               # Start daemon in foreground
  polar pulse start --port 9090   # Override server.port
  polar pulse tick                # Run one tick and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler daemon and HTTP API",
	RunE:  runPulseStart,
}

var pulseTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single tick against the database and exit",
	RunE:  runPulseTick,
}

func init() {
	pulseStartCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	addJSONFlag(pulseTickCmd)

	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseTickCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	conn, dbPath, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := logger.ComponentLogger("pulse")
	hub := server.NewHub(log)
	st, err := buildStack(cfg, conn, log, hub)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticker *schedule.Ticker
	if cfg.Scheduler.TickerIntervalSeconds > 0 {
		ticker = schedule.NewTickerWithContext(ctx, st.jobs, st.service, tickerConfig(cfg.Scheduler), log)
		ticker.Start()
	}

	srvOpts := []server.Option{
		server.WithHub(hub),
		server.WithLogger(log),
		server.WithOperationTimeout(cfg.Server.OperationTimeout()),
	}
	if ticker != nil {
		srvOpts = append(srvOpts, server.WithTicker(ticker))
	}
	srv := server.New(st.jobs, st.service, srvOpts...)

	port := cfg.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	watcher := startConfigWatcher(ticker, srv)
	if watcher != nil {
		defer watcher.Stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	printStartup(cfg, dbPath, port, ticker != nil)
	logger.AddPulseOpenSymbol(log).Infow("Pulse daemon started", "port", port, "db", dbPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

	// Stop producing events before draining in-flight requests.
	if ticker != nil {
		ticker.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.AddPulseCloseSymbol(log).Warnw("Server shutdown incomplete", "error", err)
	}
	logger.AddPulseCloseSymbol(log).Infow("Pulse daemon stopped")

	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return nil
}

// startConfigWatcher follows the highest-precedence am.toml that was loaded.
// With no config file there is nothing to watch.
func startConfigWatcher(ticker *schedule.Ticker, srv *server.Server) *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.PulseWarnw("Config watcher unavailable", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		if ticker != nil && cfg.Scheduler.TickerIntervalSeconds > 0 {
			ticker.Reconfigure(tickerConfig(cfg.Scheduler))
		}
		srv.SetOperationTimeout(cfg.Server.OperationTimeout())
		logger.PulseInfow("Scheduler retuned from config",
			"interval", cfg.Scheduler.TickerInterval(),
			"due_batch_limit", cfg.Scheduler.DueBatchLimit,
			"retry_batch_limit", cfg.Scheduler.RetryBatchLimit)
		return nil
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}

func printStartup(cfg *am.Config, dbPath string, port int, ticking bool) {
	pterm.DefaultSection.Println(sym.PulseOpen + " Pulse daemon started")

	interval := "disabled"
	if ticking {
		interval = cfg.Scheduler.TickerInterval().String()
	}
	board := "not configured"
	switch {
	case cfg.TaskBoard.URL != "":
		board = cfg.TaskBoard.URL
	case cfg.TaskBoard.InMemory:
		board = "in-process"
	}

	rows := [][]string{
		{"Database", dbPath},
		{"API", fmt.Sprintf("http://localhost:%d", port)},
		{"Ticker interval", interval},
		{"Due batch", strconv.Itoa(cfg.Scheduler.DueBatchLimit)},
		{"Retry policy", fmt.Sprintf("%d attempts, %dms backoff", cfg.Scheduler.DefaultMaxAttempts, cfg.Scheduler.DefaultRetryBackoffMs)},
		{"Automation gateway", orNone(cfg.Gateway.AutomationURL)},
		{"Heartbeat gateway", orNone(cfg.Gateway.HeartbeatURL)},
		{"Task board", board},
	}
	printTable(os.Stdout, []string{"Setting", "Value"}, rows)
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")
}

func orNone(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}

func runPulseTick(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	conn, _, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	st, err := buildStack(cfg, conn, logger.Logger, nil)
	if err != nil {
		return err
	}

	ticker := schedule.NewTicker(st.jobs, st.service, tickerConfig(cfg.Scheduler), logger.Logger)
	result, err := ticker.Tick(cmd.Context())
	if err != nil {
		return err
	}

	if wantJSON(cmd) {
		return printJSON(cmd.OutOrStdout(), result)
	}
	pterm.Success.Printf("Tick: %d due, %d dispatched, %d processed, %d failed, %d rejected, %d already queued\n",
		result.Due, result.Dispatched, result.Processed, result.Failed, result.Rejected, result.SkippedQueue)
	if r := result.Retries; r != nil && r.Due > 0 {
		pterm.Info.Printf("Retries: %d due, %d processed, %d failed\n", r.Due, r.Processed, r.Failed)
	}
	return nil
}
