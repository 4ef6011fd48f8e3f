// queuectl is a single-host background job queue: jobs are shell
// commands persisted in SQLite and executed by a pool of workers with
// retries, backoff and a dead letter queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/queuectl/queuectl/internal/clock"
	"github.com/queuectl/queuectl/internal/config"
	"github.com/queuectl/queuectl/internal/domain"
	"github.com/queuectl/queuectl/internal/jobs"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/storage/sqlite"
)

// Exit codes: 0 success, 1 user error, 2 store unavailable, 130 clean
// shutdown after a signal.
const (
	exitOK               = 0
	exitUserError        = 1
	exitStoreUnavailable = 2
	exitSignalled        = 130
)

// errSignalled marks a worker run that stopped cleanly on a signal.
var errSignalled = errors.New("interrupted by signal")

const usage = `usage: queuectl <command> [flags]

commands:
  init                      create the data directory and database
  enqueue <json>            add a job (JSON payload or @file or - for stdin)
  list [--state S] [--limit N]
                            list jobs, newest first
  status                    per-state counts and live worker count
  logs <id>                 captured output of a job's latest attempt
  metrics                   queue totals and average runtime
  worker start [--count N]  run a pool of N workers until signalled
  worker reap               fail orphaned processing jobs
  dlq list [--limit N]      list dead letter queue jobs
  dlq retry <id>            requeue a dead job with a fresh attempt budget
  config show               list persisted queue settings
  config set <key> <value>  update a queue setting
  dashboard start [--addr A]
                            serve the read-only web dashboard
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUserError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		return exitUserError
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, logger, err := observability.InitLogger(ctx, observability.LoggerConfig{
		ServiceName: cfg.OTelServiceName,
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		Headers:     cfg.OTelHeaders,
		Insecure:    cfg.OTelInsecureMode,
		Level:       slog.LevelInfo,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		return exitUserError
	}
	slog.SetDefault(logger)
	if provider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	app := &app{cfg: cfg, logger: logger}

	err = app.dispatch(ctx, args)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errSignalled):
		return exitSignalled
	case errors.Is(err, domain.ErrStoreUnavailable):
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		return exitStoreUnavailable
	default:
		fmt.Fprintln(os.Stderr, "queuectl:", err)
		return exitUserError
	}
}

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return a.cmdInit(ctx)
	case "enqueue":
		return a.cmdEnqueue(ctx, rest)
	case "list":
		return a.cmdList(ctx, rest)
	case "status":
		return a.cmdStatus(ctx)
	case "logs":
		return a.cmdLogs(ctx, rest)
	case "metrics":
		return a.cmdMetrics(ctx)
	case "worker":
		return a.cmdWorker(ctx, rest)
	case "dlq":
		return a.cmdDLQ(ctx, rest)
	case "config":
		return a.cmdConfig(ctx, rest)
	case "dashboard":
		return a.cmdDashboard(ctx, rest)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run queuectl help)", cmd)
	}
}

// openStore opens the configured database, running migrations.
func (a *app) openStore(ctx context.Context) (*sqlite.Store, error) {
	return sqlite.Open(ctx, a.cfg.DBPath())
}

// newManager wires a job manager over the store.
func (a *app) newManager(store *sqlite.Store) *jobs.Manager {
	return jobs.NewManager(store, clock.System{}, a.cfg.LogPath)
}
