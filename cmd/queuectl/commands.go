package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queuectl/queuectl/internal/dashboard"
	"github.com/queuectl/queuectl/internal/domain"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/observability"
	"github.com/queuectl/queuectl/internal/worker"
)

func (a *app) cmdInit(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(a.cfg.LogsDir(), 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	fmt.Printf("initialized %s\n", a.cfg.DBPath())
	return nil
}

func (a *app) cmdEnqueue(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("enqueue needs exactly one JSON payload argument")
	}
	payload, err := readPayload(args[0])
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := a.newManager(store).Enqueue(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s (priority %d, timeout %ds, max_retries %d, run_at %s)\n",
		j.ID, j.Priority, j.TimeoutSec, j.MaxRetries, j.RunAt.Format(time.RFC3339))
	return nil
}

// readPayload resolves the enqueue argument: literal JSON, @file, or -
// for stdin.
func readPayload(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	state := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := a.newManager(store).List(ctx, *state, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tATTEMPTS\tCOMMAND\tERROR")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			j.ID, j.State, j.Priority, j.Attempts, j.MaxRetries+1,
			truncate(j.Command, 48), truncate(j.Error, 32))
	}
	return w.Flush()
}

func (a *app) cmdStatus(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	agg, workers, err := a.newManager(store).Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, state := range domain.States {
		fmt.Fprintf(w, "%s\t%d\n", state, agg.Count(state))
	}
	fmt.Fprintf(w, "workers\t%d\n", workers)
	return w.Flush()
}

func (a *app) cmdLogs(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("logs needs exactly one job id")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	logs, err := a.newManager(store).Logs(ctx, args[0])
	if err != nil {
		return err
	}
	j := logs.Job

	fmt.Printf("job: %s\nstate: %s\nattempts: %d/%d\n", j.ID, j.State, j.Attempts, j.MaxRetries+1)
	if j.ExitCode != nil {
		fmt.Printf("exit code: %d\n", *j.ExitCode)
	}
	if j.Error != "" {
		fmt.Printf("error: %s\n", j.Error)
	}
	if j.Stdout != "" {
		fmt.Printf("\n--- stdout ---\n%s", ensureNewline(j.Stdout))
	}
	if j.Stderr != "" {
		fmt.Printf("\n--- stderr ---\n%s", ensureNewline(j.Stderr))
	}
	if logs.LogData != "" {
		fmt.Printf("\nlog file: %s\n", logs.LogPath)
	}
	return nil
}

func (a *app) cmdMetrics(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	agg, workers, err := a.newManager(store).Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total jobs\t%d\n", agg.Total)
	fmt.Fprintf(w, "completed\t%d\n", agg.Completed)
	fmt.Fprintf(w, "failed\t%d\n", agg.Failed)
	fmt.Fprintf(w, "dead\t%d\n", agg.Dead)
	fmt.Fprintf(w, "avg runtime\t%.2fs\n", agg.AvgRuntimeSeconds)
	fmt.Fprintf(w, "active workers\t%d\n", workers)
	return w.Flush()
}

func (a *app) cmdWorker(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("worker needs a subcommand: start, reap")
	}
	switch args[0] {
	case "start":
		return a.cmdWorkerStart(ctx, args[1:])
	case "reap":
		return a.cmdWorkerReap(ctx)
	default:
		return fmt.Errorf("unknown worker subcommand %q", args[0])
	}
}

func (a *app) cmdWorkerStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker start", flag.ContinueOnError)
	count := fs.Int("count", 1, "number of concurrent workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 {
		return errors.New("worker count must be >= 1")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewJobMetrics(reg)
	if addr := a.cfg.WorkerMetricsAddr; addr != "" {
		reg.MustRegister(observability.NewQueueCollector(store))
		go serveMetrics(ctx, addr, reg)
	}

	pool := worker.NewPool(worker.PoolOptions{
		Workers:         *count,
		Store:           store,
		Exec:            executor.New(),
		Logger:          a.logger,
		Metrics:         metrics,
		PollInterval:    a.cfg.PollInterval,
		PollJitter:      a.cfg.PollJitter,
		OrphanGrace:     a.cfg.OrphanGrace,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		LogPath:         a.cfg.LogPath,
	})

	if err := pool.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errSignalled
	}
	return nil
}

// serveMetrics exposes worker prometheus metrics on a loopback address.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	_ = srv.ListenAndServe()
}

func (a *app) cmdWorkerReap(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reaped, err := a.newManager(store).Reap(ctx, a.cfg.OrphanGrace)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		fmt.Println("no orphaned jobs")
		return nil
	}
	fmt.Printf("reaped %d orphaned job(s): %s\n", len(reaped), strings.Join(reaped, ", "))
	return nil
}

func (a *app) cmdDLQ(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("dlq needs a subcommand: list, retry")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	manager := a.newManager(store)

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("dlq list", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "maximum rows")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		list, err := manager.DLQList(ctx, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tATTEMPTS\tCOMMAND\tERROR")
		for _, j := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				j.ID, j.Attempts, truncate(j.Command, 48), truncate(j.Error, 40))
		}
		return w.Flush()
	case "retry":
		if len(args) != 2 {
			return errors.New("dlq retry needs exactly one job id")
		}
		if err := manager.DLQRetry(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown dlq subcommand %q", args[0])
	}
}

func (a *app) cmdConfig(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("config needs a subcommand: show, set")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	manager := a.newManager(store)

	switch args[0] {
	case "show":
		settings, err := manager.ConfigShow(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, key := range domain.SettingKeys {
			fmt.Fprintf(w, "%s\t%s\n", key, settings.Value(key))
		}
		return w.Flush()
	case "set":
		if len(args) != 3 {
			return errors.New("config set needs a key and a value")
		}
		if err := manager.ConfigSet(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[1], args[2])
		return nil
	default:
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

func (a *app) cmdDashboard(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "start" {
		return errors.New("dashboard needs the start subcommand")
	}
	fs := flag.NewFlagSet("dashboard start", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.DashboardAddr, "listen address")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := dashboard.New(*addr, a.newManager(store), store, a.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
