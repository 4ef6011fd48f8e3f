package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuectl/queuectl/internal/domain"
	"github.com/queuectl/queuectl/internal/executor"
	"github.com/queuectl/queuectl/internal/storage/sqlite"
)

func newIntegrationStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "queuectl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *sqlite.Store, id, command string, maxRetries int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.InsertJob(context.Background(), &domain.Job{
		ID:            id,
		Command:       command,
		TimeoutSec:    30,
		MaxRetries:    maxRetries,
		RunAt:         now,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func waitForState(t *testing.T, s *sqlite.Store, id string, want domain.State, within time.Duration) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		j, err := s.GetJob(context.Background(), id)
		require.NoError(t, err)
		if j.State == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, j.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func runPool(t *testing.T, s *sqlite.Store, workers int, logsDir string) (cancel context.CancelFunc, done chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	pool := NewPool(PoolOptions{
		Workers:      workers,
		Store:        s,
		Exec:         executor.New(),
		PollInterval: 20 * time.Millisecond,
		PollJitter:   10 * time.Millisecond,
		OrphanGrace:  time.Second,
		LogPath: func(id string) string {
			if logsDir == "" {
				return ""
			}
			return filepath.Join(logsDir, id+".log")
		},
	})
	done = make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	return cancelFn, done
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	s := newIntegrationStore(t)
	logsDir := t.TempDir()
	enqueue(t, s, "ok", "echo hello", 3)

	cancel, done := runPool(t, s, 2, logsDir)
	defer cancel()

	j := waitForState(t, s, "ok", domain.StateCompleted, 5*time.Second)
	require.NotNil(t, j.ExitCode)
	assert.Equal(t, 0, *j.ExitCode)
	assert.Equal(t, "hello\n", j.Stdout)
	assert.Equal(t, 1, j.Attempts)
	assert.Nil(t, j.ClaimedBy)

	data, err := os.ReadFile(filepath.Join(logsDir, "ok.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== EXIT CODE ===\n0")
	assert.Contains(t, string(data), "hello")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolMovesExhaustedJobToDLQ(t *testing.T) {
	s := newIntegrationStore(t)

	// Zero retries and a failing command: one attempt then dead.
	enqueue(t, s, "doomed", "exit 9", 0)

	cancel, done := runPool(t, s, 1, "")
	defer cancel()

	j := waitForState(t, s, "doomed", domain.StateDead, 5*time.Second)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.ExitCode)
	assert.Equal(t, 9, *j.ExitCode)
	assert.Equal(t, "exit code 9", j.Error)

	cancel()
	<-done
}

func TestPoolRetriesFailedJob(t *testing.T) {
	s := newIntegrationStore(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	// Fails until the marker exists, and creates it on the first run.
	enqueue(t, s, "flaky", "test -f "+marker+" || { touch "+marker+"; exit 1; }", 3)

	cancel, done := runPool(t, s, 1, "")
	defer cancel()

	// First attempt fails, backoff is base^1 = 2s, then it succeeds.
	j := waitForState(t, s, "flaky", domain.StateFailed, 5*time.Second)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "exit code 1", j.Error)

	j = waitForState(t, s, "flaky", domain.StateCompleted, 10*time.Second)
	assert.Equal(t, 2, j.Attempts)

	cancel()
	<-done
}

func TestPoolParallelism(t *testing.T) {
	s := newIntegrationStore(t)
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, s, id, "sleep 0.3", 0)
	}

	start := time.Now()
	cancel, done := runPool(t, s, 3, "")
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		waitForState(t, s, id, domain.StateCompleted, 5*time.Second)
	}
	// Three 300ms jobs across three workers finish well under 900ms
	// of serial time.
	assert.Less(t, time.Since(start), 800*time.Millisecond)

	cancel()
	<-done
}

func TestPoolRegistersPresence(t *testing.T) {
	s := newIntegrationStore(t)

	cancel, done := runPool(t, s, 2, "")
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.ActiveWorkers(context.Background(), time.Now().UTC())
		require.NoError(t, err)
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active workers = %d, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done

	n, err := s.ActiveWorkers(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPoolTimeoutSendsJobToDLQ(t *testing.T) {
	s := newIntegrationStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.InsertJob(context.Background(), &domain.Job{
		ID:            "slow",
		Command:       "sleep 30",
		TimeoutSec:    1,
		MaxRetries:    0,
		RunAt:         now,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	cancel, done := runPool(t, s, 1, "")
	defer cancel()

	j := waitForState(t, s, "slow", domain.StateDead, 8*time.Second)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "timed out", j.Error)

	cancel()
	<-done
}

func TestRestartDurability(t *testing.T) {
	s := newIntegrationStore(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		enqueue(t, s, id, "sleep 0.1; echo "+id, 3)
	}

	// First pool claims some work and is stopped mid-stream.
	cancel, done := runPool(t, s, 2, "")
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	// A fresh pool against the same store drains the rest.
	cancel, done = runPool(t, s, 2, "")
	defer cancel()
	for _, id := range []string{"r1", "r2", "r3"} {
		j := waitForState(t, s, id, domain.StateCompleted, 10*time.Second)
		// Shutdown finalized in-flight attempts, so nothing was
		// processed twice.
		assert.Equal(t, 1, j.Attempts, id)
	}
	cancel()
	<-done
}

func TestPoolShutdownFinalizesInFlightJob(t *testing.T) {
	s := newIntegrationStore(t)
	enqueue(t, s, "slowish", "sleep 0.4; echo done", 0)

	cancel, done := runPool(t, s, 1, "")

	waitForState(t, s, "slowish", domain.StateProcessing, 3*time.Second)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop")
	}

	// The in-flight attempt was allowed to finish and was finalized.
	j, err := s.GetJob(context.Background(), "slowish")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, j.State)
	assert.Nil(t, j.ClaimedBy)
}

func TestWriteJobLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "j1.log")
	code := 2
	require.NoError(t, WriteJobLog(path, domain.Capture{
		ExitCode: &code,
		Stdout:   "partial",
		Stderr:   "err line",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "=== EXIT CODE ===\n2\n\n=== STDOUT ===\npartial\n\n=== STDERR ===\nerr line\n", string(data))
}
