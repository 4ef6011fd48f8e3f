package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	e := New()

	out := e.Run(context.Background(), "echo hello; echo oops >&2", time.Minute)
	require.Nil(t, out.SpawnError)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.False(t, out.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	e := New()

	out := e.Run(context.Background(), "exit 3", time.Minute)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 3, *out.ExitCode)
	assert.False(t, out.Succeeded())
	assert.False(t, out.TimedOut)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	e := New()
	e.GracePeriod = 200 * time.Millisecond

	start := time.Now()
	out := e.Run(context.Background(), "sleep 30", 300*time.Millisecond)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Succeeded())
	require.NotNil(t, out.ExitCode)
	// sh exits on SIGTERM; 128+15 either from the shell dying or
	// propagated from sleep.
	assert.NotEqual(t, 0, *out.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	e := New()
	e.GracePeriod = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	out := e.Run(ctx, "sleep 30", time.Minute)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Succeeded())
}

func TestRunSpawnError(t *testing.T) {
	e := New()
	e.Shell = "/nonexistent/shell"

	out := e.Run(context.Background(), "true", time.Minute)
	require.Error(t, out.SpawnError)
	assert.Nil(t, out.ExitCode)
	assert.False(t, out.Succeeded())
}

func TestRunTruncatesLongOutput(t *testing.T) {
	e := New()
	e.MaxCaptureBytes = 1024

	out := e.Run(context.Background(), "yes x | head -c 4096", time.Minute)
	require.NotNil(t, out.ExitCode)
	assert.True(t, strings.HasSuffix(out.Stdout, truncationMarker))
	assert.LessOrEqual(t, len(out.Stdout), 1024+len(truncationMarker))
}
