package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuectl/queuectl/internal/domain"
)

func TestParseEnqueuePayload(t *testing.T) {
	spec, err := ParseEnqueuePayload([]byte(`{
		"id": "backup-1",
		"command": "tar czf /tmp/b.tgz /etc",
		"priority": 5,
		"timeout": 60,
		"max_retries": 2,
		"run_at": "2026-08-24T10:00:00Z"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "backup-1", spec.ID)
	assert.Equal(t, "tar czf /tmp/b.tgz /etc", spec.Command)
	require.NotNil(t, spec.Priority)
	assert.Equal(t, 5, *spec.Priority)
	require.NotNil(t, spec.Timeout)
	assert.Equal(t, 60, *spec.Timeout)
	require.NotNil(t, spec.MaxRetries)
	assert.Equal(t, 2, *spec.MaxRetries)
}

func TestParseEnqueuePayloadMinimal(t *testing.T) {
	spec, err := ParseEnqueuePayload([]byte(`{"id": "j", "command": "true"}`))
	require.NoError(t, err)
	assert.Nil(t, spec.Priority)
	assert.Nil(t, spec.Timeout)
	assert.Nil(t, spec.MaxRetries)
	assert.Empty(t, spec.RunAt)
}

func TestParseEnqueuePayloadRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `not json`,
		"unknown key":     `{"id": "j", "command": "true", "prio": 1}`,
		"missing id":      `{"command": "true"}`,
		"blank id":        `{"id": "  ", "command": "true"}`,
		"missing command": `{"id": "j"}`,
		"zero timeout":    `{"id": "j", "command": "true", "timeout": 0}`,
		"neg retries":     `{"id": "j", "command": "true", "max_retries": -1}`,
		"trailing data":   `{"id": "j", "command": "true"} {}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnqueuePayload([]byte(payload))
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}
}

func TestParseRunAt(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	want := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	for _, value := range []string{
		"2026-08-24T10:30:00Z",
		"2026-08-24T10:30:00",
		"2026-08-24 10:30:00",
	} {
		got, err := ParseRunAt(value, now)
		require.NoError(t, err, value)
		assert.True(t, got.Equal(want), value)
	}

	got, err := ParseRunAt("2026-08-24T12:30:00+02:00", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))

	for _, value := range []string{"", "now", "NOW"} {
		got, err := ParseRunAt(value, now)
		require.NoError(t, err, value)
		assert.True(t, got.Equal(now), value)
	}

	_, err = ParseRunAt("tomorrow", now)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
