package domain

import "errors"

var (
	// ErrDuplicateJob is returned when an enqueue collides with an
	// existing job id, whatever state that job is in.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrJobNotFound is returned by lookups for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotDead is returned by a DLQ retry when the target job is
	// not in the dead state.
	ErrJobNotDead = errors.New("job is not in the dead letter queue")

	// ErrJobLost is returned by a finalize when the row is no longer
	// processing under the caller's claim, e.g. after an orphan sweep.
	ErrJobLost = errors.New("job ownership lost")

	// ErrInvalidPayload is returned for enqueue payloads that fail
	// validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidConfigValue is returned for unknown setting keys or
	// out-of-range values.
	ErrInvalidConfigValue = errors.New("invalid config value")

	// ErrStoreUnavailable is returned when the database stays locked
	// past the retry budget.
	ErrStoreUnavailable = errors.New("store unavailable")
)
