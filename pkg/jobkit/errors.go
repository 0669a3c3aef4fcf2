package jobkit

import "errors"

var (
	// ErrZeroInterval is returned when a service would run with a non-positive interval.
	ErrZeroInterval = errors.New("jobkit: service interval must be > 0")
	// ErrInvalidRetryFactor is returned for a retry-after-error factor <= 0.
	ErrInvalidRetryFactor = errors.New("jobkit: retry after error factor must be > 0")
	// ErrAlreadyScheduled is returned when a service already has a pending run.
	ErrAlreadyScheduled = errors.New("jobkit: service run already scheduled")
	// ErrShutdown is returned by operations refused after shutdown.
	ErrShutdown = errors.New("jobkit: engine is shut down")
	// ErrUnknownService is returned when a service name is not registered.
	ErrUnknownService = errors.New("jobkit: unknown service")
	// ErrSpoolRefused is returned when a spool does not accept a submission.
	ErrSpoolRefused = errors.New("jobkit: spool refused the job")
)
