// Package jobkit runs work on named, single-lane spools.
//
// A spool executes at most one job at a time, picking the highest priority
// first and the oldest submission among equal priorities. Every execution is
// recorded as four supervisable phases (before-start, the task itself,
// after-run, on-complete) whose end-events reach the supervisable.Manager.
//
// On top of spools the package provides:
//   - BackgroundService: a periodic task with error backoff
//     (interval x factor^consecutiveErrors), enable/disable and live
//     interval changes
//   - Watchdog: pluggable policies evaluated whenever a spool changes,
//     reporting a warning once and releasing it once
//   - Engine, the threaded Runner, and FlatEngine, a synchronous Runner for
//     tests and CLI tools
//
// Typical use:
//
//	eng := jobkit.New(jobkit.WithLogger(log))
//	eng.RunOneShot("reindex", "catalog", 10, reindex, nil)
//	svc, err := eng.StartService("poll", "catalog", time.Minute, poll, nil)
//	...
//	_ = eng.WaitToClose(ctx)
package jobkit
