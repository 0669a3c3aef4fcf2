// Package supervisable records what one unit of work did: lifecycle dates,
// an ordered step log, a declared result, an optional JSON business context
// and marks (TRIVIAL, URGENT, SECURITY, INTERNAL_STATE_CHANGE).
//
// A Supervisable is created per execution attempt, ends exactly once and is
// converted into an immutable EndEvent that a Manager hands to its consumers.
// Task code reaches its own record through the context:
//
//	sv := supervisable.FromContext(ctx)
//	_ = sv.OnMessage("scan.files", "Found {0} files in {1}", n, dir)
//	_ = sv.ResultDone("", "")
package supervisable
