// Package execution runs shared room code against a remote sandboxed runner.
//
// The [Dispatcher] is a single global FIFO in front of the runner. Only one
// call is ever in flight, consecutive dispatches are spaced by a minimum
// interval measured from the start of the previous dispatch, and failed
// attempts are retried under a [Policy]: rate-limit responses honor the
// runner's Retry-After hint, other transient failures back off
// exponentially, and client-input errors fail immediately.
//
// [PistonClient] is the HTTP [Backend] for Piston-compatible runners.
package execution
