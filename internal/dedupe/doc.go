// Package dedupe remembers recently seen keys, with the value first stored
// under them, for a bounded time window and a bounded number of entries.
package dedupe
