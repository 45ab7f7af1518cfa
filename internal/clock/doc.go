// Package clock abstracts the time source so deadline and retry logic
// can be driven deterministically in tests.
package clock
