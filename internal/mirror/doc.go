// Package mirror republishes room events to Redis pub/sub so that other
// processes (audit loggers, dashboards, replay tools) can observe live rooms
// without holding a websocket. Publishing is best-effort and never blocks the
// live update path.
package mirror
