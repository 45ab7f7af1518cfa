// Package gateway terminates client websocket connections and drives the
// room registry and execution dispatcher on their behalf.
//
// Each connection identifies itself, joins at most one room, and sends
// events as JSON envelopes. The [Router] turns every inbound event into a
// registry call and fans the result out through the [Hub] to the peers the
// registry names. Failures are reported to the originating connection only.
//
// [Gateway] wires the router to HTTP (websocket upgrade plus a small
// read-only API), a gRPC health service, optional tailnet listeners, the
// persistence [Bridge] and the Redis event mirror.
package gateway
