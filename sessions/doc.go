// Package sessions tracks one long-lived logical session per connecting
// client.
//
// A session outlives the transport it was created on. When the last event
// stream of a session closes, the session moves to StateDisconnected and its
// grace window starts; a request or a new stream within the window resumes it
// with the same id and the same conversation-scoped attributes. Once the
// window elapses the periodic sweep marks the session expired and deletes it.
//
// Layers & Roles
//
//	Manager -> lifecycle (create, touch, resume, attach, detach, expire, sweep)
//	Host    -> durability and coordination (records, identity index, expiry index, events)
//
// Nothing outside the Manager mutates session records.
//
// # Host Implementations
//
//	memoryhost : in-process maps, for tests and single replicas
//	redishost  : Redis keys, a sorted expiry index and Redis Streams for events
//
// Both implementations run the shared conformance suite in sessionhosttest.
package sessions
