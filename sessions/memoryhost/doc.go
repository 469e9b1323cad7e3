// Package memoryhost provides an in-process implementation of sessions.Host.
//
// Records, the identity index and event subscriptions live in maps guarded
// by mutexes. Nothing survives a restart and nothing is shared between
// replicas, so it suits tests and single-process deployments. Use redishost
// when the gateway runs behind a load balancer.
//
// Events are delivered only to subscribers registered at publish time. A
// subscriber that falls more than a small buffer behind loses events rather
// than blocking the publisher.
package memoryhost
