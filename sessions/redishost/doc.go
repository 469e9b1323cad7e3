// Package redishost implements sessions.Host on Redis so several gateway
// replicas can share sessions behind a load balancer.
//
// Layout under the configured prefix:
//   - sess:<id>        JSON session record
//   - ident:<identity> id of the newest session created for an identity
//   - expiry           sorted set of session ids scored by ExpiresAt (unix ms)
//   - stream:<id>      per-session event stream (XADD/XREAD, approximate MAXLEN)
//
// Updates are optimistic: WATCH the record, apply the mutation, MULTI/EXEC,
// and retry when another writer got there first. The sweep finds candidates
// with a ZRANGEBYSCORE on the expiry index.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
//	mgr := sessions.NewManager(host)
package redishost
