// Package relay runs the background context of coven-relay.
//
// # Overview
//
// A Relay owns everything one background process needs: the storage areas,
// the options store and its migration chain, the readiness coordinator in
// the owner role, the in-process hub and the bus server answering the
// background catalog.
//
// # Startup
//
// Start runs in this order:
//
//  1. Upgrade the options record to the latest version
//  2. Seed the provider into the server's base context
//  3. Listen on the background endpoint through a bus.Router
//  4. Write the readiness stamp, releasing followers in other processes
//
// # Followers
//
// Another process sharing the SQLite file can call OpenFollower. Its reads
// wait until this relay has stamped the configured extension version.
//
// # HTTP
//
//	GET  /health    liveness, always 200
//	GET  /ready     503 until Start finished, then 200
//	GET  /ws        websocket peers (see transport/wsnet)
//	GET  /metrics   Prometheus metrics when metrics.enabled is set
//
// # Background catalog
//
// The handlers in service.go implement catalog.Background. options/get,
// options/update and options/reset add the stored options version to the
// response context under "optionsVersion". provider/setActive declines
// (state ignored) when no providers are configured and updates the base
// context so later responses carry "provider". content/probe forwards to
// the first content frame matching the request through an addressed client.
package relay
