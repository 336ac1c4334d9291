// Package websocket delivers events over WebSocket connections, in both
// directions.
//
// Server accepts clients on a configured path. A client may choose its id
// with ?clientid=<id>; otherwise it gets a random UUID, announced in a
// welcome message:
//
//	{"type":"welcome","clientid":"3f9c..."}
//
// Subscriptions with a callback of ws://?clientid=<id> are then delivered to
// that client through the connected-client strategy. Each client has a
// bounded outbox that drops its oldest event when full.
//
// Client dials out to a ws:// or wss:// callback with an authority and is
// used by the remote push strategy.
package websocket
