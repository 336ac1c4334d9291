// Package semtree hosts a tree of addressable elements and delivers event
// notifications to subscribers.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          registry                   │  Create, remove, resolve,
//	│   (element tree, links, loader)     │  walk, tree file bootstrap
//	└─────────────────────────────────────┘
//	           ↓ events raised
//	┌─────────────────────────────────────┐
//	│          dispatch                   │  Single worker, payload
//	│  (strategies, envelope builder)     │  built once per event
//	└─────────────────────────────────────┘
//	           ↓ delivered by
//	┌─────────────────────────────────────┐
//	│          transport                  │  http(s) POST, ws(s),
//	│  (httppost, websocket, natspush)    │  NATS subjects
//	└─────────────────────────────────────┘
//
// Elements live in package element: devices, structures, data points,
// services and links share one node implementation guarded by an
// owner-aware lock with a timeout. Events (package event) keep an ordered
// subscription list and hand a snapshot to the dispatcher when raised.
//
// The dispatcher tries, in order, a connected server-side client
// (ws://?clientid=X), a remote push client created from the callback URI,
// and an in-process service addressed by the callback. The first strategy
// that applies wins.
//
// Persistent subscriptions can be recorded in a NATS KV bucket (package
// persist). Process health and Prometheus metrics are served by package
// metric, fed by package health.
//
// # Running
//
//	semtree serve --config semtree.yaml
//	semtree validate --config semtree.yaml
//
// See cmd/semtree and package config for the configuration sections.
package semtree
