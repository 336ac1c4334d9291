// Package dispatch delivers raised events to their subscribers.
//
// A Dispatcher implements event.Enqueuer. Each raise becomes one Job on an
// unbounded FIFO queue drained by a single worker goroutine. For every job
// the worker numbers the event, builds one payload per subscription (reading
// each dataToSend address at most once) and tries the delivery strategies in
// order:
//
//  1. ConnectedClientStrategy: callbacks like ws://?clientid=42 go through a
//     server that holds an open connection to that client.
//  2. RemotePushStrategy: callbacks with an authority, such as
//     http://host/hook or nats://host/subject, go through a cached Client.
//  3. LocalInvokeStrategy: callbacks naming an element.Invocable in the tree
//     are invoked in-process.
//
// Subscriptions sharing a callback are sent in order on one goroutine;
// different callbacks are sent concurrently and the job completes when all
// of them have. Every strategy attempt is bounded by the delivery timeout
// (WithDeliveryTimeout, default 10s), transport retries included.
//
// The first strategy that applies and succeeds wins. A subscription no
// strategy applies to is logged once as "undeliverable event". Delivery
// failures and panics are logged and counted; they never reach the
// publisher and never affect other subscriptions.
//
// Payload entries carry a status code per address:
//
//	200  value read
//	404  address does not resolve
//	405  element is not readable
//	503  element locked past its timeout
//	500  anything else
package dispatch
