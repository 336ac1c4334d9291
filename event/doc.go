// Package event implements event elements: tree nodes that keep a registry
// of subscriptions and, when raised, hand a snapshot of them to a dispatcher.
//
// A subscription names a callback (an absolute URI such as
// "http://host/hook" or "ws:?clientid=7", or a local element address such as
// "dev/handler") plus optional addresses whose values travel with each event.
//
//	ev := event.New("alarm", event.WithEnqueuer(dispatcher))
//	sub, err := ev.Subscribe(ctx, "http://collector:8080/events",
//	    event.WithDataToSend("dev/s/temperature"),
//	)
//
//	ev.Raise(ctx) // listeners run now, delivery happens on the dispatcher
//
// Subscription ids come from WithID, then WithCorrelationID, then the
// smallest unused id below the configured maximum. Registering an id that is
// already present replaces the old entry. Raise never blocks on delivery: it
// enqueues exactly one job per call when at least one subscription exists.
package event
