// Package natspush delivers events to nats callbacks by publishing the JSON
// envelope on a subject derived from the callback path.
//
// A subscription with callback nats:///plant/alarms and the default prefix
// publishes to "semtree.events.plant.alarms". All clients share one
// connection, normally a *natsclient.Client:
//
//	client, _ := natsclient.NewClient(cfg.URLs[0])
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	if err := natspush.Register(reg, client, cfg, logger); err != nil {
//		return err
//	}
package natspush
