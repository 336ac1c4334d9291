// Package persist records persistent event subscriptions in a NATS KV bucket.
//
// A Recorder is installed as the registry's subscription notifier. Every
// subscription made with the persist option is written under
// "<address>.<id>" as a JSON Record and deleted again when it is
// unsubscribed. Records are not replayed into the tree on startup; Records
// lists them for inspection.
//
//	rec, err := persist.Open(ctx, natsClient, persist.DefaultBucket, logger)
//	if err != nil {
//		return err
//	}
//	reg := registry.New(registry.WithNotifier(rec))
package persist
