// Package natsclient wraps a NATS connection with a circuit breaker, JetStream
// access and KV bucket helpers.
//
// It backs two parts of SemTree: the nats push transport, which publishes
// event envelopes to subjects, and the subscription recorder, which keeps
// persistent subscriptions in a KV bucket.
//
// # Circuit Breaker
//
// After a threshold of consecutive failures (default 5) the client reports
// StatusCircuitOpen and Connect, Publish and the KV helpers fail fast with
// ErrCircuitOpen. Once the backoff has elapsed the circuit half-opens and the
// next Connect dials again. Every further round of failures doubles the
// backoff, up to the cap set with WithCircuitBreaker (default one minute).
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("semtree"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(metricsRegistry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "subscriptions"})
//	kv := client.NewKVStore(bucket)
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go.
// Tests using it carry the integration build tag.
package natsclient
