//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	client := tc.Client
	ctx := context.Background()

	require.True(t, client.IsHealthy())

	var (
		mu       sync.Mutex
		received []string
	)
	require.NoError(t, client.Subscribe(ctx, "semtree.test", func(_ context.Context, data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
	}))

	require.NoError(t, client.Publish(ctx, "semtree.test", []byte("hello")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_KVStore(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("semtree-test"))
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.GetKeyValueBucket(ctx, "semtree-test")
	require.NoError(t, err)
	kv := client.NewKVStore(bucket)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	_, err = kv.Create(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegration_CreateBucketIdempotent(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := context.Background()

	first, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "twice"})
	require.NoError(t, err)
	second, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "twice"})
	require.NoError(t, err)
	assert.Equal(t, first.Bucket(), second.Bucket())
}
