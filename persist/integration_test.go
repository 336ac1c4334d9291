//go:build integration

package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/event"
	"github.com/c360/semtree/natsclient"
)

func TestIntegration_RecorderOnNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	rec, err := Open(ctx, tc.Client, "", nil)
	require.NoError(t, err)

	alarm := newTree(t, rec)
	sub, err := alarm.Subscribe(ctx, "ws:///?clientid=c1", event.WithPersist(true))
	require.NoError(t, err)

	records, err := rec.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sub, records[0].Subscription)
	assert.Equal(t, "Dev/alarm", records[0].Address)

	_, err = alarm.Unsubscribe(ctx, "ws:///?clientid=c1")
	require.NoError(t, err)

	records, err = rec.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
