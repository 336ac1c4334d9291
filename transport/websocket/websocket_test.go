package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
	"github.com/c360/semtree/registry"
	"github.com/c360/semtree/transport"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	srv, err := NewServer(DefaultConfig(), opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(time.Second)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) (*websocket.Conn, Welcome) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var w Welcome
	require.NoError(t, conn.ReadJSON(&w))
	require.Equal(t, "welcome", w.Type)
	return conn, w
}

func TestServer_ClientIDFromQueryOrUUID(t *testing.T) {
	srv, url := newTestServer(t)

	_, named := dial(t, url+"?clientid=panel-1")
	assert.Equal(t, "panel-1", named.ClientID)

	_, generated := dial(t, url)
	assert.Len(t, generated.ClientID, 36)

	assert.True(t, srv.IsClientConnected("panel-1"))
	assert.True(t, srv.IsClientConnected(generated.ClientID))
	assert.False(t, srv.IsClientConnected("other"))
	assert.Equal(t, 2, srv.ClientCount())
}

func TestServer_RejectsDuplicateClientID(t *testing.T) {
	_, url := newTestServer(t)
	dial(t, url+"?clientid=dup")

	_, resp, err := websocket.DefaultDialer.Dial(url+"?clientid=dup", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_SendEvent(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	srv, url := newTestServer(t, WithMetricsRegistry(reg))
	conn, w := dial(t, url+"?clientid=c1")

	env := dispatch.Envelope{
		Code:          dispatch.EnvelopeCode,
		CorrelationID: 2,
		Address:       "ws://?clientid=c1",
		Data:          dispatch.Payload{EventNo: 1, Source: "dev/alarm"},
	}
	require.NoError(t, srv.SendEvent(context.Background(), w.ClientID, env))

	var got dispatch.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, env, got)

	require.Eventually(t, func() bool { return srv.Stats().Sent == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.messagesSent))

	err := srv.SendEvent(context.Background(), "missing", env)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestServer_ForgetsDisconnectedClients(t *testing.T) {
	srv, url := newTestServer(t)
	conn, _ := dial(t, url+"?clientid=gone")
	require.True(t, srv.IsClientConnected("gone"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !srv.IsClientConnected("gone") },
		2*time.Second, 10*time.Millisecond)

	// the id can be reused
	dial(t, url+"?clientid=gone")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Path = "ws"
	assert.ErrorIs(t, bad.Validate(), errors.ErrInvalidConfig)

	bad = cfg
	bad.ClientBuffer = 0
	assert.ErrorIs(t, bad.Validate(), errors.ErrInvalidConfig)

	_, err := NewServer(bad)
	assert.Error(t, err)
}

func TestClient_DialsAndSends(t *testing.T) {
	received := make(chan dispatch.Envelope, 4)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env dispatch.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	defer ts.Close()

	c, err := NewClient("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	for i := uint64(1); i <= 2; i++ {
		require.NoError(t, c.SendEvent(context.Background(), dispatch.Envelope{Data: dispatch.Payload{EventNo: i}}))
	}
	for i := uint64(1); i <= 2; i++ {
		select {
		case env := <-received:
			assert.Equal(t, i, env.Data.EventNo)
		case <-time.After(2 * time.Second):
			t.Fatal("event not received")
		}
	}

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendEvent(context.Background(), dispatch.Envelope{}), errors.ErrShuttingDown)
}

func TestClient_DialFailureIsTransient(t *testing.T) {
	c, err := NewClient("ws://127.0.0.1:1/none", 200*time.Millisecond, nil)
	require.NoError(t, err)
	err = c.SendEvent(context.Background(), dispatch.Envelope{})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, err = NewClient("http://host/x", time.Second, nil)
	assert.ErrorIs(t, err, errors.ErrDataInvalid)
}

func TestConnectedClientDelivery(t *testing.T) {
	ctx := context.Background()
	srv, url := newTestServer(t)
	conn, _ := dial(t, url+"?clientid=panel")

	transports := transport.NewRegistry()
	require.NoError(t, Register(transports, srv, DefaultConfig(), nil))

	tree := registry.New()
	dev := element.NewDevice("dev")
	alarm := event.New("alarm")
	require.NoError(t, tree.Create(ctx, nil, dev))
	require.NoError(t, tree.Create(ctx, dev, alarm))

	disp, err := dispatch.New(tree, dispatch.WithClientFactory(transports), dispatch.WithServerLookup(transports))
	require.NoError(t, err)
	require.NoError(t, tree.SetEnqueuer(ctx, disp))
	require.NoError(t, disp.Start(ctx))
	defer disp.Stop(time.Second)

	_, err = alarm.Subscribe(ctx, "ws://?clientid=panel", event.WithID(5))
	require.NoError(t, err)
	alarm.Raise(ctx)

	var got dispatch.Envelope
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 5, got.CorrelationID)
	assert.Equal(t, "dev/alarm", got.Data.Source)
	assert.Equal(t, int64(1), disp.Stats().Delivered)
}
