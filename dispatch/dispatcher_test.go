package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
	"github.com/c360/semtree/registry"
)

// logBuffer collects JSON log records written from the worker goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var rec struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal([]byte(line), &rec) == nil {
			out = append(out, rec.Msg)
		}
	}
	return out
}

func (b *logBuffer) count(msg string) int {
	n := 0
	for _, m := range b.messages() {
		if m == msg {
			n++
		}
	}
	return n
}

type recordingClient struct {
	mu      sync.Mutex
	envs    []Envelope
	sendErr error
	panics  bool
	// block holds SendEvent until closed or the context ends
	block  chan struct{}
	closed atomic.Bool
}

func (c *recordingClient) SendEvent(ctx context.Context, env Envelope) error {
	if c.panics {
		panic("client exploded")
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return c.sendErr
}

func (c *recordingClient) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *recordingClient) received() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

type recordingFactory struct {
	mu      sync.Mutex
	clients map[string]*recordingClient
	created int
	// configure is applied to every new client
	configure func(uri string, c *recordingClient)
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{clients: make(map[string]*recordingClient)}
}

func (f *recordingFactory) CreateClient(uri string) (Client, error) {
	if strings.HasPrefix(uri, "ftp:") {
		return nil, errors.WrapInvalid(errors.ErrNotSupported, "test", "CreateClient", "scheme ftp")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &recordingClient{}
	if f.configure != nil {
		f.configure(uri, c)
	}
	f.clients[uri] = c
	f.created++
	return c, nil
}

func (f *recordingFactory) client(uri string) *recordingClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[uri]
}

type mockServer struct{ mock.Mock }

func (m *mockServer) IsClientConnected(id string) bool {
	return m.Called(id).Bool(0)
}

func (m *mockServer) SendEvent(ctx context.Context, clientID string, env Envelope) error {
	return m.Called(ctx, clientID, env).Error(0)
}

type mockLookup struct{ mock.Mock }

func (m *mockLookup) FindServersByScheme(scheme string) []Server {
	args := m.Called(scheme)
	servers, _ := args.Get(0).([]Server)
	return servers
}

type fixture struct {
	ctx     context.Context
	reg     *registry.Registry
	temp    *element.Data
	changed *event.Element
	alarm   *event.Element
	factory *recordingFactory
	disp    *Dispatcher
	logs    *logBuffer
	metrics *metric.Metrics
}

// newFixture builds dev/temp with a datachanged event, dev/alarm and a
// started dispatcher bound to the registry.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		factory: newRecordingFactory(),
		logs:    &logBuffer{},
		metrics: metric.NewMetrics(),
	}
	f.reg = registry.New(registry.WithLockTimeout(50 * time.Millisecond))

	dev := element.NewDevice("dev")
	f.temp = element.NewData("temp", element.WithValue(21.5))
	f.changed = event.New(element.EventDataChanged)
	f.alarm = event.New("alarm")
	require.NoError(t, f.reg.Create(f.ctx, nil, dev))
	require.NoError(t, f.reg.Create(f.ctx, dev, f.temp))
	require.NoError(t, f.reg.Create(f.ctx, f.temp, f.changed))
	require.NoError(t, f.reg.Create(f.ctx, dev, f.alarm))

	logger := slog.New(slog.NewJSONHandler(f.logs, nil))
	base := []Option{WithClientFactory(f.factory), WithLogger(logger), WithMetrics(f.metrics)}
	disp, err := New(f.reg, append(base, opts...)...)
	require.NoError(t, err)
	f.disp = disp
	require.NoError(t, f.reg.SetEnqueuer(f.ctx, disp))
	require.NoError(t, disp.Start(f.ctx))
	t.Cleanup(func() { _ = disp.Stop(time.Second) })
	return f
}

func (f *fixture) waitProcessed(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return f.disp.Stats().Processed >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestDispatch_DataChangedCarriesParentValue(t *testing.T) {
	f := newFixture(t)
	_, err := f.changed.Subscribe(f.ctx, "http://hooks.example/a")
	require.NoError(t, err)

	require.NoError(t, f.temp.Write(f.ctx, 22.0))
	f.waitProcessed(t, 1)

	want := []Envelope{{
		Code:          EnvelopeCode,
		CorrelationID: 0,
		Address:       "http://hooks.example/a",
		Data: Payload{
			EventNo: 1,
			Source:  "dev/temp/datachanged",
			Data:    map[string]DataEntry{"dev/temp": {Code: 200, Data: 22.0}},
		},
	}}
	if diff := cmp.Diff(want, f.factory.client("http://hooks.example/a").received()); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatch_DataToSendEntries(t *testing.T) {
	f := newFixture(t)

	dev, err := f.reg.Resolve(f.ctx, "dev")
	require.NoError(t, err)
	wo := element.NewData("secret", element.WriteOnly())
	locked := element.NewData("busy", element.WithValue(1))
	require.NoError(t, f.reg.Create(f.ctx, dev, wo))
	require.NoError(t, f.reg.Create(f.ctx, dev, locked))

	holder := element.WithOwner(context.Background())
	require.NoError(t, locked.Node().EnterWriteLock(holder))
	defer locked.Node().ExitWriteLock(holder)

	_, err = f.alarm.Subscribe(f.ctx, "http://hooks.example/a",
		event.WithDataToSend("dev/temp", "dev/missing", "dev", "dev/secret", "dev/busy"))
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	envs := f.factory.client("http://hooks.example/a").received()
	require.Len(t, envs, 1)
	codes := map[string]int{}
	for addr, e := range envs[0].Data.Data {
		codes[addr] = e.Code
		if e.Code != 200 {
			assert.NotEmpty(t, e.Message, addr)
			assert.Nil(t, e.Data, addr)
		}
	}
	assert.Equal(t, map[string]int{
		"dev/temp":    200,
		"dev/missing": 404,
		"dev":         405,
		"dev/secret":  405,
		"dev/busy":    503,
	}, codes)
	assert.Equal(t, 21.5, envs[0].Data.Data["dev/temp"].Data)
}

type countingData struct {
	*element.Base
	reads atomic.Int32
}

func (c *countingData) Read(context.Context) (any, error) {
	c.reads.Add(1)
	return "v", nil
}

func TestDispatch_ReadsEachAddressOncePerJob(t *testing.T) {
	f := newFixture(t)
	dev, err := f.reg.Resolve(f.ctx, "dev")
	require.NoError(t, err)
	counter := &countingData{Base: element.NewBase("count", element.TypeData)}
	require.NoError(t, f.reg.Create(f.ctx, dev, counter))

	for i := 0; i < 3; i++ {
		_, err := f.alarm.Subscribe(f.ctx, fmt.Sprintf("http://hooks.example/%d", i),
			event.WithDataToSend("dev/count", "dev/temp"))
		require.NoError(t, err)
	}

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)
	assert.Equal(t, int32(1), counter.reads.Load())

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 2)
	assert.Equal(t, int32(2), counter.reads.Load(), "memoization is per job")
}

func TestDispatch_EventNumbersIncrease(t *testing.T) {
	f := newFixture(t)
	_, err := f.alarm.Subscribe(f.ctx, "http://hooks.example/a")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.alarm.Raise(f.ctx)
	}
	f.waitProcessed(t, 5)

	var got []uint64
	for _, env := range f.factory.client("http://hooks.example/a").received() {
		got = append(got, env.Data.EventNo)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, uint64(5), f.disp.Stats().LastEventNo)
}

func TestDispatch_UndeliverableLogsExactlyOnce(t *testing.T) {
	f := newFixture(t)

	// a local address that resolves to a non-invocable element, and a
	// scheme no factory supports
	_, err := f.alarm.Subscribe(f.ctx, "dev/temp")
	require.NoError(t, err)
	_, err = f.alarm.Subscribe(f.ctx, "ftp://files.example/drop")
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	assert.Equal(t, 2, f.logs.count("undeliverable event"))
	assert.Equal(t, int64(2), f.disp.Stats().Undeliverable)
	assert.Equal(t, int64(0), f.disp.Stats().Failed)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("none", "undeliverable")))
}

func TestDispatch_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.factory.configure = func(uri string, c *recordingClient) {
		switch {
		case strings.HasSuffix(uri, "/panic"):
			c.panics = true
		case strings.HasSuffix(uri, "/err"):
			c.sendErr = errors.ErrConnectionLost
		}
	}

	for _, cb := range []string{"http://h.example/panic", "http://h.example/err", "http://h.example/ok"} {
		_, err := f.alarm.Subscribe(f.ctx, cb)
		require.NoError(t, err)
	}

	f.alarm.Raise(f.ctx)
	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 2)

	assert.Len(t, f.factory.client("http://h.example/ok").received(), 2)
	stats := f.disp.Stats()
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(4), stats.Failed)
	assert.Equal(t, 4, f.logs.count("event delivery failed"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("remote_push", "delivered")))
}

func TestDispatch_FailedClientIsRecreated(t *testing.T) {
	f := newFixture(t)
	f.factory.configure = func(_ string, c *recordingClient) { c.sendErr = errors.ErrConnectionLost }
	_, err := f.alarm.Subscribe(f.ctx, "http://h.example/flaky")
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)
	first := f.factory.client("http://h.example/flaky")
	assert.True(t, first.closed.Load())

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 2)
	assert.Equal(t, 2, f.factory.created)
}

func TestDispatch_ClientCacheEvictionClosesClients(t *testing.T) {
	f := newFixture(t, WithClientCacheSize(1))
	_, err := f.alarm.Subscribe(f.ctx, "http://h.example/a")
	require.NoError(t, err)
	_, err = f.alarm.Subscribe(f.ctx, "http://h.example/b")
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	// a and b are sent concurrently; whichever was cached first is evicted
	a, b := f.factory.client("http://h.example/a"), f.factory.client("http://h.example/b")
	assert.NotEqual(t, a.closed.Load(), b.closed.Load())
	assert.Equal(t, 1, f.disp.remote.CachedClients())

	require.NoError(t, f.disp.Stop(time.Second))
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestDispatch_SlowSubscriberDoesNotDelaySiblings(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.factory.configure = func(uri string, c *recordingClient) {
		if strings.Contains(uri, "slow") {
			c.block = release
		}
	}
	_, err := f.alarm.Subscribe(f.ctx, "http://slow.example/x")
	require.NoError(t, err)
	_, err = f.alarm.Subscribe(f.ctx, "http://fast.example/y")
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)

	require.Eventually(t, func() bool {
		fast := f.factory.client("http://fast.example/y")
		return fast != nil && len(fast.received()) == 1
	}, time.Second, 5*time.Millisecond, "fast subscriber waited for the slow one")
	assert.Equal(t, int64(0), f.disp.Stats().Processed)

	close(release)
	f.waitProcessed(t, 1)
	assert.Len(t, f.factory.client("http://slow.example/x").received(), 1)
	assert.Equal(t, int64(2), f.disp.Stats().Delivered)
}

func TestDispatch_DeliveryTimeoutBoundsHungClient(t *testing.T) {
	f := newFixture(t, WithDeliveryTimeout(50*time.Millisecond))
	hung := make(chan struct{})
	defer close(hung)
	f.factory.configure = func(_ string, c *recordingClient) { c.block = hung }
	_, err := f.alarm.Subscribe(f.ctx, "http://hung.example/x")
	require.NoError(t, err)

	start := time.Now()
	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), f.disp.Stats().Failed)
	assert.Equal(t, 1, f.logs.count("event delivery failed"))
}

func TestDispatch_SameCallbackKeepsOrder(t *testing.T) {
	f := newFixture(t)
	for id := 1; id <= 3; id++ {
		_, err := f.alarm.Subscribe(f.ctx, "http://h.example/same", event.WithID(id))
		require.NoError(t, err)
	}

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	var ids []int
	for _, env := range f.factory.client("http://h.example/same").received() {
		ids = append(ids, env.CorrelationID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Equal(t, 1, f.factory.created)
}

func TestDispatch_LocalInvoke(t *testing.T) {
	f := newFixture(t)
	got := make(chan Envelope, 1)
	svc := element.NewService("log", func(_ context.Context, payload any) (any, error) {
		got <- payload.(Envelope)
		return nil, nil
	})
	dev, err := f.reg.Resolve(f.ctx, "dev")
	require.NoError(t, err)
	require.NoError(t, f.reg.Create(f.ctx, dev, svc))

	_, err = f.alarm.Subscribe(f.ctx, "dev/log", event.WithID(7))
	require.NoError(t, err)
	f.alarm.Raise(f.ctx)

	select {
	case env := <-got:
		assert.Equal(t, 7, env.CorrelationID)
		assert.Equal(t, "dev/alarm", env.Data.Source)
		assert.Nil(t, env.Data.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("service was not invoked")
	}
}

func TestDispatch_ConnectedClientGoesFirst(t *testing.T) {
	srv := &mockServer{}
	srv.On("IsClientConnected", "c1").Return(true)
	srv.On("IsClientConnected", "gone").Return(false)
	srv.On("SendEvent", mock.Anything, "c1", mock.MatchedBy(func(env Envelope) bool {
		return env.Address == "ws://?clientid=c1"
	})).Return(nil).Once()

	lookup := &mockLookup{}
	lookup.On("FindServersByScheme", "ws").Return([]Server{srv})

	f := newFixture(t, WithServerLookup(lookup))
	_, err := f.alarm.Subscribe(f.ctx, "ws://?clientid=c1")
	require.NoError(t, err)
	_, err = f.alarm.Subscribe(f.ctx, "ws://?clientid=gone")
	require.NoError(t, err)

	f.alarm.Raise(f.ctx)
	f.waitProcessed(t, 1)

	srv.AssertExpectations(t)
	lookup.AssertExpectations(t)
	assert.Equal(t, 1, f.logs.count("undeliverable event"), "disconnected client has no other route")
	assert.Equal(t, int64(1), f.disp.Stats().Delivered)
}

func TestDispatcher_StopDropsQueuedJobs(t *testing.T) {
	reg := registry.New()
	ev := event.New("ev")
	require.NoError(t, reg.Create(context.Background(), nil, ev))

	d, err := New(reg)
	require.NoError(t, err)
	require.NoError(t, reg.SetEnqueuer(context.Background(), d))
	_, err = ev.Subscribe(context.Background(), "http://h.example/x")
	require.NoError(t, err)

	ev.Raise(context.Background())
	ev.Raise(context.Background())
	assert.Equal(t, 2, d.Stats().QueueDepth)

	require.NoError(t, d.Stop(time.Second))
	ev.Raise(context.Background())

	stats := d.Stats()
	assert.Equal(t, int64(3), stats.Dropped)
	assert.Equal(t, int64(0), stats.Processed)
	assert.Error(t, d.Start(context.Background()))
}
