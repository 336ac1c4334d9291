package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	sources []string
}

func (r *recordingEnqueuer) Enqueue(source *event.Element, _ []event.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, source.Address())
}

func (r *recordingEnqueuer) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sources...)
}

type RegistrySuite struct {
	suite.Suite
	ctx     context.Context
	reg     *Registry
	metrics *metric.Metrics
	enq     *recordingEnqueuer
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.metrics = metric.NewMetrics()
	s.enq = &recordingEnqueuer{}
	s.reg = New(WithMetrics(s.metrics), WithLockTimeout(100*time.Millisecond))
	s.Require().NoError(s.reg.SetEnqueuer(s.ctx, s.enq))
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

// buildDevice creates dev, dev/s and dev/s/d.
func (s *RegistrySuite) buildDevice() (dev, st element.Element, d *element.Data) {
	dev = element.NewDevice("dev")
	st = element.NewStructure("s")
	d = element.NewData("d", element.WithValue(1))
	s.Require().NoError(s.reg.Create(s.ctx, nil, dev))
	s.Require().NoError(s.reg.Create(s.ctx, dev, st))
	s.Require().NoError(s.reg.Create(s.ctx, st, d))
	return dev, st, d
}

func (s *RegistrySuite) TestCreate_AddressesAndLookup() {
	dev, st, d := s.buildDevice()

	s.Equal("dev", dev.Address())
	s.Equal("dev/s", st.Address())
	s.Equal("dev/s/d", d.Address())
	s.Same(st, d.Parent())

	got, err := st.Node().GetByIdentifier(s.ctx, "D")
	s.Require().NoError(err)
	s.Same(d, got)

	s.Equal(3.0, testutil.ToFloat64(s.metrics.TreeNodes))
	s.Equal(3.0, testutil.ToFloat64(s.metrics.TreeMutations.WithLabelValues("created")))
}

func (s *RegistrySuite) TestCreate_Rejects() {
	dev, _, _ := s.buildDevice()

	err := s.reg.Create(s.ctx, dev, element.NewStructure("S"))
	s.ErrorIs(err, errors.ErrAlreadyExists)
	s.True(errors.IsInvalid(err))

	err = s.reg.Create(s.ctx, nil, element.NewDevice("DEV"))
	s.ErrorIs(err, errors.ErrAlreadyExists)

	err = s.reg.Create(s.ctx, dev, element.NewStructure("bad id"))
	s.ErrorIs(err, errors.ErrDataInvalid)

	// already attached elsewhere
	other := element.NewDevice("other")
	s.Require().NoError(s.reg.Create(s.ctx, nil, other))
	err = s.reg.Create(s.ctx, other, dev)
	s.ErrorIs(err, errors.ErrAlreadyExists)

	s.Equal(4.0, testutil.ToFloat64(s.metrics.TreeNodes))
}

func (s *RegistrySuite) TestCreate_MovesPrebuiltSubtree() {
	st := element.NewStructure("s")
	d := element.NewData("d")
	s.Require().NoError(s.reg.Create(s.ctx, st, d))
	s.Equal("s/d", d.Address())

	dev := element.NewDevice("dev")
	s.Require().NoError(s.reg.Create(s.ctx, nil, dev))
	s.Require().NoError(s.reg.Create(s.ctx, dev, st))

	s.Equal("dev/s/d", d.Address())
	got, err := s.reg.Resolve(s.ctx, "dev/s/d")
	s.Require().NoError(err)
	s.Same(d, got)
}

func (s *RegistrySuite) TestCreate_ConcurrentAttachKeepsOneParent() {
	a := element.NewStructure("a")
	b := element.NewStructure("b")
	c := element.NewData("c")
	root := element.NewDevice("r")
	s.Require().NoError(s.reg.Create(s.ctx, nil, root))
	s.Require().NoError(s.reg.Create(s.ctx, root, a))
	s.Require().NoError(s.reg.Create(s.ctx, root, b))

	// hold c so both attaches pass the unlocked check and queue on its lock
	holder := element.WithOwner(s.ctx)
	s.Require().NoError(c.Node().EnterWriteLock(holder))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, parent := range []element.Element{a, b} {
		wg.Add(1)
		go func(i int, parent element.Element) {
			defer wg.Done()
			errs[i] = s.reg.Create(s.ctx, parent, c)
		}(i, parent)
	}
	time.Sleep(30 * time.Millisecond)
	c.Node().ExitWriteLock(holder)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			s.ErrorIs(err, errors.ErrAlreadyExists)
		}
	}
	s.Equal(1, succeeded)

	inverse, err := c.Node().InverseReferences(s.ctx)
	s.Require().NoError(err)
	s.Len(inverse, 1)

	_, errA := s.reg.Resolve(s.ctx, "r/a/c")
	_, errB := s.reg.Resolve(s.ctx, "r/b/c")
	s.True((errA == nil) != (errB == nil), "c resolves under exactly one parent")
}

func (s *RegistrySuite) TestCreate_RejectsCycle() {
	b := element.NewStructure("b")
	p := element.NewStructure("p")
	s.Require().NoError(s.reg.Create(s.ctx, b, p))

	err := s.reg.Create(s.ctx, p, b)
	s.ErrorIs(err, errors.ErrDataInvalid)
	s.Nil(b.Parent())

	err = s.reg.Create(s.ctx, b, b)
	s.ErrorIs(err, errors.ErrDataInvalid)

	children, err := p.Node().Children(s.ctx)
	s.Require().NoError(err)
	s.Empty(children)
}

func (s *RegistrySuite) TestResolve() {
	_, st, d := s.buildDevice()

	for _, path := range []string{"dev/s/d", "/dev/s/d", "DEV/S/D"} {
		got, err := s.reg.Resolve(s.ctx, path)
		s.Require().NoError(err, path)
		s.Same(d, got, path)
	}

	got, err := s.reg.Resolve(s.ctx, "dev/s")
	s.Require().NoError(err)
	s.Same(st, got)

	for _, path := range []string{"", "dev//s", "dev/s/missing", "nope", "dev/s d"} {
		_, err := s.reg.Resolve(s.ctx, path)
		s.ErrorIs(err, errors.ErrNotFound, path)
	}
}

func (s *RegistrySuite) TestRemove_CascadesThroughChildren() {
	dev, st, d := s.buildDevice()

	s.Require().NoError(s.reg.Remove(s.ctx, st))

	_, err := s.reg.Resolve(s.ctx, "dev/s")
	s.ErrorIs(err, errors.ErrNotFound)
	_, err = s.reg.Resolve(s.ctx, "dev/s/d")
	s.ErrorIs(err, errors.ErrNotFound)

	s.True(st.Node().IsRemoved())
	s.True(d.Node().IsRemoved())
	s.Nil(st.Parent())

	children, err := dev.Node().Children(s.ctx)
	s.Require().NoError(err)
	s.Empty(children)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.TreeNodes))

	// removing twice fails
	s.ErrorIs(s.reg.Remove(s.ctx, st), errors.ErrNotFound)
}

func (s *RegistrySuite) TestRemove_WithdrawsSubscriptionGauge() {
	dev, _, _ := s.buildDevice()
	alarm := event.New("alarm")
	s.Require().NoError(s.reg.Create(s.ctx, dev, alarm))
	_, err := alarm.Subscribe(s.ctx, "http://h.example/a")
	s.Require().NoError(err)
	_, err = alarm.Subscribe(s.ctx, "http://h.example/b")
	s.Require().NoError(err)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Subscriptions))

	s.Require().NoError(s.reg.Remove(s.ctx, dev))
	s.Equal(0.0, testutil.ToFloat64(s.metrics.Subscriptions))

	// the subscriptions stay on the element and count again once it rejoins
	s.Equal(2, alarm.SubscriptionCount())
	s.Require().NoError(s.reg.Create(s.ctx, nil, alarm))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Subscriptions))
}

func (s *RegistrySuite) TestRemove_Root() {
	dev, _, d := s.buildDevice()

	s.Require().NoError(s.reg.Remove(s.ctx, dev))
	s.Empty(s.reg.Roots())
	s.True(d.Node().IsRemoved())
	s.Equal(0.0, testutil.ToFloat64(s.metrics.TreeNodes))

	// the identifier is free again
	s.Require().NoError(s.reg.Create(s.ctx, nil, element.NewDevice("dev")))
}

func (s *RegistrySuite) TestLink_EndToEnd() {
	dev, st, d := s.buildDevice()

	s.Require().NoError(s.reg.AddLink(s.ctx, dev, "lnk", d))

	got, err := s.reg.Resolve(s.ctx, "dev/lnk")
	s.Require().NoError(err)
	s.Same(d, got)
	s.Equal("dev/s/d", d.Address(), "links never change the owner")
	s.Same(st, d.Parent())

	children, err := dev.Node().Children(s.ctx)
	s.Require().NoError(err)
	s.Len(children, 1, "links are not children")

	s.ErrorIs(s.reg.AddLink(s.ctx, dev, "s", d), errors.ErrAlreadyExists)

	s.Require().NoError(s.reg.Remove(s.ctx, st))
	_, err = s.reg.Resolve(s.ctx, "dev/lnk")
	s.ErrorIs(err, errors.ErrNotFound, "stale link resolves to nothing")

	ref, err := dev.Node().Forward(s.ctx, "lnk")
	s.Require().NoError(err, "stale link edge stays until removed")
	s.Equal(element.ReferenceLink, ref.Kind)

	s.Require().NoError(s.reg.RemoveLink(s.ctx, dev, "lnk"))
	s.ErrorIs(s.reg.RemoveLink(s.ctx, dev, "lnk"), errors.ErrNotFound)
}

func (s *RegistrySuite) TestLink_Rejects() {
	dev, _, d := s.buildDevice()

	s.ErrorIs(s.reg.RemoveLink(s.ctx, dev, "s"), errors.ErrDataInvalid, "child edges are not links")
	s.ErrorIs(s.reg.AddLink(s.ctx, dev, "bad/id", d), errors.ErrDataInvalid)
	s.ErrorIs(s.reg.AddLink(s.ctx, dev, "loose", element.NewData("x")), errors.ErrNotFound)
}

func (s *RegistrySuite) TestTreeChanged_OneNotificationPerMutation() {
	var mu sync.Mutex
	var changes []TreeChange
	cancel := s.reg.OnTreeChanged(func(_ context.Context, c TreeChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	dev, st, d := s.buildDevice()
	s.Require().NoError(s.reg.AddLink(s.ctx, dev, "lnk", d))
	s.Require().NoError(s.reg.RemoveLink(s.ctx, dev, "lnk"))
	s.Require().NoError(s.reg.Remove(s.ctx, st))

	cancel()
	s.Require().NoError(s.reg.Create(s.ctx, dev, element.NewStructure("late")))

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]TreeChange{
		{Kind: ChangeCreated, Address: "dev"},
		{Kind: ChangeCreated, Address: "dev/s"},
		{Kind: ChangeCreated, Address: "dev/s/d"},
		{Kind: ChangeLinked, Address: "dev/lnk", Target: "dev/s/d"},
		{Kind: ChangeUnlinked, Address: "dev/lnk", Target: "dev/s/d"},
		{Kind: ChangeRemoved, Address: "dev/s"},
	}, changes)
}

func (s *RegistrySuite) TestTreeChanged_RaisesRootEventOnce() {
	dev, st, _ := s.buildDevice()

	tc := event.New(element.EventTreeChanged)
	s.Require().NoError(s.reg.Create(s.ctx, dev, tc))
	_, err := tc.Subscribe(s.ctx, "dev/s")
	s.Require().NoError(err)

	s.Require().NoError(s.reg.Create(s.ctx, st, element.NewData("deep")))
	s.Equal([]string{"dev/treechanged"}, s.enq.jobs(), "a mutation deep in the tree raises the root event once")

	s.Require().NoError(s.reg.Remove(s.ctx, st))
	s.Len(s.enq.jobs(), 2)
}

func (s *RegistrySuite) TestSetEnqueuer_BindsExistingEvents() {
	reg := New()
	dev := element.NewDevice("dev")
	ev := event.New("alarm")
	s.Require().NoError(reg.Create(s.ctx, nil, dev))
	s.Require().NoError(reg.Create(s.ctx, dev, ev))
	_, err := ev.Subscribe(s.ctx, "http://example.com/hook")
	s.Require().NoError(err)

	enq := &recordingEnqueuer{}
	s.Require().NoError(reg.SetEnqueuer(s.ctx, enq))

	ev.Raise(s.ctx)
	s.Equal([]string{"dev/alarm"}, enq.jobs())
}

func (s *RegistrySuite) TestCreate_LockTimeout() {
	dev, _, _ := s.buildDevice()

	holder := element.WithOwner(context.Background())
	s.Require().NoError(dev.Node().EnterWriteLock(holder))

	start := time.Now()
	err := s.reg.Create(s.ctx, dev, element.NewStructure("x"))
	s.ErrorIs(err, errors.ErrLocked)
	s.True(errors.IsTransient(err))
	s.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.LockTimeouts.WithLabelValues("create")))

	dev.Node().ExitWriteLock(holder)
	s.Require().NoError(s.reg.Create(s.ctx, dev, element.NewStructure("x")))
}

func (s *RegistrySuite) TestWalk() {
	dev, st, _ := s.buildDevice()
	s.Require().NoError(s.reg.Create(s.ctx, dev, element.NewStructure("t")))
	s.Require().NoError(s.reg.AddLink(s.ctx, dev, "lnk", st))

	var visited []string
	err := s.reg.Walk(s.ctx, dev, func(_ context.Context, el element.Element) error {
		visited = append(visited, el.Address())
		return nil
	})
	s.Require().NoError(err)
	s.Equal([]string{"dev", "dev/s", "dev/s/d", "dev/t"}, visited)

	visited = nil
	err = s.reg.Walk(s.ctx, dev, func(_ context.Context, el element.Element) error {
		visited = append(visited, el.Address())
		if el == st {
			return SkipChildren
		}
		return nil
	})
	s.Require().NoError(err)
	s.Equal([]string{"dev", "dev/s", "dev/t"}, visited)
}

func (s *RegistrySuite) TestRoots_Sorted() {
	for _, id := range []string{"b", "C", "a"} {
		s.Require().NoError(s.reg.Create(s.ctx, nil, element.NewDevice(id)))
	}
	var ids []string
	for _, r := range s.reg.Roots() {
		ids = append(ids, r.Identifier())
	}
	s.Equal([]string{"a", "b", "C"}, ids)
}

func (s *RegistrySuite) TestConcurrentCreateAndResolve() {
	dev := element.NewDevice("dev")
	s.Require().NoError(s.reg.Create(s.ctx, nil, dev))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			st := element.NewStructure("s" + string(rune('a'+w)))
			if err := s.reg.Create(context.Background(), dev, st); err != nil {
				s.Fail("create", err.Error())
				return
			}
			for i := 0; i < 50; i++ {
				if _, err := s.reg.Resolve(context.Background(), st.Address()); err != nil {
					s.Fail("resolve", err.Error())
				}
			}
		}(w)
	}
	wg.Wait()

	children, err := dev.Node().Children(s.ctx)
	s.Require().NoError(err)
	s.Len(children, 8)
}
