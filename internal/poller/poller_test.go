package poller_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshctl/internal/config"
	"meshctl/internal/model"
	"meshctl/internal/poller"
	"meshctl/internal/pubsub"
)

const runningInfoFixture = `{
  "running": true,
  "my_node_info": {
    "virtual_ipv4": {"address": {"addr": 167837953}, "network_length": 24},
    "hostname": "node-a",
    "version": "2.4.0"
  },
  "peer_route_pairs": [
    {
      "route": {"peer_id": 5, "ipv4_addr": {"address": {"addr": 167837954}, "network_length": 24}, "hostname": "node-b", "cost": 1, "path_latency": 12000, "version": "2.4.0"},
      "peer": {"peer_id": 5, "conns": [{"conn_id": "c1", "tunnel": {"tunnel_type": "udp"}, "stats": {"rx_bytes": 1000, "tx_bytes": 2000, "latency_us": 9000}, "loss_rate": 0}]}
    },
    {
      "route": {"peer_id": 9, "ipv4_addr": {"address": {"addr": 167837955}, "network_length": 24}, "hostname": "node-c", "cost": 2, "path_latency": 30000, "version": "2.4.0"}
    }
  ]
}`

// fakeLife drives status transitions the way the supervisor does: gates and
// the stream broadcast run with the lifecycle lock held, and Session takes
// that same lock.
type fakeLife struct {
	statuses *pubsub.Stream[model.TunnelStatus]

	mu    sync.Mutex
	sess  *model.Session
	gates []func(model.TunnelStatus)
}

func newFakeLife() *fakeLife {
	return &fakeLife{statuses: pubsub.NewStream[model.TunnelStatus]()}
}

func (f *fakeLife) Statuses() *pubsub.Stream[model.TunnelStatus] { return f.statuses }

func (f *fakeLife) Session() (model.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return model.Session{}, false
	}
	return *f.sess, true
}

func (f *fakeLife) OnTransition(fn func(model.TunnelStatus)) {
	f.mu.Lock()
	f.gates = append(f.gates, fn)
	f.mu.Unlock()
}

func (f *fakeLife) setStatus(st model.TunnelStatus) model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sess model.Session
	if st == model.StatusConnected {
		sess = model.NewSession(time.Now())
		f.sess = &sess
	} else {
		f.sess = nil
	}
	for _, fn := range f.gates {
		fn(st)
	}
	f.statuses.Publish(st)
	return sess
}

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	payload []byte
	err     error
	release chan struct{} // when non-nil, each call blocks until a token arrives
}

func (s *fakeSource) GetRunningInfo(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	payload, err, release := s.payload, s.err, s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return payload, err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func testPollingConfig() config.PollingConfig {
	return config.PollingConfig{
		ActiveIntervalMs:   10,
		LowPowerIntervalMs: 40,
		ProcessFloorMs:     1,
		WarmupFloorMs:      1,
		WarmupDurationSec:  1,
	}
}

func startPoller(t *testing.T, src *fakeSource, life *fakeLife, cfg config.PollingConfig) *poller.Poller {
	t.Helper()
	p := poller.New(src, life, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	// Let Run subscribe before any transition is published.
	time.Sleep(10 * time.Millisecond)
	return p
}

func recvUpdate(t *testing.T, ch <-chan poller.Update) poller.Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry update")
		return poller.Update{}
	}
}

func TestPublishesWhileConnected(t *testing.T) {
	t.Parallel()

	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	cfg := testPollingConfig()
	cfg.ActiveIntervalMs = 150 // spacing must clear the rate resolution floor
	p := startPoller(t, src, life, cfg)
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	sess := life.setStatus(model.StatusConnected)
	u := recvUpdate(t, ch)

	require.Equal(t, sess.ID, u.Telemetry.SessionID)
	require.Equal(t, []string{"local", "5", "9"}, u.Telemetry.Order)
	require.Len(t, u.Telemetry.Peers, 3)
	require.True(t, u.Telemetry.Peers[0].Peer.Local)
	require.Equal(t, "10.1.1.1/24", u.Telemetry.Node.VirtualAddr)

	// First sample of the session: totals exist only once a previous sample
	// is retained, so wait for a second update.
	u = recvUpdate(t, ch)
	require.True(t, u.Telemetry.HasTotal)

	last, ok := p.LastUpdated()
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), last, 2*time.Second)
}

func TestStopCancelsTimer(t *testing.T) {
	t.Parallel()

	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	p := startPoller(t, src, life, testPollingConfig())
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	life.setStatus(model.StatusConnected)
	recvUpdate(t, ch)

	// The gate runs inside setStatus, so the timer is gone before the
	// stream even sees the transition.
	life.setStatus(model.StatusDisconnecting)

	// Absorb at most one already-started fetch, then expect silence.
	time.Sleep(50 * time.Millisecond)
	before := src.callCount()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, src.callCount())
}

func TestModeFollowsDemand(t *testing.T) {
	t.Parallel()

	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	p := poller.New(src, life, testPollingConfig())

	require.Equal(t, model.ModeLowPower, p.Mode())

	p.AddSubscriber()
	require.Equal(t, model.ModeActive, p.Mode())

	// Unbalanced removes must not drive the count negative.
	p.RemoveSubscriber()
	p.RemoveSubscriber()
	require.Equal(t, model.ModeLowPower, p.Mode())

	p.AddSubscriber()
	require.Equal(t, model.ModeActive, p.Mode())
	p.RemoveSubscriber()

	p.SetForeground(true)
	require.Equal(t, model.ModeActive, p.Mode())
	p.SetForeground(false)
	require.Equal(t, model.ModeLowPower, p.Mode())
}

func TestSlowFetchCoalescesTicks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := &fakeSource{payload: []byte(runningInfoFixture), release: release}
	life := newFakeLife()
	p := startPoller(t, src, life, testPollingConfig())
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	life.setStatus(model.StatusConnected)

	// Several intervals pass while the first fetch is stuck; elapsed ticks
	// must coalesce into the outstanding one, not stack up.
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, src.callCount())

	release <- struct{}{}
	recvUpdate(t, ch)
}

func TestStaleSessionReplyDiscarded(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := &fakeSource{payload: []byte(runningInfoFixture), release: release}
	life := newFakeLife()
	p := startPoller(t, src, life, testPollingConfig())
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	old := life.setStatus(model.StatusConnected)
	for src.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	life.setStatus(model.StatusDisconnected)
	fresh := life.setStatus(model.StatusConnected)
	require.NotEqual(t, old.ID, fresh.ID)

	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range ch {
			seen = append(seen, u.Telemetry.SessionID)
			if len(seen) >= 2 {
				return
			}
		}
	}()

	// Unblock the reply issued under the old session, then the ones issued
	// under the new one.
	release <- struct{}{}
	release <- struct{}{}
	close(release)

	<-done
	for _, id := range seen {
		require.Equal(t, fresh.ID, id)
	}
}

// Transitions run the gate with the lifecycle lock held while fetches read
// the session from the other side. Hammering both concurrently must never
// wedge; a lock-order inversion here deadlocks the whole control plane.
func TestStatusChurnDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	cfg := testPollingConfig()
	cfg.ProcessFloorMs = 0
	cfg.WarmupFloorMs = 0
	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	p := startPoller(t, src, life, cfg)
	p.AddSubscriber()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				life.setStatus(model.StatusConnected)
				life.setStatus(model.StatusDisconnected)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				p.ForceRefresh()
			}
		}()
		wg.Wait()
		p.Mode()
		life.setStatus(model.StatusConnected)
		life.setStatus(model.StatusDisconnected)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("status churn deadlocked the poller")
	}
}

func TestForceRefresh(t *testing.T) {
	t.Parallel()

	cfg := testPollingConfig()
	cfg.ActiveIntervalMs = 600000 // regular schedule effectively off after the first tick
	cfg.ProcessFloorMs = 0
	cfg.WarmupFloorMs = 0
	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	p := startPoller(t, src, life, cfg)
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	life.setStatus(model.StatusConnected)
	recvUpdate(t, ch)
	require.Equal(t, 1, src.callCount())

	p.ForceRefresh()
	recvUpdate(t, ch)
	require.Equal(t, 2, src.callCount())
}

func TestProcessingFloorDropsEarlySamples(t *testing.T) {
	t.Parallel()

	cfg := testPollingConfig()
	cfg.ProcessFloorMs = 600000
	cfg.WarmupDurationSec = 0 // regular floor from the first sample on
	src := &fakeSource{payload: []byte(runningInfoFixture)}
	life := newFakeLife()
	p := startPoller(t, src, life, cfg)
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	var published int
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ch:
				published++
			case <-stop:
				return
			}
		}
	}()

	life.setStatus(model.StatusConnected)
	time.Sleep(150 * time.Millisecond)
	close(stop)
	<-done

	// Fetches keep running on schedule; only the first made it past the
	// processing floor.
	require.Greater(t, src.callCount(), 3)
	require.Equal(t, 1, published)
}

func TestFetchFailureIsSilent(t *testing.T) {
	t.Parallel()

	src := &fakeSource{payload: []byte(runningInfoFixture), err: context.DeadlineExceeded}
	life := newFakeLife()
	p := startPoller(t, src, life, testPollingConfig())
	p.AddSubscriber()

	ch, cancel := p.Updates().Subscribe()
	defer cancel()

	life.setStatus(model.StatusConnected)
	for src.callCount() < 3 {
		time.Sleep(time.Millisecond)
	}

	_, ok := p.LastUpdated()
	require.False(t, ok)
	select {
	case <-ch:
		t.Fatal("update published despite fetch failures")
	default:
	}

	// Recovery needs no intervention: the next scheduled tick succeeds.
	src.setErr(nil)
	recvUpdate(t, ch)
	_, ok = p.LastUpdated()
	require.True(t, ok)
}
