// Package poller runs the timer-driven fetch-decode-aggregate-publish loop.
// Cadence adapts to demand (subscriber count, app foreground) and is gated by
// tunnel status: the timer exists only while the tunnel is connected.
package poller

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshctl/internal/codec"
	"meshctl/internal/config"
	"meshctl/internal/model"
	"meshctl/internal/pubsub"
	"meshctl/internal/stats"
)

// SnapshotSource fetches one raw running-info snapshot. *helper.Client
// satisfies it.
type SnapshotSource interface {
	GetRunningInfo(ctx context.Context) ([]byte, error)
}

// Lifecycle is the slice of the supervisor the poller depends on.
type Lifecycle interface {
	Statuses() *pubsub.Stream[model.TunnelStatus]
	Session() (model.Session, bool)
	OnTransition(func(model.TunnelStatus))
}

// Update is one published telemetry aggregation, together with the trend
// window for sparkline display.
type Update struct {
	Telemetry stats.Telemetry
	History   []model.SpeedSample
	Peak      float64
}

// Poller owns the retained previous sample, the trend history, and the poll
// timer. All mutation happens under one mutex; only one fetch cycle is in
// flight at any time.
type Poller struct {
	source SnapshotSource
	life   Lifecycle
	cfg    config.PollingConfig
	stream *pubsub.Stream[Update]

	mu            sync.Mutex
	subscribers   int
	foreground    bool
	mode          model.PollingMode
	running       bool
	inFlight      bool
	gen           uint64
	fetchGen      uint64
	timer         *time.Timer
	monitorStart  time.Time
	prev          *stats.Sample
	history       *stats.RateHistory
	lastProcessed time.Time
	lastPublished time.Time
}

// New constructs a poller and registers its status gate so stop/restart
// cancel the timer within the same call.
func New(source SnapshotSource, life Lifecycle, cfg config.PollingConfig) *Poller {
	p := &Poller{
		source:  source,
		life:    life,
		cfg:     cfg,
		stream:  pubsub.NewStream[Update](),
		mode:    model.ModeLowPower,
		history: stats.NewRateHistory(stats.DefaultHistorySize),
	}
	life.OnTransition(p.gate)
	return p
}

// Updates is the broadcast stream of published telemetry.
func (p *Poller) Updates() *pubsub.Stream[Update] { return p.stream }

// Mode returns the current polling mode.
func (p *Poller) Mode() model.PollingMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// LastUpdated reports when telemetry was last successfully published; the
// age of that instant is the staleness signal under persistent fetch
// failures.
func (p *Poller) LastUpdated() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublished, !p.lastPublished.IsZero()
}

// AddSubscriber increments demand and reschedules if the mode changed.
func (p *Poller) AddSubscriber() {
	p.mu.Lock()
	p.subscribers++
	p.recomputeModeLocked()
	p.mu.Unlock()
}

// RemoveSubscriber decrements demand; the count never goes negative no
// matter how unbalanced the calls are.
func (p *Poller) RemoveSubscriber() {
	p.mu.Lock()
	if p.subscribers > 0 {
		p.subscribers--
	}
	p.recomputeModeLocked()
	p.mu.Unlock()
}

// SetForeground feeds application-activity notifications into the mode.
func (p *Poller) SetForeground(fg bool) {
	p.mu.Lock()
	p.foreground = fg
	p.recomputeModeLocked()
	p.mu.Unlock()
}

// ForceRefresh performs one immediate out-of-band fetch without touching the
// regular schedule. Used when the dashboard opens.
func (p *Poller) ForceRefresh() {
	p.mu.Lock()
	if !p.running || p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.fetchGen = p.gen
	p.mu.Unlock()
	go p.fetch()
}

// Run consumes status transitions until ctx ends, starting monitoring on
// connected and stopping it otherwise.
func (p *Poller) Run(ctx context.Context) error {
	ch, cancel := p.life.Statuses().Subscribe()
	defer cancel()
	defer p.stopMonitoring()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			if st == model.StatusConnected {
				p.startMonitoring()
			} else {
				p.stopMonitoring()
			}
		}
	}
}

// gate runs synchronously inside the supervisor's transition path. It only
// tears down: leaving connected must cancel the timer in the same call, so
// no further fetch is issued after a stop or restart. Bring-up happens on
// the status stream in Run, where the session is already minted.
func (p *Poller) gate(st model.TunnelStatus) {
	if st == model.StatusConnected {
		return
	}
	p.mu.Lock()
	p.running = false
	p.cancelTimerLocked()
	p.mu.Unlock()
}

// startMonitoring resets per-session state and kicks off the first tick.
// The previous sample is always cleared so no rate is ever computed across
// a session boundary.
func (p *Poller) startMonitoring() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.gen++
	p.prev = nil
	p.history.Reset()
	p.lastProcessed = time.Time{}
	p.monitorStart = time.Now()
	p.scheduleLocked(0)
	p.mu.Unlock()
}

func (p *Poller) stopMonitoring() {
	p.mu.Lock()
	p.running = false
	p.cancelTimerLocked()
	p.mu.Unlock()
}

// tick fires on the poll timer. The next tick is scheduled first, then the
// fetch is started unless one is still outstanding, in which case this tick
// is coalesced rather than queued.
func (p *Poller) tick() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.scheduleLocked(p.intervalLocked())
	if p.inFlight {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.fetchGen = p.gen
	p.mu.Unlock()
	p.fetch()
}

// fetch performs one IPC round-trip and, if the reply is still relevant,
// the decode-aggregate-publish path. Fetch errors are swallowed: previous
// telemetry stays current and the next tick retries; persistent failure is
// observable only as staleness.
func (p *Poller) fetch() {
	issued, ok := p.life.Session()
	if !ok {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
		return
	}

	raw, err := p.source.GetRunningInfo(context.Background())
	at := time.Now()

	// The session is read before p.mu: transition gates run with the
	// lifecycle lock held and take p.mu, so calling back into the lifecycle
	// under p.mu would invert the lock order.
	current, live := p.life.Session()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false

	if err != nil {
		log.Debugf("telemetry fetch failed: %v", err)
		return
	}
	// The reply may belong to a monitoring run or session that ended while
	// it was in flight. Telemetry publication is append-only with respect
	// to session: stale replies are discarded, never published late. The
	// generation check catches a stop/start cycle that completed between
	// the session read above and here.
	if !p.running || p.fetchGen != p.gen {
		return
	}
	if !live || current.ID != issued.ID {
		log.Debugf("discarding telemetry from superseded session %s", issued.ID)
		return
	}

	// Processing throttle: the fetch happened on schedule, but the expensive
	// decode-aggregate-publish path is debounced. Early arrivals are
	// dropped, not queued, so a slow consumer never builds a backlog.
	if !p.lastProcessed.IsZero() && at.Sub(p.lastProcessed) < p.floorLocked(at) {
		return
	}

	snap, err := codec.DecodeRunningInfo(raw)
	if err != nil {
		log.Debugf("telemetry decode failed: %v", err)
		return
	}

	sample := stats.Sample{Snap: snap, At: at}
	tele := stats.Derive(p.prev, sample, issued.ID)
	if tele.HasTotal {
		p.history.Push(tele.Total)
	}
	p.prev = &sample
	p.lastProcessed = at
	p.lastPublished = at

	p.stream.Publish(Update{
		Telemetry: tele,
		History:   p.history.Samples(),
		Peak:      p.history.Peak(),
	})
}

// floorLocked selects the processing floor: a short warm-up floor right
// after connecting keeps the dashboard feeling immediate, then the regular
// floor takes over.
func (p *Poller) floorLocked(now time.Time) time.Duration {
	if now.Sub(p.monitorStart) < p.cfg.WarmupDuration() {
		return p.cfg.WarmupFloor()
	}
	return p.cfg.ProcessFloor()
}

func (p *Poller) intervalLocked() time.Duration {
	if p.mode == model.ModeActive {
		return p.cfg.ActiveInterval()
	}
	return p.cfg.LowPowerInterval()
}

// recomputeModeLocked derives the polling mode from demand and reschedules
// the pending tick when the mode flips.
func (p *Poller) recomputeModeLocked() {
	mode := model.ModeFor(p.subscribers, p.foreground)
	if mode == p.mode {
		return
	}
	p.mode = mode
	log.Printf("polling mode -> %s (subscribers=%d foreground=%v)", mode, p.subscribers, p.foreground)
	if p.running {
		p.scheduleLocked(p.intervalLocked())
	}
}

func (p *Poller) scheduleLocked(d time.Duration) {
	p.cancelTimerLocked()
	p.timer = time.AfterFunc(d, p.tick)
}

func (p *Poller) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
