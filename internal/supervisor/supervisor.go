// Package supervisor owns the authoritative view of the tunnel lifecycle.
// Transitions are driven by the external tunnel service's push notifications;
// the only application-assigned values are the optimistic connecting and
// disconnecting states set right after issuing a command, and those are
// always overwritten by the next authoritative push.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshctl/internal/config"
	"meshctl/internal/helper"
	"meshctl/internal/model"
	"meshctl/internal/pubsub"
	"meshctl/internal/store"
)

// ErrAlreadyInProgress is returned when a start or stop is issued while a
// previous lifecycle command is still awaiting its authoritative transition.
var ErrAlreadyInProgress = errors.New("a start or stop is already in progress")

// Commander is the slice of the helper IPC surface the supervisor needs.
// *helper.Client satisfies it; tests inject doubles.
type Commander interface {
	StartCore(ctx context.Context, req helper.StartCoreRequest) error
	StopCore(ctx context.Context) error
	GetCoreStatus(ctx context.Context) (int32, error)
	GetCoreStartTime(ctx context.Context) (time.Time, error)
}

// Notice is a one-shot lifecycle message for the presentation layer.
type Notice struct {
	At      time.Time
	Message string
}

// Supervisor is the single source of truth for tunnel status.
type Supervisor struct {
	helper   Commander
	core     config.CoreConfig
	statuses *pubsub.Stream[model.TunnelStatus]
	notices  *pubsub.Stream[Notice]

	statePath      string
	pendingTimeout time.Duration

	mu           sync.Mutex
	status       model.TunnelStatus
	session      *model.Session
	pending      bool
	pendingTimer *time.Timer
	restartArmed bool
	gates        []func(model.TunnelStatus)
}

// New constructs a supervisor. Status starts as invalid (unknown) until
// Load or the first push settles it.
func New(cmdr Commander, cfg config.Config) *Supervisor {
	return &Supervisor{
		helper:         cmdr,
		core:           cfg.Core,
		statuses:       pubsub.NewStream[model.TunnelStatus](),
		notices:        pubsub.NewStream[Notice](),
		statePath:      cfg.StatePath,
		pendingTimeout: cfg.Polling.PendingTimeout(),
		status:         model.StatusInvalid,
	}
}

// Statuses is the broadcast stream of status transitions. A new subscriber
// immediately observes the current status.
func (s *Supervisor) Statuses() *pubsub.Stream[model.TunnelStatus] { return s.statuses }

// Notices is the stream of one-shot lifecycle messages.
func (s *Supervisor) Notices() *pubsub.Stream[Notice] { return s.notices }

// Status returns the current tunnel status.
func (s *Supervisor) Status() model.TunnelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Session returns the current connected session, if one is active.
func (s *Supervisor) Session() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return model.Session{}, false
	}
	return *s.session, true
}

// OnTransition registers fn to be invoked synchronously with every status
// change, optimistic ones included, before the change is broadcast. Used by
// the poller to cancel its timer in the same call that stops the tunnel.
// fn must return quickly and must not call back into the supervisor.
func (s *Supervisor) OnTransition(fn func(model.TunnelStatus)) {
	s.mu.Lock()
	s.gates = append(s.gates, fn)
	s.mu.Unlock()
}

// Load queries the helper for the authoritative core status and seeds the
// state machine. Without a reachable helper the status stays invalid.
func (s *Supervisor) Load(ctx context.Context) {
	pid, err := s.helper.GetCoreStatus(ctx)
	if err != nil {
		log.Printf("initial status load failed: %v", err)
		return
	}
	if pid > 0 {
		s.OnStatusChanged(model.StatusConnected)
	} else {
		s.OnStatusChanged(model.StatusDisconnected)
	}
}

// Start persists the core config to the shared handoff file, issues the
// start command, and sets the optimistic connecting state. Command-issuance
// failures are returned synchronously and leave the status unchanged.
func (s *Supervisor) Start(ctx context.Context, net config.NetworkConfig) error {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return ErrAlreadyInProgress
	}
	s.pending = true
	s.mu.Unlock()

	if err := config.WriteCoreConfig(s.core.ConfigPath, net); err != nil {
		s.clearPending()
		return fmt.Errorf("persist core config: %w", err)
	}

	req := helper.StartCoreRequest{
		ConfigPath:   s.core.ConfigPath,
		CorePath:     s.core.BinaryPath,
		ConsoleLevel: s.core.ConsoleLevel,
	}
	if err := s.helper.StartCore(ctx, req); err != nil {
		s.clearPending()
		return err
	}

	s.setOptimistic(model.StatusConnecting)
	return nil
}

// Stop issues the stop command and sets the optimistic disconnecting state.
// A no-op when already disconnected.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == model.StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	if s.pending {
		s.mu.Unlock()
		return ErrAlreadyInProgress
	}
	s.pending = true
	s.mu.Unlock()

	if err := s.helper.StopCore(ctx); err != nil {
		s.clearPending()
		return err
	}

	s.setOptimistic(model.StatusDisconnecting)
	return nil
}

// Restart stops the tunnel and starts it again with the same config once the
// authoritative disconnected transition is observed. Waiting on the status
// stream instead of sleeping is the only race-free option: teardown latency
// of the external service is unbounded. The subscription fires at most once
// and then removes itself.
func (s *Supervisor) Restart(ctx context.Context, net config.NetworkConfig) error {
	s.mu.Lock()
	if s.pending || s.restartArmed {
		s.mu.Unlock()
		return ErrAlreadyInProgress
	}
	current := s.status
	s.mu.Unlock()

	if current == model.StatusDisconnected {
		return s.Start(ctx, net)
	}

	// Subscribe before issuing the stop so the disconnected transition
	// cannot slip past between the two calls.
	ch, cancel := s.statuses.Subscribe()

	s.mu.Lock()
	s.restartArmed = true
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		cancel()
		s.mu.Lock()
		s.restartArmed = false
		s.mu.Unlock()
		return err
	}

	go func() {
		defer cancel()
		defer func() {
			s.mu.Lock()
			s.restartArmed = false
			s.mu.Unlock()
		}()
		for {
			select {
			case status, ok := <-ch:
				if !ok {
					return
				}
				if status != model.StatusDisconnected {
					continue
				}
				if err := s.Start(ctx, net); err != nil {
					s.notify("restart: start failed: %v", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// OnStatusChanged ingests an authoritative status push from the external
// tunnel service. Duplicate deliveries of the same status are no-ops. On a
// connected transition a fresh session is minted, stamped with the service's
// own connect time so uptime is not skewed by delivery delay.
//
// The service reports only terminal states with no reason attached, so a
// connect failure and a connected-then-immediately-dropped tunnel both
// surface as a plain disconnected transition. That ambiguity is inherent to
// the external system; nothing here tries to infer a difference.
func (s *Supervisor) OnStatusChanged(status model.TunnelStatus) {
	var connectedAt time.Time
	if status == model.StatusConnected {
		// Duplicates are settled cheaply before the start-time round-trip;
		// the locked check below stays authoritative.
		if s.Status() == model.StatusConnected {
			return
		}
		connectedAt = s.coreStartTime()
	}

	s.mu.Lock()
	if status == s.status {
		s.mu.Unlock()
		return
	}
	s.cancelPendingLocked()
	s.status = status
	switch {
	case status == model.StatusConnected:
		sess := model.NewSession(connectedAt)
		s.session = &sess
	case status.Terminal():
		s.session = nil
	}
	st := s.stateLocked()
	s.publishLocked(status)
	s.mu.Unlock()

	s.persist(st)
}

// setOptimistic records an application-initiated pending state and arms the
// fallback timer: if no authoritative push arrives in time, the helper is
// queried directly so the supervisor cannot get stuck in a pending state.
func (s *Supervisor) setOptimistic(status model.TunnelStatus) {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.pending = true
	if s.pendingTimeout > 0 {
		s.pendingTimer = time.AfterFunc(s.pendingTimeout, s.resolvePending)
	}
	if status != s.status {
		s.status = status
		s.publishLocked(status)
	}
	s.mu.Unlock()
}

// resolvePending fires when an optimistic state outlived the timeout without
// an authoritative push.
func (s *Supervisor) resolvePending() {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return
	}
	stuck := s.status
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	pid, err := s.helper.GetCoreStatus(ctx)
	cancel()
	if err != nil {
		s.notify("no push after %s in state %s and helper unreachable: %v", s.pendingTimeout, stuck, err)
		s.OnStatusChanged(model.StatusInvalid)
		return
	}
	log.Printf("no push after %s in state %s, settled from helper (pid=%d)", s.pendingTimeout, stuck, pid)
	if pid > 0 {
		s.OnStatusChanged(model.StatusConnected)
	} else {
		s.OnStatusChanged(model.StatusDisconnected)
	}
}

// Run turns helper running-info pushes into status transitions until ctx
// ends. All state mutation funnels through OnStatusChanged, keeping the push
// path single-threaded.
func (s *Supervisor) Run(ctx context.Context, pushes *pubsub.Stream[helper.RunningInfoUpdated]) error {
	ch, cancel := pushes.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-ch:
			if !ok {
				return nil
			}
			var probe struct {
				Running bool `json:"running"`
			}
			if err := json.Unmarshal([]byte(p.JSON), &probe); err != nil {
				log.Printf("bad running-info push: %v", err)
				continue
			}
			if probe.Running {
				s.OnStatusChanged(model.StatusConnected)
			} else {
				s.OnStatusChanged(model.StatusDisconnected)
			}
		}
	}
}

// coreStartTime asks the helper for the service's own connect timestamp,
// falling back to the local clock if the helper cannot say.
func (s *Supervisor) coreStartTime() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	t, err := s.helper.GetCoreStartTime(ctx)
	if err != nil || t.IsZero() {
		return time.Now()
	}
	return t
}

func (s *Supervisor) clearPending() {
	s.mu.Lock()
	s.pending = false
	s.cancelTimerLocked()
	s.mu.Unlock()
}

// cancelPendingLocked clears the optimistic bookkeeping on an authoritative
// push. Caller holds s.mu.
func (s *Supervisor) cancelPendingLocked() {
	s.pending = false
	s.cancelTimerLocked()
}

func (s *Supervisor) cancelTimerLocked() {
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
}

// publishLocked broadcasts a transition while holding s.mu so subscribers
// observe transitions in the order they happened. Gates run first: the
// poller's timer must be cancelled within the same call.
func (s *Supervisor) publishLocked(status model.TunnelStatus) {
	for _, fn := range s.gates {
		fn(status)
	}
	s.statuses.Publish(status)
}

func (s *Supervisor) stateLocked() *store.State {
	st := &store.State{Status: s.status.String()}
	if s.session != nil {
		st.SessionID = s.session.ID
		st.ConnectedAt = s.session.ConnectedAt
	}
	return st
}

func (s *Supervisor) persist(st *store.State) {
	if s.statePath == "" {
		return
	}
	if err := store.SaveState(s.statePath, st); err != nil {
		log.Printf("persist state: %v", err)
	}
}

func (s *Supervisor) notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s", msg)
	s.notices.Publish(Notice{At: time.Now(), Message: msg})
}
