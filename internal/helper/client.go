package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"meshctl/internal/pubsub"
)

// DefaultSocketPath is the unix-domain socket the helper listens on.
const DefaultSocketPath = "/var/run/meshd-helper.sock"

// DefaultRequestTimeout bounds every request; an unreachable helper fails
// fast instead of hanging callers.
const DefaultRequestTimeout = 10 * time.Second

// ErrHelperUnavailable is returned while the helper connection is down.
var ErrHelperUnavailable = errors.New("helper unavailable")

// ErrCoreNotRunning is returned by GetRunningInfo while the core subprocess
// is not running.
var ErrCoreNotRunning = errors.New("core not running")

// maxFrameSize bounds a single envelope line. Running-info payloads for large
// meshes fit comfortably below this.
const maxFrameSize = 8 << 20

// Dialer opens a transport connection to the helper. Injectable for tests.
type Dialer func(ctx context.Context) (net.Conn, error)

// SocketDialer dials the helper's unix-domain socket.
func SocketDialer(path string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

// Client is the request/reply + push IPC client for the helper process.
// It owns connection lifecycle (reconnect with backoff, listener
// re-registration) and the event-ring cursor.
type Client struct {
	dial    Dialer
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	ready   bool
	pending map[uint64]chan envelope
	nextID  uint64
	cursor  int

	runningInfo *pubsub.Stream[RunningInfoUpdated]
	logLines    *pubsub.Stream[LogUpdated]
	connStates  *pubsub.Stream[bool]
}

// NewClient creates a client for the helper socket at path. A zero timeout
// selects DefaultRequestTimeout.
func NewClient(path string, timeout time.Duration) *Client {
	return NewClientWithDialer(SocketDialer(path), timeout)
}

// NewClientWithDialer creates a client with a custom transport, used by tests
// and the in-process helper simulator.
func NewClientWithDialer(dial Dialer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		dial:        dial,
		timeout:     timeout,
		pending:     make(map[uint64]chan envelope),
		runningInfo: pubsub.NewStream[RunningInfoUpdated](),
		logLines:    pubsub.NewStream[LogUpdated](),
		connStates:  pubsub.NewStream[bool](),
	}
}

// RunningInfoUpdates is the stream of helper-initiated running-info pushes.
func (c *Client) RunningInfoUpdates() *pubsub.Stream[RunningInfoUpdated] {
	return c.runningInfo
}

// LogUpdates is the stream of helper-initiated log pushes.
func (c *Client) LogUpdates() *pubsub.Stream[LogUpdated] { return c.logLines }

// ConnStates publishes true/false as the helper connection comes and goes.
func (c *Client) ConnStates() *pubsub.Stream[bool] { return c.connStates }

// Run maintains the helper connection until ctx is cancelled: dial with
// exponential backoff, re-register the push listener, serve replies and
// pushes, and on disconnect fail all pending requests and start over.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}

		err = c.serve(ctx, conn)
		c.teardown(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("helper connection lost: %v, reconnecting", err)
	}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = c.dial(ctx)
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(0)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve registers the push listener first, then announces the connection as
// ready for request traffic and pumps frames until the transport fails.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.ready = false
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.call(ctx, methodRegisterListener, nil, nil, true); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.connStates.Publish(true)
	log.Printf("helper connected, listener registered")

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		conn.Close()
		<-readErr
		return ctx.Err()
	}
}

func (c *Client) teardown(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.ready = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.connStates.Publish(false)
}

func (c *Client) readLoop(conn net.Conn) error {
	dec := json.NewDecoder(conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			return err
		}
		if env.ID != 0 {
			c.dispatchReply(env)
			continue
		}
		c.dispatchPush(env)
	}
}

func (c *Client) dispatchReply(env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Reply for a request that already timed out.
		log.Debugf("helper: dropping reply for unknown id %d", env.ID)
		return
	}
	ch <- env
}

func (c *Client) dispatchPush(env envelope) {
	switch env.Method {
	case pushRunningInfoUpdated:
		var p RunningInfoUpdated
		if err := json.Unmarshal(env.Params, &p); err != nil {
			log.Printf("helper: bad running-info push: %v", err)
			return
		}
		c.runningInfo.Publish(p)
	case pushLogUpdated:
		var p LogUpdated
		if err := json.Unmarshal(env.Params, &p); err != nil {
			log.Printf("helper: bad log push: %v", err)
			return
		}
		c.logLines.Publish(p)
	default:
		log.Debugf("helper: unknown push %q", env.Method)
	}
}

// call issues one request and waits for its reply, the timeout, or ctx.
// bypassReady lets register_listener through before the connection is
// announced as ready.
func (c *Client) call(ctx context.Context, method string, params, out any, bypassReady bool) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}

	c.mu.Lock()
	if c.conn == nil || (!c.ready && !bypassReady) {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrHelperUnavailable)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan envelope, 1)
	c.pending[id] = ch
	conn := c.conn

	frame, err := json.Marshal(envelope{ID: id, Method: method, Params: raw})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	frame = append(frame, '\n')
	if len(frame) > maxFrameSize {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: frame exceeds %d bytes", method, maxFrameSize)
	}
	// The write runs under c.mu; a helper that stops draining the socket
	// must not block every other caller past the request timeout.
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = conn.Write(frame)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		// A failed write may have left a partial frame on the wire, so the
		// connection cannot carry further requests. Closing it kicks the
		// serve loop into teardown and reconnect.
		conn.Close()
		return fmt.Errorf("%s: %w: %v", method, ErrHelperUnavailable, err)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrHelperUnavailable)
		}
		if env.Error != "" {
			return fmt.Errorf("%s: helper error: %s", method, env.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(env.Result, out)
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: no reply within %s: %w", method, c.timeout, ErrHelperUnavailable)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// StartCore asks the helper to launch the core. The large config payload has
// already been written to req.ConfigPath; only the path travels over IPC.
func (c *Client) StartCore(ctx context.Context, req StartCoreRequest) error {
	var reply StartCoreReply
	if err := c.call(ctx, methodStartCore, req, &reply, false); err != nil {
		return err
	}
	if !reply.OK {
		if reply.Error != "" {
			return fmt.Errorf("start core: %s", reply.Error)
		}
		return errors.New("start core: rejected by helper")
	}
	return nil
}

// StopCore asks the helper to stop the core subprocess.
func (c *Client) StopCore(ctx context.Context) error {
	var reply StopCoreReply
	if err := c.call(ctx, methodStopCore, nil, &reply, false); err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("stop core: rejected by helper")
	}
	return nil
}

// GetCoreStatus returns the core pid, 0 when not running.
func (c *Client) GetCoreStatus(ctx context.Context) (int32, error) {
	var reply CoreStatusReply
	if err := c.call(ctx, methodGetCoreStatus, nil, &reply, false); err != nil {
		return 0, err
	}
	return reply.PID, nil
}

// GetCoreStartTime returns the helper-recorded core start time, or the zero
// time when the core is not running.
func (c *Client) GetCoreStartTime(ctx context.Context) (time.Time, error) {
	var reply CoreStartTimeReply
	if err := c.call(ctx, methodGetCoreStartTime, nil, &reply, false); err != nil {
		return time.Time{}, err
	}
	if reply.UnixTimestamp == 0 {
		return time.Time{}, nil
	}
	sec := int64(reply.UnixTimestamp)
	nsec := int64((reply.UnixTimestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), nil
}

// GetVersion returns the helper's version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var reply VersionReply
	if err := c.call(ctx, methodGetVersion, nil, &reply, false); err != nil {
		return "", err
	}
	return reply.Version, nil
}

// GetRunningInfo fetches one raw running-info snapshot. Returns
// ErrCoreNotRunning while the helper has no core to report on.
func (c *Client) GetRunningInfo(ctx context.Context) ([]byte, error) {
	var reply RunningInfoReply
	if err := c.call(ctx, methodGetRunningInfo, nil, &reply, false); err != nil {
		return nil, err
	}
	if reply.JSON == nil {
		return nil, ErrCoreNotRunning
	}
	return []byte(*reply.JSON), nil
}

// QuitHelper asks the helper process to exit.
func (c *Client) QuitHelper(ctx context.Context) error {
	var reply QuitHelperReply
	if err := c.call(ctx, methodQuitHelper, nil, &reply, false); err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("quit helper: rejected by helper")
	}
	return nil
}
