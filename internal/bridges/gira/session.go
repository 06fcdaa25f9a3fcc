package gira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Session timing constants.
const (
	// DefaultRetryInterval is the wait between registration attempts.
	DefaultRetryInterval = 5 * time.Second

	// MinRetryInterval is the floor for the retry interval. The X1 is a
	// small embedded device. This is the only place the floor is applied.
	MinRetryInterval = 3 * time.Second

	// dispatchTimeout bounds a single subscriber's handling of a webhook.
	dispatchTimeout = 5 * time.Second

	// notifyQueueLimit caps queued observer and lifecycle notifications.
	// State-change hooks are coalesced and never count against it.
	notifyQueueLimit = 1024

	// tokenHistorySize is how many previously held tokens are remembered
	// to recognise stale webhook deliveries.
	tokenHistorySize = 4

	// clientIDPrefix prefixes the session ID to form the registered client ID.
	clientIDPrefix = "graylogic-gira."

	// callbackPathPrefix is the webhook route served by the HTTP server.
	callbackPathPrefix = "/gira/callback/"
)

// Lifecycle actions reported through SessionOptions.OnLifecycle.
const (
	ActionConnected             = "connected"
	ActionDisconnected          = "disconnected"
	ActionTokenRejected         = "token_rejected"
	ActionCallbacksRegistered   = "callbacks_registered"
	ActionCallbacksUnregistered = "callbacks_unregistered"
	ActionCallbacksFailed       = "callbacks_failed"
	ActionWebhookRejected       = "webhook_rejected"
	ActionClosed                = "closed"
)

// Logger is the logging interface used by the package.
// Satisfied by *slog.Logger and logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DeviceAPI is the subset of *Client a Session uses.
type DeviceAPI interface {
	RegisterClient(ctx context.Context, creds Credentials, clientID string) (string, error)
	UnregisterClient(ctx context.Context, token string) error
	RegisterCallbacks(ctx context.Context, token, serviceURL, valueURL string, test bool) error
	UnregisterCallbacks(ctx context.Context, token string) error
	GetUIConfig(ctx context.Context, token string, expand ...string) (json.RawMessage, error)
	Execute(ctx context.Context, token string, req Request) (json.RawMessage, error)
}

// Subscriber receives webhook events forwarded by a Session.
// Membership is keyed by SubscriberID.
type Subscriber interface {
	SubscriberID() string

	// ReceiveEvent handles one delivery. payload is the webhook body with
	// the token removed; the slice is owned by the subscriber.
	ReceiveEvent(ctx context.Context, payload json.RawMessage) error
}

// StatusObserver is optionally implemented by subscribers that want
// connection state changes. ConnectionChanged is called with the current
// state when the subscriber is added and on every change after that.
type StatusObserver interface {
	ConnectionChanged(connected bool)
}

// LifecycleEvent describes a session transition for auditing.
type LifecycleEvent struct {
	SessionID string
	Action    string
	State     State
	Details   map[string]any
	Time      time.Time
}

// Snapshot is a point-in-time view of a session for status reporting.
// It never contains the token.
type Snapshot struct {
	ID                  string     `json:"id"`
	HostURL             string     `json:"host_url"`
	State               State      `json:"state"`
	Connected           bool       `json:"connected"`
	CallbackRegistered  bool       `json:"callback_registered"`
	Subscribers         int        `json:"subscribers"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RetryScheduled      bool       `json:"retry_scheduled"`
	LastError           string     `json:"last_error,omitempty"`
	ConnectedSince      *time.Time `json:"connected_since,omitempty"`
	UIConfigUID         string     `json:"uiconfig_uid,omitempty"`
	UIConfigFetchedAt   *time.Time `json:"uiconfig_fetched_at,omitempty"`
	Closed              bool       `json:"closed"`
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// ID names the session. Required.
	ID string

	// HostURL is the device address, reported in snapshots.
	HostURL string

	// Client performs the device calls. Required.
	Client DeviceAPI

	// Credentials are used for client registration only.
	Credentials Credentials

	// ClientID is sent at registration. Default: "graylogic-gira." + ID.
	ClientID string

	// CallbackURL receives both service and value events. Without it,
	// callbacks are never registered.
	CallbackURL string

	// RetryInterval is the wait between registration attempts.
	// Default: DefaultRetryInterval. Never below MinRetryInterval.
	RetryInterval time.Duration

	// TestCallbacks asks the device to probe the callback URL first.
	TestCallbacks bool

	// RequestTimeout bounds each background device call. Default: 10s.
	RequestTimeout time.Duration

	// Logger is optional.
	Logger Logger

	// OnLifecycle is called in order for every lifecycle transition.
	// It runs on the session's notification goroutine.
	OnLifecycle func(LifecycleEvent)
}

// stopper is the part of *time.Timer the retry loop needs.
type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// op is a closure queued to the session loop. done, when set, is closed
// after the closure's effects are published.
type op struct {
	fn   func()
	done chan struct{}
}

// mirror is the read-side copy of loop state published after every operation.
type mirror struct {
	snap     Snapshot
	token    string
	uiConfig *UIConfig
}

// Session owns the connection to one device.
//
// A single loop goroutine owns all mutable state. Public operations, retry
// timer fires, background call completions and webhook deliveries are queued
// to it as closures. Device calls never run on the loop.
//
// Thread Safety: all methods are safe for concurrent use.
type Session struct {
	id             string
	hostURL        string
	client         DeviceAPI
	creds          Credentials
	clientID       string
	callbackURL    string
	retryInterval  time.Duration
	testCallbacks  bool
	requestTimeout time.Duration
	logger         Logger
	onLifecycle    func(LifecycleEvent)
	after          afterFunc

	ops        chan op
	quit       chan struct{}
	done       chan struct{}
	notifyDone chan struct{}
	ioCtx      context.Context
	ioCancel   context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once

	mirrorMu sync.RWMutex
	mirror   mirror

	// Notification queue drained by runNotifier. The loop appends and
	// never waits on consumers.
	notifyMu     sync.Mutex
	notifyQueue  []func()
	notifyClosed bool
	notifySignal chan struct{}
	stateQueued  bool
	latestState  Snapshot
	notifyDrops  int

	// Loop-owned state. Only touched from closures running on the loop.
	state              State
	token              string
	pastTokens         []string
	everConnected      bool
	connectedSince     time.Time
	registering        bool
	callbackRegistered bool
	callbackBusy       bool
	callbackFailed     bool
	subscribers        map[string]Subscriber
	uiConfig           *UIConfig
	uiConfigAt         time.Time
	uiPending          bool
	uiAgain            bool
	retryTimer         stopper
	retryGen           uint64
	failures           int
	lastError          string
	closed             bool
	onStateChange      func(Snapshot)
}

// NewSession creates a session and starts its loop. No device call is
// made until Start.
//
// Parameters:
//   - opts: Session configuration; ID and Client are required
//
// Returns:
//   - *Session: Idle session in StateDisconnected
//   - error: ErrConfiguration if required options are missing
func NewSession(opts SessionOptions) (*Session, error) {
	return newSession(opts, realAfterFunc)
}

func newSession(opts SessionOptions, after afterFunc) (*Session, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrConfiguration)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: device client is required", ErrConfiguration)
	}

	s := &Session{
		id:             opts.ID,
		hostURL:        opts.HostURL,
		client:         opts.Client,
		creds:          opts.Credentials,
		clientID:       opts.ClientID,
		callbackURL:    opts.CallbackURL,
		retryInterval:  opts.RetryInterval,
		testCallbacks:  opts.TestCallbacks,
		requestTimeout: opts.RequestTimeout,
		logger:         opts.Logger,
		onLifecycle:    opts.OnLifecycle,
		after:          after,
		ops:            make(chan op),
		notifySignal:   make(chan struct{}, 1),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		notifyDone:     make(chan struct{}),
		subscribers:    make(map[string]Subscriber),
	}
	if s.clientID == "" {
		s.clientID = clientIDPrefix + opts.ID
	}
	if s.retryInterval <= 0 {
		s.retryInterval = DefaultRetryInterval
	}
	if s.retryInterval < MinRetryInterval {
		s.retryInterval = MinRetryInterval
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.ioCtx, s.ioCancel = context.WithCancel(context.Background())
	s.mirror = mirror{snap: s.snapshot()}

	go s.run()
	go s.runNotifier()

	return s, nil
}

// CallbackPath returns the webhook path for a session ID.
func CallbackPath(sessionID string) string {
	return callbackPathPrefix + url.PathEscape(sessionID)
}

// CallbackURL joins the externally reachable base URL with the session's
// webhook path.
func CallbackURL(base, sessionID string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + CallbackPath(sessionID)
}

// =============================================================================
// Loop plumbing
// =============================================================================

func (s *Session) run() {
	defer close(s.done)
	defer s.closeNotifier()

	for {
		select {
		case o := <-s.ops:
			s.runOp(o.fn)
			s.publish()
			if o.done != nil {
				close(o.done)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) runOp(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gira session operation panic recovered", "session", s.id, "panic", r)
		}
	}()
	fn()
}

func (s *Session) runNotifier() {
	defer close(s.notifyDone)
	for range s.notifySignal {
		for {
			fn, closed := s.nextNotification()
			if fn == nil {
				if closed {
					return
				}
				break
			}
			s.safeNotify(fn)
		}
	}
}

func (s *Session) nextNotification() (func(), bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.notifyQueue) == 0 {
		return nil, s.notifyClosed
	}
	fn := s.notifyQueue[0]
	s.notifyQueue[0] = nil
	s.notifyQueue = s.notifyQueue[1:]
	return fn, false
}

func (s *Session) signalNotifier() {
	select {
	case s.notifySignal <- struct{}{}:
	default:
	}
}

// closeNotifier lets runNotifier exit once the queue is drained.
func (s *Session) closeNotifier() {
	s.notifyMu.Lock()
	s.notifyClosed = true
	s.notifyMu.Unlock()
	s.signalNotifier()
}

func (s *Session) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gira session notification panic recovered", "session", s.id, "panic", r)
		}
	}()
	fn()
}

// submit queues fn on the loop without waiting for it to run.
// Never call from the loop itself.
func (s *Session) submit(fn func()) error {
	return s.send(op{fn: fn})
}

// call runs fn on the loop and waits until its effects are published.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if err := s.send(op{fn: fn, done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

func (s *Session) send(o op) error {
	select {
	case s.ops <- o:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// enqueue schedules fn on the notification goroutine without blocking.
// Past notifyQueueLimit the notification is dropped. Loop only.
func (s *Session) enqueue(fn func()) {
	s.notifyMu.Lock()
	if len(s.notifyQueue) >= notifyQueueLimit {
		s.notifyDrops++
		drops := s.notifyDrops
		s.notifyMu.Unlock()
		s.logger.Warn("gira session notification dropped, consumer too slow", "session", s.id, "dropped", drops)
		return
	}
	s.notifyQueue = append(s.notifyQueue, fn)
	s.notifyMu.Unlock()
	s.signalNotifier()
}

// enqueueState coalesces state-change notifications: while one is queued,
// later snapshots only replace the one it will deliver. Loop only.
func (s *Session) enqueueState(hook func(Snapshot), snap Snapshot) {
	s.notifyMu.Lock()
	s.latestState = snap
	if s.stateQueued {
		s.notifyMu.Unlock()
		return
	}
	s.stateQueued = true
	s.notifyQueue = append(s.notifyQueue, func() {
		s.notifyMu.Lock()
		latest := s.latestState
		s.stateQueued = false
		s.notifyMu.Unlock()
		hook(latest)
	})
	s.notifyMu.Unlock()
	s.signalNotifier()
}

// spawn runs a device call off the loop. Loop only.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ioCtx, s.requestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// snapshot builds a Snapshot from loop state. Loop only.
func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:                  s.id,
		HostURL:             s.hostURL,
		State:               s.state,
		Connected:           s.state == StateConnected,
		CallbackRegistered:  s.callbackRegistered,
		Subscribers:         len(s.subscribers),
		ConsecutiveFailures: s.failures,
		RetryScheduled:      s.retryTimer != nil,
		LastError:           s.lastError,
		Closed:              s.closed,
	}
	if !s.connectedSince.IsZero() && snap.Connected {
		t := s.connectedSince
		snap.ConnectedSince = &t
	}
	if s.uiConfig != nil {
		snap.UIConfigUID = s.uiConfig.UID
		t := s.uiConfigAt
		snap.UIConfigFetchedAt = &t
	}
	return snap
}

// publish refreshes the read-side mirror and queues change notifications.
func (s *Session) publish() {
	snap := s.snapshot()

	s.mirrorMu.Lock()
	prev := s.mirror.snap
	s.mirror = mirror{snap: snap, token: s.token, uiConfig: s.uiConfig}
	s.mirrorMu.Unlock()

	if prev.Connected != snap.Connected {
		observers := s.observers()
		connected := snap.Connected
		if len(observers) > 0 {
			s.enqueue(func() {
				for _, o := range observers {
					o.ConnectionChanged(connected)
				}
			})
		}
	}

	if hook := s.onStateChange; hook != nil && significantChange(prev, snap) {
		s.enqueueState(hook, snap)
	}
}

func significantChange(a, b Snapshot) bool {
	return a.State != b.State ||
		a.CallbackRegistered != b.CallbackRegistered ||
		a.Subscribers != b.Subscribers ||
		a.UIConfigUID != b.UIConfigUID ||
		a.Closed != b.Closed
}

func (s *Session) observers() []StatusObserver {
	var out []StatusObserver
	for _, sub := range s.subscribers {
		if o, ok := sub.(StatusObserver); ok {
			out = append(out, o)
		}
	}
	return out
}

// emit queues a lifecycle event. Loop only.
func (s *Session) emit(action string, details map[string]any) {
	if s.onLifecycle == nil {
		return
	}
	ev := LifecycleEvent{
		SessionID: s.id,
		Action:    action,
		State:     s.state,
		Details:   details,
		Time:      time.Now().UTC(),
	}
	hook := s.onLifecycle
	s.enqueue(func() { hook(ev) })
}

// =============================================================================
// Public operations
// =============================================================================

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Start begins client registration. Calling Start more than once has no effect.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		err = s.call(func() {
			if s.closed {
				return
			}
			s.logger.Info("gira session starting", "session", s.id, "host", s.hostURL, "client_id", s.clientID)
			s.connect()
		})
	})
	if err == nil && s.isClosed() {
		return ErrSessionClosed
	}
	return err
}

// Close tears the session down.
//
// The retry timer is cancelled and in-flight background calls are aborted.
// If a token is held the callbacks (when registered) and then the client are
// unregistered, bounded by ctx. Failures are logged and returned joined but
// never retried. Calling Close again returns nil.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.teardown(ctx)
	})
	return err
}

func (s *Session) teardown(ctx context.Context) error {
	var token string
	var callbacks bool

	_ = s.call(func() { //nolint:errcheck // Loop is running until quit is closed below
		s.closed = true
		s.stopRetry()
		token, callbacks = s.token, s.callbackRegistered || s.callbackBusy
		s.token = ""
		s.callbackRegistered = false
		s.state = StateDisconnected
		s.emit(ActionClosed, nil)
	})

	s.ioCancel()

	var errs []error
	if token == "" {
		s.logger.Debug("gira session closed without token, skipping unregister", "session", s.id)
	} else {
		if callbacks {
			if err := s.client.UnregisterCallbacks(ctx, token); err != nil {
				s.logger.Warn("gira unregister callbacks failed", "session", s.id, "error", err)
				errs = append(errs, fmt.Errorf("unregistering callbacks: %w", err))
			}
		}
		if err := s.client.UnregisterClient(ctx, token); err != nil {
			s.logger.Warn("gira unregister client failed", "session", s.id, "error", err)
			errs = append(errs, fmt.Errorf("unregistering client: %w", err))
		}
	}

	close(s.quit)
	<-s.done
	<-s.notifyDone
	s.wg.Wait()

	s.logger.Info("gira session closed", "session", s.id)
	return errors.Join(errs...)
}

// AddSubscriber adds sub to the event fan-out. Adding an ID that is
// already present replaces the handle and has no other effect.
//
// When the set goes from empty to non-empty on a connected session,
// callback registration is started.
func (s *Session) AddSubscriber(sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("%w: subscriber is nil", ErrInvalidRequest)
	}
	return s.call(func() {
		if s.closed {
			return
		}
		id := sub.SubscriberID()
		_, present := s.subscribers[id]
		wasEmpty := len(s.subscribers) == 0
		s.subscribers[id] = sub

		if o, ok := sub.(StatusObserver); ok {
			connected := s.state == StateConnected
			s.enqueue(func() { o.ConnectionChanged(connected) })
		}
		if present {
			return
		}

		s.logger.Debug("gira subscriber added", "session", s.id, "subscriber", id, "count", len(s.subscribers))
		if wasEmpty {
			s.callbackFailed = false
		}
		s.reconcileCallbacks()
	})
}

// RemoveSubscriber removes the subscriber with sub's ID. Removing an
// absent subscriber is a no-op.
//
// When the last subscriber leaves while callbacks are registered, they are
// unregistered.
func (s *Session) RemoveSubscriber(sub Subscriber) error {
	if sub == nil {
		return nil
	}
	return s.call(func() {
		id := sub.SubscriberID()
		if _, ok := s.subscribers[id]; !ok {
			return
		}
		delete(s.subscribers, id)
		s.logger.Debug("gira subscriber removed", "session", s.id, "subscriber", id, "count", len(s.subscribers))

		s.reconcileCallbacks()
	})
}

// SetOnStateChange sets a hook called with a snapshot whenever the state,
// callback registration, subscriber count or uiconfig identity changes.
// It runs on the notification goroutine.
func (s *Session) SetOnStateChange(fn func(Snapshot)) {
	_ = s.call(func() { s.onStateChange = fn }) //nolint:errcheck // No-op on a closed session
}

// CurrentToken returns the token, or "" while not connected.
func (s *Session) CurrentToken() string {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	return s.mirror.token
}

// IsConnected reports whether the session holds a token.
func (s *Session) IsConnected() bool {
	return s.Snapshot().Connected
}

// State returns the connection state.
func (s *Session) State() State {
	return s.Snapshot().State
}

// CallbackRegistered reports whether the device has accepted the webhook URLs.
func (s *Session) CallbackRegistered() bool {
	return s.Snapshot().CallbackRegistered
}

// UIConfig returns the last fetched UI configuration, or nil.
func (s *Session) UIConfig() *UIConfig {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	return s.mirror.uiConfig
}

// Snapshot returns the session status as of the last completed operation.
func (s *Session) Snapshot() Snapshot {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()
	return s.mirror.snap
}

func (s *Session) isClosed() bool {
	return s.Snapshot().Closed
}

// Do performs req with the current token.
//
// Without a token it fails with ErrNotConnected and makes no call. A
// response matching ErrAuth drops the token and schedules re-registration;
// all other errors are returned unchanged. A successful GetUIConfig also
// refreshes the session's mirror.
//
// Parameters:
//   - ctx: Bounds the device call
//   - req: Validated before dispatch
//
// Returns:
//   - json.RawMessage: Response body, nil when the device sent none
//   - error: Classified device error, ErrNotConnected or ErrSessionClosed
func (s *Session) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mirrorMu.RLock()
	token, closed := s.mirror.token, s.mirror.snap.Closed
	s.mirrorMu.RUnlock()

	if closed {
		return nil, ErrSessionClosed
	}
	if token == "" {
		return nil, ErrNotConnected
	}

	resp, err := s.client.Execute(ctx, token, req)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			_ = s.submit(func() { s.invalidateToken(token, err) }) //nolint:errcheck // Session closing
		}
		return nil, err
	}

	if req.Kind == RequestGetUIConfig {
		_ = s.submit(func() { s.storeUIConfig(token, resp) }) //nolint:errcheck // Session closing
	}
	return resp, nil
}

// HandleWebhook validates a delivery against the current token and fans
// it out to every subscriber.
//
// payload must already have the token removed. The return value is the
// HTTP status for the device: 401 on a missing or mismatched token with no
// dispatch, 200 otherwise. Subscribers are invoked concurrently; a failing
// or slow subscriber does not prevent delivery to the others.
func (s *Session) HandleWebhook(ctx context.Context, token string, payload json.RawMessage, events []Event) int {
	status := statusUnauthorized
	var targets []Subscriber

	err := s.call(func() {
		status, targets = s.acceptDelivery(token, events)
		s.wg.Add(len(targets))
	})
	if err != nil {
		return statusServiceUnavailable
	}

	s.dispatch(ctx, targets, payload)
	return status
}

// HTTP statuses returned by HandleWebhook.
const (
	statusOK                 = 200
	statusUnauthorized       = 401
	statusServiceUnavailable = 503
)

// acceptDelivery applies token validation and service events. Loop only.
func (s *Session) acceptDelivery(token string, events []Event) (int, []Subscriber) {
	if s.closed {
		return statusUnauthorized, nil
	}
	if token == "" {
		s.logger.Debug("gira webhook rejected: token missing", "session", s.id)
		return statusUnauthorized, nil
	}
	if token != s.token {
		stale := s.token != "" && s.heldBefore(token)
		s.logger.Debug("gira webhook rejected: token mismatch", "session", s.id, "stale", stale)
		s.emit(ActionWebhookRejected, map[string]any{"stale": stale})
		if stale {
			s.dropStaleRegistration(token)
		}
		return statusUnauthorized, nil
	}

	uiChanged := false
	for _, ev := range events {
		switch ev.Event {
		case EventUIConfigChanged:
			uiChanged = true
		case EventTest:
			s.logger.Debug("gira callback test received", "session", s.id)
		case EventStartup, EventRestart:
			s.logger.Info("gira device service event", "session", s.id, "event", ev.Event)
		}
	}
	if uiChanged {
		s.refreshUIConfig()
	}

	if len(events) == 0 {
		return statusOK, nil
	}

	targets := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		targets = append(targets, sub)
	}
	return statusOK, targets
}

// dispatch delivers payload to every target concurrently and waits.
// The caller has already added len(targets) to s.wg.
func (s *Session) dispatch(ctx context.Context, targets []Subscriber, payload json.RawMessage) {
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub Subscriber) {
			defer s.wg.Done()
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("gira subscriber panic recovered", "session", s.id, "subscriber", sub.SubscriberID(), "panic", r)
				}
			}()

			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
			defer cancel()

			own := make(json.RawMessage, len(payload))
			copy(own, payload)
			if err := sub.ReceiveEvent(dctx, own); err != nil {
				s.logger.Warn("gira subscriber failed to handle event", "session", s.id, "subscriber", sub.SubscriberID(), "error", err)
			}
		}(sub)
	}
	wg.Wait()
}

// =============================================================================
// State machine (loop only)
// =============================================================================

// connect starts a registration attempt unless one is running or a token is held.
func (s *Session) connect() {
	if s.closed || s.registering || s.token != "" {
		return
	}
	s.registering = true
	if s.everConnected {
		s.state = StateReconnecting
	} else {
		s.state = StateRegistering
	}

	creds, clientID := s.creds, s.clientID
	s.spawn(func(ctx context.Context) {
		token, err := s.client.RegisterClient(ctx, creds, clientID)
		if serr := s.submit(func() { s.registrationDone(token, err) }); serr != nil && token != "" {
			s.releaseToken(token)
		}
	})
}

func (s *Session) registrationDone(token string, err error) {
	s.registering = false

	if s.closed {
		if token != "" {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.releaseToken(token)
			}()
		}
		return
	}

	if err != nil {
		s.failures++
		s.lastError = err.Error()
		wasUp := s.state == StateReconnecting && s.failures == 1
		s.state = StateDisconnected
		s.logger.Debug("gira client registration failed", "session", s.id, "attempt", s.failures, "retry_in", s.retryInterval, "error", err)
		if s.failures == 1 {
			s.emit(ActionDisconnected, map[string]any{"error": err.Error(), "after_connection": wasUp})
		}
		s.scheduleRetry()
		return
	}

	s.stopRetry()
	s.token = token
	s.rememberToken(token)
	s.failures = 0
	s.lastError = ""
	s.everConnected = true
	s.connectedSince = time.Now().UTC()
	s.state = StateConnected
	s.logger.Info("gira client registered", "session", s.id, "client_id", s.clientID)
	s.emit(ActionConnected, nil)

	s.refreshUIConfig()
	s.callbackFailed = false
	s.reconcileCallbacks()
}

// releaseToken unregisters a token obtained after the session stopped caring.
func (s *Session) releaseToken(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.client.UnregisterClient(ctx, token); err != nil {
		s.logger.Debug("gira releasing orphaned client failed", "session", s.id, "error", err)
	}
}

func (s *Session) scheduleRetry() {
	if s.closed {
		return
	}
	s.stopRetry()
	gen := s.retryGen
	s.retryTimer = s.after(s.retryInterval, func() {
		_ = s.submit(func() { //nolint:errcheck // Session closed; retry no longer wanted
			if gen != s.retryGen || s.closed {
				return
			}
			s.retryTimer = nil
			s.connect()
		})
	})
}

// stopRetry cancels the pending retry and invalidates any fire already queued.
func (s *Session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryGen++
}

// invalidateToken handles the device rejecting token. Stale tokens are ignored.
func (s *Session) invalidateToken(token string, cause error) {
	if s.closed || token == "" || token != s.token {
		return
	}
	s.logger.Warn("gira token rejected by device, re-registering", "session", s.id, "error", cause)
	s.token = ""
	s.callbackRegistered = false
	s.state = StateDisconnected
	s.lastError = cause.Error()
	s.emit(ActionTokenRejected, map[string]any{"error": cause.Error()})
	s.scheduleRetry()
}

// dropStaleRegistration handles a delivery carrying a token this session
// held earlier. The device still routes events to the old registration, so
// only that registration is released. The current token stays in service.
func (s *Session) dropStaleRegistration(stale string) {
	s.forgetToken(stale)
	s.logger.Info("gira releasing stale registration", "session", s.id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.releaseToken(stale)
	}()
}

func (s *Session) rememberToken(token string) {
	s.pastTokens = append(s.pastTokens, token)
	if len(s.pastTokens) > tokenHistorySize {
		s.pastTokens = s.pastTokens[len(s.pastTokens)-tokenHistorySize:]
	}
}

func (s *Session) forgetToken(token string) {
	kept := s.pastTokens[:0]
	for _, t := range s.pastTokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	s.pastTokens = kept
}

func (s *Session) heldBefore(token string) bool {
	for _, t := range s.pastTokens {
		if t == token && t != s.token {
			return true
		}
	}
	return false
}

// reconcileCallbacks brings the device's callback registration in line with
// the subscriber set. At most one callback call is in flight; its completion
// reconciles again.
func (s *Session) reconcileCallbacks() {
	if s.closed || s.callbackBusy {
		return
	}

	want := s.state == StateConnected && s.token != "" && len(s.subscribers) > 0
	switch {
	case want && !s.callbackRegistered && !s.callbackFailed:
		s.registerCallbacks()
	case !want && s.callbackRegistered:
		s.callbackRegistered = false
		s.unregisterCallbacks(s.token)
	}
}

func (s *Session) registerCallbacks() {
	if s.callbackURL == "" {
		s.callbackFailed = true
		s.logger.Error("gira callback url not set, events will not be delivered", "session", s.id)
		return
	}

	s.callbackBusy = true
	token, target, test := s.token, s.callbackURL, s.testCallbacks
	s.spawn(func(ctx context.Context) {
		err := s.client.RegisterCallbacks(ctx, token, target, target, test)
		_ = s.submit(func() { s.callbacksRegistered(token, err) }) //nolint:errcheck // Session closed
	})
}

func (s *Session) callbacksRegistered(token string, err error) {
	s.callbackBusy = false
	if s.closed {
		return
	}
	if token != s.token {
		// Callbacks of a dropped token disappear with it.
		s.reconcileCallbacks()
		return
	}

	if err != nil {
		s.callbackRegistered = false
		s.callbackFailed = true
		s.lastError = err.Error()
		s.logger.Error("gira callback registration failed", "session", s.id, "error", err)
		s.emit(ActionCallbacksFailed, map[string]any{"error": err.Error()})
		if errors.Is(err, ErrAuth) {
			s.invalidateToken(token, err)
		}
		return
	}

	s.callbackRegistered = true
	s.logger.Info("gira callbacks registered", "session", s.id, "url", s.callbackURL)
	s.emit(ActionCallbacksRegistered, nil)
	s.reconcileCallbacks()
}

func (s *Session) unregisterCallbacks(token string) {
	s.callbackBusy = true
	s.spawn(func(ctx context.Context) {
		err := s.client.UnregisterCallbacks(ctx, token)
		_ = s.submit(func() { //nolint:errcheck // Session closed
			s.callbackBusy = false
			if s.closed {
				return
			}
			if err != nil {
				s.logger.Warn("gira unregister callbacks failed", "session", s.id, "error", err)
			} else {
				s.logger.Debug("gira callbacks unregistered", "session", s.id)
				s.emit(ActionCallbacksUnregistered, nil)
			}
			s.reconcileCallbacks()
		})
	})
}

// refreshUIConfig fetches the UI configuration; concurrent requests coalesce.
func (s *Session) refreshUIConfig() {
	if s.closed || s.token == "" {
		return
	}
	if s.uiPending {
		s.uiAgain = true
		return
	}

	s.uiPending = true
	token := s.token
	s.spawn(func(ctx context.Context) {
		raw, err := s.client.GetUIConfig(ctx, token)
		_ = s.submit(func() { s.uiConfigDone(token, raw, err) }) //nolint:errcheck // Session closed
	})
}

func (s *Session) uiConfigDone(token string, raw json.RawMessage, err error) {
	s.uiPending = false
	if s.closed {
		return
	}

	if err != nil {
		s.logger.Warn("gira uiconfig fetch failed", "session", s.id, "error", err)
		if errors.Is(err, ErrAuth) {
			s.invalidateToken(token, err)
		}
	} else {
		s.storeUIConfig(token, raw)
	}

	if s.uiAgain {
		s.uiAgain = false
		s.refreshUIConfig()
	}
}

func (s *Session) storeUIConfig(token string, raw json.RawMessage) {
	if s.closed || token != s.token {
		return
	}
	cfg, err := ParseUIConfig(raw)
	if err != nil {
		s.logger.Warn("gira uiconfig could not be parsed", "session", s.id, "error", err)
		return
	}
	s.uiConfig = cfg
	s.uiConfigAt = time.Now().UTC()
	s.logger.Debug("gira uiconfig updated", "session", s.id, "uid", cfg.UID, "functions", len(cfg.Functions))
}
