package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/config"
	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

var (
	// ErrConnectFailed is wrapped by every *ConnectError.
	ErrConnectFailed = errors.New("wifi connect failed")
	// ErrNotConnected is returned by transitions that need an up link.
	ErrNotConnected = errors.New("wifi not connected")
	// ErrConnectInProgress is returned when Connect is already running.
	ErrConnectInProgress = errors.New("wifi connect already in progress")
)

// ConnectError is a classified connection failure.
type ConnectError struct {
	Reason FailReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrConnectFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrConnectFailed, e.Reason)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConnectFailed, e.Err}
	}
	return []error{ErrConnectFailed}
}

// Hooks are called on every poll iteration of Connect so unrelated work is
// not starved while it blocks. Either may be nil.
type Hooks struct {
	Watchdog       func()
	ServicePending func()
}

// Options tunes the connect loop.
type Options struct {
	ConnectTimeout time.Duration
	PollInterval   time.Duration
}

// Manager owns the authoritative connection state. Transitions:
//
//	disconnected -> connecting -> connected | error
//	connected -> listening -> connected
//	connected | listening -> disconnected
type Manager struct {
	driver Driver
	creds  config.WiFiConfig
	opts   Options
	hooks  Hooks
	bus    *events.Bus
	logger *slog.Logger

	mu            sync.RWMutex
	state         State
	failReason    FailReason
	rssi          int
	addr          *net.IPNet
	onStateChange func(old, new State)
}

// NewManager creates a connection manager for creds. The credential record
// must be valid.
func NewManager(driver Driver, creds *config.WiFiConfig, opts Options, hooks Hooks, bus *events.Bus, logger *slog.Logger) (*Manager, error) {
	if creds == nil || !creds.Valid {
		return nil, errors.New("invalid wifi credentials")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultConnectTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}

	m := &Manager{
		driver:     driver,
		creds:      *creds,
		opts:       opts,
		hooks:      hooks,
		bus:        bus,
		logger:     logger,
		state:      StateDisconnected,
		failReason: FailNone,
	}
	metrics.SetLinkState(string(StateDisconnected), stateNames())
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FailReason returns the reason of the last failed attempt, or FailNone.
func (m *Manager) FailReason() FailReason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failReason
}

// IsConnected reports whether the state is Connected or Listening.
func (m *Manager) IsConnected() bool {
	return m.State().IsUp()
}

// SSID returns the configured network name.
func (m *Manager) SSID() string {
	return m.creds.SSID
}

// OnStateChange sets a callback for state transitions.
func (m *Manager) OnStateChange(fn func(old, new State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// transition changes state with logging and event emission.
func (m *Manager) transition(newState State, reason FailReason, msg string) {
	m.mu.Lock()
	oldState := m.state
	m.failReason = reason
	if oldState == newState {
		m.mu.Unlock()
		return
	}
	m.state = newState
	if !newState.IsUp() {
		m.addr = nil
	}
	m.mu.Unlock()

	m.announce(oldState, newState, reason, msg)
}

// announce reports a state change that has already been applied.
func (m *Manager) announce(oldState, newState State, reason FailReason, msg string) {
	m.mu.RLock()
	ip := m.ipStringLocked()
	cb := m.onStateChange
	m.mu.RUnlock()

	m.logger.Info("wifi state transition",
		"old_state", string(oldState),
		"new_state", string(newState),
		"fail_reason", string(reason),
		"reason", msg)

	metrics.SetLinkState(string(newState), stateNames())

	if cb != nil {
		cb(oldState, newState)
	}

	evt := events.Event{
		Type:      events.EventLinkState,
		Timestamp: time.Now(),
		Link: &events.LinkData{
			OldState: string(oldState),
			NewState: string(newState),
			SSID:     m.creds.SSID,
			IP:       ip,
		},
		Reason: msg,
	}
	if newState == StateError {
		evt.Type = events.EventLinkFailed
		evt.Link.FailReason = string(reason)
	}
	m.bus.Publish(evt)
}

// Connect joins the configured network and blocks until the link is up,
// fails, or the connect timeout passes. It returns nil at once if already
// connected. The Watchdog and ServicePending hooks run on every poll.
// An attempt in flight is not cancelled by ctx.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	oldState := m.state
	switch oldState {
	case StateConnected, StateListening:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.state = StateConnecting
	m.failReason = FailNone
	m.addr = nil
	m.mu.Unlock()

	m.announce(oldState, StateConnecting, FailNone, "connect requested")
	start := time.Now()

	if err := m.driver.Join(m.creds.SSID, m.creds.Password); err != nil {
		return m.fail(FailGeneral, false, start, fmt.Errorf("joining %q: %w", m.creds.SSID, err))
	}

	deadline := start.Add(m.opts.ConnectTimeout)
	for {
		m.runHooks()

		switch status := m.driver.Status(); status {
		case LinkUp:
			m.connected(start)
			return nil
		case LinkNoNet:
			return m.fail(FailNoNetwork, true, start, nil)
		case LinkBadAuth:
			return m.fail(FailBadAuth, true, start, nil)
		case LinkFail:
			return m.fail(FailGeneral, true, start, nil)
		}

		if !time.Now().Before(deadline) {
			return m.fail(FailTimeout, true, start, nil)
		}
		time.Sleep(m.opts.PollInterval)
	}
}

// SetServicePending replaces the ServicePending hook. The event loop
// registers itself here so its own work keeps running during a reconnect.
func (m *Manager) SetServicePending(fn func()) {
	m.mu.Lock()
	m.hooks.ServicePending = fn
	m.mu.Unlock()
}

func (m *Manager) runHooks() {
	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()

	if hooks.Watchdog != nil {
		hooks.Watchdog()
	}
	if hooks.ServicePending != nil {
		hooks.ServicePending()
	}
}

// pause waits d while running the hooks every poll interval.
func (m *Manager) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()

	for {
		m.runHooks()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-poll.C:
		}
	}
}

func (m *Manager) connected(start time.Time) {
	addr := m.driver.Addr()
	rssi, err := m.driver.RSSI()
	if err != nil {
		m.logger.Debug("reading RSSI", "error", err)
	}

	m.mu.Lock()
	m.addr = addr
	if err == nil {
		m.rssi = rssi
	}
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("connected").Inc()
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	metrics.SignalStrength.Set(float64(m.RSSI()))

	m.transition(StateConnected, FailNone, "link up")
	m.logger.Info("wifi connected",
		"ssid", m.creds.SSID,
		"ip", m.IPString(),
		"rssi", m.RSSI(),
		"elapsed", time.Since(start).String())
}

// fail moves to Error with reason. When leave is set the driver's pending
// association is released so the next Join starts clean.
func (m *Manager) fail(reason FailReason, leave bool, start time.Time, cause error) error {
	if leave {
		if err := m.driver.Leave(); err != nil {
			m.logger.Warn("releasing failed association", "error", err)
		}
	}

	metrics.ConnectAttempts.WithLabelValues(string(reason)).Inc()
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())

	msg := "connect failed"
	if cause != nil {
		msg = cause.Error()
	}
	m.transition(StateError, reason, msg)
	return &ConnectError{Reason: reason, Err: cause}
}

// CheckConnection queries the live link without reconnecting. A silently
// dropped link downgrades Connected or Listening to Disconnected.
func (m *Manager) CheckConnection() bool {
	if !m.State().IsUp() {
		return false
	}
	if m.driver.Status() == LinkUp {
		m.refreshRSSI()
		return true
	}
	m.transition(StateDisconnected, FailNone, "link lost")
	return false
}

// LinkDown is the driver's link-down notification.
func (m *Manager) LinkDown() {
	if m.State().IsUp() {
		m.transition(StateDisconnected, FailNone, "link down notification")
	}
}

// Disconnect leaves the network.
func (m *Manager) Disconnect() error {
	err := m.driver.Leave()
	m.transition(StateDisconnected, FailNone, "disconnect requested")
	if err != nil {
		return fmt.Errorf("leaving network: %w", err)
	}
	return nil
}

// MarkListening records that the UDP listener is running.
func (m *Manager) MarkListening() error {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	if st != StateConnected {
		return fmt.Errorf("%w: state is %s", ErrNotConnected, st)
	}
	m.transition(StateListening, FailNone, "listener started")
	return nil
}

// MarkStopped records that the UDP listener stopped.
func (m *Manager) MarkStopped() {
	if m.State() == StateListening {
		m.transition(StateConnected, FailNone, "listener stopped")
	}
}

// RSSI returns the last known signal strength in dBm, sampling the driver
// when the link is up.
func (m *Manager) RSSI() int {
	if m.State().IsUp() {
		m.refreshRSSI()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rssi
}

func (m *Manager) refreshRSSI() {
	rssi, err := m.driver.RSSI()
	if err != nil {
		return
	}
	m.mu.Lock()
	m.rssi = rssi
	m.mu.Unlock()
	metrics.SignalStrength.Set(float64(rssi))
}

// Addr returns the station address and mask, or nil when not connected.
func (m *Manager) Addr() *net.IPNet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.addr == nil {
		return nil
	}
	return &net.IPNet{IP: m.addr.IP, Mask: m.addr.Mask}
}

// IPString returns the station address, "0.0.0.0" when there is none.
func (m *Manager) IPString() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ipStringLocked()
}

func (m *Manager) ipStringLocked() string {
	if m.addr == nil || m.addr.IP == nil {
		return "0.0.0.0"
	}
	return m.addr.IP.String()
}

// MACString returns the radio's hardware address as aa:bb:cc:dd:ee:ff.
func (m *Manager) MACString() string {
	return m.driver.HardwareAddr().String()
}

// HardwareAddr returns the radio's hardware address.
func (m *Manager) HardwareAddr() net.HardwareAddr {
	return m.driver.HardwareAddr()
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
