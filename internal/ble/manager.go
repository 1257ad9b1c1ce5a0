// Package ble owns the link to one CESAM peripheral: scanning, the
// connection state machine, ordered writes and notification routing.
package ble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// State is the connection state of a Manager.
type State string

const (
	StateIdle          State = "idle"
	StateScanning      State = "scanning"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

func (s State) String() string { return string(s) }

// teardownTimeout bounds the best-effort disconnect issued after an error.
const teardownTimeout = 5 * time.Second

// Listener receives manager events. Methods are called with the manager's
// lock held, in the order the events happened, so they must only hand the
// event off (e.g. enqueue it) and never call back into the Manager.
type Listener interface {
	StateChanged(State)
	TelemetryReceived(protocol.Telemetry)
	TransportFailed(error)
}

// Manager owns the single connection to the peripheral described by spec.
type Manager struct {
	adapter Adapter
	spec    protocol.ServiceSpec

	mu         sync.Mutex
	state      State
	handle     Handle
	gen        uint64 // bumped whenever a connection attempt starts or a handle is invalidated
	mode       protocol.WriteMode
	linkErr    error // link failure reported while still connecting
	scanCancel context.CancelFunc
	listeners  []Listener

	// writeMu hands writes to the adapter in call order.
	writeMu sync.Mutex
}

// NewManager creates a Manager for spec on top of adapter.
func NewManager(adapter Adapter, spec protocol.ServiceSpec) *Manager {
	return &Manager{
		adapter: adapter,
		spec:    spec,
		state:   StateIdle,
	}
}

// AddListener registers l for all subsequent events.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Spec returns the ServiceSpec the manager was built for.
func (m *Manager) Spec() protocol.ServiceSpec { return m.spec }

// AdapterName returns the name of the underlying adapter.
func (m *Manager) AdapterName() string { return m.adapter.Name() }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a handle is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != ""
}

// WriteMode returns the write mode determined for the current connection.
func (m *Manager) WriteMode() protocol.WriteMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// setState must be called with m.mu held.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	log.Printf("[ble] state %s -> %s", m.state, s)
	m.state = s
	for _, l := range m.listeners {
		l.StateChanged(s)
	}
}

// Scan returns a sequence of devices advertising the ServiceSpec's service. Each
// iteration runs a fresh adapter scan that ends at timeout, when ctx is
// cancelled, when the consumer stops, or when Connect is called. A scan
// failure is yielded once as a *TransportError.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) iter.Seq2[DeviceDescriptor, error] {
	return func(yield func(DeviceDescriptor, error) bool) {
		m.mu.Lock()
		if m.state != StateIdle {
			state := m.state
			m.mu.Unlock()
			yield(DeviceDescriptor{}, fmt.Errorf("%w: cannot scan while %s", ErrBusy, state))
			return
		}
		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		m.scanCancel = cancel
		m.setState(StateScanning)
		m.mu.Unlock()

		found := make(chan DeviceDescriptor)
		done := make(chan error, 1)
		go func() {
			done <- m.adapter.Scan(scanCtx, []uuid.UUID{m.spec.Service}, timeout, func(d DeviceDescriptor) {
				select {
				case found <- d:
				case <-scanCtx.Done():
				}
			})
		}()

		finished, failed := false, false
		defer func() {
			cancel()
			if !finished {
				<-done
			}
			m.mu.Lock()
			m.scanCancel = nil
			if m.state == StateScanning {
				if failed {
					m.setState(StateError)
				}
				m.setState(StateIdle)
			}
			m.mu.Unlock()
		}()

		for {
			select {
			case d := <-found:
				if !yield(d, nil) {
					return
				}
			case scanErr := <-done:
				finished = true
				if scanErr != nil && scanCtx.Err() == nil {
					failed = true
					terr := &TransportError{Op: "scan", Err: scanErr}
					m.mu.Lock()
					for _, l := range m.listeners {
						l.TransportFailed(terr)
					}
					m.mu.Unlock()
					yield(DeviceDescriptor{}, terr)
				}
				return
			}
		}
	}
}

// Connect opens the connection to device id. It fails with
// ErrAlreadyConnected, without touching the adapter, while another
// connection is live or being established. When the ServiceSpec declares a notify
// characteristic the subscription is in place before Connect returns.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.handle != "" || m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.state == StateDisconnecting || m.state == StateError {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrBusy, state)
	}
	if m.scanCancel != nil {
		m.scanCancel()
	}
	m.gen++
	gen := m.gen
	m.linkErr = nil
	m.mode = protocol.WithResponse
	m.setState(StateConnecting)
	m.mu.Unlock()

	log.Printf("[ble] connecting to %s via %s", id, m.adapter.Name())
	h, err := m.adapter.Connect(ctx, id, func(err error) { m.linkFailed(gen, err) })
	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		m.abortConnect(gen, "", terr)
		return terr
	}

	mode := m.probeWriteType(ctx, h)

	if m.spec.HasNotify() {
		err := m.adapter.StartNotification(ctx, h, m.spec.Service, m.spec.Notify,
			func(data []byte) { m.notified(gen, data) },
			func(err error) { m.linkFailed(gen, err) })
		if err != nil {
			terr := &TransportError{Op: "subscribe", Err: err}
			m.abortConnect(gen, h, terr)
			return terr
		}
		log.Printf("[ble] subscribed to %s", m.spec.Notify)
	}

	m.mu.Lock()
	if m.linkErr != nil {
		terr := &TransportError{Op: "link", Err: m.linkErr}
		m.mu.Unlock()
		m.abortConnect(gen, h, terr)
		return terr
	}
	m.handle = h
	m.mode = mode
	m.setState(StateConnected)
	m.mu.Unlock()

	log.Printf("[ble] connected to %s (%s)", id, mode)
	return nil
}

// probeWriteType asks the adapter, once per connection, whether the write
// characteristic supports write-without-response. Undetermined means
// WithResponse.
func (m *Manager) probeWriteType(ctx context.Context, h Handle) protocol.WriteMode {
	if !m.spec.ProbeWriteType {
		return protocol.WithResponse
	}
	prober, ok := m.adapter.(WriteTypeProber)
	if !ok {
		return protocol.WithResponse
	}
	noResp, err := prober.WriteWithoutResponse(ctx, h, m.spec.Service, m.spec.Write)
	if err != nil {
		log.Printf("[ble] write type probe failed: %v (using write with response)", err)
		return protocol.WithResponse
	}
	if noResp {
		return protocol.WithoutResponse
	}
	return protocol.WithResponse
}

// abortConnect settles a failed connection attempt at Idle. h is torn down
// best-effort when the adapter already issued it.
func (m *Manager) abortConnect(gen uint64, h Handle, err error) {
	log.Printf("[ble] connect aborted: %v", err)
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.setState(StateError)
	for _, l := range m.listeners {
		l.TransportFailed(err)
	}
	m.mu.Unlock()

	if h != "" {
		m.teardown(h)
	}

	m.mu.Lock()
	m.setState(StateIdle)
	m.mu.Unlock()
}

// Disconnect tears the connection down. Without a live handle it returns
// nil and does nothing. Adapter errors are logged; the handle is invalid
// afterwards either way.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.handle == "" {
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.handle = ""
	m.gen++
	m.setState(StateDisconnecting)
	m.mu.Unlock()

	if err := m.adapter.Disconnect(ctx, h); err != nil {
		log.Printf("[ble] disconnect error (ignored): %v", err)
	} else {
		log.Printf("[ble] disconnected")
	}

	m.mu.Lock()
	if m.state == StateDisconnecting {
		m.setState(StateIdle)
	}
	m.mu.Unlock()
	return nil
}

// Write sends data to char over the live connection. Writes reach the
// adapter in call order. There is no retry: an adapter failure returns a
// *TransportError and resets the connection.
func (m *Manager) Write(ctx context.Context, char uuid.UUID, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.handle == "" {
		m.mu.Unlock()
		return ErrNotConnected
	}
	h, gen := m.handle, m.gen
	mode := protocol.WithResponse
	if char == m.spec.Write {
		mode = m.mode
	}
	m.mu.Unlock()

	err := m.adapter.Write(ctx, h, m.spec.Service, char, data, mode)

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		log.Printf("[ble] write to %s completed after disconnect, discarded", char)
		return ErrDiscarded
	}

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return fmt.Errorf("ble: write: %w", err)
		}
		terr := &TransportError{Op: "write", Err: err}
		m.fail(gen, terr)
		return terr
	}
	return nil
}

// linkFailed handles an asynchronous adapter error for connection gen.
func (m *Manager) linkFailed(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnecting {
		m.linkErr = err
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.fail(gen, &TransportError{Op: "link", Err: err})
}

// fail moves a live connection through Error to Idle with one best-effort
// disconnect.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.handle == "" {
		m.mu.Unlock()
		return
	}
	h := m.handle
	m.handle = ""
	m.gen++
	log.Printf("[ble] %v", err)
	m.setState(StateError)
	for _, l := range m.listeners {
		l.TransportFailed(err)
	}
	m.mu.Unlock()

	m.teardown(h)

	m.mu.Lock()
	if m.state == StateError {
		m.setState(StateIdle)
	}
	m.mu.Unlock()
}

func (m *Manager) teardown(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := m.adapter.Disconnect(ctx, h); err != nil {
		log.Printf("[ble] best-effort disconnect failed (ignored): %v", err)
	}
}

// notified decodes a notification for connection gen and forwards it.
func (m *Manager) notified(gen uint64, data []byte) {
	t, err := protocol.DecodeTelemetry(m.spec, m.spec.Notify, data)
	if err != nil {
		log.Printf("[ble] dropping notification: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || (m.state != StateConnecting && m.state != StateConnected) {
		return
	}
	for _, l := range m.listeners {
		l.TelemetryReceived(t)
	}
}
