// Package session is the façade collaborators use to drive a CESAM
// peripheral: it turns intents into protocol writes, tracks the speed
// baseline, and delivers events in order on a single goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cesam-app/cesamd/internal/ble"
	"github.com/cesam-app/cesamd/internal/codec"
	"github.com/cesam-app/cesamd/internal/protocol"
)

// ErrStalePrecondition is returned by AdjustSpeed before any speed reading
// has been received.
var ErrStalePrecondition = errors.New("session: no speed reading to adjust from")

// Config holds session settings.
type Config struct {
	// ScanTimeout bounds Discover. Defaults to 5s.
	ScanTimeout time.Duration
}

// Session controls one peripheral through a ble.Manager.
type Session struct {
	mgr         *ble.Manager
	spec        protocol.ServiceSpec
	scanTimeout time.Duration
	events      *dispatcher

	mu        sync.Mutex
	speed     uint64
	haveSpeed bool

	onTelemetry  []func(protocol.Telemetry)
	onState      []func(ble.State)
	onDiscovered []func(ble.DeviceDescriptor)
	onFailure    []func(protocol.Command, error)
	onError      []func(error)

	// speedMu keeps one speed write in flight at a time so every delta
	// builds on a completed write or a fresh reading.
	speedMu sync.Mutex
}

// New creates a Session on top of mgr and subscribes to its events.
func New(mgr *ble.Manager, cfg Config) *Session {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 5 * time.Second
	}
	s := &Session{
		mgr:         mgr,
		spec:        mgr.Spec(),
		scanTimeout: cfg.ScanTimeout,
		events:      newDispatcher(),
	}
	mgr.AddListener(managerEvents{s})
	return s
}

// Stop delivers pending events and stops the event goroutine.
func (s *Session) Stop() { s.events.stop() }

// Flush waits until every event raised so far has been delivered. Must not
// be called from a handler.
func (s *Session) Flush() { s.events.flush() }

// Spec returns the ServiceSpec in use.
func (s *Session) Spec() protocol.ServiceSpec { return s.spec }

// State returns the connection state.
func (s *Session) State() ble.State { return s.mgr.State() }

// Speed returns the current speed baseline, if any.
func (s *Session) Speed() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed, s.haveSpeed
}

// OnTelemetry registers a handler for decoded notifications.
func (s *Session) OnTelemetry(fn func(protocol.Telemetry)) {
	s.mu.Lock()
	s.onTelemetry = append(s.onTelemetry, fn)
	s.mu.Unlock()
}

// OnConnectionStateChange registers a handler for state transitions.
func (s *Session) OnConnectionStateChange(fn func(ble.State)) {
	s.mu.Lock()
	s.onState = append(s.onState, fn)
	s.mu.Unlock()
}

// OnDeviceDiscovered registers a handler for devices surfaced by Discover.
func (s *Session) OnDeviceDiscovered(fn func(ble.DeviceDescriptor)) {
	s.mu.Lock()
	s.onDiscovered = append(s.onDiscovered, fn)
	s.mu.Unlock()
}

// OnCommandFailure registers a handler for commands that failed with a
// transport, configuration or not-connected error.
func (s *Session) OnCommandFailure(fn func(protocol.Command, error)) {
	s.mu.Lock()
	s.onFailure = append(s.onFailure, fn)
	s.mu.Unlock()
}

// OnError registers a handler for transport errors not tied to a command
// (scan, connect, link loss).
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
}

// Discover scans for peripherals and returns those whose name matches the
// ServiceSpec's DeviceName, notifying OnDeviceDiscovered for each.
func (s *Session) Discover(ctx context.Context) ([]ble.DeviceDescriptor, error) {
	var found []ble.DeviceDescriptor
	for d, err := range s.mgr.Scan(ctx, s.scanTimeout) {
		if err != nil {
			return found, err
		}
		if s.spec.DeviceName != "" && d.Name != s.spec.DeviceName {
			continue
		}
		log.Printf("[session] found %s (%s, %d dBm)", d.Name, d.ID, d.RSSI)
		found = append(found, d)

		s.mu.Lock()
		handlers := s.onDiscovered
		s.mu.Unlock()
		s.events.post(func() {
			for _, fn := range handlers {
				fn(d)
			}
		})
	}
	return found, nil
}

// Connect connects to a device returned by Discover.
func (s *Session) Connect(ctx context.Context, id string) error {
	return s.mgr.Connect(ctx, id)
}

// Disconnect drops the connection. It never fails.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.mgr.Disconnect(ctx)
}

// Open opens the actuator.
func (s *Session) Open(ctx context.Context) error {
	return s.execute(ctx, protocol.SetOutput{Open: true}, 0)
}

// Close closes the actuator.
func (s *Session) Close(ctx context.Context) error {
	return s.execute(ctx, protocol.SetOutput{Open: false}, 0)
}

// SetCourse sets the travel course in centimeters.
func (s *Session) SetCourse(ctx context.Context, cm float64) error {
	return s.execute(ctx, protocol.SetCourse{Centimeters: cm}, 0)
}

// RefreshParameters asks the peripheral to push its parameters again.
func (s *Session) RefreshParameters(ctx context.Context) error {
	return s.execute(ctx, protocol.RequestParameterRefresh{}, 0)
}

// SendDebugMarker writes one of the protocol.Debug* codes.
func (s *Session) SendDebugMarker(ctx context.Context, code string) error {
	return s.execute(ctx, protocol.DebugMarker{Code: code}, 0)
}

// AdjustSpeed writes the last known speed plus delta. It fails with
// ErrStalePrecondition until a speed reading has arrived, and waits for a
// previous speed write to complete before computing the new value.
func (s *Session) AdjustSpeed(ctx context.Context, delta int) error {
	s.speedMu.Lock()
	defer s.speedMu.Unlock()

	base, ok := s.Speed()
	if !ok {
		return ErrStalePrecondition
	}
	if err := s.execute(ctx, protocol.AdjustSpeed{Delta: delta}, base); err != nil {
		return err
	}

	s.mu.Lock()
	// Skip if a reading replaced the baseline while the write was in flight.
	if s.haveSpeed && s.speed == base {
		s.speed = uint64(int64(base) + int64(delta))
	}
	s.mu.Unlock()
	return nil
}

// execute encodes cmd and writes it. Codec misuse and stale preconditions
// are returned only; transport, configuration and not-connected errors are
// also reported to OnCommandFailure.
func (s *Session) execute(ctx context.Context, cmd protocol.Command, baseline uint64) error {
	w, err := protocol.Encode(s.spec, cmd, baseline)
	if err != nil {
		if errors.Is(err, protocol.ErrConfiguration) {
			s.commandFailed(cmd, err)
		}
		return err
	}

	if err := s.mgr.Write(ctx, w.Characteristic, w.Payload); err != nil {
		if !errors.Is(err, ble.ErrDiscarded) {
			s.commandFailed(cmd, err)
		}
		return err
	}
	log.Printf("[session] %v sent (% x)", cmd, w.Payload)
	return nil
}

func (s *Session) commandFailed(cmd protocol.Command, err error) {
	log.Printf("[session] %v failed: %v", cmd, err)
	s.mu.Lock()
	handlers := s.onFailure
	s.mu.Unlock()
	s.events.post(func() {
		for _, fn := range handlers {
			fn(cmd, err)
		}
	})
}

// IsProgrammingError reports whether err comes from codec misuse rather
// than from the link or the configuration.
func IsProgrammingError(err error) bool {
	return errors.Is(err, codec.ErrRange) || errors.Is(err, codec.ErrEncoding)
}

// managerEvents adapts manager callbacks onto the session's event queue.
// Its methods run under the manager's lock and only enqueue.
type managerEvents struct{ s *Session }

func (e managerEvents) StateChanged(st ble.State) {
	s := e.s
	s.mu.Lock()
	if st == ble.StateIdle || st == ble.StateError {
		s.haveSpeed = false
		s.speed = 0
	}
	handlers := s.onState
	s.mu.Unlock()

	s.events.post(func() {
		for _, fn := range handlers {
			fn(st)
		}
	})
}

func (e managerEvents) TelemetryReceived(t protocol.Telemetry) {
	s := e.s
	s.mu.Lock()
	if r, ok := t.(protocol.SpeedReading); ok {
		s.speed = r.Value
		s.haveSpeed = true
	}
	handlers := s.onTelemetry
	s.mu.Unlock()

	s.events.post(func() {
		for _, fn := range handlers {
			fn(t)
		}
	})
}

func (e managerEvents) TransportFailed(err error) {
	s := e.s
	s.mu.Lock()
	handlers := s.onError
	s.mu.Unlock()

	s.events.post(func() {
		for _, fn := range handlers {
			fn(err)
		}
	})
}

// String describes the session for logs.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s via %s)", s.spec.Name, s.mgr.AdapterName())
}
