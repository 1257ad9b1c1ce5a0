package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cesam-app/cesamd/internal/codec"
	"github.com/cesam-app/cesamd/internal/protocol"
)

// DoorState mirrors the firmware's motor state machine.
type DoorState string

const (
	DoorBraked  DoorState = "braked"
	DoorOpening DoorState = "opening"
	DoorClosing DoorState = "closing"
)

// SimDevice is one advertisement produced by the simulated adapter.
type SimDevice struct {
	ID      string
	Name    string
	RSSI    int
	Service uuid.UUID
}

// SimConfig configures a Simulated adapter.
type SimConfig struct {
	// Spec is the GATT topology the simulated peripheral exposes.
	Spec protocol.ServiceSpec
	// Devices advertised by Scan. Defaults to one CESAM peripheral and one
	// unrelated device.
	Devices []SimDevice
	// Speed is the initial stored motor speed. Defaults to 255.
	Speed uint16
	// WithoutResponse makes the write characteristic accept
	// write-without-response.
	WithoutResponse bool
	// MoveTime is how long the door keeps moving after a command.
	MoveTime time.Duration
}

// SimWrite records one write received by the simulated peripheral.
type SimWrite struct {
	Char uuid.UUID
	Data []byte
	Mode protocol.WriteMode
}

// Simulated is an in-process CESAM peripheral for demo mode and tests. It
// behaves like the firmware: "0" opens, "1" closes, the speed
// characteristic stores one- or two-byte big-endian values and notifies the
// stored speed as two bytes on subscribe and after each change.
type Simulated struct {
	mu  sync.Mutex
	cfg SimConfig

	handle    Handle
	nextID    int
	onData    func([]byte)
	onLinkErr func(error)

	door      DoorState
	doorTimer *time.Timer
	speed     uint16
	course    string
	debug     bool

	// Failure injection.
	failScan       error
	failConnect    error
	failNotify     error
	failWrite      error
	failDisconnect error

	// Recording.
	calls  []string
	writes []SimWrite
}

// DefaultSimDevices are the advertisements used when SimConfig.Devices is
// empty.
func DefaultSimDevices(service uuid.UUID) []SimDevice {
	return []SimDevice{
		{ID: "A", Name: protocol.DefaultDeviceName, RSSI: -60, Service: service},
		{ID: "B", Name: "Other", RSSI: -70, Service: service},
	}
}

// NewSimulated creates a simulated peripheral.
func NewSimulated(cfg SimConfig) *Simulated {
	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultSimDevices(cfg.Spec.Service)
	}
	if cfg.Speed == 0 {
		cfg.Speed = 255
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = time.Second
	}
	return &Simulated{
		cfg:   cfg,
		door:  DoorBraked,
		speed: cfg.Speed,
	}
}

func (s *Simulated) Name() string { return "Simulated CESAM" }

func (s *Simulated) record(call string) {
	s.calls = append(s.calls, call)
}

// Calls returns the adapter calls made so far ("scan", "connect", ...).
func (s *Simulated) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Writes returns the writes received so far.
func (s *Simulated) Writes() []SimWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimWrite(nil), s.writes...)
}

// Door returns the current door state.
func (s *Simulated) Door() DoorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.door
}

// Speed returns the stored motor speed.
func (s *Simulated) Speed() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Course returns the last course command argument.
func (s *Simulated) Course() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.course
}

// Debugging reports whether debug output was opened with a debug marker.
func (s *Simulated) Debugging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debug
}

// FailScan makes subsequent scans fail with err (nil clears).
func (s *Simulated) FailScan(err error) { s.mu.Lock(); s.failScan = err; s.mu.Unlock() }

// FailConnect makes subsequent connects fail with err (nil clears).
func (s *Simulated) FailConnect(err error) { s.mu.Lock(); s.failConnect = err; s.mu.Unlock() }

// FailNotify makes subsequent subscriptions fail with err (nil clears).
func (s *Simulated) FailNotify(err error) { s.mu.Lock(); s.failNotify = err; s.mu.Unlock() }

// FailWrite makes subsequent writes fail with err (nil clears).
func (s *Simulated) FailWrite(err error) { s.mu.Lock(); s.failWrite = err; s.mu.Unlock() }

// FailDisconnect makes subsequent disconnects fail with err (nil clears).
func (s *Simulated) FailDisconnect(err error) { s.mu.Lock(); s.failDisconnect = err; s.mu.Unlock() }

// DropLink simulates the peripheral going out of range.
func (s *Simulated) DropLink(err error) {
	s.mu.Lock()
	cb := s.onLinkErr
	s.handle = ""
	s.onData = nil
	s.onLinkErr = nil
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// SetSpeed changes the stored speed as if set on the device itself and
// notifies a subscribed client.
func (s *Simulated) SetSpeed(v uint16) {
	s.mu.Lock()
	s.speed = v
	notify := s.speedNotificationLocked()
	s.mu.Unlock()
	notify()
}

func (s *Simulated) Scan(ctx context.Context, services []uuid.UUID, timeout time.Duration, onDevice func(DeviceDescriptor)) error {
	s.mu.Lock()
	s.record("scan")
	if err := s.failScan; err != nil {
		s.mu.Unlock()
		return err
	}
	devices := append([]SimDevice(nil), s.cfg.Devices...)
	s.mu.Unlock()

	for _, d := range devices {
		if ctx.Err() != nil {
			return nil
		}
		if !matchesService(d.Service, services) {
			continue
		}
		onDevice(DeviceDescriptor{ID: d.ID, Name: d.Name, RSSI: d.RSSI})
	}
	return nil
}

func matchesService(svc uuid.UUID, services []uuid.UUID) bool {
	if len(services) == 0 {
		return true
	}
	for _, want := range services {
		if svc == want {
			return true
		}
	}
	return false
}

func (s *Simulated) Connect(ctx context.Context, id string, onLinkError func(error)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("connect")
	if s.failConnect != nil {
		return "", s.failConnect
	}
	if s.handle != "" {
		return "", errors.New("sim: peripheral already has a central")
	}
	found := false
	for _, d := range s.cfg.Devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("sim: unknown device %q", id)
	}
	s.nextID++
	s.handle = Handle(fmt.Sprintf("%s#%d", id, s.nextID))
	s.onLinkErr = onLinkError
	return s.handle, nil
}

func (s *Simulated) Disconnect(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("disconnect")
	if h == s.handle {
		s.handle = ""
		s.onData = nil
		s.onLinkErr = nil
	}
	return s.failDisconnect
}

// WriteWithoutResponse reports the configured write capability.
func (s *Simulated) WriteWithoutResponse(ctx context.Context, h Handle, service, char uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("probe")
	if h != s.handle {
		return false, errors.New("sim: stale handle")
	}
	return s.cfg.WithoutResponse && char == s.cfg.Spec.Write, nil
}

func (s *Simulated) StartNotification(ctx context.Context, h Handle, service, char uuid.UUID, onData func([]byte), onError func(error)) error {
	s.mu.Lock()
	s.record("subscribe")
	if s.failNotify != nil {
		err := s.failNotify
		s.mu.Unlock()
		return err
	}
	if h != s.handle {
		s.mu.Unlock()
		return errors.New("sim: stale handle")
	}
	if char != s.cfg.Spec.Notify {
		s.mu.Unlock()
		return fmt.Errorf("sim: characteristic %s does not notify", char)
	}
	s.onData = onData
	notify := s.speedNotificationLocked()
	s.mu.Unlock()

	// The firmware pushes the stored speed as soon as a client subscribes.
	notify()
	return nil
}

func (s *Simulated) Write(ctx context.Context, h Handle, service, char uuid.UUID, data []byte, mode protocol.WriteMode) error {
	s.mu.Lock()
	s.record("write")
	if s.failWrite != nil {
		err := s.failWrite
		s.mu.Unlock()
		return err
	}
	if h != s.handle {
		s.mu.Unlock()
		return errors.New("sim: stale handle")
	}
	if mode == protocol.WithoutResponse && (!s.cfg.WithoutResponse || char != s.cfg.Spec.Write) {
		s.mu.Unlock()
		return fmt.Errorf("sim: %s does not accept write without response", char)
	}
	s.writes = append(s.writes, SimWrite{Char: char, Data: append([]byte(nil), data...), Mode: mode})

	notify := func() {}
	switch {
	case char == s.cfg.Spec.Speed && char != uuid.Nil:
		notify = s.storeSpeedLocked(data)
	case char == s.cfg.Spec.Write:
		notify = s.commandLocked(data)
	default:
		s.mu.Unlock()
		return fmt.Errorf("sim: unknown characteristic %s", char)
	}
	s.mu.Unlock()
	notify()
	return nil
}

// commandLocked interprets a write on the command characteristic. When the
// ServiceSpec has no speed characteristic, payloads that are not commands are
// taken as speed values.
func (s *Simulated) commandLocked(data []byte) func() {
	text := codec.DecodeASCII(data)
	switch {
	case text == "0":
		s.moveLocked(DoorOpening)
	case text == "1" && s.debug:
		s.debug = false
	case text == "1":
		s.moveLocked(DoorClosing)
	case text == "2":
		return s.speedNotificationLocked()
	case text == "R":
		log.Printf("[sim] debug log cleared")
	case text == "\x00":
		s.debug = true
	case strings.HasPrefix(text, "L"):
		if _, err := strconv.ParseFloat(text[1:], 64); err == nil {
			s.course = text[1:]
		}
	case s.cfg.Spec.Speed == uuid.Nil:
		return s.storeSpeedLocked(data)
	default:
		log.Printf("[sim] ignoring command %q", text)
	}
	return func() {}
}

func (s *Simulated) moveLocked(dir DoorState) {
	s.door = dir
	if s.doorTimer != nil {
		s.doorTimer.Stop()
	}
	s.doorTimer = time.AfterFunc(s.cfg.MoveTime, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.door == dir {
			s.door = DoorBraked
		}
	})
}

func (s *Simulated) storeSpeedLocked(data []byte) func() {
	switch len(data) {
	case 1, 2:
		s.speed = uint16(codec.DecodeInteger(data))
	default:
		// The firmware drops writes of any other length, empty ones included.
		log.Printf("[sim] ignoring speed write of length %d", len(data))
		return func() {}
	}
	return s.speedNotificationLocked()
}

// speedNotificationLocked returns a func that delivers the current speed to
// the subscriber, to be called after s.mu is released.
func (s *Simulated) speedNotificationLocked() func() {
	cb := s.onData
	if cb == nil {
		return func() {}
	}
	payload := []byte{byte(s.speed >> 8), byte(s.speed)}
	return func() { cb(payload) }
}
