package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// TinyGo drives the host's BLE radio through tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
type TinyGo struct {
	adapter *bluetooth.Adapter

	mu       sync.Mutex
	enabled  bool
	scanning bool
	seen     map[string]bluetooth.Address // id -> address, reset per scan
	links    map[Handle]*tinyGoLink
	nextLink int
}

type tinyGoLink struct {
	device      bluetooth.Device
	address     string
	chars       map[uuid.UUID]bluetooth.DeviceCharacteristic
	onLinkError func(error)
}

// NewTinyGo wraps a tinygo bluetooth adapter, usually bluetooth.DefaultAdapter.
func NewTinyGo(adapter *bluetooth.Adapter) *TinyGo {
	t := &TinyGo{
		adapter: adapter,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[Handle]*tinyGoLink),
	}
	adapter.SetConnectHandler(t.connectEvent)
	return t
}

func (t *TinyGo) Name() string { return "BLE (host radio)" }

func (t *TinyGo) enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	t.enabled = true
	return nil
}

func toBluetoothUUID(u uuid.UUID) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(u.String())
}

func (t *TinyGo) Scan(ctx context.Context, services []uuid.UUID, timeout time.Duration, onDevice func(DeviceDescriptor)) error {
	if err := t.enable(); err != nil {
		return err
	}

	filter := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		u, err := toBluetoothUUID(s)
		if err != nil {
			return fmt.Errorf("service uuid %s: %w", s, err)
		}
		filter = append(filter, u)
	}

	t.mu.Lock()
	t.seen = make(map[string]bluetooth.Address)
	t.scanning = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-stop:
			return
		}
		if err := t.adapter.StopScan(); err != nil {
			log.Printf("[ble] stop scan: %v", err)
		}
	}()

	return t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !advertises(r, filter) {
			return
		}
		id := r.Address.String()
		t.mu.Lock()
		_, dup := t.seen[id]
		t.seen[id] = r.Address
		t.mu.Unlock()
		if dup {
			return
		}
		onDevice(DeviceDescriptor{ID: id, Name: r.LocalName(), RSSI: int(r.RSSI)})
	})
}

func advertises(r bluetooth.ScanResult, services []bluetooth.UUID) bool {
	if len(services) == 0 {
		return true
	}
	for _, s := range services {
		if r.HasServiceUUID(s) {
			return true
		}
	}
	return false
}

func (t *TinyGo) Connect(ctx context.Context, id string, onLinkError func(error)) (Handle, error) {
	t.mu.Lock()
	addr, ok := t.seen[id]
	scanning := t.scanning
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("device %s not found in the last scan", id)
	}
	if scanning {
		if err := t.adapter.StopScan(); err != nil {
			log.Printf("[ble] stop scan before connect: %v", err)
		}
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		dev = r.dev
	}

	t.mu.Lock()
	t.nextLink++
	h := Handle(fmt.Sprintf("%s#%d", id, t.nextLink))
	t.links[h] = &tinyGoLink{
		device:      dev,
		address:     id,
		chars:       make(map[uuid.UUID]bluetooth.DeviceCharacteristic),
		onLinkError: onLinkError,
	}
	t.mu.Unlock()
	return h, nil
}

// connectEvent observes link changes reported by the stack.
func (t *TinyGo) connectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()

	t.mu.Lock()
	var cbs []func(error)
	for h, l := range t.links {
		if l.address == addr {
			if l.onLinkError != nil {
				cbs = append(cbs, l.onLinkError)
			}
			delete(t.links, h)
		}
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(errors.New("link lost"))
	}
}

func (t *TinyGo) link(h Handle) (*tinyGoLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[h]
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", h)
	}
	return l, nil
}

func (t *TinyGo) Disconnect(ctx context.Context, h Handle) error {
	t.mu.Lock()
	l, ok := t.links[h]
	delete(t.links, h)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return l.device.Disconnect()
}

// characteristic discovers char under service once per link.
func (t *TinyGo) characteristic(h Handle, service, char uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	l, err := t.link(h)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	t.mu.Lock()
	c, ok := l.chars[char]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	svcUUID, err := toBluetoothUUID(service)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	charUUID, err := toBluetoothUUID(char)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover service %s: %w", service, err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s not found", service)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover characteristic %s: %w", char, err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", char)
	}

	t.mu.Lock()
	l.chars[char] = chars[0]
	t.mu.Unlock()
	return chars[0], nil
}

func (t *TinyGo) Write(ctx context.Context, h Handle, service, char uuid.UUID, data []byte, mode protocol.WriteMode) error {
	c, err := t.characteristic(h, service, char)
	if err != nil {
		return err
	}
	if mode == protocol.WithoutResponse {
		_, err = c.WriteWithoutResponse(data)
	} else {
		_, err = c.Write(data)
	}
	return err
}

func (t *TinyGo) StartNotification(ctx context.Context, h Handle, service, char uuid.UUID, onData func([]byte), onError func(error)) error {
	c, err := t.characteristic(h, service, char)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		onData(append([]byte(nil), buf...))
	})
}
