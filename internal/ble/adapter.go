package ble

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// Adapter is the BLE capability the platform provides. Implementations
// wrap callback or AT-command APIs into blocking calls that honor ctx.
//
// Scan calls onDevice for every advertisement matching services until the
// timeout elapses or ctx is cancelled, then returns. onDevice is never called
// after Scan returns.
type Adapter interface {
	// Name returns the human-readable name of this adapter.
	Name() string
	Scan(ctx context.Context, services []uuid.UUID, timeout time.Duration, onDevice func(DeviceDescriptor)) error
	// Connect opens a link to the device id reported by Scan. onLinkError
	// fires at most once if the link fails after Connect returned.
	Connect(ctx context.Context, id string, onLinkError func(error)) (Handle, error)
	Disconnect(ctx context.Context, h Handle) error
	Write(ctx context.Context, h Handle, service, char uuid.UUID, data []byte, mode protocol.WriteMode) error
	// StartNotification subscribes to char. onData receives each
	// notification payload in arrival order.
	StartNotification(ctx context.Context, h Handle, service, char uuid.UUID, onData func([]byte), onError func(error)) error
}

// WriteTypeProber is implemented by adapters that can tell whether a
// characteristic accepts write-without-response.
type WriteTypeProber interface {
	WriteWithoutResponse(ctx context.Context, h Handle, service, char uuid.UUID) (bool, error)
}

// Handle identifies one live connection. It is only meaningful to the
// adapter that issued it.
type Handle string

// DeviceDescriptor is one scan result. It is valid only within the scan
// that produced it.
type DeviceDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	RSSI int    `json:"rssi"` // dBm
}
