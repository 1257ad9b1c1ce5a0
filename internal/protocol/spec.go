package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ServiceSpec describes the GATT topology of one product variant.
// Optional characteristics are uuid.Nil when absent.
type ServiceSpec struct {
	Name    string
	Service uuid.UUID
	// Write receives on/off, course, refresh and debug commands.
	Write uuid.UUID
	// Speed receives speed writes. Falls back to Write when absent.
	Speed uuid.UUID
	// Notify carries speed telemetry.
	Notify uuid.UUID
	// ProbeWriteType asks the connection layer to detect once per
	// connection whether Write supports write-without-response.
	ProbeWriteType bool
	// DeviceName filters discovered devices. Empty accepts every device.
	DeviceName string
}

// Preset names.
const (
	PresetCESAM    = "cesam"
	PresetCESAMNUS = "cesam-nus"
	PresetHM10     = "hm10"
)

// DefaultDeviceName is the name advertised by the CESAM firmware.
const DefaultDeviceName = "CESAM"

var presets = map[string]ServiceSpec{
	PresetCESAM: {
		Name:           PresetCESAM,
		Service:        uuid.MustParse("19b10010-e8f2-537e-4f6c-d104768a1214"),
		Write:          uuid.MustParse("19b10011-e8f2-537e-4f6c-d104768a1214"),
		ProbeWriteType: true,
		DeviceName:     DefaultDeviceName,
	},
	PresetCESAMNUS: {
		Name:       PresetCESAMNUS,
		Service:    uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
		Write:      uuid.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
		Speed:      uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e"),
		Notify:     uuid.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e"),
		DeviceName: DefaultDeviceName,
	},
	PresetHM10: {
		Name:       PresetHM10,
		Service:    uuid.MustParse("0000ffe0-0000-1000-8000-00805f9b34fb"),
		Write:      uuid.MustParse("0000ffe1-0000-1000-8000-00805f9b34fb"),
		Notify:     uuid.MustParse("0000ffe1-0000-1000-8000-00805f9b34fb"),
		DeviceName: DefaultDeviceName,
	},
}

// Preset returns the named built-in ServiceSpec.
func Preset(name string) (ServiceSpec, error) {
	s, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ServiceSpec{}, fmt.Errorf("%w: unknown profile %q", ErrConfiguration, name)
	}
	return s, nil
}

// PresetNames lists the built-in profiles.
func PresetNames() []string {
	return []string{PresetCESAM, PresetCESAMNUS, PresetHM10}
}

// Validate checks that s can address the peripheral at all.
func (s ServiceSpec) Validate() error {
	if s.Service == uuid.Nil {
		return fmt.Errorf("%w: %s: service uuid not set", ErrConfiguration, s.Name)
	}
	if s.Write == uuid.Nil {
		return fmt.Errorf("%w: %s: write characteristic not set", ErrConfiguration, s.Name)
	}
	return nil
}

// HasNotify reports whether s declares a notify characteristic.
func (s ServiceSpec) HasNotify() bool { return s.Notify != uuid.Nil }

// SpeedCharacteristic returns the characteristic speed writes target.
func (s ServiceSpec) SpeedCharacteristic() uuid.UUID {
	if s.Speed != uuid.Nil {
		return s.Speed
	}
	return s.Write
}
