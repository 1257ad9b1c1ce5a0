// Package protocol is the catalog of CESAM commands and telemetry and the
// characteristics they travel on, independent of the BLE transport.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"

	"github.com/cesam-app/cesamd/internal/codec"
)

var (
	// ErrConfiguration is returned when a command needs a characteristic
	// the ServiceSpec does not declare.
	ErrConfiguration = errors.New("protocol: configuration error")
	// ErrUnknownTelemetry is returned for notifications on a
	// characteristic that carries no known telemetry.
	ErrUnknownTelemetry = errors.New("protocol: unknown telemetry source")
)

// ASCII command codes.
const (
	codeOpen    = "0"
	codeClose   = "1"
	codeRefresh = "2"
	codeCourse  = "L"
)

// Write is one characteristic write produced by Encode.
type Write struct {
	Characteristic uuid.UUID
	Payload        []byte
}

// Encode resolves cmd into a characteristic write for spec. baseline is the
// last known speed and is only used by AdjustSpeed.
func Encode(spec ServiceSpec, cmd Command, baseline uint64) (Write, error) {
	if spec.Write == uuid.Nil {
		return Write{}, fmt.Errorf("%w: %s has no write characteristic for %s", ErrConfiguration, spec.Name, cmd.Name())
	}

	switch c := cmd.(type) {
	case SetOutput:
		code := codeClose
		if c.Open {
			code = codeOpen
		}
		return asciiWrite(spec.Write, code)

	case AdjustSpeed:
		target := int64(baseline) + int64(c.Delta)
		payload, err := codec.EncodeInteger(target)
		if err != nil {
			return Write{}, fmt.Errorf("speed %d%+d: %w", baseline, c.Delta, err)
		}
		return Write{Characteristic: spec.SpeedCharacteristic(), Payload: payload}, nil

	case SetCourse:
		if math.IsNaN(c.Centimeters) || math.IsInf(c.Centimeters, 0) {
			return Write{}, fmt.Errorf("%w: course %v", codec.ErrEncoding, c.Centimeters)
		}
		return asciiWrite(spec.Write, codeCourse+strconv.FormatFloat(c.Centimeters, 'f', -1, 64))

	case RequestParameterRefresh:
		return asciiWrite(spec.Write, codeRefresh)

	case DebugMarker:
		return asciiWrite(spec.Write, c.Code)

	default:
		return Write{}, fmt.Errorf("protocol: unsupported command %T", cmd)
	}
}

func asciiWrite(char uuid.UUID, s string) (Write, error) {
	payload, err := codec.EncodeASCII(s)
	if err != nil {
		return Write{}, err
	}
	return Write{Characteristic: char, Payload: payload}, nil
}

// DecodeTelemetry parses a notification received on char.
func DecodeTelemetry(spec ServiceSpec, char uuid.UUID, payload []byte) (Telemetry, error) {
	if !spec.HasNotify() || char != spec.Notify {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTelemetry, char)
	}
	return SpeedReading{Value: codec.DecodeInteger(payload)}, nil
}
