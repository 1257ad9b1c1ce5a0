package protocol

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesam-app/cesamd/internal/codec"
)

func mustPreset(t *testing.T, name string) ServiceSpec {
	t.Helper()
	s, err := Preset(name)
	require.NoError(t, err)
	return s
}

func TestEncodeCommands(t *testing.T) {
	spec := mustPreset(t, PresetCESAM)

	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"open", SetOutput{Open: true}, []byte{0x30}},
		{"close", SetOutput{Open: false}, []byte{0x31}},
		{"refresh", RequestParameterRefresh{}, []byte{'2'}},
		{"course integer", SetCourse{Centimeters: 120}, []byte("L120")},
		{"course fraction", SetCourse{Centimeters: 12.5}, []byte("L12.5")},
		{"course negative", SetCourse{Centimeters: -3}, []byte("L-3")},
		{"debug clear", DebugMarker{Code: DebugClear}, []byte{'R'}},
		{"debug open", DebugMarker{Code: DebugOpen}, []byte{0x00}},
		{"debug close", DebugMarker{Code: DebugClose}, []byte{'1'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Encode(spec, tt.cmd, 0)
			require.NoError(t, err)
			assert.Equal(t, spec.Write, w.Characteristic)
			assert.Equal(t, tt.want, w.Payload)
		})
	}
}

func TestEncodeAdjustSpeedRouting(t *testing.T) {
	nus := mustPreset(t, PresetCESAMNUS)
	w, err := Encode(nus, AdjustSpeed{Delta: 5}, 100)
	require.NoError(t, err)
	assert.Equal(t, nus.Speed, w.Characteristic)
	assert.Equal(t, []byte{105}, w.Payload)

	// Without a speed characteristic the integer goes to the write characteristic.
	plain := mustPreset(t, PresetCESAM)
	w, err = Encode(plain, AdjustSpeed{Delta: 200}, 100)
	require.NoError(t, err)
	assert.Equal(t, plain.Write, w.Characteristic)
	assert.Equal(t, []byte{0x01, 0x2c}, w.Payload)
}

func TestEncodeAdjustSpeedToZero(t *testing.T) {
	w, err := Encode(mustPreset(t, PresetCESAMNUS), AdjustSpeed{Delta: -10}, 10)
	require.NoError(t, err)
	assert.Empty(t, w.Payload)
}

func TestEncodeAdjustSpeedNegativeTarget(t *testing.T) {
	_, err := Encode(mustPreset(t, PresetCESAMNUS), AdjustSpeed{Delta: -11}, 10)
	assert.ErrorIs(t, err, codec.ErrRange)
}

func TestEncodeCourseRejectsNonFinite(t *testing.T) {
	spec := mustPreset(t, PresetCESAM)
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Encode(spec, SetCourse{Centimeters: v}, 0)
		assert.ErrorIs(t, err, codec.ErrEncoding)
	}
}

func TestEncodeDebugRejectsWideCode(t *testing.T) {
	_, err := Encode(mustPreset(t, PresetCESAM), DebugMarker{Code: "✓"}, 0)
	assert.ErrorIs(t, err, codec.ErrEncoding)
}

func TestEncodeMissingWriteCharacteristic(t *testing.T) {
	spec := ServiceSpec{Name: "broken", Service: uuid.New()}
	_, err := Encode(spec, SetOutput{Open: true}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecodeTelemetry(t *testing.T) {
	spec := mustPreset(t, PresetCESAMNUS)

	tm, err := DecodeTelemetry(spec, spec.Notify, []byte{0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, SpeedReading{Value: 100}, tm)

	tm, err = DecodeTelemetry(spec, spec.Notify, nil)
	require.NoError(t, err)
	assert.Equal(t, SpeedReading{Value: 0}, tm)

	_, err = DecodeTelemetry(spec, spec.Write, []byte{1})
	assert.ErrorIs(t, err, ErrUnknownTelemetry)

	_, err = DecodeTelemetry(mustPreset(t, PresetCESAM), uuid.New(), []byte{1})
	assert.ErrorIs(t, err, ErrUnknownTelemetry)
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		s := mustPreset(t, name)
		assert.NoError(t, s.Validate(), name)
		assert.Equal(t, DefaultDeviceName, s.DeviceName)
	}

	s := mustPreset(t, " CESAM ")
	assert.True(t, s.ProbeWriteType)
	assert.False(t, s.HasNotify())
	assert.Equal(t, s.Write, s.SpeedCharacteristic())

	_, err := Preset("garage")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestServiceSpecValidate(t *testing.T) {
	assert.ErrorIs(t, ServiceSpec{}.Validate(), ErrConfiguration)
	assert.ErrorIs(t, ServiceSpec{Service: uuid.New()}.Validate(), ErrConfiguration)
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "open", SetOutput{Open: true}.Name())
	assert.Equal(t, "close", SetOutput{}.Name())
	assert.Equal(t, "speed(+5)", AdjustSpeed{Delta: 5}.String())
	assert.Equal(t, "course(12.5cm)", SetCourse{Centimeters: 12.5}.String())
	assert.Equal(t, "with-response", WithResponse.String())
	assert.Equal(t, "without-response", WithoutResponse.String())
}
