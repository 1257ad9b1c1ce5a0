package ble

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesam-app/cesamd/internal/protocol"
)

func TestSimulatedFirmwareBehaviour(t *testing.T) {
	spec, err := protocol.Preset(protocol.PresetCESAMNUS)
	require.NoError(t, err)
	sim := NewSimulated(SimConfig{Spec: spec, Speed: 100, MoveTime: 20 * time.Millisecond})
	ctx := context.Background()

	h, err := sim.Connect(ctx, "A", nil)
	require.NoError(t, err)

	var notes [][]byte
	require.NoError(t, sim.StartNotification(ctx, h, spec.Service, spec.Notify, func(b []byte) { notes = append(notes, b) }, nil))
	require.Len(t, notes, 1, "speed is pushed on subscribe")
	assert.Equal(t, []byte{0x00, 0x64}, notes[0])

	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte("0"), protocol.WithResponse))
	assert.Equal(t, DoorOpening, sim.Door())
	assert.Eventually(t, func() bool { return sim.Door() == DoorBraked }, time.Second, 5*time.Millisecond)

	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Speed, []byte{0x01, 0x2c}, protocol.WithResponse))
	assert.Equal(t, uint16(300), sim.Speed())
	require.Len(t, notes, 2)
	assert.Equal(t, []byte{0x01, 0x2c}, notes[1])

	// Only one- and two-byte speed writes are taken.
	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Speed, nil, protocol.WithResponse))
	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Speed, []byte{0, 0, 1}, protocol.WithResponse))
	assert.Equal(t, uint16(300), sim.Speed())
	require.Len(t, notes, 2)

	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte("L42.5"), protocol.WithResponse))
	assert.Equal(t, "42.5", sim.Course())

	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte{0x00}, protocol.WithResponse))
	assert.True(t, sim.Debugging())
	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte("1"), protocol.WithResponse))
	assert.False(t, sim.Debugging())
	assert.Equal(t, DoorBraked, sim.Door())

	require.NoError(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte("2"), protocol.WithResponse))
	assert.Len(t, notes, 3)

	assert.Error(t, sim.Write(ctx, h, spec.Service, spec.Write, []byte("0"), protocol.WithoutResponse))
}

func TestSimulatedScanFiltersByService(t *testing.T) {
	spec, err := protocol.Preset(protocol.PresetCESAM)
	require.NoError(t, err)
	other, err := protocol.Preset(protocol.PresetHM10)
	require.NoError(t, err)

	sim := NewSimulated(SimConfig{Spec: spec, Devices: []SimDevice{
		{ID: "A", Name: "CESAM", Service: spec.Service},
		{ID: "Z", Name: "HMSoft", Service: other.Service},
	}})

	var ids []string
	require.NoError(t, sim.Scan(context.Background(), []uuid.UUID{spec.Service}, time.Second, func(d DeviceDescriptor) {
		ids = append(ids, d.ID)
	}))
	assert.Equal(t, []string{"A"}, ids)
}
