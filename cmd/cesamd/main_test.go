package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesam-app/cesamd/internal/ble"
	"github.com/cesam-app/cesamd/internal/protocol"
	"github.com/cesam-app/cesamd/internal/server"
	"github.com/cesam-app/cesamd/internal/session"
)

func TestConnectWithRetryBacksOff(t *testing.T) {
	var calls []time.Time
	connect := func(context.Context) error {
		calls = append(calls, time.Now())
		if len(calls) < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	connectWithRetry(context.Background(), "test", connect, 10, 10*time.Millisecond, 15*time.Millisecond)
	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 15*time.Millisecond)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	connect := func(context.Context) error {
		attempts++
		cancel()
		return errors.New("down")
	}

	connectWithRetry(ctx, "test", connect, 1, time.Hour, time.Hour)
	assert.Equal(t, 1, attempts)
}

func TestNewAdapter(t *testing.T) {
	cfg := server.DefaultConfig()
	spec, err := cfg.ServiceSpec()
	require.NoError(t, err)

	cfg.BLE.Adapter = "sim"
	a, closeFn, err := newAdapter(cfg, spec)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &ble.Simulated{}, a)

	cfg.BLE.Adapter = "hm10"
	a, closeFn, err = newAdapter(cfg, spec)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &ble.HM10{}, a)

	cfg.BLE.Adapter = "carrier-pigeon"
	_, _, err = newAdapter(cfg, spec)
	assert.Error(t, err)
}

func TestSuperviseConnectionReconnectsAfterDrop(t *testing.T) {
	spec, err := protocol.Preset(protocol.PresetCESAMNUS)
	require.NoError(t, err)
	sim := ble.NewSimulated(ble.SimConfig{Spec: spec})
	sess := session.New(ble.NewManager(sim, spec), session.Config{ScanTimeout: 100 * time.Millisecond})
	defer sess.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go superviseConnection(ctx, sess)

	require.Eventually(t, func() bool { return sess.State() == ble.StateConnected }, 3*time.Second, 10*time.Millisecond)

	sim.DropLink(errors.New("out of range"))
	require.Eventually(t, func() bool {
		n := 0
		for _, c := range sim.Calls() {
			if c == "connect" {
				n++
			}
		}
		return n == 2 && sess.State() == ble.StateConnected
	}, 5*time.Second, 10*time.Millisecond)
}
