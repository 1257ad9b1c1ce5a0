package ble

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// scriptedPort answers AT commands from a script, like a module on a wire.
// A "|" in a scripted reply splits it across two reads.
type scriptedPort struct {
	mu      sync.Mutex
	script  map[string]string
	written []string
	out     chan []byte
	once    sync.Once
}

func newScriptedPort(script map[string]string) *scriptedPort {
	return &scriptedPort{script: script, out: make(chan []byte, 16)}
}

// Read returns (0, nil) when nothing arrives for a while, as serial.Port
// does on its read timeout.
func (p *scriptedPort) Read(b []byte) (int, error) {
	select {
	case data, ok := <-p.out:
		if !ok {
			return 0, io.EOF
		}
		return copy(b, data), nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, string(b))
	resp, ok := p.script[string(b)]
	p.mu.Unlock()
	if ok {
		for _, part := range strings.Split(resp, "|") {
			p.out <- []byte(part)
		}
	}
	return len(b), nil
}

func (p *scriptedPort) Close() error {
	p.once.Do(func() { close(p.out) })
	return nil
}

func (p *scriptedPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func newTestHM10(port *scriptedPort) *HM10 {
	h := NewHM10(HM10Config{PortPath: "/dev/null", CommandTimeout: time.Second})
	h.open = func() (io.ReadWriteCloser, error) { return port, nil }
	return h
}

func TestSplitResponses(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"OK", []string{"OK"}},
		{"OK+CONNAOK+CONN", []string{"OK+CONNA", "OK+CONN"}},
		{"OK+DISCS\r\nOK+DIS0:A1B2C3D4E5F6\r\n", []string{"OK+DISCS", "OK+DIS0:A1B2C3D4E5F6"}},
		{"OKOK+LOST", []string{"OK", "OK+LOST"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitResponses(tt.in), tt.in)
	}
}

func TestHM10ScanParsesDiscovery(t *testing.T) {
	port := newScriptedPort(map[string]string{
		"AT+DISC?": "OK+DISCSOK+DIS0:A1B2C3D4E5F6\r\nOK+RSSI:-060\r\nOK+NAME:CESAM\r\n" +
			"OK+DIS1:112233445566\r\nOK+NAME:Other\r\nOK+DISCE",
	})
	h := newTestHM10(port)
	defer h.Close()

	var got []DeviceDescriptor
	err := h.Scan(context.Background(), nil, time.Second, func(d DeviceDescriptor) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []DeviceDescriptor{
		{ID: "A1B2C3D4E5F6", Name: "CESAM", RSSI: -60},
		{ID: "112233445566", Name: "Other"},
	}, got)
}

func TestHM10ScanJoinsRepliesAcrossReads(t *testing.T) {
	port := newScriptedPort(map[string]string{
		"AT+DISC?": "OK+DISCSOK+DIS0:A1B2C3|D4E5F6OK+NAME:CES|AMOK+DISCE",
	})
	h := newTestHM10(port)
	defer h.Close()

	var got []DeviceDescriptor
	err := h.Scan(context.Background(), nil, time.Second, func(d DeviceDescriptor) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []DeviceDescriptor{{ID: "A1B2C3D4E5F6", Name: "CESAM"}}, got)
}

func TestHM10StreamTokenize(t *testing.T) {
	var st hm10Stream
	assert.Equal(t, []string{"OK+DISCS"}, st.tokenize("OK+DISCSOK+DIS0:A1"))
	assert.Equal(t, "OK+DIS0:A1", st.reply)
	assert.Equal(t, []string{"OK+DIS0:A1B2"}, st.tokenize("B2\r\n"))
	assert.Empty(t, st.reply)
	assert.Equal(t, []string{"OK+CONNA"}, st.tokenize("OK+CONNAOK+CONN"))
	assert.Equal(t, []string{"OK+CONNF"}, st.tokenize("F"))
	assert.Equal(t, []string{"OK+LOST"}, st.tokenize("OK+LOST"))
}

func TestHM10ScanEndsAtTimeout(t *testing.T) {
	port := newScriptedPort(map[string]string{"AT+DISC?": "OK+DISCSOK+DIS0:A1B2C3D4E5F6"})
	h := newTestHM10(port)
	defer h.Close()

	var got []DeviceDescriptor
	err := h.Scan(context.Background(), nil, 50*time.Millisecond, func(d DeviceDescriptor) {
		got = append(got, d)
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHM10Session(t *testing.T) {
	port := newScriptedPort(map[string]string{
		"AT+CONA1B2C3D4E5F6": "OK+CONNAOK+CONN",
		"AT":                 "OK+LOST",
	})
	h := newTestHM10(port)
	defer h.Close()
	ctx := context.Background()
	spec, err := protocol.Preset(protocol.PresetHM10)
	require.NoError(t, err)

	handle, err := h.Connect(ctx, "A1B2C3D4E5F6", func(error) {})
	require.NoError(t, err)

	noResp, err := h.WriteWithoutResponse(ctx, handle, spec.Service, spec.Write)
	require.NoError(t, err)
	assert.True(t, noResp)

	data := make(chan []byte, 1)
	require.NoError(t, h.StartNotification(ctx, handle, spec.Service, spec.Notify, func(b []byte) { data <- b }, nil))

	port.out <- []byte{0x00, 0x64}
	select {
	case b := <-data:
		assert.Equal(t, []byte{0x00, 0x64}, b)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	require.NoError(t, h.Write(ctx, handle, spec.Service, spec.Write, []byte("0"), protocol.WithoutResponse))
	assert.Error(t, h.Write(ctx, handle, spec.Service, spec.Write, nil, protocol.WithoutResponse))

	require.NoError(t, h.Disconnect(ctx, handle))
	assert.Equal(t, []string{"AT+CONA1B2C3D4E5F6", "0", "AT"}, port.Written())
	assert.Error(t, h.Write(ctx, handle, spec.Service, spec.Write, []byte("1"), protocol.WithoutResponse))
}

func TestHM10ConnectFailure(t *testing.T) {
	port := newScriptedPort(map[string]string{"AT+CON000000000000": "OK+CONNAOK+CONNF"})
	h := newTestHM10(port)
	defer h.Close()

	_, err := h.Connect(context.Background(), "000000000000", nil)
	assert.Error(t, err)
	assert.False(t, h.isLinked())
}

func TestHM10LinkLost(t *testing.T) {
	port := newScriptedPort(map[string]string{"AT+CONA1B2C3D4E5F6": "OK+CONN"})
	h := newTestHM10(port)
	defer h.Close()

	lost := make(chan error, 1)
	_, err := h.Connect(context.Background(), "A1B2C3D4E5F6", func(err error) { lost <- err })
	require.NoError(t, err)

	port.out <- []byte("OK+LOST")
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("link loss not reported")
	}
	assert.False(t, h.isLinked())
}

func TestHM10ThroughManager(t *testing.T) {
	port := newScriptedPort(map[string]string{
		"AT+DISC?":           "OK+DISCSOK+DIS0:A1B2C3D4E5F6OK+NAME:CESAMOK+DISCE",
		"AT+CONA1B2C3D4E5F6": "OK+CONNAOK+CONN",
		"AT":                 "OK+LOST",
	})
	h := newTestHM10(port)
	defer h.Close()
	spec, err := protocol.Preset(protocol.PresetHM10)
	require.NoError(t, err)
	spec.ProbeWriteType = true
	m := NewManager(h, spec)
	ctx := context.Background()

	var ids []string
	for d, err := range m.Scan(ctx, time.Second) {
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	require.Equal(t, []string{"A1B2C3D4E5F6"}, ids)

	require.NoError(t, m.Connect(ctx, ids[0]))
	assert.Equal(t, protocol.WithoutResponse, m.WriteMode())
	require.NoError(t, m.Write(ctx, spec.Write, []byte("1")))
	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, StateIdle, m.State())
	assert.ErrorIs(t, m.Write(ctx, spec.Write, []byte("1")), ErrNotConnected)
}

func TestHM10ReassemblesSpeedFrames(t *testing.T) {
	port := newScriptedPort(map[string]string{"AT+CONA1B2C3D4E5F6": "OK+CONNAOK+CONN"})
	h := newTestHM10(port)
	defer h.Close()
	spec, err := protocol.Preset(protocol.PresetHM10)
	require.NoError(t, err)
	m := NewManager(h, spec)
	rl := &recordingListener{}
	m.AddListener(rl)

	require.NoError(t, m.Connect(context.Background(), "A1B2C3D4E5F6"))

	// One frame split over two reads.
	port.out <- []byte{0x01}
	port.out <- []byte{0x2c}
	require.Eventually(t, func() bool { return len(rl.Telemetry()) == 1 }, time.Second, 5*time.Millisecond)

	// A lone byte followed by silence is dropped; framing resumes after it.
	port.out <- []byte{0x05}
	time.Sleep(60 * time.Millisecond)
	port.out <- []byte{0x00, 0x07, 0x00}
	port.out <- []byte{0x08}
	require.Eventually(t, func() bool { return len(rl.Telemetry()) == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []protocol.Telemetry{
		protocol.SpeedReading{Value: 300},
		protocol.SpeedReading{Value: 7},
		protocol.SpeedReading{Value: 8},
	}, rl.Telemetry())
}

func TestHM10LinkLostSplitAcrossReads(t *testing.T) {
	port := newScriptedPort(map[string]string{"AT+CONA1B2C3D4E5F6": "OK+CONN"})
	h := newTestHM10(port)
	defer h.Close()

	lost := make(chan error, 1)
	var frames [][]byte
	var mu sync.Mutex
	handle, err := h.Connect(context.Background(), "A1B2C3D4E5F6", func(err error) { lost <- err })
	require.NoError(t, err)
	require.NoError(t, h.StartNotification(context.Background(), handle, HM10Characteristic, HM10Characteristic,
		func(b []byte) { mu.Lock(); frames = append(frames, b); mu.Unlock() }, nil))

	port.out <- []byte("OK")
	port.out <- []byte("+LOST")
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("link loss not reported")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, frames)
}
