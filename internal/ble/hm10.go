package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/cesam-app/cesamd/internal/protocol"
)

// HM10Config holds the serial settings of an HM-10 style UART bridge.
type HM10Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// CommandTimeout bounds every AT command exchange.
	CommandTimeout time.Duration `yaml:"-" json:"-"`
}

// HM10 talks to peripherals through an HM-10 compatible module in central
// role attached to a serial port. The module only reaches the FFE0/FFE1
// transparent-UART service: once connected, bytes written to the port go to
// FFE1 and FFE1 notifications come back as plain serial data, regrouped into
// two-byte speed frames.
//
// AT exchange (module firmware V5xx and later):
//
//	AT+DISC?        -> OK+DISCS, OK+DIS0:<mac> [OK+RSSI:-060] [OK+NAME:x] ..., OK+DISCE
//	AT+CON<mac>     -> OK+CONNA, OK+CONN | OK+CONNF | OK+CONNE
//	AT (connected)  -> OK+LOST
type HM10 struct {
	cfg  HM10Config
	open func() (io.ReadWriteCloser, error)

	mu       sync.Mutex
	port     io.ReadWriteCloser
	replies  chan string
	linked   bool
	handle   Handle
	nextLink int
	onData   func([]byte)
	onLost   func(error)
}

// HM10Characteristic is the transparent-UART characteristic the bridge
// reads and writes.
var HM10Characteristic = uuid.MustParse("0000ffe1-0000-1000-8000-00805f9b34fb")

var errHM10Timeout = errors.New("hm10: timeout waiting for module")

// hm10FrameLen is the size of one speed notification; the firmware's speed
// characteristic is fixed at two bytes.
const hm10FrameLen = 2

var hm10Lost = []byte("OK+LOST")

// hm10Final lists replies that no longer reply starts with, so they are
// complete without a trailing delimiter.
var hm10Final = map[string]bool{
	"OK+DISCS": true,
	"OK+DISCE": true,
	"OK+CONNA": true,
	"OK+CONNE": true,
	"OK+CONNF": true,
	"OK+LOST":  true,
}

// hm10Stream holds module output that straddles serial reads: the tail of
// an AT reply, or the first bytes of a notification frame.
type hm10Stream struct {
	reply string
	frame []byte
}

// NewHM10 creates an adapter for the bridge on cfg.PortPath. The port is
// opened on first use.
func NewHM10(cfg HM10Config) *HM10 {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // HM-10 factory default
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	h := &HM10{cfg: cfg}
	h.open = func() (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.PortPath, mode)
		if err != nil {
			return nil, fmt.Errorf("hm10: failed to open %s: %w", cfg.PortPath, err)
		}
		if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("hm10: set read timeout: %w", err)
		}
		log.Printf("[hm10] opened %s at %d baud", cfg.PortPath, cfg.BaudRate)
		return port, nil
	}
	return h
}

func (h *HM10) Name() string { return "HM-10 bridge (" + h.cfg.PortPath + ")" }

// ensureOpen opens the port and starts the reader on first use.
func (h *HM10) ensureOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port != nil {
		return nil
	}
	port, err := h.open()
	if err != nil {
		return err
	}
	h.port = port
	h.replies = make(chan string, 64)
	go h.readLoop(port, h.replies)
	return nil
}

// Close releases the serial port.
func (h *HM10) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	h.linked = false
	h.handle = ""
	return err
}

func (h *HM10) readLoop(port io.Reader, replies chan<- string) {
	defer close(replies)
	var st hm10Stream
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			h.handleChunk(&st, buf[:n], replies)
		} else if err == nil {
			// Read timeout: the module has gone quiet.
			h.handleGap(&st, replies)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[hm10] read error: %v", err)
			}
			h.portLost(err)
			return
		}
	}
}

func (h *HM10) handleChunk(st *hm10Stream, chunk []byte, replies chan<- string) {
	h.mu.Lock()
	linked, onData, onLost := h.linked, h.onData, h.onLost
	h.mu.Unlock()

	if !linked {
		st.frame = nil
		queueReplies(st.tokenize(string(chunk)), replies)
		return
	}

	st.reply = ""
	st.frame = append(st.frame, chunk...)
	if bytes.Contains(st.frame, hm10Lost) {
		st.frame = nil
		h.mu.Lock()
		h.linked = false
		h.handle = ""
		h.onData = nil
		h.onLost = nil
		h.mu.Unlock()
		select {
		case replies <- "OK+LOST":
		default:
		}
		if onLost != nil {
			onLost(errors.New("hm10: link lost"))
		}
		return
	}
	// Hold back bytes that may be the start of OK+LOST.
	for len(st.frame) >= hm10FrameLen && !bytes.HasPrefix(hm10Lost, st.frame) {
		deliverFrame(st, onData)
	}
}

// handleGap completes whatever was held back once the line goes quiet. A
// lone trailing byte cannot be a whole frame and is dropped to resync.
func (h *HM10) handleGap(st *hm10Stream, replies chan<- string) {
	if st.reply != "" {
		queueReplies([]string{st.reply}, replies)
		st.reply = ""
	}
	if len(st.frame) == 0 {
		return
	}
	h.mu.Lock()
	onData := h.onData
	h.mu.Unlock()
	for len(st.frame) >= hm10FrameLen {
		deliverFrame(st, onData)
	}
	if len(st.frame) > 0 {
		log.Printf("[hm10] dropping partial frame % x", st.frame)
		st.frame = nil
	}
}

func deliverFrame(st *hm10Stream, onData func([]byte)) {
	frame := append([]byte(nil), st.frame[:hm10FrameLen]...)
	st.frame = st.frame[hm10FrameLen:]
	if onData != nil {
		onData(frame)
	}
}

// tokenize adds chunk to the held-back reply text and returns the replies
// known to be complete. The last reply stays held until a delimiter follows
// it, unless it is final.
func (st *hm10Stream) tokenize(chunk string) []string {
	text := st.reply + chunk
	st.reply = ""
	out := splitResponses(text)
	if len(out) == 0 || strings.HasSuffix(text, "\r") || strings.HasSuffix(text, "\n") {
		return out
	}
	if last := out[len(out)-1]; !hm10Final[last] {
		st.reply = last
		out = out[:len(out)-1]
	}
	return out
}

func queueReplies(rs []string, replies chan<- string) {
	for _, r := range rs {
		select {
		case replies <- r:
		default:
			log.Printf("[hm10] reply queue full, dropping %q", r)
		}
	}
}

// portLost reports a closed or failed port as a link error.
func (h *HM10) portLost(err error) {
	h.mu.Lock()
	onLost := h.onLost
	wasLinked := h.linked
	h.linked = false
	h.handle = ""
	h.onData = nil
	h.onLost = nil
	h.port = nil
	h.mu.Unlock()
	if wasLinked && onLost != nil {
		onLost(fmt.Errorf("hm10: port closed: %w", err))
	}
}

// splitResponses splits module output into "OK..." tokens. Responses may
// arrive glued together ("OK+CONNAOK+CONN") or separated by CRLF.
func splitResponses(chunk string) []string {
	var out []string
	lines := strings.FieldsFunc(chunk, func(r rune) bool { return r == '\r' || r == '\n' })
	for _, line := range lines {
		for line != "" {
			i := strings.Index(line[1:], "OK+")
			if i < 0 {
				out = append(out, line)
				break
			}
			out = append(out, line[:i+1])
			line = line[i+1:]
		}
	}
	return out
}

// command writes an AT command after discarding stale replies.
func (h *HM10) command(cmd string) (<-chan string, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	port, replies := h.port, h.replies
	h.mu.Unlock()
	if port == nil {
		return nil, errors.New("hm10: port closed")
	}
	for drained := false; !drained; {
		select {
		case <-replies:
		default:
			drained = true
		}
	}
	if _, err := port.Write([]byte(cmd)); err != nil {
		return nil, fmt.Errorf("hm10: write %q: %w", cmd, err)
	}
	return replies, nil
}

// await reads replies until match returns true, false, or an error.
func (h *HM10) await(ctx context.Context, replies <-chan string, timeout time.Duration, match func(string) (done bool, err error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errHM10Timeout
		case r, ok := <-replies:
			if !ok {
				return errors.New("hm10: port closed")
			}
			done, err := match(r)
			if err != nil || done {
				return err
			}
		}
	}
}

func (h *HM10) Scan(ctx context.Context, services []uuid.UUID, timeout time.Duration, onDevice func(DeviceDescriptor)) error {
	if h.isLinked() {
		return errors.New("hm10: cannot scan while linked")
	}
	replies, err := h.command("AT+DISC?")
	if err != nil {
		return err
	}

	var cur *DeviceDescriptor
	flush := func() {
		if cur != nil {
			onDevice(*cur)
			cur = nil
		}
	}
	err = h.await(ctx, replies, timeout, func(r string) (bool, error) {
		switch {
		case r == "OK+DISCE":
			flush()
			return true, nil
		case strings.HasPrefix(r, "OK+DIS") && strings.Contains(r, ":"):
			flush()
			mac := r[strings.Index(r, ":")+1:]
			cur = &DeviceDescriptor{ID: mac, Name: ""}
		case strings.HasPrefix(r, "OK+RSSI:") && cur != nil:
			if v, err := strconv.Atoi(strings.TrimPrefix(r, "OK+RSSI:")); err == nil {
				cur.RSSI = v
			}
		case strings.HasPrefix(r, "OK+NAME:") && cur != nil:
			cur.Name = strings.TrimSpace(strings.TrimPrefix(r, "OK+NAME:"))
		}
		return false, nil
	})
	flush()
	// Scans end at the timeout whether or not the module finished.
	if ctx.Err() != nil || errors.Is(err, errHM10Timeout) {
		return nil
	}
	return err
}

func (h *HM10) isLinked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.linked
}

func (h *HM10) Connect(ctx context.Context, id string, onLinkError func(error)) (Handle, error) {
	if h.isLinked() {
		return "", errors.New("hm10: module already linked")
	}
	replies, err := h.command("AT+CON" + id)
	if err != nil {
		return "", err
	}
	err = h.await(ctx, replies, 2*h.cfg.CommandTimeout, func(r string) (bool, error) {
		switch r {
		case "OK+CONN":
			return true, nil
		case "OK+CONNF":
			return false, errors.New("hm10: connect failed")
		case "OK+CONNE":
			return false, errors.New("hm10: connect error")
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextLink++
	h.linked = true
	h.handle = Handle(fmt.Sprintf("%s#%d", id, h.nextLink))
	h.onLost = onLinkError
	return h.handle, nil
}

func (h *HM10) Disconnect(ctx context.Context, handle Handle) error {
	h.mu.Lock()
	if !h.linked || h.handle != handle {
		h.mu.Unlock()
		return nil
	}
	port, replies := h.port, h.replies
	h.linked = false
	h.handle = ""
	h.onData = nil
	h.onLost = nil
	h.mu.Unlock()

	if _, err := port.Write([]byte("AT")); err != nil {
		return fmt.Errorf("hm10: write AT: %w", err)
	}
	return h.await(ctx, replies, h.cfg.CommandTimeout, func(r string) (bool, error) {
		return r == "OK+LOST" || r == "OK", nil
	})
}

// WriteWithoutResponse always reports true: the bridge forwards serial
// bytes to FFE1 without waiting for acknowledgment.
func (h *HM10) WriteWithoutResponse(ctx context.Context, handle Handle, service, char uuid.UUID) (bool, error) {
	return char == HM10Characteristic, nil
}

func (h *HM10) Write(ctx context.Context, handle Handle, service, char uuid.UUID, data []byte, mode protocol.WriteMode) error {
	if char != HM10Characteristic {
		return fmt.Errorf("hm10: characteristic %s not reachable through the bridge", char)
	}
	h.mu.Lock()
	port, ok := h.port, h.linked && h.handle == handle
	h.mu.Unlock()
	if !ok {
		return errors.New("hm10: not linked")
	}
	if len(data) == 0 {
		// The bridge has no way to send an empty write.
		return errors.New("hm10: empty payload")
	}
	_, err := port.Write(data)
	return err
}

func (h *HM10) StartNotification(ctx context.Context, handle Handle, service, char uuid.UUID, onData func([]byte), onError func(error)) error {
	if char != HM10Characteristic {
		return fmt.Errorf("hm10: characteristic %s not reachable through the bridge", char)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.linked || h.handle != handle {
		return errors.New("hm10: not linked")
	}
	h.onData = onData
	return nil
}
