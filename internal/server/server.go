package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/cesam-app/cesamd/internal/ble"
	"github.com/cesam-app/cesamd/internal/logger"
	"github.com/cesam-app/cesamd/internal/protocol"
	"github.com/cesam-app/cesamd/internal/session"
)

// intentTimeout bounds every command started from an intent.
const intentTimeout = 10 * time.Second

// Server bridges a Session to WebSocket clients: session events are
// broadcast to every client and client intents become session calls.
type Server struct {
	cfg    *Config
	sess   *session.Session
	webFS  fs.FS
	logger *logger.Logger

	adapterName string

	ctx    context.Context
	cancel context.CancelFunc

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn    *websocket.Conn
	ctx     context.Context // cancelled when the client goes away
	limiter *rate.Limiter
	intents chan Intent

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Event is the JSON structure sent to WebSocket clients.
type Event struct {
	Type    string                `json:"type"` // hello, state, telemetry, device, failure, error, result, config
	State   string                `json:"state,omitempty"`
	Device  *ble.DeviceDescriptor `json:"device,omitempty"`
	Speed   *uint64               `json:"speed,omitempty"`
	Command string                `json:"command,omitempty"`
	Error   string                `json:"error,omitempty"`
	ID      string                `json:"id,omitempty"`
	Stamp   int64                 `json:"stamp"` // Unix ms
}

// Intent is a request sent by a WebSocket client.
type Intent struct {
	ID          string  `json:"id,omitempty"`
	Action      string  `json:"action"` // scan, connect, disconnect, open, close, speed, course, refresh, debug
	Delta       int     `json:"delta,omitempty"`
	Centimeters float64 `json:"centimeters,omitempty"`
	Code        string  `json:"code,omitempty"`
	DeviceID    string  `json:"deviceId,omitempty"`
}

// StateSnapshot is returned by /api/state.
type StateSnapshot struct {
	State   string  `json:"state"`
	Speed   *uint64 `json:"speed,omitempty"`
	Adapter string  `json:"adapter"`
	Profile string  `json:"profile"`
	Clients int     `json:"clients"`
}

var errInvalidIntent = errors.New("invalid intent")

// New creates a new Server and subscribes it to sess.
func New(cfg *Config, sess *session.Session, adapterName string, webFS fs.FS, lg *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		sess:    sess,
		webFS:   webFS,
		logger:  lg,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*wsClient]struct{}),

		adapterName: adapterName,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	sess.OnConnectionStateChange(func(st ble.State) {
		s.logger.State(st.String())
		s.broadcast(Event{Type: "state", State: st.String()})
	})
	sess.OnTelemetry(func(t protocol.Telemetry) {
		if r, ok := t.(protocol.SpeedReading); ok {
			s.logger.Speed(r.Value)
			v := r.Value
			s.broadcast(Event{Type: "telemetry", Speed: &v})
		}
	})
	sess.OnDeviceDiscovered(func(d ble.DeviceDescriptor) {
		s.broadcast(Event{Type: "device", Device: &d})
	})
	sess.OnCommandFailure(func(cmd protocol.Command, err error) {
		s.broadcast(Event{Type: "failure", Command: cmd.Name(), Error: err.Error()})
	})
	sess.OnError(func(err error) {
		s.logger.Error(err)
		s.broadcast(Event{Type: "error", Error: err.Error()})
	})
	return s
}

// checkOrigin admits clients without an Origin header and pages served by
// the bridge itself, unless any origin is allowed by config.
func (s *Server) checkOrigin(r *http.Request) bool {
	s.cfg.mu.RLock()
	allow := s.cfg.Server.AllowOrigins
	s.cfg.mu.RUnlock()
	origin := r.Header.Get("Origin")
	if allow || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Host, r.Host) {
		log.Printf("[ws] refused origin %s", origin)
		return false
	}
	return true
}

// Handler returns the HTTP routes served by the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close cancels in-flight intents and drops every client.
func (s *Server) Close() {
	s.cancel()
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	s.cfg.mu.RLock()
	limit, burst := s.cfg.Server.IntentRate, s.cfg.Server.IntentBurst
	s.cfg.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(s.ctx)
	client := &wsClient{
		conn:    conn,
		ctx:     ctx,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		intents: make(chan Intent, 16),
		send:    make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Current state first so the client can render before any change.
	hello := Event{Type: "hello", State: s.sess.State().String(), Stamp: time.Now().UnixMilli()}
	if v, ok := s.sess.Speed(); ok {
		hello.Speed = &v
	}
	if data, err := json.Marshal(hello); err == nil {
		client.deliver(data)
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go s.runIntents(client)

	// Reader goroutine
	go func() {
		defer func() {
			cancel()
			close(client.intents)
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			client.close()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in Intent
			if err := json.Unmarshal(msg, &in); err != nil {
				s.reply(client, in, fmt.Errorf("%w: %v", errInvalidIntent, err))
				continue
			}
			if in.ID == "" {
				in.ID = newIntentID()
			}
			if !client.limiter.Allow() {
				s.reply(client, in, errors.New("rate limited"))
				continue
			}
			// Scans block for the scan window; run them beside the queue
			// so a connect can interrupt them.
			if in.Action == "scan" {
				go func() { s.reply(client, in, s.execute(client.ctx, in)) }()
				continue
			}
			select {
			case client.intents <- in:
			default:
				s.reply(client, in, errors.New("too many pending intents"))
			}
		}
	}()
}

// runIntents executes a client's queued intents one at a time, in arrival
// order. Intents still queued when the client goes away are dropped.
func (s *Server) runIntents(c *wsClient) {
	for in := range c.intents {
		if c.ctx.Err() != nil {
			log.Printf("[ws] dropping %s intent %s: client gone", in.Action, in.ID)
			continue
		}
		s.reply(c, in, s.execute(c.ctx, in))
	}
}

// execute runs one intent against the session. parent is the client's
// context.
func (s *Server) execute(parent context.Context, in Intent) error {
	ctx, cancel := context.WithTimeout(parent, intentTimeout)
	defer cancel()

	var err error
	switch in.Action {
	case "scan":
		_, err = s.sess.Discover(parent)
	case "connect":
		if in.DeviceID == "" {
			return fmt.Errorf("%w: connect needs deviceId", errInvalidIntent)
		}
		err = s.sess.Connect(ctx, in.DeviceID)
	case "disconnect":
		err = s.sess.Disconnect(ctx)
	case "open":
		err = s.sess.Open(ctx)
	case "close":
		err = s.sess.Close(ctx)
	case "speed":
		err = s.sess.AdjustSpeed(ctx, in.Delta)
	case "course":
		err = s.sess.SetCourse(ctx, in.Centimeters)
	case "refresh":
		err = s.sess.RefreshParameters(ctx)
	case "debug":
		code, ok := debugCodes[in.Code]
		if !ok {
			return fmt.Errorf("%w: unknown debug code %q", errInvalidIntent, in.Code)
		}
		err = s.sess.SendDebugMarker(ctx, code)
	default:
		return fmt.Errorf("%w: unknown action %q", errInvalidIntent, in.Action)
	}
	s.logger.Command(in.Action, err)
	return err
}

// debugCodes accepts both readable names and the raw marker codes.
var debugCodes = map[string]string{
	"clear":             protocol.DebugClear,
	"open":              protocol.DebugOpen,
	"close":             protocol.DebugClose,
	protocol.DebugClear: protocol.DebugClear,
	protocol.DebugOpen:  protocol.DebugOpen,
	protocol.DebugClose: protocol.DebugClose,
}

func (s *Server) reply(c *wsClient, in Intent, err error) {
	ev := Event{Type: "result", ID: in.ID, Command: in.Action, Stamp: time.Now().UnixMilli()}
	if err != nil {
		ev.Error = err.Error()
	}
	data, mErr := json.Marshal(ev)
	if mErr != nil {
		return
	}
	c.deliver(data)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newIntentID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.loggingEnabled())
		log.Printf("[config] updated; radio and profile changes apply after restart")
		s.broadcast(Event{Type: "config"})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()

	snap := StateSnapshot{
		State:   s.sess.State().String(),
		Adapter: s.adapterName,
		Profile: s.sess.Spec().Name,
		Clients: n,
	}
	if v, ok := s.sess.Speed(); ok {
		snap.Speed = &v
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) broadcast(ev Event) {
	if ev.Stamp == 0 {
		ev.Stamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.deliver(data)
	}
}

// deliver queues data unless the client is gone or too slow.
func (c *wsClient) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client too slow, skip
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
