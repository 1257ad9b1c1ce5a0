package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/cesam-app/cesamd/internal/ble"
	"github.com/cesam-app/cesamd/internal/logger"
	"github.com/cesam-app/cesamd/internal/protocol"
	"github.com/cesam-app/cesamd/internal/server"
	"github.com/cesam-app/cesamd/internal/session"
	"github.com/cesam-app/cesamd/web"
)

func main() {
	configPath := flag.String("config", "/etc/cesamd/config.yaml", "Path to config file")
	sim := flag.Bool("sim", false, "Run against a simulated CESAM peripheral")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	adapterType := flag.String("adapter", "", "Override adapter: tinygo, hm10 or sim")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] cesamd starting")

	cfg := server.LoadConfig(*configPath)
	if *adapterType != "" {
		cfg.BLE.Adapter = *adapterType
	}
	if *sim {
		cfg.BLE.Adapter = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	spec, err := cfg.ServiceSpec()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	adapter, closeAdapter, err := newAdapter(cfg, spec)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer closeAdapter()
	log.Printf("[main] profile %s via %s", spec.Name, adapter.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	mgr := ble.NewManager(adapter, spec)
	sess := session.New(mgr, session.Config{ScanTimeout: cfg.ScanTimeout()})
	lg := logger.New(logger.Config{Enabled: cfg.Logging.Enabled, Path: cfg.Logging.Path})
	srv := server.New(cfg, sess, adapter.Name(), web.FS, lg)

	if cfg.BLE.AutoConnect {
		go superviseConnection(ctx, sess)
	}

	// Server starts immediately even if the peripheral is still connecting
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	sess.Disconnect(shutCtx)
	sess.Stop()
	lg.Close()
	log.Println("[main] stopped")
}

// newAdapter builds the radio backend named by the config.
func newAdapter(cfg *server.Config, spec protocol.ServiceSpec) (ble.Adapter, func(), error) {
	noop := func() {}
	switch cfg.BLE.Adapter {
	case "tinygo", "":
		return ble.NewTinyGo(bluetooth.DefaultAdapter), noop, nil
	case "hm10":
		if spec.Write != ble.HM10Characteristic {
			log.Printf("[main] warning: profile %s is not reachable through an HM-10 bridge; use profile hm10", spec.Name)
		}
		h := ble.NewHM10(ble.HM10Config{
			PortPath: cfg.Serial.PortPath,
			BaudRate: cfg.Serial.BaudRate,
		})
		return h, func() { h.Close() }, nil
	case "sim":
		return ble.NewSimulated(ble.SimConfig{Spec: spec, WithoutResponse: true}), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown adapter %q", cfg.BLE.Adapter)
	}
}

// superviseConnection keeps the session connected: it connects with
// backoff and starts over whenever the link drops.
func superviseConnection(ctx context.Context, sess *session.Session) {
	dropped := make(chan struct{}, 1)
	prev := ble.StateIdle
	sess.OnConnectionStateChange(func(st ble.State) {
		was := prev
		prev = st
		if was == ble.StateConnected && st == ble.StateError {
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})

	for {
		connectWithRetry(ctx, "ble", func(ctx context.Context) error {
			return discoverAndConnect(ctx, sess)
		}, 10, time.Second, 60*time.Second)

		select {
		case <-ctx.Done():
			return
		case <-dropped:
			log.Printf("[ble] link dropped, reconnecting")
			// Let the manager settle at idle before scanning again.
			for sess.State() != ble.StateIdle {
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}
}

func discoverAndConnect(ctx context.Context, sess *session.Session) error {
	if sess.State() == ble.StateConnected {
		return nil
	}
	devices, err := sess.Discover(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no peripheral found")
	}
	err = sess.Connect(ctx, devices[0].ID)
	if errors.Is(err, ble.ErrAlreadyConnected) {
		return nil
	}
	return err
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at delay, doubles each attempt up to maxDelay, logs the attempt
// count against maxAttempts, then continues at maxDelay indefinitely.
func connectWithRetry(ctx context.Context, name string, connect func(context.Context) error, maxAttempts int, delay, maxDelay time.Duration) {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(ctx); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
