package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Logger records timestamped session activity to CSV files with automatic
// rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Entry kinds.
const (
	KindState   = "state"
	KindSpeed   = "speed"
	KindCommand = "command"
	KindError   = "error"
)

// Entry is one row of the log. Empty fields are written as empty cells.
type Entry struct {
	Kind    string
	State   string
	Speed   *uint64
	Command string
	Result  string // "ok" or the error text
}

const (
	maxRowsPerFile = 100_000
)

var csvHeader = []string{"timestamp", "kind", "state", "speed", "command", "result"}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/cesamd"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record appends e to the current file, opening or rotating it as needed.
func (l *Logger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()
	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, e)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Speed records a speed reading.
func (l *Logger) Speed(v uint64) { l.Record(Entry{Kind: KindSpeed, Speed: &v}) }

// State records a connection state change.
func (l *Logger) State(s string) { l.Record(Entry{Kind: KindState, State: s}) }

// Command records the outcome of a command.
func (l *Logger) Command(name string, err error) {
	result := "ok"
	if err != nil {
		result = err.Error()
	}
	l.Record(Entry{Kind: KindCommand, Command: name, Result: result})
}

// Error records a transport error not tied to a command.
func (l *Logger) Error(err error) { l.Record(Entry{Kind: KindError, Result: err.Error()}) }

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("cesam_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, e Entry) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = e.Kind
	row[2] = e.State
	if e.Speed != nil {
		row[3] = strconv.FormatUint(*e.Speed, 10)
	}
	row[4] = e.Command
	row[5] = e.Result
	return row
}
