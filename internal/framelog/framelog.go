// Package framelog records every frame exchanged with the device to CSV
// files with automatic rotation.
package framelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/protocol"
)

// Logger writes tx/rx frames to CSV files.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	clock   clock.Clock
	log     *zap.SugaredLogger

	file   *os.File
	writer *csv.Writer
	rows   int
	files  int
}

// Config holds frame log configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultPath    = "/var/log/botcomm"
	defaultMaxRows = 50_000
)

var csvHeader = []string{"timestamp", "direction", "kind", "bytes", "frame"}

// New creates a Logger. Files are opened lazily on the first frame.
func New(cfg Config, log *zap.SugaredLogger) *Logger {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		clock:   clock.New(),
		log:     log,
	}
}

// SetClock replaces the clock used for timestamps and file names.
func (l *Logger) SetClock(c clock.Clock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = c
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

// RecordFrame writes one frame. Multi-line frames are kept in a single
// quoted CSV field.
func (l *Logger) RecordFrame(direction, frame string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.clock.Now()
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Warnw("rotate failed", "error", err)
			return
		}
	}

	row := []string{
		now.UTC().Format(time.RFC3339Nano),
		direction,
		kindOf(direction, frame),
		strconv.Itoa(len(frame)),
		frame,
	}
	if err := l.writer.Write(row); err != nil {
		l.log.Warnw("write failed", "error", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func kindOf(direction, frame string) string {
	if direction != "rx" {
		return "command"
	}
	return protocol.Classify(frame).String()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("frames_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
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

	l.log.Infow("opened frame log", "path", path)
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
