package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects the level and the sinks of the root logger.
type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to the console instead of the human format.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./crosspost.log"

// Service owns the process-wide root and swaps it on Apply.
type Service struct {
	out io.Writer

	mu   sync.Mutex // guards cfg and file
	cfg  Config
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service together with a live root Logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, Stdout())
}

func newService(cfg Config, out io.Writer) (*Service, Logger) {
	setGlobals()
	s := &Service{out: out}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Logger returns a handle that tracks Apply.
func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close releases the file sink, if any. Events after Close still reach the
// console sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Apply rebuilds the root from cfg. Safe for concurrent use; loggers
// handed out earlier switch over on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	_ = s.closeFileLocked()

	var sinks []io.Writer
	switch {
	case cfg.Console && cfg.JSON:
		sinks = append(sinks, s.out)
	case cfg.Console:
		sinks = append(sinks, newConsoleWriter(s.out))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = []io.Writer{newConsoleWriter(s.out)}
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeLayout,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// Stdout and Stderr are the process sinks.
func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
