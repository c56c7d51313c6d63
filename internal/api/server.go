package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"crosspost/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// ErrInsecureBind refuses a public listener that nobody has to authenticate
// against.
var ErrInsecureBind = errors.New("api: non-loopback addr requires token or allow_insecure")

type ServerConfig struct {
	Addr          string // default 127.0.0.1:8080
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration
	IdleTimeout  time.Duration // default 60s
}

func (c ServerConfig) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// Check returns ErrInsecureBind for a non-loopback address with neither a
// token nor AllowInsecure.
func (c ServerConfig) Check() error {
	if c.Token != "" || c.AllowInsecure || loopback(c.addr()) {
		return nil
	}
	return ErrInsecureBind
}

// Server hosts the admin handler. Run returns when ctx ends, so a
// supervisor can restart it after a listener failure.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	log     logx.Logger
	bound   atomic.Pointer[string]
}

func NewServer(cfg ServerConfig, h http.Handler, log logx.Logger) *Server {
	cfg.Addr = cfg.addr()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: h, log: log}
}

// Addr is the listening address, or "" before Run has bound.
func (s *Server) Addr() string {
	if p := s.bound.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Check(); err != nil {
		s.log.Error("admin server refused to start", logx.String("addr", s.cfg.Addr))
		return err
	}
	if s.cfg.Token == "" && !loopback(s.cfg.Addr) {
		s.log.Warn("admin server is public and unauthenticated", logx.String("addr", s.cfg.Addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	addr := ln.Addr().String()
	s.bound.Store(&addr)

	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("admin server listening", logx.String("addr", addr), logx.Bool("token_set", s.cfg.Token != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if ctx.Err() == nil {
			return errors.New("admin server closed unexpectedly")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return srv.Close()
		}
		return nil
	})
	err = g.Wait()
	s.log.Info("admin server stopped", logx.Err(err))
	return err
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
