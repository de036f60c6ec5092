// Package server hosts the HTTP/WebSocket display surface: card replay and
// broadcast, blocking response futures, browser event routing, selection
// persistence, and the agent dispatch endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/discovery"
	"github.com/ehrlich-b/vitrine/internal/dispatch"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/redact"
	"github.com/ehrlich-b/vitrine/internal/render"
	"github.com/ehrlich-b/vitrine/internal/study"
)

// ErrAlreadyRunning means another healthy server owns this project directory.
var ErrAlreadyRunning = errors.New("server already running")

const (
	wsWriteTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	serveJoin       = 3 * time.Second
	maxPollTimeout  = 1800 * time.Second
)

// Server is the per-project display server. One instance per process.
type Server struct {
	cfg        *config.Config
	manager    *study.Manager
	renderer   *render.Renderer
	dispatcher *dispatch.Dispatcher
	watcher    *study.OutputWatcher

	sessionID string
	token     string
	port      int
	startedAt time.Time

	mu         sync.Mutex
	conns      map[*wsConn]struct{}
	pending    map[string]*pendingResponse
	selections map[string][]int
	selTimer   *time.Timer
	events     []queuedEvent
	eventSeq   int64
	callbacks  []func(card.Event)

	httpSrv   *http.Server
	serveDone chan error
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New wires a server over a fresh study manager for the configured data dir.
func New(cfg *config.Config) (*Server, error) {
	manager, err := study.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		manager:    manager,
		renderer:   render.New(redact.New(cfg.Redaction)),
		conns:      make(map[*wsConn]struct{}),
		pending:    make(map[string]*pendingResponse),
		selections: make(map[string][]int),
		stopCh:     make(chan struct{}),
	}
	s.dispatcher = dispatch.New(cfg, manager, s)
	return s, nil
}

// Manager exposes the study manager for in-process clients.
func (s *Server) Manager() *study.Manager { return s.manager }

// Renderer exposes the object renderer for in-process clients.
func (s *Server) Renderer() *render.Renderer { return s.renderer }

// SessionID returns the session minted at startup.
func (s *Server) SessionID() string { return s.sessionID }

// Token returns the bearer token minted at startup.
func (s *Server) Token() string { return s.token }

// Port returns the bound port, zero before Run.
func (s *Server) Port() int { return s.port }

// APIURL is the loopback base for programmatic calls.
func (s *Server) APIURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// DisplayURL is the browser-facing base address.
func (s *Server) DisplayURL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Server.DisplayHost, s.port)
}

// CardURL is the deep link for one card.
func (s *Server) CardURL(cardID string) string {
	return s.DisplayURL() + "/#" + cardID
}

// Run executes the singleton startup sequence, serves until ctx is cancelled
// or a shutdown is requested, then tears down in order. Returns
// ErrAlreadyRunning when a healthy server already owns the directory.
func (s *Server) Run(ctx context.Context) error {
	dataDir := s.cfg.DataDir

	lock, acquired, err := discovery.AcquireStartupLock(dataDir)
	if err != nil {
		return fmt.Errorf("startup lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}

	// The lock is held through bind and pid-file write, so two starters can
	// never both conclude the directory is free.
	if rec, err := discovery.ReadRecord(dataDir); err == nil {
		if discovery.Validate(rec) {
			lock.Release()
			return ErrAlreadyRunning
		}
		discovery.RemoveStaleRecord(dataDir)
	}

	discovery.ReclaimOrphans(dataDir, s.cfg.Server.PortMin, s.cfg.Server.PortMax)

	ln, port, err := discovery.BindFirstFree(s.cfg.Server.Host, s.cfg.Server.PortMin, s.cfg.Server.PortMax)
	if err != nil {
		lock.Release()
		return err
	}
	s.port = port
	s.sessionID = discovery.NewSessionID()
	s.token = discovery.NewToken()
	s.startedAt = time.Now()

	s.loadSelections()

	s.watcher, err = study.NewOutputWatcher(func(label string) {
		s.broadcastFilesChanged(label)
	})
	if err != nil {
		logger.Warn("output watcher unavailable", "error", err)
	} else {
		for _, info := range s.manager.ListStudies() {
			if dir, ok := s.manager.OutputDir(info.Label); ok {
				s.watcher.Watch(info.Label, dir)
			}
		}
	}

	s.httpSrv = &http.Server{Handler: s.routes()}
	s.serveDone = make(chan error, 1)
	go func() {
		s.serveDone <- s.httpSrv.Serve(ln)
	}()

	rec := &discovery.Record{
		PID:       os.Getpid(),
		Port:      port,
		Host:      s.cfg.Server.Host,
		URL:       s.DisplayURL(),
		SessionID: s.sessionID,
		Token:     s.token,
		StartedAt: card.NowISO(),
	}
	if err := discovery.WriteRecord(dataDir, rec); err != nil {
		lock.Release()
		s.httpSrv.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	lock.Release()

	if n := s.dispatcher.Reconcile(); n > 0 {
		logger.Info("repaired stranded agent cards", "count", n)
	}
	s.dispatcher.StartWatchdog()

	logger.Info("server listening", "url", s.DisplayURL(), "session", s.sessionID)

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case err := <-s.serveDone:
		// The listener died under us; still run the teardown path.
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "error", err)
		}
		s.serveDone = nil
	}

	s.teardown(dataDir)
	return nil
}

// RequestShutdown triggers the same teardown as a signal. Safe to call more
// than once.
func (s *Server) RequestShutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// teardown follows the fixed cleanup order: watchdog and dispatches first,
// pid file only if owned, selections flushed, then the HTTP server.
func (s *Server) teardown(dataDir string) {
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.dispatcher.Stop()
	discovery.RemoveRecordIfOwned(dataDir)
	s.flushSelections()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.httpSrv.Close()
	}
	if s.serveDone != nil {
		select {
		case <-s.serveDone:
		case <-time.After(serveJoin):
			logger.Warn("serve goroutine did not exit in time")
		}
	}
	logger.Info("server stopped")
}

// WatchOutputDir registers a study's output directory with the fsnotify
// watcher so the browser receives files.changed pushes.
func (s *Server) WatchOutputDir(label, dir string) {
	if s.watcher != nil {
		if err := s.watcher.Watch(label, dir); err != nil {
			logger.Warn("watch output dir failed", "study", label, "error", err)
		}
	}
}
