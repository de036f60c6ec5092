// Package vitrine is the agent-facing client for the vitrine display server.
// Calls lazily discover a running server for the current project (spawning
// one when needed) and push rendered cards to it, either in-process or over
// the loopback HTTP API.
package vitrine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/discovery"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/redact"
	"github.com/ehrlich-b/vitrine/internal/render"
	"github.com/ehrlich-b/vitrine/internal/server"
	"github.com/ehrlich-b/vitrine/internal/study"
)

// Re-exported model types so agent code only imports this package.
type (
	Question = card.Question
	Option   = card.Option
	Form     = card.Form
	Chart    = card.Chart
	SVG      = card.SVG
	Response = card.Response
	Handle   = card.Handle
	Event    = card.Event
)

const inProcessStartTimeout = 5 * time.Second

// Client talks to one vitrine server. Most programs use the package-level
// functions, which share a lazily-built default client.
type Client struct {
	mu       sync.Mutex
	cfg      *config.Config
	renderer *render.Renderer

	// Exactly one of srv/rec is set once connected. srv is an in-process
	// fallback server owned by this client; rec points at a detached one.
	srv *server.Server
	rec *discovery.Record

	// sessionID tags pushed cards' provenance and is recorded into study
	// metadata on first use of each study.
	sessionID        string
	sessionsRecorded map[string]bool

	callbacks  []func(card.Event)
	pollerStop chan struct{}
}

// NewClient builds an unconnected client. Discovery happens on first use.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:              cfg,
		renderer:         render.New(redact.New(cfg.Redaction)),
		sessionID:        discovery.NewSessionID(),
		sessionsRecorded: make(map[string]bool),
	}
}

var (
	defaultOnce sync.Once
	defaultC    *Client
	defaultErr  error
)

func getClient() (*Client, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			defaultErr = fmt.Errorf("load config: %w", err)
			return
		}
		logger.Init(cfg.Logging.Level, "", true)
		defaultC = NewClient(cfg)
	})
	return defaultC, defaultErr
}

// ensure connects the client: discover a detached server, spawn one when
// missing, and fall back to running a server inside this process when the
// spawn path is unavailable.
func (c *Client) ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked()
}

func (c *Client) ensureLocked() error {
	if c.srv != nil {
		return nil
	}
	if c.rec != nil {
		if discovery.Validate(c.rec) {
			return nil
		}
		c.rec = nil
	}
	rec, err := discovery.DiscoverOrSpawn(c.cfg.DataDir, func() error {
		return discovery.SpawnDetachedStarter()
	})
	if err == nil {
		c.rec = rec
		return nil
	}
	logger.Warn("detached server unavailable, starting in-process", "error", err)
	return c.startInProcessLocked()
}

// startInProcessLocked runs a server on a goroutine inside this process and
// waits for it to write its PID record.
func (c *Client) startInProcessLocked() error {
	srv, err := server.New(c.cfg)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Run(context.Background()); err != nil && !errors.Is(err, server.ErrAlreadyRunning) {
			logger.Error("in-process server exited", "error", err)
		}
	}()
	deadline := time.Now().Add(inProcessStartTimeout)
	for time.Now().Before(deadline) {
		if r, err := discovery.ReadRecord(c.cfg.DataDir); err == nil && r.PID == os.Getpid() {
			c.srv = srv
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("in-process server did not come up within %s", inProcessStartTimeout)
}

// inproc returns the in-process server, if that is how we are connected.
func (c *Client) inproc() *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srv
}

// Start eagerly connects to (or starts) the project's server.
func (c *Client) Start() error {
	return c.ensure()
}

// Stop disconnects the client: the remote event poller halts, and an
// in-process server is shut down. A detached server keeps running.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.pollerStop != nil {
		close(c.pollerStop)
		c.pollerStop = nil
	}
	c.callbacks = nil
	srv := c.srv
	c.srv = nil
	c.rec = nil
	c.mu.Unlock()
	if srv != nil {
		srv.RequestShutdown()
	}
}

// StopServer shuts down the project's server, detached or in-process. It is
// not an error if no server is running.
func (c *Client) StopServer() error {
	if srv := c.inproc(); srv != nil {
		c.Stop()
		return nil
	}
	rec, err := discovery.Discover(c.cfg.DataDir)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
	err = c.apiDo("POST", "/api/shutdown", nil, nil)
	c.mu.Lock()
	c.rec = nil
	c.mu.Unlock()
	return err
}

// ServerStatus reports whether a server is running for this project, without
// spawning one.
type ServerStatus struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	Port       int    `json:"port,omitempty"`
	URL        string `json:"url,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	StudyCount int    `json:"study_count,omitempty"`
}

func (c *Client) ServerStatus() ServerStatus {
	if srv := c.inproc(); srv != nil {
		return ServerStatus{
			Running:    true,
			PID:        os.Getpid(),
			Port:       srv.Port(),
			URL:        srv.DisplayURL(),
			SessionID:  srv.SessionID(),
			StudyCount: len(srv.Manager().Labels()),
		}
	}
	rec, err := discovery.Discover(c.cfg.DataDir)
	if err != nil {
		return ServerStatus{}
	}
	st := ServerStatus{Running: true, PID: rec.PID, Port: rec.Port, URL: rec.URL, SessionID: rec.SessionID}
	if hs, ok := discovery.Health(rec.Port, rec.SessionID); ok {
		st.StudyCount = hs.StudyCount
	}
	return st
}

// manager returns a study manager for offline-capable operations: the
// server's own manager in-process, otherwise a fresh one over the data dir.
func (c *Client) manager() (*study.Manager, error) {
	if srv := c.inproc(); srv != nil {
		return srv.Manager(), nil
	}
	return study.New(c.cfg.DataDir)
}

// Package-level API over the shared default client.

func Show(obj any, opts *ShowOptions) (*card.Response, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.Show(obj, opts)
}

func Section(title, studyLabel string) (card.Handle, error) {
	c, err := getClient()
	if err != nil {
		return card.Handle{}, err
	}
	return c.Section(title, studyLabel)
}

func Confirm(message string, opts *ShowOptions) (bool, error) {
	c, err := getClient()
	if err != nil {
		return false, err
	}
	return c.Confirm(message, opts)
}

func Ask(question string, options []string, opts *ShowOptions) (string, error) {
	c, err := getClient()
	if err != nil {
		return "", err
	}
	return c.Ask(question, options, opts)
}

func NewProgress(title string, opts *ShowOptions) (*Progress, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.NewProgress(title, opts)
}

func WaitFor(cardID string, timeout time.Duration) (*card.Response, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.WaitFor(cardID, timeout)
}

func GetSelection(cardID string) (*frame.Frame, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.GetSelection(cardID)
}

func GetCard(cardID string) (*card.Card, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.GetCard(cardID)
}

func OnEvent(cb func(card.Event)) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	return c.OnEvent(cb)
}

func ListAnnotations(studyLabel string) ([]AnnotationEntry, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.ListAnnotations(studyLabel)
}

func StudyContext(studyLabel string) (map[string]any, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.StudyContext(studyLabel)
}

func ListStudies() ([]study.Info, error) {
	c, err := getClient()
	if err != nil {
		return nil, err
	}
	return c.ListStudies()
}

func DeleteStudy(studyLabel string) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	return c.DeleteStudy(studyLabel)
}

func CleanStudies(olderThan string) (int, error) {
	c, err := getClient()
	if err != nil {
		return 0, err
	}
	return c.CleanStudies(olderThan)
}

func Export(path, format, studyLabel string) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	return c.Export(path, format, studyLabel)
}

func RegisterOutputDir(studyLabel, path string) (string, error) {
	c, err := getClient()
	if err != nil {
		return "", err
	}
	return c.RegisterOutputDir(studyLabel, path)
}

func Start() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	return c.Start()
}

func Stop() {
	if c, err := getClient(); err == nil {
		c.Stop()
	}
}

func StopServer() error {
	c, err := getClient()
	if err != nil {
		return err
	}
	return c.StopServer()
}

func Status() ServerStatus {
	c, err := getClient()
	if err != nil {
		return ServerStatus{}
	}
	return c.ServerStatus()
}
