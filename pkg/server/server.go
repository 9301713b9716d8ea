package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/directory"
	"github.com/aeolun/securechat/pkg/pipeline"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Sender is how the router reaches connections. The transport handler
// implements it; tests substitute a recorder.
type Sender interface {
	Send(id transport.ConnID, msg protocol.Message) error
	Broadcast(msg protocol.Message) error
	Close(id transport.ConnID) error
}

// Server represents the SecureChat server
type Server struct {
	config  ServerConfig
	engine  *crypto.Engine
	dir     *directory.Directory
	handler *transport.Handler
	sender  Sender
	metrics *Metrics

	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a new server instance. Nothing listens until Start.
func NewServer(config ServerConfig) *Server {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = defaults.SessionTimeout
	}

	s := &Server{
		config:    config,
		engine:    crypto.NewEngine(),
		dir:       directory.New(),
		metrics:   NewMetrics(),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}

	s.handler = transport.NewHandler(transport.Config{
		Framing:      config.Framing,
		WriteTimeout: config.WriteTimeout,
		QueueSize:    config.QueueSize,
		NewPipeline: func(remote net.Addr) *pipeline.Pipeline {
			return pipeline.NewServer(s.engine, s.requiresEncryption(transport.HostOf(remote)), debugLog)
		},
		OnConnect:    s.onConnect,
		OnReady:      s.onReady,
		OnMessage:    s.onMessage,
		OnDisconnect: s.onDisconnect,
		Logger:       debugLog,
	})
	s.sender = s.handler

	return s
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "securechat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "securechat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLogging sends errors to stderr and errors.log, and the standard log to
// stdout and server.log, both in the server data directory
func InitLogging() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log.
// Call it before NewServer so connections pick up the new logger.
func EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// requiresEncryption applies the encryption policy to a peer host
func (s *Server) requiresEncryption(host string) bool {
	if !s.config.RequireEncryption {
		return false
	}
	for _, allowed := range s.config.PlaintextHosts {
		if allowed == host {
			return false
		}
	}
	return true
}

// Start binds the TCP listener and the HTTP endpoints and starts background loops
func (s *Server) Start() error {
	if err := s.handler.Bind(s.config.TCPPort); err != nil {
		return err
	}
	log.Printf("TCP server listening on %s (%s framing, encryption required: %v)",
		s.handler.Addr(), s.config.Framing, s.config.RequireEncryption)

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: s.MetricsMux(),
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for WebSocket clients
	if s.config.HTTPPort > 0 {
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: s.PublicMux(),
		}
		go func() {
			log.Printf("Public HTTP server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.keepaliveLoop()

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Addr returns the TCP listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	return s.handler.Addr()
}

// PublicMux serves the WebSocket endpoint at /ws
func (s *Server) PublicMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handler.ServeWebSocket)
	return mux
}

// MetricsMux serves /metrics and /health
func (s *Server) MetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// HealthHandler reports liveness and a few gauges as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"connections":    s.handler.Count(),
		"users":          s.dir.Count(),
		"channels":       len(s.dir.Channels()),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		// Signal shutdown to all goroutines
		close(s.shutdown)

		if s.httpServer != nil {
			s.httpServer.Close()
		}
		if s.metricsServer != nil {
			s.metricsServer.Close()
		}

		// Closes the listener and every connection, and waits for their disconnect handling
		log.Printf("Closing %d connections...", s.handler.Count())
		s.handler.Stop()

		log.Println("Waiting for background goroutines to finish...")
		s.wg.Wait()

		s.engine.Destroy()
		log.Println("Graceful shutdown complete")
	})
	return nil
}

func (s *Server) onConnect(c *transport.Conn) {
	s.connectionsSinceReport.Add(1)
	s.metrics.RecordConnectionOpened()
	debugLog.Printf("New connection from %s (conn %d, %s)", c.RemoteAddr(), c.ID(), c.Kind())
}

func (s *Server) onReady(c *transport.Conn) {
	s.metrics.RecordHandshake("established")
	debugLog.Printf("Conn %d: handshake complete (encrypted=%v)", c.ID(), c.Pipeline().Security().Encrypted())
}

func (s *Server) onMessage(c *transport.Conn, msg protocol.Message) {
	s.handleMessage(c.ID(), c.Host(), msg)
}

func (s *Server) onDisconnect(c *transport.Conn, err error) {
	s.disconnectionsSinceReport.Add(1)
	s.metrics.RecordConnectionClosed()
	if !c.Ready() {
		s.metrics.RecordHandshake("failed")
	}
	if err != nil && !errors.Is(err, transport.ErrClosedLocally) && !errors.Is(err, io.EOF) {
		debugLog.Printf("Conn %d: disconnected: %v", c.ID(), err)
	}
	s.handleDisconnect(c.ID())
}

// keepaliveLoop pings every connection and sweeps stale users
func (s *Server) keepaliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.sender.Broadcast(protocol.NewPing()); err != nil {
				debugLog.Printf("Ping broadcast failed: %v", err)
			}
			s.sweepStale(time.Now())
		}
	}
}

// sweepStale finds users silent since before now-SessionTimeout and, when
// EvictStale is set, closes their connections. Returns the number found.
func (s *Server) sweepStale(now time.Time) int {
	stale := s.dir.Stale(now.Add(-s.config.SessionTimeout))
	for _, u := range stale {
		idle := now.Sub(u.LastSeen).Round(time.Second)
		if !s.config.EvictStale {
			debugLog.Printf("User %s (conn %d) stale for %v, eviction disabled", u.Name, u.ConnID, idle)
			continue
		}
		log.Printf("Evicting stale user %s (conn %d, inactive for %v)", u.Name, u.ConnID, idle)
		s.metrics.RecordEviction()
		if err := s.sender.Close(transport.ConnID(u.ConnID)); err != nil {
			debugLog.Printf("Evict %s: %v", u.Name, err)
		}
	}
	return len(stale)
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Connections: %d, users: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.handler.Count(), s.dir.Count(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
