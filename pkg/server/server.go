// Package server implements the relaychat session engine: connection
// lifecycle, authentication state, the presence table, and the routing
// decision between direct push delivery and the offline queue.
package server

import (
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/store"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger

	loggerInit sync.Once

	// Instruments register against the default Prometheus registry, which
	// permits each name once per process. Multiple servers (as in tests)
	// share the same instance.
	metricsInit   sync.Once
	sharedMetrics *Metrics
)

// Server is the relaychat server: one TCP listener, an optional WebSocket
// bridge, and a session engine on top of a UserStore.
type Server struct {
	store     store.UserStore
	listener  net.Listener
	sessions  *SessionManager
	config    ServerConfig
	shutdown  chan struct{}
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer creates a new server instance on top of an opened user store.
// The server takes ownership of the store and closes it on Stop.
func NewServer(st store.UserStore, config ServerConfig) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metricsInit.Do(func() { sharedMetrics = NewMetrics() })
	metrics := sharedMetrics
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		store:     st,
		sessions:  sessions,
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "relaychat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "relaychat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers. Safe to call from multiple
// server constructions; only the first call configures outputs.
func initLoggers() error {
	var initErr error
	loggerInit.Do(func() {
		dataDir, err := getServerDataDir()
		if err != nil {
			initErr = err
			return
		}

		// Error log goes to stderr and errors.log
		errorLogPath := filepath.Join(dataDir, "errors.log")
		errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			initErr = err
			return
		}

		// Startup marker distinguishes runs in the shared append-only log
		startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
		if _, err := errorFile.WriteString(startupMsg); err != nil {
			initErr = err
			return
		}

		errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

		// Debug log goes to /dev/null by default (see EnableDebugLogging)
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	})
	return initErr
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
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

// Start starts the TCP listener and auxiliary HTTP servers.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP listener on %s", listener.Addr())

	// Internal metrics server - never expose publicly
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public WebSocket bridge
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: publicMux,
		}
		go func() {
			log.Printf("WebSocket bridge listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("WebSocket bridge error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	s.wg.Add(1)
	go s.acceptLoop(s.listener)

	return nil
}

// Addr returns the address the TCP listener is bound to.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}

	if s.httpServer != nil {
		s.httpServer.Close()
		s.httpServer = nil
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
		s.metricsServer = nil
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports process liveness and basic counters.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"sessions":%d,"online":%d}`,
		int64(time.Since(s.startTime).Seconds()),
		s.sessions.CountSessions(),
		s.sessions.CountOnline(),
	)
}

// acceptLoop accepts incoming connections. The listener is passed in so the
// loop never reads s.listener, which Stop sets to nil concurrently.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection sets up a session for an accepted connection and runs its
// request loop. Shared by the TCP accept loop and the WebSocket bridge.
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(conn, time.Now().UnixMilli())
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", conn.RemoteAddr(), sess.ID)

	s.sessionLoop(sess, conn)
}

// sessionLoop reads one framed request at a time and dispatches it. Any
// framing or parse failure, unknown action, or unrecoverable downstream
// fault closes the connection; the deferred removal releases the presence
// entry before the goroutine exits.
func (s *Server) sessionLoop(sess *Session, conn net.Conn) {
	defer conn.Close()
	defer s.removeSession(sess.ID)

	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			// Session may already be gone (evicted or closed by cleanup)
			_, exists := s.sessions.GetSession(sess.ID)
			s.removeSession(sess.ID)

			if exists {
				s.disconnectionsSinceReport.Add(1)
				if err == io.EOF {
					debugLog.Printf("Session %d: client disconnected", sess.ID)
				} else {
					debugLog.Printf("Session %d: read error: %v", sess.ID, err)
				}
			}
			return
		}

		sess.Touch(time.Now().UnixMilli())

		req, err := protocol.DecodeRequest(frame.Payload)
		if err != nil {
			// Corrupted stream: no resynchronization attempt
			errorLog.Printf("Session %d: malformed request: %v", sess.ID, err)
			return
		}

		debugLog.Printf("Session %d ← RECV: action=%s payload=%d bytes", sess.ID, req.Action, len(frame.Payload))
		if s.metrics != nil {
			s.metrics.RecordRequest(req.Action)
		}

		resp, err := s.handleRequest(sess, req)
		if err != nil {
			if errors.Is(err, ErrUnknownAction) {
				errorLog.Printf("Session %d: %v", sess.ID, err)
			} else {
				errorLog.Printf("Session %d: %s failed: %v", sess.ID, req.Action, err)
			}
			return
		}

		if err := s.sendRecord(sess, resp); err != nil {
			errorLog.Printf("Session %d: response write failed: %v", sess.ID, err)
			return
		}
	}
}

func (s *Server) removeSession(sessionID uint64) {
	s.sessions.RemoveSession(sessionID)
}

// encodable is any outbound record.
type encodable interface {
	Encode() ([]byte, error)
}

// sendRecord frames and writes a response record to a session.
func (s *Server) sendRecord(sess *Session, msg encodable) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Flags:   0,
		Payload: payload,
	}

	debugLog.Printf("Session %d → SEND: payload=%d bytes", sess.ID, len(payload))
	if s.metrics != nil {
		s.metrics.RecordRecordSent("response")
	}
	return sess.Conn.EncodeFrame(frame)
}

// sendPush frames and writes an unsolicited push record to a session.
func (s *Server) sendPush(sess *Session, msg *protocol.PushMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	frame := &protocol.Frame{
		Version: protocol.ProtocolVersion,
		Flags:   0,
		Payload: payload,
	}

	debugLog.Printf("Session %d → PUSH: from=%s payload=%d bytes", sess.ID, msg.From, len(payload))
	if s.metrics != nil {
		s.metrics.RecordRecordSent("push")
	}
	return sess.Conn.EncodeFrame(frame)
}

// metricsLoggingLoop periodically logs key counters
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.sessions.CountSessions()
			onlineUsers := s.sessions.CountOnline()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Sessions: %d (%d online), connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, onlineUsers, connected, disconnected, goroutines)
		}
	}
}

// sessionCleanupLoop periodically reclaims idle sessions
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupStaleSessions()
		}
	}
}

// cleanupStaleSessions removes sessions that have been inactive past the
// configured timeout
func (s *Server) cleanupStaleSessions() {
	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	for _, sess := range s.sessions.GetAllSessions() {
		if sess.LastActivity() < cutoff {
			s.disconnectionsSinceReport.Add(1)
			debugLog.Printf("Closing stale session %d (inactive for %v)", sess.ID, timeout)
			s.removeSession(sess.ID)
		}
	}
}
