// Package server implements a save server speaking the LiveView remote save protocol
// over TCP and, optionally, WebSocket. Accepted requests are handed to a Recorder.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liveview/lvsave/internal/codec"
	"github.com/liveview/lvsave/internal/config"
	"github.com/liveview/lvsave/internal/logger"
	"github.com/liveview/lvsave/internal/protocol"
)

// Recorder receives every accepted save request.
type Recorder interface {
	RecordSave(ctx context.Context, req protocol.SaveRequest, remoteAddr string) error
}

type Server struct {
	cfg           config.ServerConfig
	recorder      Recorder
	listener      net.Listener
	httpServer    *http.Server
	conns         map[Conn]struct{}
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	wg            sync.WaitGroup
	StartTime     time.Time
	connLimiter   *ConnLimiter
	rejectLimiter *RejectLimiter
}

// NewServer creates a server. A nil recorder accepts requests without storing them.
func NewServer(cfg config.ServerConfig, recorder Recorder) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	rejectLimiter := NewRejectLimiter(cfg.RateLimit)
	return &Server{
		cfg:           cfg,
		recorder:      recorder,
		conns:         make(map[Conn]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		shutdown:      make(chan struct{}),
		StartTime:     time.Now(),
		connLimiter:   NewConnLimiter(cfg.Connections, rejectLimiter),
		rejectLimiter: rejectLimiter,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the TCP listener without accepting connections yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound TCP address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts TCP connections until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("Error accepting connection", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	ip := extractIP(remoteAddr)

	if err := s.connLimiter.Acquire(ip); err != nil {
		logger.Warning("Connection rejected",
			"remote_addr", remoteAddr,
			"ip", ip,
			"reason", err)
		if errors.Is(err, ErrLockedOut) {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			s.reply(NewTCPConn(conn), lockedOutResponse())
		}
		conn.Close()
		return
	}
	defer s.connLimiter.Release(ip)

	s.serveConn(NewTCPConn(conn), ip)
}

// serveConn runs the request loop shared by both transports.
func (s *Server) serveConn(conn Conn, ip string) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	remoteAddr := conn.RemoteAddr()
	logger.Info("Client connected", "remote_addr", remoteAddr)
	defer logger.Info("Client disconnected", "remote_addr", remoteAddr)

	for {
		payload, err := conn.ReadBlock()
		if err != nil {
			if errors.Is(err, codec.ErrCorrupt) {
				// The stream can no longer be framed, so the connection ends here.
				logger.Warning("Corrupt request block", "remote_addr", remoteAddr, "error", err)
				s.rejectLimiter.RecordReject(ip)
				s.reply(conn, response(400, "Malformed request: block could not be decompressed."))
				return
			}
			if !isClosedError(err) {
				logger.Debug("Read failed", "remote_addr", remoteAddr, "error", err)
			}
			return
		}

		if locked, remaining := s.rejectLimiter.IsLocked(ip); locked {
			logger.Warning("Request refused - client locked out",
				"remote_addr", remoteAddr,
				"remaining", remaining.Round(time.Second))
			if err := s.reply(conn, lockedOutResponse()); err != nil {
				return
			}
			continue
		}

		resp := s.HandleRequest(s.ctx, payload, remoteAddr)
		if resp.Status == protocol.StatusOK {
			s.rejectLimiter.RecordAccept(ip)
		} else if locked, lockout := s.rejectLimiter.RecordReject(ip); locked {
			logger.Warning("Client locked out after rejected requests",
				"remote_addr", remoteAddr,
				"lockout", lockout)
		}

		if err := s.reply(conn, resp); err != nil {
			logger.Debug("Write failed", "remote_addr", remoteAddr, "error", err)
			return
		}
	}
}

// HandleRequest decodes one request payload, records it and returns the reply.
func (s *Server) HandleRequest(ctx context.Context, payload []byte, remoteAddr string) protocol.SaveResponse {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		var reqErr *protocol.RequestError
		if !errors.As(err, &reqErr) {
			reqErr = &protocol.RequestError{Status: 400, Reason: "Malformed request: " + err.Error()}
		}
		logger.Warning("Rejected save request",
			"remote_addr", remoteAddr,
			"status", reqErr.Status,
			"reason", reqErr.Reason)
		return response(reqErr.Status, reqErr.Reason)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordSave(ctx, req, remoteAddr); err != nil {
			logger.Error("Failed to record save request",
				"remote_addr", remoteAddr,
				"file", req.FileName,
				"error", err)
			return response(500, "Failed to record save request.")
		}
	}

	logger.Always("Save requested",
		"remote_addr", remoteAddr,
		"file", req.FileName,
		"frames", req.NumFrames,
		"avgs", req.NumAvgs)
	return response(protocol.StatusOK, "OK")
}

func response(status int, message string) protocol.SaveResponse {
	return protocol.SaveResponse{Status: status, Message: message, HasStatus: true}
}

func lockedOutResponse() protocol.SaveResponse {
	return response(429, "Too many rejected requests. Please try again later.")
}

func (s *Server) reply(conn Conn, resp protocol.SaveResponse) error {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return conn.WriteBlock(payload)
}

// track registers conn so Shutdown can close it and wait for its handler. It
// returns false once shutdown has begun.
func (s *Server) track(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	s.wg.Done()
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WebSocketHandler returns the HTTP handler serving /ws.
func (s *Server) WebSocketHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocketUpgrade)
	return mux
}

// StartWebSocket serves WebSocket clients on address until Shutdown.
func (s *Server) StartWebSocket(address string) error {
	httpServer := &http.Server{
		Addr:              address,
		Handler:           s.WebSocketHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	select {
	case <-s.shutdown:
		s.mu.Unlock()
		return nil
	default:
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	logger.Info("WebSocket server listening", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	// Get the real client IP (supports X-Forwarded-For from reverse proxies)
	clientIP := getRealIP(r)

	if err := s.connLimiter.Acquire(clientIP); err != nil {
		logger.Warning("WebSocket connection rejected",
			"remote_addr", r.RemoteAddr,
			"client_ip", clientIP,
			"reason", err)
		status := http.StatusTooManyRequests
		if errors.Is(err, ErrServerFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			allowed := s.cfg.WebSocket.IsOriginAllowed(origin, r.Host)
			if !allowed {
				logger.Warning("WebSocket connection rejected - origin not allowed",
					"origin", origin,
					"host", r.Host,
					"remote_addr", r.RemoteAddr)
			}
			return allowed
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", "error", err)
		s.connLimiter.Release(clientIP)
		return
	}

	go func() {
		defer s.connLimiter.Release(clientIP)
		s.serveConn(NewWebSocketConn(wsConn, s.cfg.WebSocket.MaxMessageSize), clientIP)
	}()
}

// getRealIP extracts the real client IP from an HTTP request.
// It checks X-Forwarded-For header first (for reverse proxy setups),
// then falls back to the direct remote address.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// "client, proxy1, proxy2": the first entry is the original client.
		ips := strings.Split(xff, ",")
		if clientIP := strings.TrimSpace(ips[0]); clientIP != "" {
			return clientIP
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return extractIP(r.RemoteAddr)
}

// Shutdown stops accepting clients, closes every open connection and waits for
// their handlers to return. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		httpServer := s.httpServer
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		if httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			httpServer.Shutdown(ctx)
			cancel()
		}

		s.cancel()
		s.rejectLimiter.Stop()
		s.wg.Wait()

		logger.Info("Server shutdown complete", "uptime", time.Since(s.StartTime).Round(time.Second))
	})
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
