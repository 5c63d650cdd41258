// Package webhook hosts the relay's HTTP surface: the margin-command webhook,
// the cached position API, the WebSocket feed for dashboard views, health and
// metrics.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"margin_relay/internal/config"
	"margin_relay/internal/core"
	"margin_relay/internal/infrastructure/health"
	"margin_relay/pkg/telemetry"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "margin_relay_websocket_active_connections",
		Help: "Current number of active WebSocket subscribers",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "margin_relay_websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// Server is the relay's single HTTP listener. Margin commands arrive on
// POST /webhook; dashboard views read GET /api/positions or subscribe on
// GET /ws; POST /api/refresh forces a poll.
type Server struct {
	cfg       config.WebhookConfig
	hub       *Hub
	reader    core.PositionReader
	setter    core.MarginSetter
	refresher core.Refresher
	health    *health.HealthManager
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	defaultQuery core.PositionQuery

	srv      *http.Server
	upgrader websocket.Upgrader
	mu       sync.Mutex

	// WebSocket connection cap
	connSemaphore chan struct{}

	// Per-IP rate limiting for /webhook
	ipLimiters sync.Map // map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
}

// NewServer wires the HTTP surface over its collaborators. refresher may be
// nil when no monitor runs (the webhook then only invalidates).
func NewServer(cfg config.WebhookConfig, hub *Hub, reader core.PositionReader, setter core.MarginSetter, refresher core.Refresher, logger core.ILogger) *Server {
	s := &Server{
		cfg:           cfg,
		hub:           hub,
		reader:        reader,
		setter:        setter,
		refresher:     refresher,
		logger:        logger.WithField("component", "webhook_server"),
		metrics:       telemetry.GetGlobalMetrics(),
		connSemaphore: make(chan struct{}, cfg.MaxClients),
		rateLimit:     rate.Limit(cfg.RateLimit),
		rateBurst:     cfg.RateBurst,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// SetHealthManager attaches the aggregated health checks served on /health.
func (s *Server) SetHealthManager(hm *health.HealthManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = hm
}

// SetDefaultQuery sets the position scope served when /api/positions is
// called without parameters.
func (s *Server) SetDefaultQuery(query core.PositionQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultQuery = query
}

// Run starts the listener on the configured address and blocks until the
// context is canceled. Satisfies bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	return s.Start(ctx, s.cfg.ListenAddr)
}

// Start starts the HTTP server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/refresh", s.handleRefresh)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.mu.Unlock()

	s.logger.Info("Starting webhook server", "addr", addr)
	if string(s.cfg.Secret) == "" && s.cfg.AllowUnauthenticated {
		s.logger.Warn("Webhook authentication disabled; accepting unauthenticated commands")
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	s.logger.Info("Stopping webhook server")
	return s.srv.Shutdown(ctx)
}

// authorize checks the bearer token against the configured webhook secret
// with a constant-time compare. With no secret configured the listener runs
// in the explicitly opted-in open mode.
func (s *Server) authorize(r *http.Request) bool {
	secret := string(s.cfg.Secret)
	if secret == "" {
		return s.cfg.AllowUnauthenticated
	}

	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(secret)) == 1
}

// allowRequest enforces the per-IP webhook rate limit. A zero configured
// limit disables it.
func (s *Server) allowRequest(r *http.Request) bool {
	if s.rateLimit <= 0 {
		return true
	}
	return s.getIPLimiter(s.getRemoteIP(r)).Allow()
}

// checkOrigin validates the WebSocket connection origin against the
// allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header",
			"remote_addr", r.RemoteAddr)
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin",
			"origin", origin,
			"error", err)
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			s.logger.Warn("WebSocket connection allowed via wildcard origin",
				"origin", origin,
				"remote_addr", r.RemoteAddr)
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
		"allowed_origins", s.cfg.AllowedOrigins)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket upgrades the connection and pumps hub messages until the
// subscriber disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.logger.Warn("Max WebSocket subscribers reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID)
	s.hub.Register(client)

	s.logger.Info("Subscriber connected", "client_id", clientID, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()

	s.logger.Info("Subscriber disconnected", "client_id", clientID)
}

// writePump sends hub messages to the WebSocket connection and keeps it
// alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("Write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection for pong handling; subscribers never send
// payload messages.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read error", "client_id", client.id, "error", err)
			}
			break
		}
	}
}

// handleHealth reports aggregate component health plus subscriber count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	}
	code := http.StatusOK

	if s.health != nil {
		response["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			response["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, response)
}

// ClientCount returns the number of connected WebSocket subscribers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Address returns the server address (for testing).
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// getRemoteIP extracts the client IP address. RemoteAddr is used directly;
// forwarded headers are spoofable.
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates the rate limiter for an IP.
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}

	newLimiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
