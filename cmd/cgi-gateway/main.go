package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go-cgi/gateway"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Route      string    `json:"route,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

var (
	// Secret for HMAC JWTs (HS256). Set in the environment.
	jwtSecret = []byte(os.Getenv("CGI_GATEWAY_JWT_SECRET"))
)

type AdminClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticateAdmin extracts the admin identity from:
// 1) Authorization: Bearer <jwt> using HS256 + CGI_GATEWAY_JWT_SECRET
// 2) A session cookie (cgi_admin) as a fallback
func authenticateAdmin(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && len(jwtSecret) > 0 {
		tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return jwtSecret, nil
		})

		if err == nil && token.Valid && claims.UserID != "" {
			return claims.UserID, nil
		}
	}

	if c, err := r.Cookie("cgi_admin"); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", errors.New("unauthenticated")
}

func NewMetrics() *Metrics {
	return &Metrics{
		ByRoute: make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByRoute[route]; !ok {
		m.ByRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, err bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if err {
		m.TotalErrors++
	}

	rm := m.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	copy := Metrics{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		InFlight:      m.InFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.ByRoute)),
	}

	for route, rm := range m.ByRoute {
		rmCopy := *rm
		copy.ByRoute[route] = &rmCopy
	}

	return copy
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}

//
// -------------------------------------------------------------
// STATIC FILE SERVING
// -------------------------------------------------------------
//

// tryServeStatic serves static assets based on StaticRule in config.
func tryServeStatic(w http.ResponseWriter, r *http.Request, projectRoot string, rules []StaticRule) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	path := r.URL.Path

	for _, rule := range rules {
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}

		relPath := strings.TrimPrefix(path, rule.Prefix)
		relPath = filepath.Clean(relPath)

		baseDir := filepath.Join(projectRoot, rule.Dir)
		fullPath := filepath.Join(baseDir, relPath)

		// Prevent ../../ escapes
		if !strings.HasPrefix(fullPath, baseDir) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return true
		}

		info, err := os.Stat(fullPath)
		if err != nil || info.IsDir() {
			continue
		}

		http.ServeFile(w, r, fullPath)
		return true
	}

	return false
}

//
// -------------------------------------------------------------
// ROUTE TABLE (URL prefix → CGI program)
// -------------------------------------------------------------
//

type route struct {
	prefix string
	runner *gateway.Runner
}

// buildRoutes turns the config route rules into runners, longest
// prefix first so /api/admin wins over /api.
func buildRoutes(cfg *GatewayConfig, root string, limiter *gateway.Limiter) []route {
	routes := make([]route, 0, len(cfg.Routes))

	for _, rule := range cfg.Routes {
		script := rule.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(root, script)
		}

		dir := rule.Dir
		if dir == "" {
			dir = filepath.Dir(script)
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}

		routes = append(routes, route{
			prefix: rule.Prefix,
			runner: &gateway.Runner{
				Script:     script,
				Args:       rule.Args,
				Dir:        dir,
				ScriptName: strings.TrimSuffix(rule.Prefix, "/"),
				ServerPort: cfg.listenPort(),
				Timeout:    time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
				Limiter:    limiter,
			},
		})
	}

	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].prefix) > len(routes[j].prefix)
	})
	return routes
}

func matchRoute(routes []route, path string) *route {
	for i := range routes {
		if strings.HasPrefix(path, routes[i].prefix) {
			return &routes[i]
		}
	}
	return nil
}

// mapScriptErrorToStatus converts invocation errors into HTTP status codes.
func mapScriptErrorToStatus(err error) int {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "timeout"):
		// the CGI program timed out handling the request
		return http.StatusGatewayTimeout // 504 Gateway Timeout
	case strings.Contains(msg, "no such file"),
		strings.Contains(msg, "permission denied"):
		// the program itself is missing or not executable
		return http.StatusBadGateway // 502 Bad Gateway
	default:
		return http.StatusBadGateway
	}
}

// writeScriptError logs and sends an appropriate HTTP error to the client.
func writeScriptError(w http.ResponseWriter, err error) {
	status := mapScriptErrorToStatus(err)
	log.Printf("[cgi] error (status=%d): %v", status, err)
	http.Error(w, http.StatusText(status), status)
}

//
// -------------------------------------------------------------
// PROJECT ROOT DISCOVERY (dir containing go.mod)
// -------------------------------------------------------------
//

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}

//
// -------------------------------------------------------------
// MAIN GATEWAY SETUP
// -------------------------------------------------------------
//

func main() {
	root := getProjectRoot()
	cfg := loadConfig(root)

	limiter := gateway.NewLimiter(cfg.MaxConcurrent)
	routes := buildRoutes(cfg, root, limiter)

	metrics := NewMetrics()
	hub := gateway.NewHub()
	mux := http.NewServeMux()

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// TODO: lighten up for production
			return true
		},
	}

	// Event stream for dev tooling: request logs and reload notices
	// over WebSocket, admin-only.
	mux.HandleFunc("/__gateway/events", func(w http.ResponseWriter, r *http.Request) {
		admin, err := authenticateAdmin(r)
		if err != nil || admin == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			channel = "logs"
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		client := hub.Subscribe(channel)
		defer hub.Unsubscribe(channel, client)

		done := make(chan struct{})

		// writer goroutine
		go func() {
			defer close(done)

			for msg := range client.Send {
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("[ws] write error (admin %s): %v", admin, err)
					return
				}
			}
		}()

		// reader loop, only to notice the peer going away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseAbnormalClosure,
				) {
					return
				}
				log.Printf("[ws] read error (admin %s): %v", admin, err)
				return
			}
		}
	})

	// Same stream as SSE for tooling that can't speak WebSocket.
	mux.HandleFunc("/__gateway/logs", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		if _, err := authenticateAdmin(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		channel := r.URL.Query().Get("channel")
		if channel == "" {
			channel = "logs"
		}

		client := hub.Subscribe(channel)
		defer hub.Unsubscribe(channel, client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// initial comment so EventSource opens
		_, _ = w.Write([]byte(": connected\n\n"))
		flusher.Flush()

		for {
			select {
			case ev, open := <-client.Send:
				if !open {
					return
				}
				if ev.Type != "" {
					_, _ = w.Write([]byte("event: " + ev.Type + "\n"))
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(ev.Data)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	// Health summary: per-route runner counters plus limiter state.
	mux.HandleFunc("/__gateway/health", func(w http.ResponseWriter, r *http.Request) {
		summary := map[string]any{
			"status":      "ok",
			"in_flight":   limiter.InUse(),
			"max_in_use":  limiter.Cap(),
			"route_count": len(routes),
		}
		runners := make(map[string]gateway.RunnerStats, len(routes))
		for _, rt := range routes {
			runners[rt.prefix] = rt.runner.Stats()
		}
		summary["runners"] = runners

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "Failed to encode health summary", http.StatusInternalServerError)
			return
		}
	})

	// Metrics endpoint
	mux.HandleFunc("/__gateway/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	})

	// Main application handler
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// 1) Try static assets first
		if tryServeStatic(w, r, root, cfg.Static) {
			return
		}

		// 2) Find the CGI program for this path
		rt := matchRoute(routes, r.URL.Path)
		if rt == nil {
			http.NotFound(w, r)
			return
		}

		reqID := uuid.New().String()
		start := time.Now()

		routeKey := rt.prefix
		metrics.StartRequest(routeKey)

		resp, err := rt.runner.Invoke(r, reqID)
		if err != nil {
			elapsed := time.Since(start)
			metrics.EndRequest(routeKey, elapsed, true)
			writeScriptError(w, err)

			entry := RequestLog{
				Time:       time.Now(),
				ID:         reqID,
				Method:     r.Method,
				Path:       r.URL.RequestURI(),
				Status:     mapScriptErrorToStatus(err),
				DurationMs: float64(elapsed.Milliseconds()),
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
				Route:      routeKey,
				Error:      err.Error(),
			}
			logRequestJSON(entry)
			hub.Publish("logs", "request", entry)
			return
		}

		// If the program returns 404, give static another chance
		if resp.Status == http.StatusNotFound {
			if tryServeStatic(w, r, root, cfg.Static) {
				elapsed := time.Since(start)
				metrics.EndRequest(routeKey, elapsed, false)
				return
			}
		}

		// Copy headers, preserving duplicates (Set-Cookie etc.)
		for name, values := range resp.Headers {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}

		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)

		// Final metrics + structured log
		elapsed := time.Since(start)
		metrics.EndRequest(routeKey, elapsed, false)

		entry := RequestLog{
			Time:       time.Now(),
			ID:         reqID,
			Method:     r.Method,
			Path:       r.URL.RequestURI(),
			Status:     resp.Status,
			DurationMs: float64(elapsed.Milliseconds()),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			Route:      routeKey,
		}
		logRequestJSON(entry)
		hub.Publish("logs", "request", entry)
	})

	// Hot reload (if enabled): watch the script directories and push
	// reload events to subscribed tooling.
	var watcher *gateway.Watcher
	if cfg.HotReload {
		dirs := make([]string, 0, len(routes)+len(cfg.WatchDirs))
		for _, rt := range routes {
			dirs = append(dirs, rt.runner.Dir)
		}
		for _, d := range cfg.WatchDirs {
			if !filepath.IsAbs(d) {
				d = filepath.Join(root, d)
			}
			dirs = append(dirs, d)
		}

		w, err := gateway.WatchDirs(hub, func(path string) {
			log.Printf("[watch] changed: %s", path)
		}, dirs...)
		if err != nil {
			log.Println("Hot reload disabled:", err)
		} else {
			watcher = w
			log.Println("Hot reload enabled")
		}
	}

	// Resolve listen address: CGI_GATEWAY_ADDR env or config
	addr := os.Getenv("CGI_GATEWAY_ADDR")
	if addr == "" {
		addr = cfg.Listen
	}

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, shutting down HTTP server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if watcher != nil {
			_ = watcher.Close()
		}

		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[shutdown] http server shutdown error: %v", err)
		} else {
			log.Println("[shutdown] http server shut down cleanly")
		}
	}()

	// Startup banner / config summary
	log.Println("=============================================")
	log.Printf(" CGI Gateway listening on %s", addr)
	log.Println("=============================================")
	log.Printf(" Timeout: %dms", cfg.RequestTimeoutMs)
	log.Printf(" Max concurrent programs: %d", cfg.MaxConcurrent)
	log.Println(" Routes:")
	for _, rt := range routes {
		log.Printf("   %s → %s", rt.prefix, rt.runner.Script)
	}
	log.Println(" Static rules:")
	for _, rule := range cfg.Static {
		log.Printf("   %s → %s", rule.Prefix, filepath.Join(root, rule.Dir))
	}
	log.Println("=============================================")

	// Start HTTP server (blocks until shutdown)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[server] listen error: %v", err)
	}
}
