package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/splax/revf/internal/domain"
	"github.com/splax/revf/internal/service/auth"
	"github.com/splax/revf/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	handler      http.Handler
	logger       *slog.Logger
	auth         auth.Service
	presence     *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	cookieSecure bool
	dbHealth     func(context.Context) error

	trustedProxies []netip.Prefix

	metricsOnce        sync.Once
	metricsInitialized bool
	registry           *prometheus.Registry
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Options carries transport settings for NewRouter.
type Options struct {
	CookieSecure   bool
	AllowedOrigins []string
	DBHealth       func(context.Context) error
	// TrustedProxies may set X-Forwarded-For; see ParseTrustedProxies.
	TrustedProxies []netip.Prefix
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitOTPIssue  = 5
	rateLimitOTPVerify = 12
	rateWindowEmail    = 15 * time.Minute
	rateLimitIssueMail = 3
	rateLimitCheckMail = 10
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 16
)

var authPrefixes = []string{"/auth", "/api/auth"}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, presence *ws.Hub, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if presence == nil {
		presence = ws.NewHub(logger)
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		presence: presence,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
		limiter:      limiter,
		cookieSecure: opts.CookieSecure,
		dbHealth:     opts.DBHealth,

		trustedProxies: opts.TrustedProxies,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	r.handler = cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(r.mux)
	return r
}

// ServeHTTP delegates to the CORS-wrapped mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
	r.presence.Close()
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", r.metricsHandler())
	for _, prefix := range authPrefixes {
		r.mux.HandleFunc(prefix+"/signup", r.audit(r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, r.rateLimitKeyIP, r.handleSignup)))
		r.mux.HandleFunc(prefix+"/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, r.rateLimitKeyIP, r.handleLogin)))
		r.mux.HandleFunc(prefix+"/logout", r.audit(r.handleLogout))
		r.mux.HandleFunc(prefix+"/otp/request", r.audit(r.withRateLimit("/auth/otp/request", rateLimitOTPIssue, rateWindowDefault, r.rateLimitKeyIP, r.handleRequestReset)))
		r.mux.HandleFunc(prefix+"/otp/verify", r.audit(r.withRateLimit("/auth/otp/verify", rateLimitOTPVerify, rateWindowDefault, r.rateLimitKeyIP, r.handleVerifyReset)))
		r.mux.HandleFunc(prefix+"/password/reset", r.audit(r.withRateLimit("/auth/password/reset", rateLimitOTPVerify, rateWindowDefault, r.rateLimitKeyIP, r.handleCompleteReset)))
		r.mux.HandleFunc(prefix+"/me", r.audit(r.handlerAuthRate("/auth/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	}
	r.mux.HandleFunc("/presence/online", r.audit(r.handlerAuthRate("/presence/online", rateLimitUserRead, rateWindowDefault, r.handleOnline)))
	r.mux.HandleFunc("/ws/presence", r.audit(r.handlerAuthRate("/ws/presence", rateLimitWebsocket, rateWindowRealtime, r.handlePresenceWS)))
}

type sessionResponse struct {
	Account domain.AccountView `json:"account"`
	Token   string             `json:"token"`
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Handle   string `json:"handle"`
		UserName string `json:"userName"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	handle := payload.Handle
	if strings.TrimSpace(handle) == "" {
		handle = payload.UserName
	}
	acct, session, err := r.auth.Enroll(req.Context(), auth.EnrollInput{
		Name:     payload.Name,
		Email:    payload.Email,
		Password: payload.Password,
		Handle:   handle,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	r.setSessionCookie(w, session.Token, r.auth.SessionTTL())
	writeJSON(w, http.StatusCreated, sessionResponse{Account: acct.View(), Token: session.Token})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Handle   string `json:"handle"`
		UserName string `json:"userName"`
		Password string `json:"password"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	handle := payload.Handle
	if strings.TrimSpace(handle) == "" {
		handle = payload.UserName
	}
	acct, session, err := r.auth.Login(req.Context(), handle, payload.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	r.setSessionCookie(w, session.Token, r.auth.SessionTTL())
	writeJSON(w, http.StatusOK, sessionResponse{Account: acct.View(), Token: session.Token})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	token, _ := sessionToken(req)
	r.auth.Logout(req.Context(), token)
	r.clearSessionCookie(w)
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

func (r *Router) handleRequestReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	if !r.throttle(w, req, "/auth/otp/request", rateLimitKeyEmail(payload.Email), rateLimitIssueMail, rateWindowEmail) {
		return
	}
	if err := r.auth.RequestReset(req.Context(), payload.Email); err != nil {
		writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "OTP sent to email")
}

func (r *Router) handleVerifyReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email string `json:"email"`
		Code  string `json:"code"`
		OTP   string `json:"otp"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	code := payload.Code
	if strings.TrimSpace(code) == "" {
		code = payload.OTP
	}
	if !r.throttle(w, req, "/auth/otp/verify", rateLimitKeyEmail(payload.Email), rateLimitCheckMail, rateWindowEmail) {
		return
	}
	if err := r.auth.VerifyReset(req.Context(), payload.Email, code); err != nil {
		writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "OTP verified")
}

func (r *Router) handleCompleteReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !r.decode(w, req, &payload) {
		return
	}
	if !r.throttle(w, req, "/auth/password/reset", rateLimitKeyEmail(payload.Email), rateLimitCheckMail, rateWindowEmail) {
		return
	}
	if err := r.auth.CompleteReset(req.Context(), payload.Email, payload.Password); err != nil {
		writeServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password reset successful")
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for profile", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	acct, err := r.auth.Account(req.Context(), info.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct.View()})
}

func (r *Router) handleOnline(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": r.presence.Online()})
}

func (r *Router) handlePresenceWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for presence websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.presence.Register(info.UserID, client)
	go func() {
		defer func() {
			r.presence.Unregister(info.UserID, client)
			client.Close()
		}()
		client.ReadLoop()
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			r.logger.Warn("health check failed", "component", "database", "error", err)
			components["database"] = map[string]any{"status": "down"}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	components["presence"] = map[string]any{"status": "up", "online": len(r.presence.Online())}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) decode(w http.ResponseWriter, req *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel folds the /api alias onto the canonical path for metrics.
func routeLabel(path string) string {
	return strings.TrimPrefix(path, "/api")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := h.Hijack()
		if err == nil && sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// originChecker allows websocket upgrades from the configured origins and
// from clients that send no Origin header.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			wildcard = true
		}
		set[origin] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
