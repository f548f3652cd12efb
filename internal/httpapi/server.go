// Package httpapi exposes the scanner over HTTP: the /scan hot path, a
// JWT-authenticated and rate-limited /datasets/reload control path, and the
// usual /health, /stats, and /metrics operational endpoints, following the
// teacher's signature-engine HTTP surface generalized from a single-source
// byte scanner to this system's multi-source text scanner.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/layer0-scanner/internal/registry"
	"github.com/swarmguard/layer0-scanner/internal/reload"
	"github.com/swarmguard/layer0-scanner/internal/resilience"
	"github.com/swarmguard/layer0-scanner/internal/scanner"
	"github.com/swarmguard/layer0-scanner/internal/validate"
)

// Server wires the scanner, reload controller, and their operational
// endpoints into an http.Handler.
type Server struct {
	scan          *scanner.Scanner
	reloadCtl     *reload.Controller
	registry      *registry.Registry
	limits        validate.Limits
	reloadSecret  string
	reloadLimiter *resilience.RateLimiter
	promHandler   http.Handler
	version       string
	logger        *slog.Logger

	startedAt time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithPrometheusHandler mounts h at /metrics. Passing a nil h leaves
// /metrics unmounted, matching the teacher's conditional mount when its
// own Prometheus exporter failed to initialize.
func WithPrometheusHandler(h http.Handler) Option {
	return func(s *Server) { s.promHandler = h }
}

// WithReloadJWTSecret requires a valid HS256 bearer token on
// /datasets/reload. An empty secret leaves the endpoint unauthenticated,
// for local development only.
func WithReloadJWTSecret(secret string) Option {
	return func(s *Server) { s.reloadSecret = secret }
}

// WithReloadRateLimiter guards /datasets/reload against repeated
// accidental triggers (e.g. a misconfigured CI job hammering the endpoint).
func WithReloadRateLimiter(rl *resilience.RateLimiter) Option {
	return func(s *Server) { s.reloadLimiter = rl }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New constructs a Server. limits bounds inbound /scan payload shape ahead
// of the scanner's own byte-size gate. reg is the live rule registry,
// queried read-only by /health and /stats.
func New(scan *scanner.Scanner, reloadCtl *reload.Controller, reg *registry.Registry, limits validate.Limits, version string, opts ...Option) *Server {
	s := &Server{
		scan:      scan,
		reloadCtl: reloadCtl,
		registry:  reg,
		limits:    limits,
		version:   version,
		logger:    slog.Default(),
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/datasets/reload", s.handleReload)
	mux.HandleFunc("/stats", s.handleStats)
	if s.promHandler != nil {
		mux.Handle("/metrics", s.promHandler)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.registry.Current()
	totalRules, totalDatasets := snap.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":            "alive",
		"rule_set_version":  snap.Version(),
		"total_rules":       totalRules,
		"total_datasets":    totalDatasets,
	})
}

type scanResponse struct {
	Status           string              `json:"status"`
	RuleID           string              `json:"rule_id,omitempty"`
	Dataset          string              `json:"dataset,omitempty"`
	Severity         string              `json:"severity,omitempty"`
	AuditToken       string              `json:"audit_token"`
	ProcessingTimeMS float64             `json:"processing_time_ms"`
	RuleSetVersion   string              `json:"rule_set_version"`
	ScannerVersion   string              `json:"scanner_version"`
	Note             string              `json:"note,omitempty"`
	ShadowMatches    []scanner.ShadowMatch `json:"shadow_matches,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := readAllLimited(r, s.limits.MaxPayloadBytes)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	payload, err := validate.ParseScanPayload(body, s.limits)
	if err != nil {
		var fe validate.FieldError
		if errors.As(err, &fe) {
			writeError(w, http.StatusBadRequest, fe.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.scan.Scan(r.Context(), scanner.Request{
		UserInput:      payload.UserInput,
		ExternalChunks: payload.ExternalChunks,
		Metadata:       payload.Metadata,
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Rule-Set-Version", res.RuleSetVersion)
	w.Header().Set("X-Scanner-Version", res.ScannerVersion)
	_ = json.NewEncoder(w).Encode(scanResponse{
		Status:           string(res.Status),
		RuleID:           res.RuleID,
		Dataset:          res.Dataset,
		Severity:         res.Severity,
		AuditToken:       res.AuditToken,
		ProcessingTimeMS: res.ProcessingTimeMS,
		RuleSetVersion:   res.RuleSetVersion,
		ScannerVersion:   res.ScannerVersion,
		Note:             res.Note,
		ShadowMatches:    res.ShadowMatches,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if s.reloadSecret != "" {
		if err := s.authorizeReload(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	if s.reloadLimiter != nil && !s.reloadLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "reload rate limit exceeded")
		return
	}

	t0 := time.Now()
	result, err := s.reloadCtl.Reload(r.Context())
	reloadTimeMS := time.Since(t0).Seconds() * 1000

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.logger.Error("manual reload failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "failure",
			"reload_time_ms": reloadTimeMS,
			"diagnostics":    result.Diagnostics,
			"error":          err.Error(),
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "success",
		"rule_set_version": result.RuleSetVersion,
		"total_rules":      result.TotalRules,
		"reload_time_ms":   reloadTimeMS,
		"diagnostics":      result.Diagnostics,
	})
}

// authorizeReload requires a Bearer HS256 JWT signed with the configured
// reload secret, mirroring the gateway's Authorization header convention.
func (s *Server) authorizeReload(r *http.Request) error {
	token := extractBearerToken(r)
	if token == "" {
		return errors.New("missing bearer token")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.reloadSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}
	return nil
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap := s.registry.Current()
	totalRules, totalDatasets := snap.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":          s.version,
		"goroutines":       runtime.NumGoroutine(),
		"uptime_s":         time.Since(s.startedAt).Seconds(),
		"rule_set_version": snap.Version(),
		"total_rules":      totalRules,
		"total_datasets":   totalDatasets,
	})
}

func readAllLimited(r *http.Request, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	limited := io.LimitReader(r.Body, int64(maxBytes)+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(buf) > maxBytes {
		return nil, errors.New("payload too large")
	}
	return buf, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
