// Package sandbox is a local stand-in for the portal's public result API. It issues codes
// into its own log (delivery is always disabled), verifies them, and serves result PDFs to
// holders of a download grant. It is meant for development and demos only.
package sandbox

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"medlab-portal/resultaccess/internal/challenge"
	"medlab-portal/resultaccess/internal/logging"
	"medlab-portal/resultaccess/internal/result/domain"
	"medlab-portal/resultaccess/internal/sandbox/otp"
	"medlab-portal/resultaccess/internal/sandbox/store"
	"medlab-portal/resultaccess/internal/sandbox/token"
)

const (
	maxVerifyBody = 4 << 10
	limiterIdle   = 5 * time.Minute
	devCodeNote   = "DEV MODE ONLY"
)

// Options configures a Server. Zero values take the portal's defaults.
type Options struct {
	CodeDigits     int
	CodeTTL        time.Duration
	ResendCooldown time.Duration
	MaxAttempts    int
	GrantTTL       time.Duration
	RatePerMinute  int
	// ExposeCodes mounts GET /api/dev/otp/{id}.
	ExposeCodes bool
	// SigningKey signs download grants. nil generates a key for this process.
	SigningKey *ecdsa.PrivateKey
	// Registry receives the sandbox metrics and backs /metrics. nil uses a private registry.
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server serves the public result API.
type Server struct {
	results map[string]Result
	digits  int
	codes   *store.MemoryStore
	grants  *token.Issuer
	limiter *clientLimiter
	metrics *metrics
	logger  *zap.Logger
	handler http.Handler
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type resultInfo struct {
	ID               string `json:"id"`
	ReferenceDossier string `json:"referenceDossier"`
	PatientFirstName string `json:"patientFirstName"`
	PatientLastName  string `json:"patientLastName"`
	PatientBirthdate string `json:"patientBirthdate,omitempty"`
}

type issueResponse struct {
	Success          bool   `json:"success"`
	MaskedPhone      string `json:"maskedPhone"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	WhatsappEnabled  bool   `json:"whatsappEnabled"`
	Message          string `json:"message"`
}

type verifyResponse struct {
	Success       bool   `json:"success"`
	AccessGranted bool   `json:"accessGranted"`
	AccessToken   string `json:"accessToken,omitempty"`
	Message       string `json:"message"`
}

// New returns a server for results. Call Close to stop its background work.
func New(results []Result, opts Options) (*Server, error) {
	key := opts.SigningKey
	if key == nil {
		var err error
		if key, err = token.GenerateKey(); err != nil {
			return nil, fmt.Errorf("sandbox: signing key: %w", err)
		}
	}
	digits := opts.CodeDigits
	if digits <= 0 {
		digits = otp.DefaultDigits
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		results: make(map[string]Result, len(results)),
		digits:  digits,
		codes: store.NewMemoryStore(store.Config{
			TTL:         opts.CodeTTL,
			Cooldown:    opts.ResendCooldown,
			MaxAttempts: opts.MaxAttempts,
			KeepPlain:   opts.ExposeCodes,
		}),
		grants:  token.NewIssuer(key, opts.GrantTTL),
		limiter: newClientLimiter(opts.RatePerMinute, limiterIdle),
		metrics: newMetrics(reg),
		logger:  logging.OrNop(opts.Logger),
	}
	for _, r := range results {
		s.results[r.ID] = r
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)
	r.Handle("/metrics", metricsHandler(reg))
	r.Route("/api", func(r chi.Router) {
		r.Route("/public/results/{id}", func(r chi.Router) {
			r.Use(s.limiter.middleware(func(*http.Request) { s.metrics.rateLimited.Inc() }))
			r.Get("/", s.lookup)
			r.Post("/request-otp", s.issue)
			r.Post("/resend-otp", s.issue)
			r.Post("/verify-otp", s.verify)
			r.Get("/download", s.download)
		})
		if opts.ExposeCodes {
			r.Get("/dev/otp/{id}", s.devCode)
		}
	})
	s.handler = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close stops the rate limiter's sweep.
func (s *Server) Close() { s.limiter.Stop() }

func (s *Server) result(w http.ResponseWriter, r *http.Request) (Result, bool) {
	res, ok := s.results[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "NOT_FOUND", Message: "Résultat introuvable."})
	}
	return res, ok
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resultInfo{
		ID:               res.ID,
		ReferenceDossier: res.Reference,
		PatientFirstName: res.FirstName,
		PatientLastName:  res.LastName,
		PatientBirthdate: res.Birthdate,
	})
}

// issue serves both request-otp and resend-otp: a fresh code replaces the previous one.
func (s *Server) issue(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(res.Phone) == "" {
		s.metrics.issued.WithLabelValues("no_phone").Inc()
		writeJSON(w, http.StatusBadRequest, apiError{
			Error:   "NO_PHONE",
			Message: "Aucun numéro de téléphone enregistré pour ce résultat.",
		})
		return
	}
	code, err := otp.Generate(s.digits)
	if err != nil {
		s.internalError(w, "generate code", err)
		return
	}
	issued, err := s.codes.Issue(r.Context(), res.ID, code)
	var cooldown *store.CooldownError
	if errors.As(err, &cooldown) {
		s.metrics.issued.WithLabelValues("cooldown").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.Wait.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, apiError{
			Error:   "RESEND_COOLDOWN",
			Message: "Veuillez patienter avant de demander un nouveau code.",
		})
		return
	}
	if err != nil {
		s.internalError(w, "store code", err)
		return
	}

	s.metrics.issued.WithLabelValues("ok").Inc()
	// Delivery is disabled: the log is the only place the code appears.
	s.logger.Info("sandbox: code issued, delivery disabled",
		zap.String("result_id", res.ID),
		zap.String("code_id", issued.ID),
		zap.String("code", code),
		zap.Time("expires_at", issued.ExpiresAt))

	minutes := int(s.codes.TTL() / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	writeJSON(w, http.StatusOK, issueResponse{
		Success:          true,
		MaskedPhone:      challenge.MaskContact(res.Phone),
		ExpiresInMinutes: minutes,
		WhatsappEnabled:  false,
		Message:          "Code envoyé.",
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxVerifyBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "INVALID_REQUEST", Message: "Requête invalide."})
		return
	}

	err := s.codes.Verify(r.Context(), res.ID, strings.TrimSpace(body.Code))
	if err == nil {
		grant, _, err := s.grants.Issue(res.ID)
		if err != nil {
			s.internalError(w, "issue grant", err)
			return
		}
		s.metrics.verifications.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, verifyResponse{
			Success:       true,
			AccessGranted: true,
			AccessToken:   grant,
			Message:       "Accès autorisé.",
		})
		return
	}

	reject := apiError{Error: "INVALID_CODE", Message: "Code invalide."}
	switch {
	case errors.Is(err, store.ErrExpired):
		reject = apiError{Error: "CODE_EXPIRED", Message: "Code expiré. Demandez un nouveau code."}
	case errors.Is(err, store.ErrTooManyAttempts):
		reject = apiError{Error: "TOO_MANY_ATTEMPTS", Message: "Trop de tentatives. Demandez un nouveau code."}
	case errors.Is(err, store.ErrNoCode):
		reject = apiError{Error: "NO_ACTIVE_CODE", Message: "Aucun code actif. Demandez un nouveau code."}
	}
	s.metrics.verifications.WithLabelValues(strings.ToLower(reject.Error)).Inc()
	writeJSON(w, http.StatusBadRequest, reject)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || s.grants.Validate(strings.TrimSpace(bearer), res.ID) != nil {
		s.metrics.downloads.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, apiError{Error: "UNAUTHORIZED", Message: "Accès non autorisé."})
		return
	}
	data, err := res.document()
	if err != nil {
		s.metrics.downloads.WithLabelValues("error").Inc()
		s.internalError(w, "read document", err)
		return
	}
	s.metrics.downloads.WithLabelValues("ok").Inc()
	name := (&domain.Reference{ReferenceCode: res.Reference}).DownloadFileName()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) devCode(w http.ResponseWriter, r *http.Request) {
	code, ok := s.codes.Peek(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "NOT_FOUND", Message: "OTP not found or expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code, "note": devCodeNote})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("sandbox: "+what, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, apiError{Error: "INTERNAL", Message: "Erreur interne."})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("sandbox: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
