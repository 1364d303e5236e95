// Package apiServer exposes the translation server over HTTP. All state
// lives in the ocrtsl.Server handle; this package only validates requests,
// maps errors to status codes and shapes JSON.
package apiServer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	ocrtsl "github.com/Crivella/ocr-translate-sub000"
	"github.com/Crivella/ocr-translate-sub000/internal/msgq"
	"github.com/Crivella/ocr-translate-sub000/internal/registry"
	"github.com/Crivella/ocr-translate-sub000/internal/store"
	"github.com/Crivella/ocr-translate-sub000/pkg/stage"
)

const serverVersion = "0.1.0"

const csrfCookie = "csrftoken"
const csrfHeader = "X-CSRFToken"

// Non-standard status codes of the API surface.
const (
	statusLanguagesNotLoaded = 512
	statusModelsNotLoaded    = 513
)

type Server struct {
	mux *http.ServeMux
	srv *ocrtsl.Server
	log *slog.Logger
}

type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func New(srv *ocrtsl.Server, opts ...Option) *Server {
	s := &Server{
		mux: http.NewServeMux(),
		srv: srv,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHandshake)
	s.mux.HandleFunc("POST /set_models/", s.handleSetModels)
	s.mux.HandleFunc("POST /set_lang/", s.handleSetLang)
	s.mux.HandleFunc("POST /run_ocrtsl/", s.handleRunOCRTSL)
	s.mux.HandleFunc("POST /run_tsl/", s.handleRunTSL)
	s.mux.HandleFunc("GET /run_tsl_xua", s.handleRunTSLXUA)
	s.mux.HandleFunc("GET /get_trans/", s.handleGetTrans)
	s.mux.HandleFunc("POST /set_manual_translation/", s.handleSetManualTranslation)
	s.mux.HandleFunc("GET /get_active_options/", s.handleGetActiveOptions)
	s.mux.HandleFunc("GET /get_plugin_data/", s.handleGetPluginData)
	s.mux.HandleFunc("POST /manage_plugins/", s.handleManagePlugins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if !s.csrfOK(r) {
			http.Error(w, "csrf token missing or mismatched", http.StatusBadRequest)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// csrfOK checks the double-submit token: the header must echo the cookie
// issued on handshake.
func (s *Server) csrfOK(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	return r.Header.Get(csrfHeader) == cookie.Value
}

func (s *Server) issueCSRF(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(csrfCookie); err == nil && cookie.Value != "" {
		return
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		s.log.Error("generating csrf token", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    hex.EncodeToString(buf),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}

// statusFor maps the error taxonomy onto the API status codes. The lazy
// pipeline's cache misses are handled at the call site, where 406 applies.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrLanguageNotLoaded):
		return statusLanguagesNotLoaded
	case errors.Is(err, registry.ErrModelNotLoaded):
		return statusModelsNotLoaded
	case errors.Is(err, registry.ErrBusy), errors.Is(err, msgq.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, registry.ErrModelInactive), errors.Is(err, stage.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ocrtsl.ErrNotStarted), errors.Is(err, ocrtsl.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != statusLanguagesNotLoaded && status != statusModelsNotLoaded {
		s.log.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}
