// Package router assembles the public HTTP surface.
package router

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clinicops/reception/internal/http/handlers"
	httpmiddleware "github.com/clinicops/reception/internal/http/middleware"
	"github.com/clinicops/reception/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Reception          *handlers.ReceptionHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// ArtifactDir, when set, is served under /static/prescriptions for
	// filesystem-backed artifact storage.
	ArtifactDir string
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Post("/chat", cfg.Reception.Chat)
	r.Post("/phone", cfg.Reception.ProvidePhone)
	r.Post("/register", cfg.Reception.Register)
	r.Post("/decision", cfg.Reception.Decide)
	r.Get("/prescription/{processID}", cfg.Reception.CheckPrescription)

	if cfg.ArtifactDir != "" {
		fileServer(r, "/static/prescriptions", http.Dir(cfg.ArtifactDir))
	}

	return r
}

// fileServer mounts a static file handler under path.
func fileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("router: fileServer path must not contain URL parameters")
	}
	fs := http.StripPrefix(path, http.FileServer(root))
	r.Get(path+"/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}
