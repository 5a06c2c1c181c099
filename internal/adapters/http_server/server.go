package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server is the viewer-facing router.
type Server struct {
	mux     *chi.Mux
	timeout time.Duration
}

// New builds the router with the shared middleware stack. timeout bounds
// each request handler except the payment callback, whose verify call has
// its own deadline.
func New(timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	m := chi.NewRouter()

	// middlewares must be registered before any route
	m.Use(
		chimw.RealIP,
		chimw.RequestID,
		chimw.Recoverer,
		chimw.StripSlashes,
		Observe(log.Logger),
	)
	m.Use(chimw.Heartbeat("/healthz"))
	m.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no such route")
	})

	return &Server{mux: m, timeout: timeout}
}

func (s *Server) Mux() http.Handler { return s.mux }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Mount attaches an extra handler such as /metrics.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.With(Timeout(s.timeout)).Handle(path, h)
}
