package api

import (
	"net/http"
	"time"

	"siteops/internal/api/handler"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
)

func NewRouter(
	tokenAuth *jwtauth.JWTAuth,
	queueHandler *handler.QueueHandler,
	researchHandler *handler.ResearchHandler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	// Research lookups may wait on a live generator call.
	r.Use(chiMiddleware.Timeout(90 * time.Second))

	// Verifies a bearer token when present; protected groups add
	// middleware.Authenticator.
	r.Use(jwtauth.Verifier(tokenAuth))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/queue", queueHandler.RegisterRoutes)
		v1.Route("/research", researchHandler.RegisterRoutes)
	})

	return r
}
