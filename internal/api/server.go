// Package api is the HTTP front of the producer: authenticated clients post
// trigger commands and read back job and queue state.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/triggerq/internal/queue"
)

type Options struct {
	// HS256 key for bearer tokens. Required.
	SigningKey string
	// Requests per second per subject; 0 disables limiting.
	RateLimit float64
	Burst     int
}

type Server struct {
	store    queue.Store
	producer *queue.Producer
	auth     *jwtauth.JWTAuth
	limiter  *subjectLimiter
	log      *zap.Logger
}

func NewServer(store queue.Store, producer *queue.Producer, log *zap.Logger, opts Options) (*Server, error) {
	if opts.SigningKey == "" {
		return nil, &queue.ConfigurationError{Field: "JWT_SIGNING_KEY", Err: errors.New("required by the API")}
	}
	srv := &Server{
		store:    store,
		producer: producer,
		auth:     jwtauth.New("HS256", []byte(opts.SigningKey), nil),
		log:      log.Named("api"),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = int(opts.RateLimit) + 1
		}
		srv.limiter = newSubjectLimiter(rate.Limit(opts.RateLimit), burst, 15*time.Minute)
	}
	return srv, nil
}

func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(jwtauth.Verifier(srv.auth))
		r.Use(srv.authenticator)
		r.Use(srv.rateLimit)

		r.Post("/triggers", srv.enqueueTrigger)
		r.Get("/jobs/{id}", srv.getJob)
		r.Get("/queue", srv.queueCounts)
	})
	return r
}

func (srv *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		srv.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
