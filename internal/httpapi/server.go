package httpapi

import (
	"expvar"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/store"
)

type ServerConfig struct {
	Secret    []byte
	RateLimit RateLimitConfig
	Clock     clock.Clock
	Log       logrus.FieldLogger
}

// NewServer assembles the full HTTP surface: API, realtime rooms, health and
// expvar metrics behind auth, rate limiting, request logging and tracing.
func NewServer(st store.TicketStore, h *hub.Hub, cfg ServerConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	NewHandler(st, Options{Clock: cfg.Clock, Log: cfg.Log}).Routes(mux)
	mux.Handle("/realtime/", RealtimeHandler("/realtime", h, cfg.Log))

	limiter := NewRateLimiter(cfg.RateLimit)
	return otelhttp.NewHandler(LoggingMiddleware(cfg.Log, limiter.Middleware(AuthMiddleware(cfg.Secret, mux))), "turnos-server")
}
