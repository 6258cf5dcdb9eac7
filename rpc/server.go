package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamchain/core/events"
	"streamchain/core/types"
	"streamchain/native/stream"
	"streamchain/observability"
)

// StreamEngine is the subset of the stream engine served over HTTP.
type StreamEngine interface {
	Create(payer, payee [20]byte, rate uint64, maxDuration, gracePeriod int64, autoTerminate bool) (*stream.Stream, error)
	Start(id [32]byte, caller [20]byte) (*stream.Stream, error)
	Tick(id [32]byte, caller [20]byte) (*stream.Stream, error)
	Pause(id [32]byte, caller [20]byte) (*stream.Stream, error)
	Resume(id [32]byte, caller [20]byte) (*stream.Stream, error)
	Terminate(id [32]byte, caller [20]byte, reason string) (*stream.Stream, error)
	TopUp(id [32]byte, caller [20]byte, amount uint64) (*stream.Stream, error)
	Cancel(id [32]byte, caller [20]byte) (*stream.Stream, error)
	LinkTask(id [32]byte, caller [20]byte, taskID [32]byte) (*stream.Stream, error)
	Dispute(id [32]byte, caller [20]byte) (*stream.Stream, error)
	ResolveDispute(id [32]byte, caller [20]byte, outcome string) (*stream.Stream, error)
	Get(id [32]byte) (*stream.Stream, error)
	ActiveStreams(after [32]byte, limit int) ([]*stream.Stream, error)
	Stats() (stream.Stats, error)
}

// AccountReader exposes committed account balances.
type AccountReader interface {
	Account(addr [20]byte) (*types.Account, error)
}

// Config wires the server's collaborators. Engine, Accounts and Signatures
// are required.
type Config struct {
	Engine      StreamEngine
	Accounts    AccountReader
	Events      *events.Log
	Signatures  *SignatureAuthenticator
	Keeper      *KeeperAuthenticator
	RateLimiter *RateLimiter
	Logger      *slog.Logger
	ServiceName string
}

// Server serves the stream settlement HTTP API.
type Server struct {
	engine     StreamEngine
	accounts   AccountReader
	log        *events.Log
	signatures *SignatureAuthenticator
	keeper     *KeeperAuthenticator
	limiter    *RateLimiter
	logger     *slog.Logger
	service    string
	api        *observability.APIMetrics
	ops        *observability.EventMetrics
}

// NewServer validates cfg and builds a server. Missing loggers default to
// slog.Default and an empty service name to "streamd".
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("rpc: engine required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("rpc: account reader required")
	}
	if cfg.Signatures == nil {
		return nil, errors.New("rpc: signature authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := cfg.ServiceName
	if service == "" {
		service = "streamd"
	}
	return &Server{
		engine:     cfg.Engine,
		accounts:   cfg.Accounts,
		log:        cfg.Events,
		signatures: cfg.Signatures,
		keeper:     cfg.Keeper,
		limiter:    cfg.RateLimiter,
		logger:     logger,
		service:    service,
		api:        observability.API(),
		ops:        observability.Events(),
	}, nil
}

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)

		v1.Get("/stats", s.handleStats)
		v1.Get("/accounts/{addr}", s.handleAccount)
		v1.Get("/events/ws", s.handleEventsWS)

		v1.Route("/streams", func(sr chi.Router) {
			sr.Post("/", s.handleCreate)
			sr.Get("/", s.handleList)
			sr.Get("/{id}", s.handleGet)
			sr.Post("/{id}/start", s.mutate("start", s.opStart))
			sr.Post("/{id}/tick", s.mutate("tick", s.opTick))
			sr.Post("/{id}/pause", s.mutate("pause", s.opPause))
			sr.Post("/{id}/resume", s.mutate("resume", s.opResume))
			sr.Post("/{id}/terminate", s.mutate("terminate", s.opTerminate))
			sr.Post("/{id}/topup", s.mutate("topup", s.opTopUp))
			sr.Post("/{id}/cancel", s.mutate("cancel", s.opCancel))
			sr.Post("/{id}/link", s.mutate("link", s.opLinkTask))
			sr.Post("/{id}/dispute", s.mutate("dispute", s.opDispute))
			sr.Post("/{id}/resolve", s.mutate("resolve", s.opResolve))
		})
	})

	return otelhttp.NewHandler(r, s.service)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.api.Observe(route, r.Method, status, elapsed)
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "request served",
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{"status": "ok"}
	if s.log != nil {
		payload["eventHead"] = s.log.Head()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) respond(w http.ResponseWriter, op string, status int, st *stream.Stream, err error) {
	if err != nil {
		code, label := statusFor(err)
		s.ops.RecordOperation(op, outcomeOf(err))
		if code >= http.StatusInternalServerError {
			s.logger.Error("stream operation failed", slog.String("op", op), slog.Any("error", err))
			writeError(w, code, label, "internal error")
			return
		}
		writeError(w, code, label, err.Error())
		return
	}
	s.ops.RecordOperation(op, outcomeOf(nil))
	writeJSON(w, status, NewStreamView(st))
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeError(w, http.StatusBadRequest, "invalid_argument", fmt.Sprintf(format, args...))
}
