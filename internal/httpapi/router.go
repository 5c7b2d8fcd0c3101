package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/voxmeter/voxmeter/internal/eventlog"
	"github.com/voxmeter/voxmeter/internal/metering"
	"github.com/voxmeter/voxmeter/internal/registry"
	"github.com/voxmeter/voxmeter/internal/scheduler"
	"github.com/voxmeter/voxmeter/internal/session"
	"github.com/voxmeter/voxmeter/internal/store"
	"github.com/voxmeter/voxmeter/internal/worker"
)

type RouterConfig struct {
	PublicBaseURL string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Stripe top-ups
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string

	// Session tunables, passed through to every stream
	Session session.Config
}

// Deps are the long-lived collaborators the router serves requests with.
type Deps struct {
	Store    *store.Store
	EventLog *eventlog.Logger
	Registry *registry.Registry
	Pool     *scheduler.Pool
	Guard    *metering.Guard
	Worker   *worker.Client
	Sessions *SessionRegistry
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	eventLog *eventlog.Logger
	registry *registry.Registry
	pool     *scheduler.Pool
	guard    *metering.Guard
	worker   *worker.Client
	sessions *SessionRegistry
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, deps Deps) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		eventLog: deps.EventLog,
		registry: deps.Registry,
		pool:     deps.Pool,
		guard:    deps.Guard,
		worker:   deps.Worker,
		sessions: deps.Sessions,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health and readiness checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Streaming transcription (auth via token query param or bearer header)
	r.mux.HandleFunc("GET /transcribe", r.handleTranscribeWS)

	// Protected API endpoints
	r.mux.HandleFunc("GET /api/me", r.withAuth(r.handleGetMe))
	r.mux.HandleFunc("GET /api/balance", r.withAuth(r.handleGetBalance))
	r.mux.HandleFunc("GET /api/usage", r.withAuth(r.handleListUsage))
	r.mux.HandleFunc("GET /api/nodes", r.withAuth(r.handleListNodes))

	// Billing endpoints (protected)
	r.mux.HandleFunc("POST /api/billing/topup", r.withAuth(r.handleCreateTopUp))
	r.mux.HandleFunc("GET /api/billing/topups", r.withAuth(r.handleListTopUps))

	// Stripe webhook (no auth - signature verified)
	r.mux.HandleFunc("POST /webhooks/stripe", r.handleStripeWebhook)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports readiness for load balancers: a draining instance
// stops advertising itself while in-flight sessions finish.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
