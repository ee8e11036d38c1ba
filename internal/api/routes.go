package api

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wfinterop/internal/health"
	"wfinterop/internal/observability"
	"wfinterop/internal/submission"
)

// RouterConfig holds the router's dependencies. Summaries and Metrics may
// be nil.
type RouterConfig struct {
	Runner        QueueRunner
	Reconciler    Reconciler
	Queues        QueueConfig
	Summaries     SummarySource
	Submissions   submission.Store
	HealthChecker *health.Checker
	Metrics       *observability.Metrics
	APIKey        string
}

// NewRouter builds the HTTP handler with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &Handler{
		runner:      cfg.Runner,
		reconciler:  cfg.Reconciler,
		queues:      cfg.Queues,
		summaries:   cfg.Summaries,
		submissions: cfg.Submissions,
		health:      cfg.HealthChecker,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/queues", auth(http.HandlerFunc(h.ListQueues)))
	mux.Handle("POST /v1/queues/{queueId}/run", auth(http.HandlerFunc(h.RunQueue)))
	mux.Handle("POST /v1/queues/{queueId}/reconcile", auth(http.HandlerFunc(h.Reconcile)))
	mux.Handle("POST /v1/queues/{queueId}/submissions", auth(http.HandlerFunc(h.CreateSubmission)))
	mux.Handle("GET /v1/submissions/{submissionId}", auth(http.HandlerFunc(h.GetSubmission)))

	// Applied innermost first.
	var handler http.Handler = mux
	for _, mw := range []Middleware{
		ContentTypeMiddleware(),
		ObserveMiddleware(cfg.Metrics),
		RecoveryMiddleware(),
	} {
		handler = mw(handler)
	}
	return otelhttp.NewHandler(handler, "wfinterop-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/livez" && r.URL.Path != "/readyz"
		}),
	)
}
