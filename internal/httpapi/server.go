// Package httpapi assembles the control plane's HTTP surface (§4.1):
// router, middleware chain, and per-resource handlers composed from the
// controller packages. Grounded on the teacher's internal/server/server.go
// (a single Server struct holding every collaborator, chi.NewRouter +
// middleware.Use chain, handler methods reading path/query params via
// chi.URLParam), generalized from a session-cookie single-tenant app to
// Sandchest's multi-tenant, scope-checked API.
package httpapi

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sandchest/sandchest/internal/artifactctl"
	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/execctl"
	"github.com/sandchest/sandchest/internal/filectl"
	"github.com/sandchest/sandchest/internal/idempotency"
	"github.com/sandchest/sandchest/internal/identity"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/metrics"
	"github.com/sandchest/sandchest/internal/node"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/replay"
	"github.com/sandchest/sandchest/internal/repo"
	"github.com/sandchest/sandchest/internal/sessionctl"
)

// Server holds every collaborator a handler might need. Handlers are
// methods on *Server so they share this without a second layer of
// dependency-injection plumbing, matching the teacher's shape.
type Server struct {
	Store     *repo.Store
	KV        kv.Client
	Orch      *orchestrator.Orchestrator
	Execs     *execctl.Controller
	Sessions  *sessionctl.Controller
	Files     *filectl.Controller
	Artifacts *artifactctl.Controller
	Replay    *replay.Controller
	Billing   *billing.Gate
	Verifier  *identity.Verifier
	Metrics   *metrics.Metrics
	NodeRegistry *node.Registry
	NodeResolver node.ClientResolver

	AdminToken     string
	AllowedOrigins []string

	draining atomic.Bool
}

// New builds a Server from its collaborators. Call BeginDrain during
// shutdown to start rejecting new requests with 503 while in-flight ones
// finish, per §5.
func New(store *repo.Store, kvClient kv.Client, orch *orchestrator.Orchestrator, execs *execctl.Controller,
	sessions *sessionctl.Controller, files *filectl.Controller, artifacts *artifactctl.Controller,
	replayCtl *replay.Controller, bill *billing.Gate, verifier *identity.Verifier, m *metrics.Metrics,
	registry *node.Registry, resolver node.ClientResolver, adminToken string, allowedOrigins []string) *Server {
	return &Server{
		Store: store, KV: kvClient, Orch: orch, Execs: execs, Sessions: sessions, Files: files,
		Artifacts: artifacts, Replay: replayCtl, Billing: bill, Verifier: verifier, Metrics: m,
		NodeRegistry: registry, NodeResolver: resolver, AdminToken: adminToken, AllowedOrigins: allowedOrigins,
	}
}

// BeginDrain flips the server into drain mode; the connDrain middleware
// starts returning 503 for requests that arrive after this call.
func (s *Server) BeginDrain() {
	s.draining.Store(true)
}

// Router builds the chi router with the full middleware chain (§4.1) and
// every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.cors())
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.metricsMiddleware)
	r.Use(s.connDrain)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/public/replay/{id}", s.handlePublicReplay)
		r.Get("/public/replay/{id}/events", s.handlePublicReplayStream)

		r.Route("/internal", func(r chi.Router) {
			r.Post("/nodes/{nodeId}/heartbeat", s.handleInternalHeartbeat)
			r.Get("/nodes/{nodeId}/stream", s.handleInternalNodeStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Use(s.rateLimit)
			r.Use(idempotency.Middleware(s.Store.Idempotency))

			r.Route("/sandboxes", func(r chi.Router) {
				r.Post("/", s.handleCreateSandbox)
				r.Get("/", s.handleListSandboxes)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSandbox)
					r.Delete("/", s.handleDeleteSandbox)
					r.Post("/fork", s.handleForkSandbox)
					r.Get("/forks", s.handleListForks)
					r.Post("/stop", s.handleStopSandbox)
					r.Get("/replay", s.handleGetReplay)
					r.Get("/replay/events", s.handleReplayStream)

					r.Post("/exec", s.handleCreateExec)
					r.Get("/execs", s.handleListExecs)
					r.Get("/exec/{execId}", s.handleGetExec)
					r.Get("/exec/{execId}/stream", s.handleExecStream)

					r.Post("/sessions", s.handleCreateSession)
					r.Get("/sessions", s.handleListSessions)
					r.Delete("/sessions/{sid}", s.handleDestroySession)
					r.Post("/sessions/{sid}/exec", s.handleSessionExec)
					r.Post("/sessions/{sid}/input", s.handleSessionInput)

					r.Handle("/files", http.HandlerFunc(s.handleFiles))

					r.Post("/artifacts", s.handleRegisterArtifacts)
					r.Get("/artifacts", s.handleListArtifacts)
					r.Get("/artifacts/{artifactId}/url", s.handleArtifactSignedURL)
				})
			})

			r.Route("/admin/nodes", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/", s.handleListNodes)
				r.Post("/", s.handleCreateNode)
				r.Patch("/{id}", s.handleUpdateNode)
			})
		})
	})

	return r
}

func requestDeadline(timeoutSeconds int, fallback time.Duration) time.Duration {
	if timeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(timeoutSeconds) * time.Second
}
