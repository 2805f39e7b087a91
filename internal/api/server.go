// Package api is the HTTP surface: REST handlers behind chi, JSON envelopes,
// and validation at the edge so everything past this package works with
// trusted values.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailsched/internal/auth"
	"github.com/ignite/mailsched/internal/pkg/httputil"
	"github.com/ignite/mailsched/internal/scheduler"
	"github.com/ignite/mailsched/internal/store"
)

// Store is the slice of the data layer the handlers need.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)

	CreateSender(ctx context.Context, sd *store.Sender) (*store.Sender, error)
	ListSenders(ctx context.Context, userID uuid.UUID) ([]*store.Sender, error)
	GetUserSender(ctx context.Context, userID, id uuid.UUID) (*store.Sender, error)
	UpdateSender(ctx context.Context, userID uuid.UUID, sd *store.Sender) (*store.Sender, error)
	DeleteSender(ctx context.Context, userID, id uuid.UUID) error

	ListMessages(ctx context.Context, userID uuid.UUID, opts store.ListOptions) ([]*store.Message, int, error)
	GetUserMessage(ctx context.Context, userID, id uuid.UUID) (*store.Message, error)
	GetStats(ctx context.Context, userID uuid.UUID) (*store.MessageStats, error)
	DeleteMessage(ctx context.Context, userID, id uuid.UUID) error
	GetBatch(ctx context.Context, id uuid.UUID) (*store.Batch, error)
}

// Scheduler plans and persists batches.
type Scheduler interface {
	ScheduleBatch(ctx context.Context, req scheduler.Request) (*store.Batch, []*store.Message, error)
}

// QueueInfo is what the API needs from the queue: health depth and
// best-effort removal of a cancelled message's pending job.
type QueueInfo interface {
	Depth(ctx context.Context) (int64, error)
	Remove(ctx context.Context, key string) (bool, error)
}

// Server wires the handlers and owns the router.
type Server struct {
	store     Store
	scheduler Scheduler
	queue     QueueInfo
	authmgr   *auth.Manager

	// optional liveness probes for /health
	db  *sql.DB
	rdb *redis.Client

	frontendOrigin string
}

type Options struct {
	Store          Store
	Scheduler      Scheduler
	Queue          QueueInfo
	Auth           *auth.Manager
	DB             *sql.DB
	Redis          *redis.Client
	FrontendOrigin string
}

func NewServer(opts Options) *Server {
	return &Server{
		store:          opts.Store,
		scheduler:      opts.Scheduler,
		queue:          opts.Queue,
		authmgr:        opts.Auth,
		db:             opts.DB,
		rdb:            opts.Redis,
		frontendOrigin: opts.FrontendOrigin,
	}
}

// Router builds the chi mux with middleware and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.frontendOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/google", s.authmgr.HandleLogin)
			r.Get("/google/callback", s.authmgr.HandleCallback)
			r.Post("/logout", s.authmgr.HandleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.authmgr.RequireAuth)
				r.Get("/me", s.handleMe)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authmgr.RequireAuth)

			r.Route("/senders", func(r chi.Router) {
				r.Post("/", s.handleCreateSender)
				r.Get("/", s.handleListSenders)
				r.Get("/{id}", s.handleGetSender)
				r.Put("/{id}", s.handleUpdateSender)
				r.Delete("/{id}", s.handleDeleteSender)
			})

			r.Route("/emails", func(r chi.Router) {
				r.Post("/schedule", s.handleSchedule)
				r.Get("/scheduled", s.handleListScheduled)
				r.Get("/sent", s.handleListSent)
				r.Get("/stats", s.handleStats)
				r.Get("/batches/{id}", s.handleGetBatch)
				r.Get("/{id}", s.handleGetMessage)
				r.Delete("/{id}", s.handleCancelMessage)
			})
		})
	})

	return r
}

// handleHealth reports process liveness plus its dependencies. Degraded
// dependencies flip the status but keep HTTP 200 so load balancers don't
// pull a node that can still serve reads.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			health["status"] = "degraded"
			health["database"] = "unreachable"
		} else {
			health["database"] = "ok"
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			health["status"] = "degraded"
			health["redis"] = "unreachable"
		} else {
			health["redis"] = "ok"
		}
	}
	if s.queue != nil {
		if depth, err := s.queue.Depth(ctx); err == nil {
			health["queueDepth"] = depth
		}
	}

	httputil.OK(w, health)
}

// handleMe returns the authenticated user's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), principal.UserID)
	if err == store.ErrNotFound {
		httputil.Unauthorized(w, "account no longer exists")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, user)
}
