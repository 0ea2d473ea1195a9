// Package ops is the operational HTTP listener: liveness and readiness
// probes, Prometheus metrics, queue and schedule introspection, the live
// event stream and manual trigger endpoints. It binds an internal port;
// a product-facing REST API is a separate concern.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/llm"
	"github.com/systemmap/backend/internal/logging"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/scheduler"
	"github.com/systemmap/backend/internal/store"
)

// JobQueue is the queue surface the introspection and trigger endpoints
// use. *queue.Queue satisfies it.
type JobQueue interface {
	Name() string
	Enqueue(ctx context.Context, id string, p queue.Payload) error
	Status(ctx context.Context, jobID string) (*queue.JobStatus, error)
	Depth(ctx context.Context) (pending, delayed, dead int64, err error)
	DeadLetters(ctx context.Context, limit int64) ([]string, error)
	RequeueDead(ctx context.Context, jobID string) error
}

// Triggers is the scheduler surface behind the trigger endpoints.
type Triggers interface {
	TriggerHostScan(ctx context.Context, serverID int64, trigger, principal string) (string, error)
	TriggerNetworkScan(ctx context.Context, scanID int64, trigger, principal string) (string, error)
	Upcoming() []scheduler.UpcomingRun
}

// Deps wires the server. Redis, Breaker, Bus and Audit may be nil.
type Deps struct {
	Store    *store.Store
	Redis    *redis.Client
	Queues   []JobQueue
	Sched    Triggers
	Bus      *events.Bus
	Audit    *events.Auditor
	Breaker  *llm.Breaker
	Gatherer prometheus.Gatherer
}

// Server is the operational HTTP endpoint set.
type Server struct {
	store    *store.Store
	redis    *redis.Client
	queues   []JobQueue
	sched    Triggers
	bus      *events.Bus
	audit    *events.Auditor
	breaker  *llm.Breaker
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

func New(d Deps) *Server {
	return &Server{
		store:    d.Store,
		redis:    d.Redis,
		queues:   d.Queues,
		sched:    d.Sched,
		bus:      d.Bus,
		audit:    d.Audit,
		breaker:  d.Breaker,
		gatherer: d.Gatherer,
		log:      logging.WithComponent("ops"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")
	r.HandleFunc("/queues", s.handleQueues).Methods("GET")
	r.HandleFunc("/queues/{name}/dead", s.handleDeadLetters).Methods("GET")
	r.HandleFunc("/queues/{name}/dead/{id}/requeue", s.handleRequeueDead).Methods("POST")
	r.HandleFunc("/schedules", s.handleSchedules).Methods("GET")
	r.HandleFunc("/events", s.handleEventStream).Methods("GET")

	r.HandleFunc("/hosts/{id}/scan", s.handleTriggerScan).Methods("POST")
	r.HandleFunc("/hosts/{id}/health", s.handleTriggerHealth).Methods("POST")
	r.HandleFunc("/hosts/{id}/analyses/{purpose}", s.handleTriggerAnalysis).Methods("POST")
	r.HandleFunc("/network-scans/{id}/scan", s.handleTriggerNetScan).Methods("POST")

	return r
}

// Run serves until ctx is cancelled, then drains with a 10 s grace
// period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("ops listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	s.log.Info().Msg("ops listener stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int64("durationMs", time.Since(start).Milliseconds()).
			Msg("request")
	})
}

// queueByName resolves a queue by its exact name.
func (s *Server) queueByName(name string) JobQueue {
	for _, q := range s.queues {
		if q.Name() == name {
			return q
		}
	}
	return nil
}

// queueForJob resolves the queue that owns a job id. Ids are namespaced
// as <queue>:<kind>:<target>.
func (s *Server) queueForJob(jobID string) JobQueue {
	for _, q := range s.queues {
		if strings.HasPrefix(jobID, q.Name()+":") {
			return q
		}
	}
	return nil
}

// principal identifies the caller in audit entries.
func principal(r *http.Request) string {
	if p := r.Header.Get("X-Principal"); p != "" {
		return p
	}
	return "ops"
}

func (s *Server) recordAudit(ctx context.Context, who, action, targetType, targetID, outcome, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, who, action, targetType, targetID, outcome, detail)
}

func (s *Server) emit(eventType, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(eventType, "ops", subject, data)
}
