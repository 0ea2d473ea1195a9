package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/systemmap/backend/internal/events"
	"github.com/systemmap/backend/internal/queue"
	"github.com/systemmap/backend/internal/scheduler"
	"github.com/systemmap/backend/internal/store"
	"github.com/systemmap/backend/internal/worker"
)

const readyTimeout = 5 * time.Second

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz pings the database and the broker. An open LLM circuit is
// reported but does not fail readiness; scans still run without it.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := s.store.DB().PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if s.breaker != nil {
		checks["llmCircuit"] = s.breaker.State()
	}

	status := http.StatusOK
	state := "ok"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	q := s.queueForJob(jobID)
	if q == nil {
		http.Error(w, "unknown queue for job id", http.StatusNotFound)
		return
	}
	st, err := q.Status(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	type depth struct {
		Name    string `json:"name"`
		Pending int64  `json:"pending"`
		Delayed int64  `json:"delayed"`
		Dead    int64  `json:"dead"`
	}
	out := make([]depth, 0, len(s.queues))
	for _, q := range s.queues {
		pending, delayed, dead, err := q.Depth(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, depth{Name: q.Name(), Pending: pending, Delayed: delayed, Dead: dead})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := s.queueByName(mux.Vars(r)["name"])
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	limit := int64(50)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ids, err := q.DeadLetters(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": q.Name(), "jobs": ids})
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := s.queueByName(vars["name"])
	if q == nil {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	jobID := vars["id"]
	who := principal(r)

	if err := q.RequeueDead(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrNotDeadLettered) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.recordAudit(r.Context(), who, "queue.requeue", "job", jobID, events.OutcomeFailed, err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.recordAudit(r.Context(), who, "queue.requeue", "job", jobID, events.OutcomeOK, "requeued from dead letter list")
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "jobId": jobID})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	runs := s.sched.Upcoming()
	if runs == nil {
		runs = []scheduler.UpcomingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": runs})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid host id", http.StatusBadRequest)
		return
	}
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}

	jobID, err := s.sched.TriggerHostScan(r.Context(), serverID, queue.TriggerManual, principal(r))
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	s.emit(events.TypeScanQueued, fmt.Sprintf("host:%d", serverID), map[string]interface{}{
		"jobId":   jobID,
		"trigger": queue.TriggerManual,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleTriggerNetScan(w http.ResponseWriter, r *http.Request) {
	scanID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid network scan id", http.StatusBadRequest)
		return
	}
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}

	jobID, err := s.sched.TriggerNetworkScan(r.Context(), scanID, queue.TriggerManual, principal(r))
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	s.emit(events.TypeScanQueued, fmt.Sprintf("netscan:%d", scanID), map[string]interface{}{
		"jobId":   jobID,
		"trigger": queue.TriggerManual,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// handleTriggerHealth queues one reachability probe on the scan queue.
func (s *Server) handleTriggerHealth(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid host id", http.StatusBadRequest)
		return
	}
	q := s.queueByName(queue.ServerScan)
	if q == nil {
		http.Error(w, "scan queue not running", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.store.GetHost(r.Context(), serverID); err != nil {
		writeTriggerError(w, err)
		return
	}
	who := principal(r)

	jobID := queue.HealthJobID(serverID)
	err = q.Enqueue(r.Context(), jobID, queue.Payload{
		ServerID:  serverID,
		Purpose:   worker.PurposeHealthCheck,
		Trigger:   queue.TriggerManual,
		Principal: who,
	})
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	s.recordAudit(r.Context(), who, "health.trigger", "host", strconv.FormatInt(serverID, 10),
		events.OutcomeOK, "job "+jobID)
	s.emit(events.TypeScanQueued, fmt.Sprintf("host:%d", serverID), map[string]interface{}{
		"jobId":   jobID,
		"purpose": worker.PurposeHealthCheck,
		"trigger": queue.TriggerManual,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

var analysisPurposes = map[string]bool{
	store.PurposeServerSummary: true,
	store.PurposeAnomalyCheck:  true,
	store.PurposeLogAnalysis:   true,
	store.PurposeRunbook:       true,
	store.PurposeProcessMap:    true,
}

// handleTriggerAnalysis queues an on-demand LLM job. The process map has
// its own queue; everything else rides ai-analysis.
func (s *Server) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r)
	if err != nil {
		http.Error(w, "invalid host id", http.StatusBadRequest)
		return
	}
	purpose := mux.Vars(r)["purpose"]
	if !analysisPurposes[purpose] {
		http.Error(w, "unknown analysis purpose", http.StatusBadRequest)
		return
	}

	queueName := queue.AIAnalysis
	jobID := queue.AnalysisJobID(serverID, purpose)
	if purpose == store.PurposeProcessMap {
		queueName = queue.ProcessMap
		jobID = queue.HostJobID(queue.ProcessMap, serverID)
	}
	q := s.queueByName(queueName)
	if q == nil {
		http.Error(w, "analysis queue not running", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.store.GetHost(r.Context(), serverID); err != nil {
		writeTriggerError(w, err)
		return
	}
	who := principal(r)

	err = q.Enqueue(r.Context(), jobID, queue.Payload{
		ServerID:  serverID,
		Purpose:   purpose,
		Trigger:   queue.TriggerManual,
		Principal: who,
	})
	if err != nil {
		writeTriggerError(w, err)
		return
	}
	s.recordAudit(r.Context(), who, "analysis.trigger", "host", strconv.FormatInt(serverID, 10),
		events.OutcomeOK, purpose+" job "+jobID)
	s.emit(events.TypeScanQueued, fmt.Sprintf("host:%d", serverID), map[string]interface{}{
		"jobId":   jobID,
		"purpose": purpose,
		"trigger": queue.TriggerManual,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// writeTriggerError maps trigger failures onto status codes: missing
// targets are 404, in-flight conflicts are 409, the rest are 500.
func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrDuplicate),
		errors.Is(err, scheduler.ErrScanning),
		errors.Is(err, scheduler.ErrNetScanRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
