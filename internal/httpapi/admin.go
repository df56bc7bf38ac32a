package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shopd/internal/storage"
	"shopd/internal/task/engine"
	"shopd/pkg/logx"
)

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.d.Beat == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "schedules": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, s.d.Beat.Snapshot())
}

type taskView struct {
	Name        string `json:"name"`
	Queue       string `json:"queue"`
	MaxRetries  int    `json:"max_retries"`
	Countdown   string `json:"countdown,omitempty"`
	TimeLimit   string `json:"time_limit,omitempty"`
	Description string `json:"description,omitempty"`
}

type historyView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Queue      string    `json:"queue,omitempty"`
	Started    time.Time `json:"started"`
	QueueDelay string    `json:"queue_delay"`
	Duration   string    `json:"duration"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
}

type engineView struct {
	Running       bool           `json:"running"`
	Workers       int            `json:"workers"`
	QueueLen      int            `json:"queue_len"`
	QueueCap      int            `json:"queue_cap"`
	InFlight      int            `json:"in_flight"`
	Retrying      int            `json:"retrying"`
	Dropped       uint64         `json:"dropped"`
	Retried       uint64         `json:"retried"`
	SoftLimitHits uint64         `json:"soft_limit_hits"`
	TimeLimit     string         `json:"time_limit"`
	SoftTimeLimit string         `json:"soft_time_limit"`
	Queues        map[string]int `json:"queues,omitempty"`
	CircuitOpen   int            `json:"circuit_open"`
	History       []historyView  `json:"history"`
}

func newEngineView(sn engine.Snapshot) engineView {
	v := engineView{
		Running:       sn.Running,
		Workers:       sn.Workers,
		QueueLen:      sn.QueueLen,
		QueueCap:      sn.QueueCap,
		InFlight:      sn.InFlight,
		Retrying:      sn.Retrying,
		Dropped:       sn.Dropped,
		Retried:       sn.Retried,
		SoftLimitHits: sn.SoftLimitHits,
		TimeLimit:     sn.TimeLimit.String(),
		SoftTimeLimit: sn.SoftTimeLimit.String(),
		Queues:        sn.Queues,
		CircuitOpen:   sn.CircuitOpen,
		History:       make([]historyView, 0, len(sn.History)),
	}
	for _, h := range sn.History {
		v.History = append(v.History, historyView{
			ID:         h.ID,
			Name:       h.Name,
			Queue:      h.Queue,
			Started:    h.Started,
			QueueDelay: h.QueueDelay.String(),
			Duration:   h.Duration.String(),
			Attempts:   h.Attempts,
			Error:      h.Error,
		})
	}
	return v
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	defs := s.d.Tasks.Registry().Definitions()
	tasks := make([]taskView, 0, len(defs))
	for _, d := range defs {
		tasks = append(tasks, taskView{
			Name:        d.Name,
			Queue:       d.Queue,
			MaxRetries:  d.MaxRetries,
			Countdown:   durationString(d.Countdown),
			TimeLimit:   durationString(d.TimeLimit),
			Description: d.Description,
		})
	}
	out := map[string]any{"tasks": tasks}
	if s.d.Engine != nil {
		out["engine"] = newEngineView(s.d.Engine.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRunTask enqueues a registered task now. The body, when present, is
// passed through as the task arguments.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var args any
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, r, fmt.Errorf("%w: args must be JSON", errBadRequest))
			return
		}
		args = json.RawMessage(body)
	}
	id, err := s.d.Tasks.Delay(r.Context(), name, args)
	s.audit(r, "task.run", name, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("task queued from admin api", logx.String("task", name), logx.String("id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "task_id": id})
}

func (s *Server) audit(r *http.Request, action, target string, err error) {
	if s.d.Audit == nil {
		return
	}
	cfg, _ := s.current()
	e := storage.AuditEntry{
		At:     s.now().UTC(),
		Actor:  "admin@" + clientIP(r, cfg.TrustProxy),
		Action: action,
		Target: target,
		OK:     err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.d.Audit.AppendAudit(context.WithoutCancel(r.Context()), e); aerr != nil {
		s.log.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}
