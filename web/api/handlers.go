package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autodev-orchestrator/internal/runstore"
)

// RunSummary is the list view of a run
type RunSummary struct {
	ID              string               `json:"id"`
	ProjectID       string               `json:"project_id"`
	State           domain.RunState      `json:"state"`
	Phase           domain.Phase         `json:"phase"`
	Mode            domain.ExecutionMode `json:"mode"`
	Tasks           int                  `json:"tasks"`
	TasksCompleted  int                  `json:"tasks_completed"`
	BuildAttempts   int                  `json:"build_attempts"`
	HealingAttempts int                  `json:"healing_attempts"`
	Tokens          int                  `json:"tokens"`
	CostUSD         float64              `json:"cost_usd"`
	CreatedAt       time.Time            `json:"created_at"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	Summary         string               `json:"summary,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ActiveRuns []string               `json:"active_runs"`
	ByState    map[domain.RunState]int `json:"by_state"`
	Uptime     string                 `json:"uptime"`
}

func runToSummary(r *domain.PipelineRun) RunSummary {
	usage := r.TotalUsage()
	return RunSummary{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		State:           r.State,
		Phase:           r.Phase,
		Mode:            r.Mode,
		Tasks:           len(r.Tasks),
		TasksCompleted:  r.TaskCounts()[domain.TaskCompleted],
		BuildAttempts:   len(r.BuildAttempts),
		HealingAttempts: r.HealingAttempts,
		Tokens:          usage.Total(),
		CostUSD:         usage.CostUSD,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
		Summary:         r.Summary,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.runs.List(runstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			ActiveRuns: s.runs.Active(),
			ByState:    make(map[domain.RunState]int),
			Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		}
		for _, run := range runs {
			status.ByState[run.State]++
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := runstore.ListOptions{
			ProjectID:       q.Get("project"),
			State:           domain.RunState(q.Get("state")),
			IncludeArchived: q.Get("archived") == "true",
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.runs.List(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunSummary, 0, len(runs))
		for _, run := range runs {
			resp = append(resp, runToSummary(run))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.StartRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Requirement == "" {
			writeError(w, http.StatusBadRequest, "requirement is required")
			return
		}
		switch req.Mode {
		case "", domain.ModeSequential, domain.ModeParallel:
		default:
			writeError(w, http.StatusBadRequest, "mode must be sequential or parallel")
			return
		}

		run, err := s.runs.Start(req)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		w.Header().Set("Location", "/api/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, run)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.runs.Cancel(id); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, AckMessage{Command: TypeCancel, RunID: id})
	}
}

func (s *Server) resumeRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runs.Resume(r.PathValue("id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		q := r.URL.Query()
		opts := runstore.LogOptions{AfterSeq: -1, Level: domain.LogLevel(q.Get("level"))}
		if after := q.Get("after"); after != "" {
			n, err := strconv.Atoi(after)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid after")
				return
			}
			opts.AfterSeq = n
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		if _, err := s.runs.Get(id); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		if s.opts.Logs == nil {
			writeError(w, http.StatusNotImplemented, "log storage not configured")
			return
		}
		records, err := s.opts.Logs.ListLogs(id, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []runstore.LogRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// ResumeAgentsRequest optionally carries context for resumed sub-agents
type ResumeAgentsRequest struct {
	Context string `json:"context"`
}

// decodeResume reads an optional resume body; an empty body is valid
func decodeResume(r *http.Request) (ResumeAgentsRequest, error) {
	var req ResumeAgentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func (s *Server) sessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.runs.Session(r.PathValue("id"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) pauseAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, agent := r.PathValue("id"), r.PathValue("agent")
		if err := s.runs.PauseAgent(id, agent); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, AckMessage{Command: TypePauseAgent, RunID: id, AgentID: agent})
	}
}

func (s *Server) resumeAgentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, agent := r.PathValue("id"), r.PathValue("agent")
		req, err := decodeResume(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := s.runs.ResumeAgent(id, agent, req.Context); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, AckMessage{Command: TypeResumeAgent, RunID: id, AgentID: agent})
	}
}

func (s *Server) pauseAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		n, err := s.runs.PauseAgents(id)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, AckMessage{Command: TypePauseAgent, RunID: id, Agents: n})
	}
}

func (s *Server) resumeAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		req, err := decodeResume(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		n, err := s.runs.ResumeAgents(id, req.Context)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, AckMessage{Command: TypeResumeAgent, RunID: id, Agents: n})
	}
}

func (s *Server) listSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Schedules == nil {
			writeJSON(w, http.StatusOK, []struct{}{})
			return
		}
		writeJSON(w, http.StatusOK, s.opts.Schedules.List())
	}
}

func (s *Server) triggerScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Schedules == nil {
			writeError(w, http.StatusNotFound, "no schedules configured")
			return
		}
		run, err := s.opts.Schedules.Trigger(r.PathValue("name"))
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	}
}
