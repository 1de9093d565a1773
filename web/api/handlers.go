package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	adwerrors "github.com/hochfrequenz/adw-orchestrator/internal/errors"
	"github.com/hochfrequenz/adw-orchestrator/internal/recovery"
	"github.com/hochfrequenz/adw-orchestrator/internal/workflow"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 1 << 20

// TriggerRequest starts a workflow for an issue
type TriggerRequest struct {
	IssueNumber int    `json:"issue_number"`
	Workflow    string `json:"workflow"`
}

// TriggerResponse acknowledges a started run
type TriggerResponse struct {
	ADWID        string    `json:"adw_id"`
	IssueNumber  int       `json:"issue_number"`
	WorkflowType string    `json:"workflow_type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// RetryRequest resumes a failed run, optionally from an earlier phase
type RetryRequest struct {
	Phase string `json:"phase,omitempty"`
}

// RetryResponse acknowledges a retried run
type RetryResponse struct {
	ADWID  string `json:"adw_id"`
	Status string `json:"status"`
}

// PhaseResponse is one phase attempt
type PhaseResponse struct {
	Phase       string     `json:"phase"`
	Attempt     int        `json:"attempt"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	OutputRef   string     `json:"output_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
}

// RunResponse is the API view of a workflow run
type RunResponse struct {
	ADWID                 string          `json:"adw_id"`
	IssueNumber           int             `json:"issue_number"`
	WorkflowType          string          `json:"workflow_type"`
	Status                string          `json:"status"`
	BranchName            string          `json:"branch_name,omitempty"`
	PlanFile              string          `json:"plan_file,omitempty"`
	Phases                []PhaseResponse `json:"phases"`
	CreatedAt             time.Time       `json:"created_at"`
	StartedAt             *time.Time      `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at"`
	ResumedAt             *time.Time      `json:"resumed_at,omitempty"`
	PullRequestURL        string          `json:"pull_request_url,omitempty"`
	ImplementationSummary string          `json:"implementation_summary,omitempty"`
	ErrorPhase            string          `json:"error_phase,omitempty"`
	ErrorKind             string          `json:"error_kind,omitempty"`
	Errors                []string        `json:"errors"`
	Retryable             bool            `json:"retryable"`
}

// ListResponse is one page of runs
type ListResponse struct {
	Items  []RunResponse `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// LogEntryResponse is a structured log entry
type LogEntryResponse struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// LogsResponse holds a run's log as rendered lines plus structured entries
type LogsResponse struct {
	Logs       []string           `json:"logs"`
	TotalLines int                `json:"total_lines"`
	Entries    []LogEntryResponse `json:"entries"`
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func runToResponse(r *domain.WorkflowRun) RunResponse {
	resp := RunResponse{
		ADWID:                 r.ADWID,
		IssueNumber:           r.IssueNumber,
		WorkflowType:          string(r.Type),
		Status:                string(r.Status),
		BranchName:            r.BranchName,
		PlanFile:              r.PlanFile,
		Phases:                make([]PhaseResponse, 0, len(r.Phases)),
		CreatedAt:             r.CreatedAt.UTC(),
		StartedAt:             utc(r.StartedAt),
		CompletedAt:           utc(r.CompletedAt),
		ResumedAt:             utc(r.ResumedAt),
		PullRequestURL:        r.PullRequestURL,
		ImplementationSummary: r.ImplementationSummary,
		ErrorPhase:            string(r.ErrorPhase),
		ErrorKind:             string(r.ErrorKind),
		Errors:                r.Errors(),
		Retryable:             r.Status == domain.RunFailed && recovery.Retryable(r.ErrorKind),
	}
	for _, p := range r.Phases {
		resp.Phases = append(resp.Phases, PhaseResponse{
			Phase:       string(p.Phase),
			Attempt:     p.Attempt,
			Status:      string(p.Status),
			StartedAt:   utc(p.StartedAt),
			CompletedAt: utc(p.CompletedAt),
			OutputRef:   p.OutputRef,
			Error:       p.ErrorMessage,
			ErrorKind:   string(p.ErrorKind),
		})
	}
	return resp
}

// decodeBody decodes an optional JSON body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return adwerrors.New(adwerrors.EInvalidArgument, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) triggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TriggerRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		wt, err := domain.ParseWorkflowType(req.Workflow)
		if err != nil {
			s.writeError(w, err)
			return
		}

		run, err := s.orch.Start(r.Context(), req.IssueNumber, wt)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, TriggerResponse{
			ADWID:        run.ADWID,
			IssueNumber:  run.IssueNumber,
			WorkflowType: string(run.Type),
			Status:       string(run.Status),
			CreatedAt:    run.CreatedAt.UTC(),
		})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.orch.GetStatus(r.Context(), r.PathValue("adw_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runToResponse(run))
	}
}

func (s *Server) listHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := workflow.ListQuery{Status: q.Get("status")}

		for name, dst := range map[string]*int{
			"issue_number": &query.IssueNumber,
			"limit":        &query.Limit,
			"offset":       &query.Offset,
		} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, adwerrors.NewWithDetails(adwerrors.EInvalidArgument,
					fmt.Sprintf("%s must be an integer", name), map[string]string{name: raw}))
				return
			}
			*dst = n
		}

		page, err := s.orch.ListRuns(r.Context(), query)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp := ListResponse{
			Items:  make([]RunResponse, 0, len(page.Items)),
			Total:  page.Total,
			Limit:  page.Limit,
			Offset: page.Offset,
		}
		for _, run := range page.Items {
			resp.Items = append(resp.Items, runToResponse(run))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) retryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RetryRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		var phase *domain.Phase
		if req.Phase != "" {
			p, err := domain.ParsePhase(req.Phase)
			if err != nil {
				s.writeError(w, err)
				return
			}
			phase = &p
		}

		run, err := s.orch.Retry(r.Context(), r.PathValue("adw_id"), phase)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, RetryResponse{ADWID: run.ADWID, Status: string(run.Status)})
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := s.orch.GetLogs(r.Context(), r.PathValue("adw_id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp := LogsResponse{
			Logs:       make([]string, 0, len(logs)),
			TotalLines: len(logs),
			Entries:    make([]LogEntryResponse, 0, len(logs)),
		}
		for _, l := range logs {
			resp.Logs = append(resp.Logs, l.String())
			resp.Entries = append(resp.Entries, LogEntryResponse{
				Timestamp: l.Timestamp.UTC(),
				Level:     string(l.Level),
				Phase:     string(l.Phase),
				Message:   l.Message,
				Context:   l.Context,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
