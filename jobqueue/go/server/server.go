// Package server exposes the queue service over HTTP JSON, plus the SSE
// event stream. All errors use the {detail:{code,message}} shape; 409 marks
// lease/holder conflicts and duplicate artifacts.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/db"
	"go.moonmind.dev/infra/jobqueue/go/pause"
	"go.moonmind.dev/infra/jobqueue/go/proposals"
	"go.moonmind.dev/infra/jobqueue/go/queue"
	"go.moonmind.dev/infra/jobqueue/go/stream"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	// maxEventPage caps the events page size regardless of the caller's
	// limit.
	maxEventPage = 500

	defaultEventPage = 100

	// WorkerIdHeader carries the opaque worker id on worker calls.
	WorkerIdHeader = "X-Moonmind-Worker"
)

// Server wires the queue core to its HTTP surface.
type Server struct {
	queue     *queue.Queue
	gate      *pause.Gate
	proposals *proposals.Store
	stream    *stream.Server
	sessions  *liveSessions
}

// New returns a Server. The stream server is registered as an event
// listener on the queue.
func New(q *queue.Queue, gate *pause.Gate, props *proposals.Store) *Server {
	st := stream.New(q.DB())
	q.AddEventListener(st.Publish)
	return &Server{
		queue:     q,
		gate:      gate,
		proposals: props,
		stream:    st,
		sessions:  newLiveSessions(),
	}
}

// Router returns the chi router for the full API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", httputils.HealthzHandler)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Post("/jobs/claim", s.claimJob)
		r.Get("/jobs", s.listJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/heartbeat", s.heartbeat)
			r.Post("/cancel", s.cancel)
			r.Post("/terminal", s.terminal)
			r.Get("/events", s.listEvents)
			r.Post("/events", s.appendEvents)
			r.Get("/events/stream", s.streamEvents)
			r.Get("/artifacts", s.listArtifacts)
			r.Post("/artifacts", s.putArtifact)
			r.Get("/artifacts/{artifactId}/download", s.downloadArtifact)
			r.Post("/live-session", s.liveSessionOpen)
			r.Post("/live-session/grant-write", s.liveSessionGrantWrite)
			r.Post("/live-session/revoke", s.liveSessionRevoke)
			r.Post("/control", s.control)
			r.Post("/operator-messages", s.operatorMessage)
		})
		r.Get("/telemetry/migration", s.telemetry)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/worker-pause", s.pauseStatus)
		r.Post("/worker-pause", s.pauseTransition)
	})

	r.Route("/proposals", func(r chi.Router) {
		r.Get("/", s.listProposals)
		r.Post("/", s.createProposal)
		r.Get("/{id}", s.getProposal)
		r.Post("/{id}/promote", s.promoteProposal)
		r.Post("/{id}/dismiss", s.dismissProposal)
		r.Post("/{id}/priority", s.proposalPriority)
		r.Post("/{id}/snooze", s.snoozeProposal)
		r.Post("/{id}/unsnooze", s.unsnoozeProposal)
	})

	r.Route("/manifests", func(r chi.Router) {
		r.Put("/{name}", s.putManifest)
		r.Get("/{name}", s.getManifest)
		r.Post("/{name}/runs", s.createManifestRun)
		r.Get("/{name}/checkpoints/{dataSourceId}", s.getCheckpoint)
		r.Put("/{name}/checkpoints/{dataSourceId}", s.putCheckpoint)
	})

	r.Route("/skills", func(r chi.Router) {
		r.Get("/", s.listSkills)
		r.Put("/", s.putSkill)
		r.Get("/{name}/{version}", s.getSkill)
	})

	return r
}

// reportError maps the error taxonomy onto HTTP statuses in the standard
// error shape.
func reportError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case kind == types.ErrorKindValidation:
		status = http.StatusBadRequest
	case kind == types.ErrorKindConflict:
		status = http.StatusConflict
	case db.IsNotFound(err):
		status = http.StatusNotFound
		kind = "not_found"
	case db.IsAlreadyExists(err):
		status = http.StatusConflict
		kind = types.ErrorKindConflict
	case db.IsNotLeaseHolder(err):
		status = http.StatusConflict
		kind = types.ErrorKindConflict
	case db.IsInvalidTransition(err):
		status = http.StatusConflict
		kind = types.ErrorKindConflict
	}
	httputils.ReportError(w, err, string(kind), err.Error(), status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.queue.SubmitJob(r.Context(), &req)
	if err != nil {
		reportError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	httputils.RespondWithJSON(w, job)
}

func (s *Server) claimJob(w http.ResponseWriter, r *http.Request) {
	var req types.ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerId == "" {
		req.WorkerId = r.Header.Get(WorkerIdHeader)
	}
	job, err := s.queue.ClaimJob(r.Context(), &req)
	if err != nil {
		reportError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputils.RespondWithJSON(w, job)
}

// jobSummary is the counters block attached to list responses when
// summary=true.
type jobSummary struct {
	Total    int                     `json:"total"`
	ByStatus map[types.JobStatus]int `json:"byStatus"`
	ByType   map[types.JobType]int   `json:"byType"`
}

type jobListResponse struct {
	Jobs    []*types.Job `json:"jobs"`
	Summary *jobSummary  `json:"summary,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	params := &db.JobSearchParams{
		Status: types.JobStatus(r.URL.Query().Get("status")),
		Type:   types.JobType(r.URL.Query().Get("type")),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid limit", http.StatusBadRequest)
			return
		}
		params.Limit = limit
	}
	jobs, err := s.queue.SearchJobs(r.Context(), params)
	if err != nil {
		reportError(w, err)
		return
	}
	resp := jobListResponse{Jobs: jobs}
	if r.URL.Query().Get("summary") == "true" {
		sum := &jobSummary{
			Total:    len(jobs),
			ByStatus: map[types.JobStatus]int{},
			ByType:   map[types.JobType]int{},
		}
		for _, j := range jobs {
			sum.ByStatus[j.Status]++
			sum.ByType[j.Type]++
		}
		resp.Summary = sum
	}
	httputils.RespondWithJSON(w, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, job)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerId string `json:"workerId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerId == "" {
		req.WorkerId = r.Header.Get(WorkerIdHeader)
	}
	if err := s.queue.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.WorkerId); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]bool{"ok": true})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.queue.RequestCancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, job)
}

func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerId  string                `json:"workerId"`
		Outcome   types.TerminalOutcome `json:"outcome"`
		LastError string                `json:"lastError,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkerId == "" {
		req.WorkerId = r.Header.Get(WorkerIdHeader)
	}
	job, err := s.queue.ReportTerminal(r.Context(), chi.URLParam(r, "id"), req.WorkerId, req.Outcome, req.LastError)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, job)
}

func parseCursor(r *http.Request) (types.EventCursor, bool, error) {
	q := r.URL.Query()
	var cursor types.EventCursor
	parseTime := func(key string) (time.Time, error) {
		v := q.Get(key)
		if v == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, v)
	}
	parseId := func(key string) (int64, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		return strconv.ParseInt(v, 10, 64)
	}
	var err error
	if cursor.After, err = parseTime("after"); err != nil {
		return cursor, false, err
	}
	if cursor.Before, err = parseTime("before"); err != nil {
		return cursor, false, err
	}
	if cursor.AfterEventId, err = parseId("afterEventId"); err != nil {
		return cursor, false, err
	}
	if cursor.BeforeEventId, err = parseId("beforeEventId"); err != nil {
		return cursor, false, err
	}
	descending := q.Get("sort") == "desc"
	return cursor, descending, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	cursor, descending, err := parseCursor(r)
	if err != nil {
		httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid cursor", http.StatusBadRequest)
		return
	}
	limit := defaultEventPage
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid limit", http.StatusBadRequest)
			return
		}
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}
	events, err := s.queue.ListEvents(r.Context(), chi.URLParam(r, "id"), cursor, limit, descending)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"events": events})
}

func (s *Server) appendEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []*types.Event `json:"events"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	stored, err := s.queue.AppendEvents(r.Context(), chi.URLParam(r, "id"), req.Events)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"events": stored})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	cursor, _, err := parseCursor(r)
	if err != nil {
		httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid cursor", http.StatusBadRequest)
		return
	}
	jobId := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), jobId); err != nil {
		reportError(w, err)
		return
	}
	s.stream.ServeJob(w, r, jobId, cursor)
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.queue.ListArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"artifacts": arts})
}

func (s *Server) putArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		httputils.ReportError(w, nil, string(types.ErrorKindValidation), "name query parameter is required", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	a, err := s.queue.PutArtifact(r.Context(), chi.URLParam(r, "id"), name, contentType, r.Body)
	if err != nil {
		reportError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	httputils.RespondWithJSON(w, a)
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	a, rc, err := s.queue.OpenArtifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "artifactId"))
	if err != nil {
		reportError(w, err)
		return
	}
	defer util.Close(rc)
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already out; nothing to do but log.
		httputils.ReportError(w, err, "internal", "failed streaming artifact", http.StatusInternalServerError)
	}
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Action {
	case "pause", "resume", "takeover":
	default:
		httputils.ReportError(w, nil, string(types.ErrorKindValidation), "action must be pause, resume, or takeover", http.StatusBadRequest)
		return
	}
	ev, err := s.queue.AppendEvent(r.Context(), chi.URLParam(r, "id"), types.EventLevelInfo, "operator control: "+req.Action, types.EventPayload{
		Kind:  types.EventKindStage,
		Stage: "operator_control",
		Extra: map[string]string{"action": req.Action},
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, ev)
}

func (s *Server) operatorMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		httputils.ReportError(w, nil, string(types.ErrorKindValidation), "message is required", http.StatusBadRequest)
		return
	}
	ev, err := s.queue.AppendEvent(r.Context(), chi.URLParam(r, "id"), types.EventLevelInfo, req.Message, types.EventPayload{
		Kind:  types.EventKindStage,
		Stage: "operator_message",
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, ev)
}

func (s *Server) telemetry(w http.ResponseWriter, r *http.Request) {
	windowHours := 24
	if v := r.URL.Query().Get("windowHours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid windowHours", http.StatusBadRequest)
			return
		}
		windowHours = n
	}
	t, err := s.queue.MigrationTelemetry(r.Context(), windowHours)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, t)
}

func (s *Server) pauseStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.gate.Status(r.Context())
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{
		"system":  status.System,
		"metrics": status.Metrics,
		"audit":   map[string]interface{}{"latest": status.Audit},
	})
}

func (s *Server) pauseTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action      string          `json:"action"`
		Mode        types.PauseMode `json:"mode,omitempty"`
		Reason      string          `json:"reason"`
		ForceResume bool            `json:"forceResume,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	var state *types.PauseState
	var err error
	switch req.Action {
	case "pause":
		state, err = s.gate.Pause(r.Context(), req.Mode, req.Reason)
	case "resume":
		state, err = s.gate.Resume(r.Context(), req.Reason, req.ForceResume)
	default:
		err = types.KindErrorf(types.ErrorKindValidation, "action must be pause or resume")
	}
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, state)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := &db.ProposalSearchParams{
		Status:         types.ProposalStatus(q.Get("status")),
		Repository:     q.Get("repository"),
		Category:       q.Get("category"),
		IncludeSnoozed: q.Get("includeSnoozed") == "true",
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			httputils.ReportError(w, err, string(types.ErrorKindValidation), "invalid limit", http.StatusBadRequest)
			return
		}
		params.Limit = limit
	}
	props, err := s.proposals.Search(r.Context(), params)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"proposals": props})
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req proposals.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.proposals.Create(r.Context(), &req)
	if err != nil {
		reportError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	httputils.RespondWithJSON(w, p)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, p)
}

func (s *Server) promoteProposal(w http.ResponseWriter, r *http.Request) {
	var overrides proposals.PromoteOverrides
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &overrides) {
			return
		}
	}
	p, job, err := s.proposals.Promote(r.Context(), chi.URLParam(r, "id"), &overrides)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"proposal": p, "job": job})
}

func (s *Server) dismissProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note,omitempty"`
	}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	p, err := s.proposals.Dismiss(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, p)
}

func (s *Server) proposalPriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority types.ReviewPriority `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.proposals.UpdatePriority(r.Context(), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, p)
}

func (s *Server) snoozeProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Until time.Time `json:"until"`
		Note  string    `json:"note,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.proposals.Snooze(r.Context(), chi.URLParam(r, "id"), req.Until, req.Note)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, p)
}

func (s *Server) unsnoozeProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Unsnooze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, p)
}

func (s *Server) putManifest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		reportError(w, err)
		return
	}
	if len(body) == 0 {
		httputils.ReportError(w, nil, string(types.ErrorKindValidation), "manifest body is required", http.StatusBadRequest)
		return
	}
	hash, err := s.queue.DB().PutManifest(r.Context(), chi.URLParam(r, "name"), string(body))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]string{
		"name":        chi.URLParam(r, "name"),
		"contentHash": hash,
	})
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	yamlText, hash, err := s.queue.DB().GetManifest(r.Context(), name)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{
		"name":        name,
		"contentHash": hash,
		"yaml":        yamlText,
	})
}

func (s *Server) createManifestRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  types.ManifestAction  `json:"action"`
		Options types.ManifestOptions `json:"options,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if _, _, err := s.queue.DB().GetManifest(r.Context(), name); err != nil {
		reportError(w, err)
		return
	}
	payload, err := json.Marshal(&types.ManifestPayload{
		Manifest: types.ManifestRef{
			Name:   name,
			Source: types.ManifestSource{Type: types.ManifestSourceRegistry, Name: name},
			Action: req.Action,
		},
		Options: req.Options,
	})
	if err != nil {
		reportError(w, err)
		return
	}
	job, err := s.queue.SubmitJob(r.Context(), &types.SubmitJobRequest{
		Type:    types.JobTypeManifest,
		Payload: payload,
	})
	if err != nil {
		reportError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	httputils.RespondWithJSON(w, job)
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	c, err := s.queue.DB().GetCheckpoint(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "dataSourceId"))
	if err != nil {
		reportError(w, err)
		return
	}
	if c == nil {
		httputils.ReportError(w, nil, "not_found", "no checkpoint for this data source", http.StatusNotFound)
		return
	}
	httputils.RespondWithJSON(w, c)
}

func (s *Server) putCheckpoint(w http.ResponseWriter, r *http.Request) {
	var c types.Checkpoint
	if !decodeBody(w, r, &c) {
		return
	}
	c.ManifestName = chi.URLParam(r, "name")
	c.DataSourceId = chi.URLParam(r, "dataSourceId")
	if err := s.queue.DB().PutCheckpoint(r.Context(), &c); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, c)
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.DB().ListSkillEntries(r.Context())
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"skills": entries})
}

func (s *Server) putSkill(w http.ResponseWriter, r *http.Request) {
	var e types.SkillRegistryEntry
	if !decodeBody(w, r, &e) {
		return
	}
	if e.SkillName == "" || e.Version == "" {
		httputils.ReportError(w, nil, string(types.ErrorKindValidation), "skillName and version are required", http.StatusBadRequest)
		return
	}
	if err := s.queue.DB().PutSkillEntry(r.Context(), &e); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, e)
}

func (s *Server) getSkill(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.DB().GetSkillEntry(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, e)
}
