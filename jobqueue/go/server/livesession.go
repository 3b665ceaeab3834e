package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/now"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

const (
	defaultSessionTTL = 30 * time.Minute
	maxSessionTTL     = 4 * time.Hour
)

// liveGrant is one outstanding attach grant for a running job. The token is
// returned to the caller exactly once and never logged or persisted.
type liveGrant struct {
	JobId     string    `json:"jobId"`
	SessionId string    `json:"sessionId"`
	Write     bool      `json:"write"`
	Expires   time.Time `json:"expiresAt"`

	token string
}

// liveSessions tracks attach grants in memory. Grants are advisory state for
// the worker-side attach surface; they do not survive a queue restart, which
// is acceptable because revocation-by-restart fails closed.
type liveSessions struct {
	mtx     sync.Mutex
	byJob   map[string]*liveGrant
	byToken map[string]*liveGrant
}

func newLiveSessions() *liveSessions {
	return &liveSessions{
		byJob:   map[string]*liveGrant{},
		byToken: map[string]*liveGrant{},
	}
}

func newSessionToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// open creates or replaces the grant for a job. Replacing revokes the prior
// token immediately.
func (ls *liveSessions) open(jobId string, write bool, ttl time.Duration, ts time.Time) (*liveGrant, error) {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	g := &liveGrant{
		JobId:     jobId,
		SessionId: token[:8],
		Write:     write,
		Expires:   ts.Add(ttl),
		token:     token,
	}
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	if old := ls.byJob[jobId]; old != nil {
		delete(ls.byToken, old.token)
	}
	ls.byJob[jobId] = g
	ls.byToken[token] = g
	return g, nil
}

func (ls *liveSessions) grantWrite(jobId string, ts time.Time) (*liveGrant, bool) {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	g := ls.byJob[jobId]
	if g == nil || ts.After(g.Expires) {
		return nil, false
	}
	g.Write = true
	return g, true
}

func (ls *liveSessions) revoke(jobId string) bool {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	g := ls.byJob[jobId]
	if g == nil {
		return false
	}
	delete(ls.byJob, jobId)
	delete(ls.byToken, g.token)
	return true
}

func (s *Server) requireRunningJob(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobId := chi.URLParam(r, "id")
	job, err := s.queue.GetJob(r.Context(), jobId)
	if err != nil {
		reportError(w, err)
		return "", false
	}
	if job.Status != types.JobStatusRunning {
		httputils.ReportError(w, nil, string(types.ErrorKindConflict), "live sessions require a running job", http.StatusConflict)
		return "", false
	}
	return jobId, true
}

func (s *Server) liveSessionOpen(w http.ResponseWriter, r *http.Request) {
	jobId, ok := s.requireRunningJob(w, r)
	if !ok {
		return
	}
	var req struct {
		Write      bool `json:"write,omitempty"`
		TTLSeconds int  `json:"ttlSeconds,omitempty"`
	}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	g, err := s.sessions.open(jobId, req.Write, time.Duration(req.TTLSeconds)*time.Second, now.Now(r.Context()))
	if err != nil {
		reportError(w, err)
		return
	}
	if _, err := s.queue.AppendEvent(r.Context(), jobId, types.EventLevelInfo, "live session opened", types.EventPayload{
		Kind:  types.EventKindStage,
		Stage: "live_session",
		Extra: map[string]string{"sessionId": g.SessionId, "action": "open"},
	}); err != nil {
		reportError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	httputils.RespondWithJSON(w, map[string]interface{}{
		"session": g,
		"token":   g.token,
	})
}

func (s *Server) liveSessionGrantWrite(w http.ResponseWriter, r *http.Request) {
	jobId, ok := s.requireRunningJob(w, r)
	if !ok {
		return
	}
	g, ok := s.sessions.grantWrite(jobId, now.Now(r.Context()))
	if !ok {
		httputils.ReportError(w, nil, string(types.ErrorKindConflict), "no active live session for job", http.StatusConflict)
		return
	}
	if _, err := s.queue.AppendEvent(r.Context(), jobId, types.EventLevelInfo, "live session write granted", types.EventPayload{
		Kind:  types.EventKindStage,
		Stage: "live_session",
		Extra: map[string]string{"sessionId": g.SessionId, "action": "grant-write"},
	}); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondWithJSON(w, map[string]interface{}{"session": g})
}

func (s *Server) liveSessionRevoke(w http.ResponseWriter, r *http.Request) {
	jobId := chi.URLParam(r, "id")
	if _, err := s.queue.GetJob(r.Context(), jobId); err != nil {
		reportError(w, err)
		return
	}
	revoked := s.sessions.revoke(jobId)
	if revoked {
		if _, err := s.queue.AppendEvent(r.Context(), jobId, types.EventLevelInfo, "live session revoked", types.EventPayload{
			Kind:  types.EventKindStage,
			Stage: "live_session",
			Extra: map[string]string{"action": "revoke"},
		}); err != nil {
			reportError(w, err)
			return
		}
	}
	httputils.RespondWithJSON(w, map[string]bool{"revoked": revoked})
}
