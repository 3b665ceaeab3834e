package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/jobqueue/go/server"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClaim(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/queue/jobs/claim", r.URL.Path)
		require.Equal(t, "w1", r.Header.Get(server.WorkerIdHeader))
		var req types.ClaimRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "w1", req.WorkerId)
		require.Equal(t, []string{"git"}, req.Capabilities)
		_ = json.NewEncoder(w).Encode(&types.Job{Id: "j-1", Status: types.JobStatusRunning})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	job, err := c.Claim(ctx, &types.ClaimRequest{Capabilities: []string{"git"}})
	require.NoError(t, err)
	require.Equal(t, "j-1", job.Id)
}

func TestClaim_EmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	job, err := c.Claim(context.Background(), &types.ClaimRequest{})
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestApiError_KindMapping(t *testing.T) {
	status := http.StatusConflict
	body := `{"detail":{"code":"conflict","message":"lease held by w2"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c := New(srv.URL, "w1", srv.Client())

	// The server's error detail code wins.
	err := c.Heartbeat(context.Background(), "j-1")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))
	require.Contains(t, err.Error(), "lease held by w2")

	// Without a decodable detail, fall back on the status class.
	body = "bad request"
	status = http.StatusBadRequest
	err = c.Heartbeat(context.Background(), "j-1")
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))

	status = http.StatusInternalServerError
	err = c.Heartbeat(context.Background(), "j-1")
	require.Equal(t, types.ErrorKindTransient, types.KindOf(err))
}

func TestReportTerminal_RetriesTransient(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "succeeded"})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	require.NoError(t, c.ReportTerminal(context.Background(), "j-1", types.TerminalOutcomeSuccess, ""))
	require.Equal(t, 2, calls)
}

func TestReportTerminal_ConflictIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":{"code":"conflict","message":"already failed"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	err := c.ReportTerminal(context.Background(), "j-1", types.TerminalOutcomeSuccess, "")
	require.Error(t, err)
	require.Equal(t, types.ErrorKindConflict, types.KindOf(err))
	require.Equal(t, 1, calls)
}

func TestUploadArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queue/jobs/j-1/artifacts", r.URL.Path)
		require.Equal(t, "reports/plan.json", r.URL.Query().Get("name"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Equal(t, `{"ok":true}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&types.Artifact{JobId: "j-1", Name: "reports/plan.json", SizeBytes: int64(len(body))})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	a, err := c.UploadArtifact(context.Background(), "j-1", "reports/plan.json", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, int64(11), a.SizeBytes)
}

func TestGetCheckpoint_NotFoundIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifests/docs/checkpoints/src-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":{"code":"not_found","message":"no checkpoint"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	cp, err := c.GetCheckpoint(context.Background(), "docs", "src-1")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestListEvents_CursorQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.NotEmpty(t, q.Get("after"))
		require.Equal(t, "42", q.Get("afterEventId"))
		require.Equal(t, "10", q.Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"events": []*types.Event{{JobId: "j-1", Id: 43}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "w1", srv.Client())
	evs, err := c.ListEvents(context.Background(), "j-1", types.EventCursor{
		After:        testTime,
		AfterEventId: 42,
	}, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, int64(43), evs[0].Id)
}
