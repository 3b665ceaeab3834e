// Package client is the worker-side HTTP client for the queue service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/server"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// Client talks to the queue service on behalf of one worker.
type Client struct {
	baseURL  string
	workerId string
	client   *http.Client
}

// New returns a Client for the queue at baseURL. If httpClient is nil a
// default retrying client is used.
func New(baseURL, workerId string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httputils.DefaultClient()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerId: workerId,
		client:   httpClient,
	}
}

// WorkerId returns the worker id this client authenticates as.
func (c *Client) WorkerId() string {
	return c.workerId
}

// apiError decodes the queue's {detail:{code,message}} error shape into a
// KindError carrying the server-reported code.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var detail httputils.ErrorDetail
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail.Code != "" {
		return types.KindErrorf(types.ErrorKind(detail.Detail.Code), "queue returned %d: %s", resp.StatusCode, detail.Detail.Message)
	}
	kind := types.ErrorKindTransient
	if resp.StatusCode == http.StatusConflict {
		kind = types.ErrorKindConflict
	} else if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		kind = types.ErrorKindValidation
	}
	return types.KindErrorf(kind, "queue returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return skerr.Wrap(err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return skerr.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(server.WorkerIdHeader, c.workerId)
	resp, err := c.client.Do(req)
	if err != nil {
		return types.NewKindError(types.ErrorKindTransient, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return skerr.Wrapf(err, "failed to decode %s %s response", method, path)
		}
	}
	return nil
}

// Claim requests the next matching job. Returns nil, nil when the queue has
// nothing for this worker.
func (c *Client) Claim(ctx context.Context, req *types.ClaimRequest) (*types.Job, error) {
	req.WorkerId = c.workerId
	var job types.Job
	// A 204 leaves job zero-valued; detect it by the missing id.
	if err := c.do(ctx, http.MethodPost, "/queue/jobs/claim", req, &job); err != nil {
		return nil, err
	}
	if job.Id == "" {
		return nil, nil
	}
	return &job, nil
}

// Heartbeat renews this worker's lease on the job.
func (c *Client) Heartbeat(ctx context.Context, jobId string) error {
	body := map[string]string{"workerId": c.workerId}
	return c.do(ctx, http.MethodPost, "/queue/jobs/"+url.PathEscape(jobId)+"/heartbeat", body, nil)
}

// ReportTerminal reports the job's final state.
func (c *Client) ReportTerminal(ctx context.Context, jobId string, outcome types.TerminalOutcome, lastError string) error {
	body := map[string]string{
		"workerId":  c.workerId,
		"outcome":   string(outcome),
		"lastError": lastError,
	}
	// Terminal reports must land; retry transient failures.
	return backoff.Retry(func() error {
		err := c.do(ctx, http.MethodPost, "/queue/jobs/"+url.PathEscape(jobId)+"/terminal", body, nil)
		if err != nil && types.KindOf(err) != types.ErrorKindTransient {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(httputils.NewBackOff(), ctx))
}

// GetJob fetches the job's current state, including cancellation intent.
func (c *Client) GetJob(ctx context.Context, jobId string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/queue/jobs/"+url.PathEscape(jobId), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitJob submits a new job.
func (c *Client) SubmitJob(ctx context.Context, req *types.SubmitJobRequest) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/queue/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AppendEvents appends a batch of events to the job's log, in order.
func (c *Client) AppendEvents(ctx context.Context, jobId string, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}
	body := map[string]interface{}{"events": events}
	return c.do(ctx, http.MethodPost, "/queue/jobs/"+url.PathEscape(jobId)+"/events", body, nil)
}

// ListEvents returns a page of the job's event log after the given cursor.
func (c *Client) ListEvents(ctx context.Context, jobId string, cursor types.EventCursor, limit int) ([]*types.Event, error) {
	q := url.Values{}
	if !cursor.After.IsZero() {
		q.Set("after", cursor.After.UTC().Format(time.RFC3339Nano))
		q.Set("afterEventId", strconv.FormatInt(cursor.AfterEventId, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/queue/jobs/" + url.PathEscape(jobId) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Events []*types.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// UploadArtifact streams an artifact blob to the queue. (jobId, name) is
// write-once server-side.
func (c *Client) UploadArtifact(ctx context.Context, jobId, name, contentType string, r io.Reader) (*types.Artifact, error) {
	u := fmt.Sprintf("%s/queue/jobs/%s/artifacts?name=%s", c.baseURL, url.PathEscape(jobId), url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, r)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(server.WorkerIdHeader, c.workerId)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewKindError(types.ErrorKindTransient, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, apiError(resp)
	}
	var a types.Artifact
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, skerr.Wrapf(err, "failed to decode artifact response")
	}
	return &a, nil
}

// CreateProposal files a follow-up proposal.
func (c *Client) CreateProposal(ctx context.Context, req interface{}) (*types.Proposal, error) {
	var p types.Proposal
	if err := c.do(ctx, http.MethodPost, "/proposals", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetManifest fetches a registry manifest by name.
func (c *Client) GetManifest(ctx context.Context, name string) (yaml string, contentHash string, err error) {
	var resp struct {
		Name        string `json:"name"`
		ContentHash string `json:"contentHash"`
		Yaml        string `json:"yaml"`
	}
	if err := c.do(ctx, http.MethodGet, "/manifests/"+url.PathEscape(name), nil, &resp); err != nil {
		return "", "", err
	}
	return resp.Yaml, resp.ContentHash, nil
}

// GetCheckpoint fetches the ingest checkpoint for a data source. Returns
// nil, nil when no checkpoint exists yet.
func (c *Client) GetCheckpoint(ctx context.Context, manifestName, dataSourceId string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := c.do(ctx, http.MethodGet, "/manifests/"+url.PathEscape(manifestName)+"/checkpoints/"+url.PathEscape(dataSourceId), nil, &cp)
	if err != nil {
		if types.KindOf(err) == "not_found" {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// PutCheckpoint stores the ingest checkpoint for a data source.
func (c *Client) PutCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	path := "/manifests/" + url.PathEscape(cp.ManifestName) + "/checkpoints/" + url.PathEscape(cp.DataSourceId)
	return c.do(ctx, http.MethodPut, path, cp, nil)
}

// ListSkills returns all skill registry entries.
func (c *Client) ListSkills(ctx context.Context) ([]*types.SkillRegistryEntry, error) {
	var resp struct {
		Skills []*types.SkillRegistryEntry `json:"skills"`
	}
	if err := c.do(ctx, http.MethodGet, "/skills/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Skills, nil
}

// GetSkill returns one skill registry entry.
func (c *Client) GetSkill(ctx context.Context, name, version string) (*types.SkillRegistryEntry, error) {
	var e types.SkillRegistryEntry
	if err := c.do(ctx, http.MethodGet, "/skills/"+url.PathEscape(name)+"/"+url.PathEscape(version), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
