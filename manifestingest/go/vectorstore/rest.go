package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
)

// REST talks to a qdrant-style vector database over HTTP.
type REST struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewREST returns a Store for the database at baseURL. apiKey may be empty.
func NewREST(baseURL, apiKey string) *REST {
	return &REST{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httputils.DefaultClient(),
	}
}

func (r *REST) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return skerr.Wrap(err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return skerr.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("api-key", r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return types.NewKindError(types.ErrorKindTransient, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return types.KindErrorf(types.ErrorKindAuth, "vector store rejected credentials (%d)", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return types.KindErrorf(types.ErrorKindValidation, "vector store returned 404 for %s %s", method, path)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.KindErrorf(types.ErrorKindTransient, "vector store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return skerr.Wrapf(err, "failed to decode vector store response")
		}
	}
	return nil
}

// restDistance maps manifest distance names onto the API's.
func restDistance(d string) string {
	switch d {
	case manifest.DistanceDot:
		return "Dot"
	case manifest.DistanceEuclid:
		return "Euclid"
	default:
		return "Cosine"
	}
}

// EnsureCollection implements Store.
func (r *REST) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := r.do(ctx, http.MethodGet, "/collections/"+spec.Name, nil, &info)
	if err == nil {
		got := info.Result.Config.Params.Vectors
		if got.Size != spec.Dimension || got.Distance != restDistance(spec.Distance) {
			return types.KindErrorf(types.ErrorKindValidation, "collection %q exists with size=%d distance=%s, manifest wants size=%d distance=%s",
				spec.Name, got.Size, got.Distance, spec.Dimension, restDistance(spec.Distance))
		}
		return nil
	}
	if types.KindOf(err) != types.ErrorKindValidation {
		return err
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     spec.Dimension,
			"distance": restDistance(spec.Distance),
		},
	}
	return r.do(ctx, http.MethodPut, "/collections/"+spec.Name, body, nil)
}

// Upsert implements Store.
func (r *REST) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	return r.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

// DeleteByFilter implements Store. The REST API does not report how many
// points a filtered delete removed.
func (r *REST) DeleteByFilter(ctx context.Context, collection string, match map[string]string) (int, error) {
	must := make([]map[string]interface{}, 0, len(match))
	for k, v := range match {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]string{"value": v},
		})
	}
	body := map[string]interface{}{
		"filter": map[string]interface{}{"must": must},
	}
	if err := r.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil); err != nil {
		return 0, err
	}
	return -1, nil
}

// Count implements Store.
func (r *REST) Count(ctx context.Context, collection string) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := r.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", map[string]bool{"exact": true}, &out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}

var _ Store = (*REST)(nil)
