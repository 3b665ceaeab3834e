// Package web is a data source adapter fetching documents from a fixed list
// of URLs.
package web

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.moonmind.dev/infra/go/httputils"
	"go.moonmind.dev/infra/go/skerr"
	"go.moonmind.dev/infra/go/util"
	"go.moonmind.dev/infra/jobqueue/go/types"
	"go.moonmind.dev/infra/manifestingest/go/manifest"
	"go.moonmind.dev/infra/manifestingest/go/sourcetypes"
)

// maxBodySize bounds a single page fetch.
const maxBodySize = 8 << 20

// Adapter fetches each configured URL as one document.
type Adapter struct {
	urls   []string
	client *http.Client
}

// New builds the adapter from manifest config. Recognized keys: "urls"
// (comma- or newline-separated, required).
func New(ds manifest.DataSource) (sourcetypes.Adapter, error) {
	raw := ds.Config["urls"]
	if raw == "" {
		return nil, types.KindErrorf(types.ErrorKindValidation, "web source %q requires config.urls", ds.Id)
	}
	urls := []string{}
	for _, u := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, types.KindErrorf(types.ErrorKindValidation, "web source %q: %q is not an http(s) URL", ds.Id, u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, types.KindErrorf(types.ErrorKindValidation, "web source %q has no usable URLs", ds.Id)
	}
	return &Adapter{urls: urls, client: httputils.DefaultClient()}, nil
}

// Fetch implements sourcetypes.Adapter.
func (a *Adapter) Fetch(ctx context.Context, cursor string, opts sourcetypes.FetchOptions) (*sourcetypes.Snapshot, error) {
	snap := &sourcetypes.Snapshot{}
	for _, u := range a.urls {
		if opts.MaxDocs > 0 && len(snap.Documents) >= opts.MaxDocs {
			snap.Truncated = true
			break
		}
		doc, err := a.fetchOne(ctx, u)
		if err != nil {
			return nil, err
		}
		snap.Documents = append(snap.Documents, doc)
	}
	return snap, nil
}

func (a *Adapter) fetchOne(ctx context.Context, u string) (*sourcetypes.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "failed to fetch %s", u))
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, types.KindErrorf(types.ErrorKindTransient, "fetch of %s returned %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, types.NewKindError(types.ErrorKindTransient, skerr.Wrapf(err, "failed reading %s", u))
	}
	return &sourcetypes.Document{
		Id:      u,
		URI:     u,
		Content: string(body),
		Metadata: map[string]string{
			"contentType": resp.Header.Get("Content-Type"),
		},
	}, nil
}
