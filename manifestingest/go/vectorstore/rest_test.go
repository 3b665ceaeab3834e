package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.moonmind.dev/infra/jobqueue/go/types"
)

// qdrantFake is a minimal collections API for one collection.
type qdrantFake struct {
	t        *testing.T
	apiKey   string
	exists   bool
	size     int
	distance string
	created  int
	upserts  int
	deletes  int
	points   int
}

func (q *qdrantFake) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q.apiKey != "" {
			require.Equal(q.t, q.apiKey, r.Header.Get("api-key"))
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/docs":
			if !q.exists {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"config": map[string]interface{}{
						"params": map[string]interface{}{
							"vectors": map[string]interface{}{
								"size":     q.size,
								"distance": q.distance,
							},
						},
					},
				},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			q.created++
			q.exists = true
			_ = json.NewEncoder(w).Encode(map[string]bool{"result": true})
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
			q.upserts++
			var body struct {
				Points []Point `json:"points"`
			}
			require.NoError(q.t, json.NewDecoder(r.Body).Decode(&body))
			q.points += len(body.Points)
			_ = json.NewEncoder(w).Encode(map[string]bool{"result": true})
		case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/delete":
			q.deletes++
			_ = json.NewEncoder(w).Encode(map[string]bool{"result": true})
		case r.Method == http.MethodPost && r.URL.Path == "/collections/docs/points/count":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]int{"count": q.points},
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func TestREST_EnsureCollectionCreates(t *testing.T) {
	fake := &qdrantFake{t: t, apiKey: "vs-key"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := NewREST(srv.URL, "vs-key")
	require.NoError(t, s.EnsureCollection(context.Background(), CollectionSpec{Name: "docs", Dimension: 4, Distance: "cosine"}))
	require.Equal(t, 1, fake.created)
}

func TestREST_EnsureCollectionMismatch(t *testing.T) {
	fake := &qdrantFake{t: t, exists: true, size: 8, distance: "Cosine"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := NewREST(srv.URL, "")
	// Same parameters pass.
	require.NoError(t, s.EnsureCollection(context.Background(), CollectionSpec{Name: "docs", Dimension: 8, Distance: "cosine"}))
	// A different dimension is a validation error, not a re-create.
	err := s.EnsureCollection(context.Background(), CollectionSpec{Name: "docs", Dimension: 4, Distance: "cosine"})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindValidation, types.KindOf(err))
	require.Zero(t, fake.created)
}

func TestREST_UpsertDeleteCount(t *testing.T) {
	fake := &qdrantFake{t: t, exists: true, size: 2, distance: "Cosine"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx := context.Background()
	s := NewREST(srv.URL, "")
	require.NoError(t, s.Upsert(ctx, "docs", []Point{
		{Id: "p1", Vector: []float32{1, 0}},
		{Id: "p2", Vector: []float32{0, 1}},
	}))
	// Empty upserts skip the round trip.
	require.NoError(t, s.Upsert(ctx, "docs", nil))
	require.Equal(t, 1, fake.upserts)

	deleted, err := s.DeleteByFilter(ctx, "docs", map[string]string{"doc": "a"})
	require.NoError(t, err)
	// The API does not report a count.
	require.Equal(t, -1, deleted)
	require.Equal(t, 1, fake.deletes)

	n, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestREST_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewREST(srv.URL, "bad-key")
	err := s.Upsert(context.Background(), "docs", []Point{{Id: "p1", Vector: []float32{1}}})
	require.Error(t, err)
	require.Equal(t, types.ErrorKindAuth, types.KindOf(err))
}
