package databend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newTestClient spins up an httptest server around handler and connects a
// client to it with fast retry backoff.
func newTestClient(t *testing.T, handler http.Handler, params string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	dsn := "databend://root:root@" + host + "/default?sslmode=disable" + params
	c, err := NewClient(context.Background(), dsn)
	require.NoError(t, err)
	c.retryBase = time.Millisecond
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPages_DrainInOrder(t *testing.T) {
	var fetches atomic.Int64
	var mu sync.Mutex
	var stickyNodes []string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			ID:      r.Header.Get(QueryIDHeader),
			NodeID:  "n1",
			Schema:  []Field{{Name: "n", Type: "Int32"}},
			Data:    [][]*string{{strPtr("1")}},
			NextURI: strPtr("/v1/query/q/page/1"),
		})
	})
	mux.HandleFunc("GET /v1/query/q/page/1", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		mu.Lock()
		stickyNodes = append(stickyNodes, r.Header.Get(StickyNodeHeader))
		mu.Unlock()
		writeJSON(w, &QueryResponse{
			Data:    [][]*string{{strPtr("2")}},
			NextURI: strPtr("/v1/query/q/page/2"),
		})
	})
	mux.HandleFunc("GET /v1/query/q/page/2", func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		writeJSON(w, &QueryResponse{Data: [][]*string{{strPtr("3")}}})
	})

	c := newTestClient(t, mux, "")
	pages, err := c.StartQuery(context.Background(), "SELECT n FROM t ORDER BY n")
	require.NoError(t, err)
	assert.Equal(t, []Field{{Name: "n", Type: "Int32"}}, pages.Schema())

	var got []string
	for {
		pg, err := pages.Next(context.Background())
		require.NoError(t, err)
		if pg == nil {
			break
		}
		for _, row := range pg.Data {
			got = append(got, *row[0])
		}
	}

	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, int64(2), fetches.Load())
	assert.False(t, pages.HasMore())

	// Page fetches replay the node that produced the first page.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n1"}, stickyNodes)
}

// emptyThenDataHandler serves a blank initial page, a stats-only page, and
// finally a page with schema and rows.
func emptyThenDataHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{ID: "q", NextURI: strPtr("/v1/query/q/page/1")})
	})
	mux.HandleFunc("GET /v1/query/q/page/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			Stats:   QueryStats{ResultProgress: Progress{Rows: 5}},
			NextURI: strPtr("/v1/query/q/page/2"),
		})
	})
	mux.HandleFunc("GET /v1/query/q/page/2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			Schema: []Field{{Name: "v", Type: "String"}},
			Data:   [][]*string{{strPtr("x")}},
			Stats:  QueryStats{ResultProgress: Progress{Rows: 5}},
		})
	})
	return mux
}

func TestPages_EmptyPagesInvisible(t *testing.T) {
	c := newTestClient(t, emptyThenDataHandler(), "")
	pages, err := c.StartQuery(context.Background(), "SELECT v FROM t")
	require.NoError(t, err)

	// The blank initial page and the stats-only page are skipped; the first
	// visible page is the one carrying rows.
	pg, err := pages.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.Len(t, pg.Data, 1)
	assert.Equal(t, []Field{{Name: "v", Type: "String"}}, pages.Schema())

	pg, err = pages.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pg)
}

func TestPages_ProgressAwareSeesEveryPage(t *testing.T) {
	c := newTestClient(t, emptyThenDataHandler(), "")
	pages, err := c.StartQueryWithProgress(context.Background(), "SELECT v FROM t")
	require.NoError(t, err)

	// Blank initial page.
	pg, err := pages.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.Empty(t, pg.Data)

	// Stats-only page surfaces its counters.
	pg, err = pages.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.Empty(t, pg.Data)
	assert.Equal(t, int64(5), pg.Stats.ResultProgress.Rows)

	// Data page, then exhaustion.
	pg, err = pages.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.Len(t, pg.Data, 1)

	pg, err = pages.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pg)
}

func TestPages_WaitForSchemaPushesPageBack(t *testing.T) {
	c := newTestClient(t, emptyThenDataHandler(), "")
	pages, err := c.StartQuery(context.Background(), "SELECT v FROM t")
	require.NoError(t, err)

	schema, err := pages.WaitForSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Field{{Name: "v", Type: "String"}}, schema)

	// The schema-carrying page was pushed back, so its rows are not lost.
	pg, err := pages.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pg)
	require.Len(t, pg.Data, 1)
	assert.Equal(t, "x", *pg.Data[0][0])
}

func TestPages_AllAggregates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			ID:      "q",
			Schema:  []Field{{Name: "n", Type: "Int32"}},
			Data:    [][]*string{{strPtr("1")}, {nil}},
			Stats:   QueryStats{ResultProgress: Progress{Rows: 2}},
			NextURI: strPtr("/v1/query/q/page/1"),
		})
	})
	mux.HandleFunc("GET /v1/query/q/page/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			Data:  [][]*string{{strPtr("3")}},
			Stats: QueryStats{ResultProgress: Progress{Rows: 3}},
		})
	})

	c := newTestClient(t, mux, "")
	pages, err := c.StartQuery(context.Background(), "SELECT n FROM t")
	require.NoError(t, err)

	result, err := pages.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Field{{Name: "n", Type: "Int32"}}, result.Schema)
	require.Len(t, result.Data, 3)
	assert.Equal(t, "1", *result.Data[0][0])
	assert.Nil(t, result.Data[1][0])
	assert.Equal(t, "3", *result.Data[2][0])
	// Cumulative stats: the last page wins, counters are not summed.
	assert.Equal(t, int64(3), result.Stats.ResultProgress.Rows)
}

func TestPages_ErrorIsSticky(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{ID: "q", NextURI: strPtr("/v1/query/q/page/1")})
	})
	mux.HandleFunc("GET /v1/query/q/page/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 1105, "message": "boom"}})
	})

	c := newTestClient(t, mux, "")
	pages, err := c.StartQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)

	_, err = pages.Next(context.Background())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindLogic, kind)

	_, err2 := pages.Next(context.Background())
	assert.Same(t, err, err2)
	assert.False(t, pages.HasMore())
}

func TestPages_CloseHitsFinalURI(t *testing.T) {
	var finals atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, &QueryResponse{
			ID:       "q",
			Data:     [][]*string{{strPtr("1")}},
			Schema:   []Field{{Name: "n", Type: "Int32"}},
			FinalURI: strPtr("/v1/query/q/final"),
		})
	})
	mux.HandleFunc("GET /v1/query/q/final", func(w http.ResponseWriter, r *http.Request) {
		finals.Add(1)
		writeJSON(w, map[string]any{})
	})

	c := newTestClient(t, mux, "")
	pages, err := c.StartQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)

	pages.Close(context.Background())
	pages.Close(context.Background())
	assert.Equal(t, int64(1), finals.Load())
}
