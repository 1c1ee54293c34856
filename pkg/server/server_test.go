package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/elonfeng/foresight/internal/coordinator"
	"github.com/elonfeng/foresight/internal/logging"
	"github.com/elonfeng/foresight/internal/scheduler"
	"github.com/elonfeng/foresight/internal/store"
	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/retry"
	"github.com/elonfeng/foresight/pkg/sink"
	"github.com/elonfeng/foresight/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feedConnector struct {
	started chan struct{}
	release chan struct{}
}

func (c *feedConnector) Kind() source.Kind { return source.KindRSS }

func (c *feedConnector) Fetch(ctx context.Context, cfg source.SourceConfig) ([]source.RawRecord, error) {
	if c.started != nil {
		c.started <- struct{}{}
		<-c.release
	}
	published := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var recs []source.RawRecord
	for _, id := range []string{"a", "b"} {
		recs = append(recs, source.RawRecord{
			Kind:        source.KindRSS,
			SourceName:  cfg.Name,
			ExternalID:  "https://example.com/" + id,
			Title:       "post " + id,
			PublishedAt: published,
			FetchedAt:   published.Add(time.Hour),
		})
	}
	return recs, nil
}

func newTestServer(t *testing.T, conn source.Connector) (*Server, *store.SQLiteStore) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "foresight.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	coord := coordinator.New([]source.Connector{conn}, st, nil, coordinator.Options{}, logging.Discard())
	sources := []source.SourceConfig{{Name: "rss:example", Kind: source.KindRSS, Target: "https://example.com/feed"}}
	sched := scheduler.New(coord, sources, nil, time.Hour, logging.Discard())
	return New(st, sched, 0, logging.Discard()), st
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &feedConnector{})
	rec := do(t, s.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLatestRunBeforeAnyRun(t *testing.T) {
	s, _ := newTestServer(t, &feedConnector{})
	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/runs/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestThenQuery(t *testing.T) {
	s, _ := newTestServer(t, &feedConnector{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/ingest")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/ingest")
	require.Equal(t, http.StatusOK, rec.Code)
	var report coordinator.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Sources, 1)
	assert.Equal(t, coordinator.StatusSucceeded, report.Sources[0].Status)
	assert.Equal(t, 2, report.Sources[0].Persisted)

	rec = do(t, h, http.MethodGet, "/api/v1/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var latest coordinator.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, report.RunID, latest.RunID)

	rec = do(t, h, http.MethodGet, "/api/v1/items?source=rss&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var items struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Equal(t, 1, items.Count)

	rec = do(t, h, http.MethodGet, "/api/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var sources struct {
		Data []struct {
			Name      string `json:"name"`
			KindItems int    `json:"kind_items"`
			Status    string `json:"last_status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources.Data, 1)
	assert.Equal(t, "rss:example", sources.Data[0].Name)
	assert.Equal(t, 2, sources.Data[0].KindItems)
	assert.Equal(t, "succeeded", sources.Data[0].Status)
}

func TestIngestSkipPersist(t *testing.T) {
	s, st := newTestServer(t, &feedConnector{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/ingest?skip_persist=true")
	require.Equal(t, http.StatusOK, rec.Code)

	counts, err := st.CountItemsBySource(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)

	rec = do(t, s.Handler(), http.MethodPost, "/api/v1/ingest?skip_persist=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBusy(t *testing.T) {
	conn := &feedConnector{started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestServer(t, conn)
	h := s.Handler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		do(t, h, http.MethodPost, "/api/v1/ingest")
	}()
	<-conn.started

	rec := do(t, h, http.MethodPost, "/api/v1/ingest")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(conn.release)
	<-done
}

func TestItemsBadQuery(t *testing.T) {
	s, _ := newTestServer(t, &feedConnector{})
	h := s.Handler()

	for _, target := range []string{
		"/api/v1/items?source=myspace",
		"/api/v1/items?since=yesterday",
		"/api/v1/items?limit=-3",
	} {
		rec := do(t, h, http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestItemsWithoutLocalIndex(t *testing.T) {
	coord := coordinator.New(nil, nil, nil, coordinator.Options{}, logging.Discard())
	sched := scheduler.New(coord, nil, nil, time.Hour, logging.Discard())
	s := New(nil, sched, 0, logging.Discard())

	rec := do(t, s.Handler(), http.MethodGet, "/api/v1/items")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/api/v1/sources")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetItem(t *testing.T) {
	s, _ := newTestServer(t, &feedConnector{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/items/rss?id="+url.QueryEscape("https://example.com/a"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/ingest")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/items/rss?id="+url.QueryEscape("https://example.com/a"))
	require.Equal(t, http.StatusOK, rec.Code)
	var it item.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &it))
	assert.Equal(t, "post a", it.Title)

	rec = do(t, h, http.MethodGet, "/api/v1/items/myspace?id=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/items/rss")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetItemFromObjectStore(t *testing.T) {
	objects := sink.NewObjectSink(sink.NewMemoryStore(), "bkt", "raw", retry.None, logging.Discard())
	coord := coordinator.New([]source.Connector{&feedConnector{}}, objects, nil, coordinator.Options{}, logging.Discard())
	sources := []source.SourceConfig{{Name: "rss:example", Kind: source.KindRSS, Target: "https://example.com/feed"}}
	sched := scheduler.New(coord, sources, nil, time.Hour, logging.Discard())
	s := New(nil, sched, 0, logging.Discard()).WithItemReader(objects)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/ingest")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/items/rss?id="+url.QueryEscape("https://example.com/b"))
	require.Equal(t, http.StatusOK, rec.Code)
	var it item.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &it))
	assert.Equal(t, "post b", it.Title)

	rec = do(t, h, http.MethodGet, "/api/v1/items")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
