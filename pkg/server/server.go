package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elonfeng/foresight/internal/scheduler"
	"github.com/elonfeng/foresight/internal/store"
	"github.com/elonfeng/foresight/pkg/item"
	"github.com/elonfeng/foresight/pkg/sink"
	"github.com/elonfeng/foresight/pkg/source"
)

// ItemReader looks up one persisted item.
type ItemReader interface {
	GetItem(ctx context.Context, kind source.Kind, externalID string) (*item.Item, error)
}

// Server provides the HTTP API.
type Server struct {
	store  store.Store
	reader ItemReader
	sched  *scheduler.Scheduler
	port   int
	logger *slog.Logger
}

// New creates a new HTTP server. st may be nil when items are persisted to
// an object store instead of the local index.
func New(st store.Store, sched *scheduler.Scheduler, port int, logger *slog.Logger) *Server {
	if port == 0 {
		port = 8080
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		sched:  sched,
		port:   port,
		logger: logger,
	}
	if st != nil {
		s.reader = st
	}
	return s
}

// WithItemReader serves single-item lookups from r, e.g. an object store
// sink when there is no local index.
func (s *Server) WithItemReader(r ItemReader) *Server {
	if r != nil {
		s.reader = r
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/items", s.handleItems)
	mux.HandleFunc("GET /api/v1/items/{source}", s.handleItem)
	mux.HandleFunc("/api/v1/sources", s.handleSources)
	mux.HandleFunc("/api/v1/runs/latest", s.handleLatestRun)
	mux.HandleFunc("/api/v1/ingest", s.handleIngest)
	return mux
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server: stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "item listing requires the sqlite backend"})
		return
	}

	q := r.URL.Query()
	opts := store.ListOpts{Limit: 100, SourceName: q.Get("source_name")}
	if src := q.Get("source"); src != "" {
		kind, err := source.ParseKind(src)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		opts.Source = kind
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		opts.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		opts.Limit = min(n, 500)
	}

	items, err := s.store.ListItems(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no item reader configured"})
		return
	}
	kind, err := source.ParseKind(r.PathValue("source"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}

	it, err := s.reader.GetItem(r.Context(), kind, id)
	if errors.Is(err, sink.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	counts := map[source.Kind]int{}
	if s.store != nil {
		var err error
		counts, err = s.store.CountItemsBySource(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	type sourceInfo struct {
		Name      string `json:"name"`
		Kind      string `json:"kind"`
		Target    string `json:"target"`
		KindItems int    `json:"kind_items"`
		Status    string `json:"last_status,omitempty"`
	}

	latest := s.sched.Latest()
	infos := make([]sourceInfo, 0, len(s.sched.Sources()))
	for _, sc := range s.sched.Sources() {
		info := sourceInfo{
			Name:      sc.Name,
			Kind:      string(sc.Kind),
			Target:    sc.Target,
			KindItems: counts[sc.Kind],
		}
		if latest != nil {
			if sr, ok := latest.Source(sc.Name); ok {
				info.Status = string(sr.Status)
			}
		}
		infos = append(infos, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  infos,
		"count": len(infos),
	})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	report := s.sched.Latest()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run has finished yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	skip := false
	if v := r.URL.Query().Get("skip_persist"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "skip_persist must be a boolean"})
			return
		}
		skip = b
	}

	report, err := s.sched.Trigger(r.Context(), skip)
	if errors.Is(err, scheduler.ErrBusy) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if report.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
