// Package web exposes the query engine over HTTP: a visibility endpoint for
// cameras and a bulk tile endpoint streaming raw tiles in request order.
package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-gl/mathgl/mgl64"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/cartographer-project/point-cloud-viewer/octree"
	"github.com/cartographer-project/point-cloud-viewer/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server serves the query API for one octree.
type Server struct {
	engine *query.Engine
	logger golog.Logger
	http   *http.Server
}

// NewServer wires the handlers for the given engine.
func NewServer(engine *query.Engine, addr string, logger golog.Logger) *Server {
	s := &Server{engine: engine, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/visible_nodes", s.handleVisibleNodes)
	mux.HandleFunc("/nodes_data", s.handleNodesData)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the context is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		errCh <- s.http.ListenAndServe()
	})
	s.logger.Infof("query API listening on %s", s.http.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// parseMatrix reads 16 comma-separated values in column-major order.
func parseMatrix(raw string) (mgl64.Mat4, error) {
	fields := strings.Split(raw, ",")
	if len(fields) != 16 {
		return mgl64.Mat4{}, errors.Errorf("matrix needs 16 values, got %d", len(fields))
	}
	var m mgl64.Mat4
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return mgl64.Mat4{}, errors.Wrapf(err, "matrix value %d", i)
		}
		m[i] = v
	}
	return m, nil
}

func (s *Server) handleVisibleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "visible_nodes is GET only", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	matrix, err := parseMatrix(q.Get("matrix"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	width, err := strconv.Atoi(q.Get("width"))
	if err != nil {
		http.Error(w, "bad width", http.StatusBadRequest)
		return
	}
	height, err := strconv.Atoi(q.Get("height"))
	if err != nil {
		http.Error(w, "bad height", http.StatusBadRequest)
		return
	}

	ids := s.engine.VisibleNodes(matrix, width, height)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	s.engine.Prefetch(r.Context(), ids)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(names); err != nil {
		s.logger.Debugw("writing visible_nodes response", "error", err)
	}
}

func (s *Server) handleNodesData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "nodes_data is POST only", http.StatusMethodNotAllowed)
		return
	}
	var names []string
	if err := json.NewDecoder(r.Body).Decode(&names); err != nil {
		http.Error(w, errors.Wrap(err, "decoding node list").Error(), http.StatusBadRequest)
		return
	}
	ids := make([]octree.NodeId, len(names))
	for i, name := range names {
		id, err := octree.NodeIdFromString(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ids[i] = id
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	for _, id := range ids {
		data, err := s.engine.RawTile(r.Context(), id)
		if err != nil {
			if errors.Is(err, query.ErrNodeAbsent) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := w.Write(data); err != nil {
			s.logger.Debugw("writing nodes_data response", "error", err)
			return
		}
	}
}
