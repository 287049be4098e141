package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"imgreg/internal/navigator"
	"imgreg/internal/pipeline"
	"imgreg/internal/session"
	"imgreg/internal/storage"
	"imgreg/internal/transform"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes the registration pipeline and the interactive editing
// session over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	manager  *session.Manager
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires the API around an existing pipeline and session
// manager.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	manager *session.Manager,
	log *slog.Logger,
) *Server {
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		manager:  manager,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
	if manager != nil {
		manager.OnChange(func(st session.State) {
			payload, err := json.Marshal(map[string]any{"event": "session", "state": st})
			if err != nil {
				return
			}
			s.hub.Broadcast(payload)
		})
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/fits/{pair}", s.handleFitHistory).Methods("GET")

	r.HandleFunc("/session", s.handleLoadBatch).Methods("POST")
	r.HandleFunc("/session", s.handleSessionState).Methods("GET")
	r.HandleFunc("/session/next", s.handleNext).Methods("POST")
	r.HandleFunc("/session/prev", s.handlePrev).Methods("POST")
	r.HandleFunc("/session/reload", s.handleReload).Methods("POST")
	r.HandleFunc("/session/points", s.handleListPoints).Methods("GET")
	r.HandleFunc("/session/points", s.handleAddPoint).Methods("POST")
	r.HandleFunc("/session/transform", s.handleTransform).Methods("GET")
	r.HandleFunc("/session/points/{id}", s.handleSetPoint).Methods("PUT")
	r.HandleFunc("/session/points/{id}", s.handleDeletePoint).Methods("DELETE")
	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run()
	go s.forwardJobResults(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		s.hub.stop()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// forwardJobResults relays pipeline results to WebSocket clients.
func (s *Server) forwardJobResults(ctx context.Context) {
	if s.pipeline == nil {
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"event": "job",
				"id":    res.Job.ID,
				"type":  res.Job.Type,
				"error": errString(res.Error),
				"meta":  res.Meta,
			})
			if err == nil {
				s.hub.Broadcast(payload)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, meta)
}

func (s *Server) handleFitHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.FitHistory(mux.Vars(r)["pair"], limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// loadBatchRequest is the body of POST /session. Either a directory
// pair to match, or one explicit source/target image pair.
type loadBatchRequest struct {
	SourceDir string `json:"source_dir"`
	TargetDir string `json:"target_dir"`

	Source string `json:"source"`
	Target string `json:"target"`
	Coords string `json:"coords"`

	CoordsDir     string `json:"coords_dir"`
	ControlDir    string `json:"control_dir"`
	TransformDir  string `json:"transform_dir"`
	OutCoordsDir  string `json:"out_coords_dir"`
	Strategy      string `json:"strategy"`
	Pattern       string `json:"pattern"`
	TransformType string `json:"transform_type"`
	PreTransform  string `json:"pre_transform"`
	PostTransform string `json:"post_transform"`
}

func (s *Server) handleLoadBatch(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "no session manager", http.StatusServiceUnavailable)
		return
	}
	var req loadBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ControlDir == "" || req.TransformDir == "" {
		http.Error(w, "control_dir and transform_dir are required", http.StatusBadRequest)
		return
	}
	singlePair := req.Source != "" || req.Target != ""
	if singlePair && (req.Source == "" || req.Target == "") {
		http.Error(w, "single pair load needs both source and target", http.StatusBadRequest)
		return
	}
	if !singlePair && (req.SourceDir == "" || req.TargetDir == "") {
		http.Error(w, "source_dir and target_dir are required", http.StatusBadRequest)
		return
	}

	strategy := navigator.Filename
	if req.Strategy != "" {
		var err error
		strategy, err = navigator.ParseStrategy(req.Strategy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	opts := session.Options{TransformType: transform.Similarity}
	if req.TransformType != "" {
		typ, err := transform.ParseType(req.TransformType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.TransformType = typ
	}
	var err error
	if opts.Pre, err = loadOptionalTransform(req.PreTransform); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opts.Post, err = loadOptionalTransform(req.PostTransform); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var pairs []navigator.Pair
	if singlePair {
		pairs = []navigator.Pair{{Source: req.Source, Target: req.Target, Coords: req.Coords}}
	} else {
		pairs, err = navigator.MatchDirs(strategy, req.Pattern, req.SourceDir, req.TargetDir, req.CoordsDir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.store != nil {
			if _, err := s.store.RecordPairSet(string(strategy), req.SourceDir, req.TargetDir, len(pairs)); err != nil {
				s.log.Warn("failed to record pair set", "error", err)
			}
		}
	}

	st, err := s.manager.LoadBatch(pairs, session.Dirs{
		ControlPoints: req.ControlDir,
		Transforms:    req.TransformDir,
		Coords:        req.OutCoordsDir,
	}, opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, st)
}

func loadOptionalTransform(path string) (*transform.Matrix, error) {
	if path == "" {
		return nil, nil
	}
	f, err := transform.Load(path)
	if err != nil {
		return nil, err
	}
	m := f.Matrix
	return &m, nil
}

func (s *Server) requireManager(w http.ResponseWriter) bool {
	if s.manager == nil {
		http.Error(w, "no session manager", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	s.writeSessionResult(w)(s.manager.State())
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	s.writeSessionResult(w)(s.manager.Next())
}

func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	s.writeSessionResult(w)(s.manager.Prev())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	s.writeSessionResult(w)(s.manager.ReloadCurrent())
}

func (s *Server) handleListPoints(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	st, err := s.manager.State()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, st.Points)
}

// handleTransform returns the joint transform for the current pair, or
// 404 while no fit exists.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	st, err := s.manager.State()
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if !st.Fitted {
		http.Error(w, "no transform fitted", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"matrix":    st.Matrix,
		"rmse":      st.RMSE,
		"residuals": st.Residuals,
	})
}

// pointRequest is the body of the point mutation endpoints.
type pointRequest struct {
	Side string  `json:"side"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (s *Server) handleAddPoint(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	side, err := session.ParseSide(req.Side)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, id, err := s.manager.AddPoint(side, req.X, req.Y)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, map[string]any{"id": id, "state": st})
}

func (s *Server) handleSetPoint(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad point id", http.StatusBadRequest)
		return
	}
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	side, err := session.ParseSide(req.Side)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeSessionResult(w)(s.manager.SetPoint(side, id, req.X, req.Y))
}

func (s *Server) handleDeletePoint(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad point id", http.StatusBadRequest)
		return
	}
	side, err := session.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeSessionResult(w)(s.manager.DeletePoint(side, id))
}

func (s *Server) writeSessionResult(w http.ResponseWriter) func(session.State, error) {
	return func(st session.State, err error) {
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, st)
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, session.ErrNoBatch) {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
