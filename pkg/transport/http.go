package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coreseekdev/drawbridge/pkg/engine"
	"github.com/coreseekdev/drawbridge/pkg/scene"
	"github.com/coreseekdev/drawbridge/pkg/session"
)

// Server wires the engine to an http.ServeMux, following the
// teacher's cmd/main.go "one mux, every handler registered on it"
// layout.
type Server struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// NewServer builds the router. Call Handler to get the http.Handler
// (CORS-wrapped) to pass to an http.Server.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{engine: eng, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the CORS-wrapped mux.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/session/{id}/elements", s.handleSetElements)
	s.mux.HandleFunc("POST /api/session/{id}/append", s.handleAppendElements)
	s.mux.HandleFunc("POST /api/session/{id}/viewport", s.handleSetViewport)
	s.mux.HandleFunc("POST /api/session/{id}/clear", s.handleClear)
	s.mux.HandleFunc("POST /api/session/{id}/undo", s.handleUndo)
	s.mux.HandleFunc("GET /api/session/{id}/versions", s.handleListVersions)
	s.mux.HandleFunc("POST /api/session/{id}/restore", s.handleRestore)
	s.mux.HandleFunc("POST /api/session/{id}/files", s.handleSetFileMeta)
	s.mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSessionError(w http.ResponseWriter, err error) {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		switch sessErr.Code {
		case "undo-empty":
			writeJSON(w, http.StatusConflict, map[string]interface{}{"success": false, "message": sessErr.Message})
			return
		case "version-not-found":
			// §7 classifies restore of a missing versioned snapshot as
			// an "Unknown resource" error: HTTP 404 with {error}.
			writeJSON(w, http.StatusNotFound, map[string]string{"error": sessErr.Message})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.Sessions,
		"clients":  h.Clients,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	st, version := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"elements": st.Elements,
		"appState": st.AppState,
		"viewport": st.Viewport,
		"version":  version,
		"files":    sess.FilesMeta(),
	})
}

type elementsRequest struct {
	Elements []scene.Element `json:"elements"`
	AppState json.RawMessage `json:"appState,omitempty"`
}

func (s *Server) handleSetElements(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req elementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.SetElements(req.Elements, req.AppState); err != nil {
		writeSessionError(w, err)
		return
	}
	st, _ := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"elementCount": len(st.Elements),
		"clients":      sess.SubscriberCount(),
	})
}

func (s *Server) handleAppendElements(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req elementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.AppendElements(req.Elements); err != nil {
		writeSessionError(w, err)
		return
	}
	st, _ := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"elementCount": len(st.Elements),
	})
}

type viewportRequest struct {
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

func (s *Server) handleSetViewport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req viewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	vp := scene.DefaultViewport()
	if req.X != nil {
		vp.X = *req.X
	}
	if req.Y != nil {
		vp.Y = *req.Y
	}
	if req.Width != nil {
		vp.Width = *req.Width
	}
	if req.Height != nil {
		vp.Height = *req.Height
	}
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.SetViewport(vp); err != nil {
		writeSessionError(w, err)
		return
	}
	st, _ := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"viewport": st.Viewport,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Clear(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetOrCreateSession(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := sess.Undo(); err != nil {
		writeSessionError(w, err)
		return
	}
	st, _ := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"elementCount": len(st.Elements),
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.engine.ListVersions(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type restoreRequest struct {
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Timestamp == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing timestamp"})
		return
	}
	if err := s.engine.RestoreVersion(id, req.Timestamp); err != nil {
		writeSessionError(w, err)
		return
	}
	sess, ok := s.engine.GetSession(id)
	elementCount := 0
	if ok {
		st, _ := sess.Snapshot()
		elementCount = len(st.Elements)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"elementCount": elementCount,
	})
}

func (s *Server) handleSetFileMeta(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var file scene.FileMeta
	if err := json.NewDecoder(r.Body).Decode(&file); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.engine.SetFileMeta(id, file); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	serveWebSocket(s.engine, r.PathValue("id"), w, r)
}
