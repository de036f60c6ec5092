package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/vitrine/internal/dispatch"
	"github.com/ehrlich-b/vitrine/internal/export"
	"github.com/ehrlich-b/vitrine/internal/store"
	"github.com/ehrlich-b/vitrine/internal/study"
	"github.com/ehrlich-b/vitrine/internal/web"
)

// routes builds the method+pattern mux. Auth applies only to the endpoints
// that accept writes or drain private state.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/cards", s.handleCards)
	mux.HandleFunc("GET /api/card/{id}", s.handleCard)
	mux.HandleFunc("GET /api/table/{id}", s.handleTable)
	mux.HandleFunc("GET /api/table/{id}/stats", s.handleTableStats)
	mux.HandleFunc("GET /api/table/{id}/selection", s.handleTableSelection)
	mux.HandleFunc("GET /api/table/{id}/export", s.handleTableExport)
	mux.HandleFunc("GET /api/artifact/{id}", s.handleArtifact)
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/response/{id}", s.requireAuth(s.handleResponsePoll))
	mux.HandleFunc("POST /api/command", s.requireAuth(s.handleCommand))
	mux.HandleFunc("POST /api/shutdown", s.requireAuth(s.handleShutdown))
	mux.HandleFunc("GET /api/studies", s.handleStudies)
	mux.HandleFunc("DELETE /api/studies/{s}", s.handleStudyDelete)
	mux.HandleFunc("PATCH /api/studies/{s}/rename", s.handleStudyRename)
	mux.HandleFunc("GET /api/studies/{s}/context", s.handleStudyContext)
	mux.HandleFunc("GET /api/studies/{s}/export", s.handleStudyExport)
	mux.HandleFunc("GET /api/studies/{s}/files", s.handleStudyFiles)
	mux.HandleFunc("GET /api/studies/{s}/files/{path...}", s.handleStudyFile)
	mux.HandleFunc("GET /api/studies/{s}/files-archive", s.handleStudyFilesArchive)
	mux.HandleFunc("POST /api/studies/{s}/output-dir", s.handleStudyOutputDir)
	mux.HandleFunc("POST /api/studies/{s}/agents", s.handleAgentCreate)
	mux.HandleFunc("POST /api/agents/{id}/run", s.handleAgentRun)
	mux.HandleFunc("GET /api/agents/{id}", s.handleAgentStatus)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleAgentDelete)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /", web.Handler())

	return mux
}

// requireAuth checks the bearer token minted at startup. Co-located agents
// read it from the pid file.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// errorStatus maps component sentinel errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrUnknownTask):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrTooManyAgents):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrCLIMissing):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"session_id":  s.sessionID,
		"uptime":      time.Since(s.startedAt).Seconds(),
		"study_count": len(s.manager.Labels()),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.sessionID,
		"studies":    s.manager.Labels(),
	})
}

func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.manager.ListAllCards(r.URL.Query().Get("study"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	live := cards[:0]
	for _, c := range cards {
		if !c.Deleted {
			live = append(live, c)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": live})
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.manager.StoreForCard(id)
	if !ok {
		writeError(w, http.StatusNotFound, "card not found")
		return
	}
	c, err := st.GetCard(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// storeForArtifact resolves the study owning an artifact id, handling the
// resp-<card_id> selection captures that share their card's study.
func (s *Server) storeForArtifact(id string) (*store.Store, bool) {
	if st, ok := s.manager.StoreForCard(id); ok {
		return st, true
	}
	if base, ok := strings.CutPrefix(id, "resp-"); ok {
		return s.manager.StoreForCard(base)
	}
	return nil, false
}

func pageOptions(r *http.Request) store.PageOptions {
	q := r.URL.Query()
	opts := store.PageOptions{
		SortCol: q.Get("sort"),
		SortAsc: q.Get("order") != "desc",
		Search:  q.Get("search"),
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	return opts
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.storeForArtifact(id)
	if !ok {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	page, err := st.ReadTablePage(id, pageOptions(r))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleTableStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.storeForArtifact(id)
	if !ok {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	stats, err := st.ReadTableStats(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTableSelection(w http.ResponseWriter, r *http.Request) {
	f, indices, err := s.SelectionFrame(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns": f.Columns,
		"rows":    f.Rows,
		"indices": indices,
	})
}

func (s *Server) handleTableExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.storeForArtifact(id)
	if !ok {
		writeError(w, http.StatusNotFound, "table not found")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	if err := st.ExportTableCSV(id, pageOptions(r), w); err != nil {
		// Headers are gone; the truncated body is the best we can do.
		return
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.storeForArtifact(id)
	if !ok {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	path, kind, err := st.FindArtifact(id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	switch kind {
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "svg":
		w.Header().Set("Content-Type", "image/svg+xml")
	case "png":
		w.Header().Set("Content-Type", "image/png")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64); err == nil {
		since = v
	}
	events, next := s.drainEvents(since)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

func (s *Server) handleResponsePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := 60 * time.Second
	if v, err := strconv.ParseFloat(r.URL.Query().Get("timeout"), 64); err == nil && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	resp := s.WaitForResponse(r.Context(), id, timeout)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	go s.RequestShutdown()
}

func (s *Server) handleStudies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"studies": s.manager.ListStudies()})
}

func (s *Server) handleStudyDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteStudy(r.PathValue("s")); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// DeleteStudy unwatches the study's output directory before removing the
// study itself.
func (s *Server) DeleteStudy(label string) error {
	if s.watcher != nil {
		s.watcher.Unwatch(label)
	}
	return s.manager.DeleteStudy(label)
}

func (s *Server) handleStudyRename(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	var req struct {
		NewLabel string `json:"new_label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !s.manager.RenameStudy(label, req.NewLabel) {
		writeError(w, http.StatusConflict, "rename failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"label": req.NewLabel})
}

func (s *Server) handleStudyContext(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.StudyContext(r.PathValue("s"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

// StudyContext builds the persisted study context enriched with live
// in-memory state the stored cards cannot carry.
func (s *Server) StudyContext(label string) (map[string]any, error) {
	ctx, err := s.manager.BuildContext(label)
	if err != nil {
		return nil, err
	}
	ctx["current_selections"] = s.studySelections(label)
	ctx["pending_responses"] = s.pendingCardIDs()
	return ctx, nil
}

func (s *Server) handleStudyExport(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	switch format := r.URL.Query().Get("format"); format {
	case "", "html":
		doc, err := export.HTML(s.manager, label)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(doc))
	case "json":
		data, err := export.JSONArchive(s.manager, label)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", label+"-export.zip"))
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
	}
}

func (s *Server) handleStudyFiles(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	files, err := s.manager.ListOutputFiles(label)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	out := map[string]any{"files": files}
	if dir, ok := s.manager.OutputDir(label); ok {
		out["output_dir"] = dir
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStudyFile(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	relPath := r.PathValue("path")
	filePath, err := s.manager.OutputFilePath(label, relPath)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "preview"
	}
	switch mode {
	case "preview":
		ext := strings.ToLower(path.Ext(relPath))
		if study.TextExtensions[ext] {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			http.ServeFile(w, r, filePath)
			return
		}
		if mime, ok := study.ImageMIMETypes[ext]; ok {
			w.Header().Set("Content-Type", mime)
			http.ServeFile(w, r, filePath)
			return
		}
		writeError(w, http.StatusUnsupportedMediaType, "no inline preview for this file type")
	case "download":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(relPath)))
		http.ServeFile(w, r, filePath)
	default:
		writeError(w, http.StatusBadRequest, "unknown mode "+mode)
	}
}

func (s *Server) handleStudyFilesArchive(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", label+"-files.zip"))
	if err := export.WriteOutputArchive(w, s.manager, label); err != nil {
		return
	}
}

func (s *Server) handleStudyOutputDir(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	dir, err := s.manager.RegisterOutputDir(label, req.Path)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.WatchOutputDir(label, dir)
	writeJSON(w, http.StatusOK, map[string]string{"output_dir": dir})
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("s")
	var req struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	c, err := s.dispatcher.Create(label, req.Task)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var opts dispatch.RunOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if err := s.dispatcher.Run(id, opts); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": dispatch.StatusRunning})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.dispatcher.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAgentDelete cancels a running dispatch, or force-fails an orphaned
// agent card so the browser can clear it. Always 200 when the card exists.
func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.dispatcher.Has(id) {
		if err := s.dispatcher.Cancel(id); err != nil && !errors.Is(err, dispatch.ErrNotPending) {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": dispatch.StatusCancelled})
		return
	}
	if _, ok := s.manager.StoreForCard(id); !ok {
		writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	s.dispatcher.ForceFail(id, "Server restarted while agent was running")
	writeJSON(w, http.StatusOK, map[string]string{"status": dispatch.StatusFailed})
}
