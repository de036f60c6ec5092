package server

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/store"
)

const selectionDebounce = time.Second

// loadSelections restores the per-card selection map from selections.json.
// A missing or malformed file starts empty.
func (s *Server) loadSelections() {
	data, err := os.ReadFile(config.SelectionsPath(s.cfg.DataDir))
	if err != nil {
		return
	}
	loaded := make(map[string][]int)
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warn("selections file unreadable, starting empty", "error", err)
		return
	}
	s.mu.Lock()
	s.selections = loaded
	s.mu.Unlock()
}

// setSelection replaces one card's selected row indices and schedules the
// trailing-edge save.
func (s *Server) setSelection(cardID string, indices []int) {
	s.mu.Lock()
	s.selections[cardID] = indices
	if s.selTimer != nil {
		s.selTimer.Reset(selectionDebounce)
	} else {
		s.selTimer = time.AfterFunc(selectionDebounce, s.saveSelections)
	}
	s.mu.Unlock()
}

// selectionIndices returns one card's current selection.
func (s *Server) selectionIndices(cardID string) ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices, ok := s.selections[cardID]
	return indices, ok
}

// SelectionFrame materializes one card's selected rows from its columnar
// artifact. An empty selection yields an empty frame, not an error.
func (s *Server) SelectionFrame(cardID string) (*frame.Frame, []int, error) {
	st, ok := s.manager.StoreForCard(cardID)
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	c, err := st.GetCard(cardID)
	if err != nil {
		return nil, nil, err
	}
	indices, _ := s.selectionIndices(c.ID)
	if len(indices) == 0 {
		return &frame.Frame{Columns: []string{}}, []int{}, nil
	}
	artifactID := c.ArtifactID
	if artifactID == "" {
		artifactID = c.ID
	}
	f, err := st.ReadRowsAt(artifactID, indices)
	if err != nil {
		return nil, nil, err
	}
	return f, indices, nil
}

// studySelections returns the selections for cards belonging to a study.
func (s *Server) studySelections(label string) map[string][]int {
	out := make(map[string][]int)
	s.mu.Lock()
	snapshot := make(map[string][]int, len(s.selections))
	for id, idx := range s.selections {
		snapshot[id] = idx
	}
	s.mu.Unlock()

	for id, idx := range snapshot {
		if st, ok := s.manager.StoreForCard(id); ok {
			if c, err := st.GetCard(id); err == nil && c.Study == label {
				out[c.ID] = idx
			}
		}
	}
	return out
}

func (s *Server) saveSelections() {
	s.mu.Lock()
	snapshot := make(map[string][]int, len(s.selections))
	for id, idx := range s.selections {
		snapshot[id] = idx
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	path := config.SelectionsPath(s.cfg.DataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.Warn("write selections failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn("write selections failed", "error", err)
	}
}

// flushSelections cancels any pending debounce and writes synchronously.
// Called once during teardown.
func (s *Server) flushSelections() {
	s.mu.Lock()
	if s.selTimer != nil {
		s.selTimer.Stop()
		s.selTimer = nil
	}
	s.mu.Unlock()
	s.saveSelections()
}
