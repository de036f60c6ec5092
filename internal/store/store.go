// Package store persists one study's cards and artifacts: an ordered JSON
// card index, atomic study metadata, and per-card artifact files including
// columnar tables served through an embedded SQL engine.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/logger"
)

var ErrNotFound = errors.New("not found")

// Meta is the study metadata record at <study-dir>/meta.json.
type Meta struct {
	Label      string   `json:"label"`
	DirName    string   `json:"dir_name"`
	StartTime  string   `json:"start_time"`
	StudyNames []string `json:"study_names,omitempty"`
	OutputDir  string   `json:"output_dir,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// Store owns one study directory. All index mutations are serialized; the
// singleton server guarantee makes this process the sole writer.
type Store struct {
	mu  sync.Mutex
	dir string
}

// Open ensures the study directory (and artifacts/ beneath it) exists and
// returns a store over it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0755); err != nil {
		return nil, fmt.Errorf("create study dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the study directory path.
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, "meta.json")
}

func (s *Store) artifactsDir() string {
	return filepath.Join(s.dir, "artifacts")
}

// loadIndex reads the ordered card list. A missing or malformed index is
// treated as empty.
func (s *Store) loadIndex() []*card.Card {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil
	}
	var cards []*card.Card
	if err := json.Unmarshal(data, &cards); err != nil {
		logger.Warn("malformed card index, treating as empty", "path", s.indexPath(), "error", err)
		return nil
	}
	return cards
}

// saveIndex rewrites the whole index file. Losing the in-flight change on a
// crash is tolerated; metadata uses atomic replaces instead.
func (s *Store) saveIndex(cards []*card.Card) error {
	data, err := json.MarshalIndent(cards, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// AppendCard adds a card to the index and tracks its study label in meta.
func (s *Store) AppendCard(c *card.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := append(s.loadIndex(), c)
	if err := s.saveIndex(cards); err != nil {
		return err
	}
	s.trackStudyLocked(c.Study)
	return nil
}

// trackStudyLocked records a study label in meta's study-name set.
func (s *Store) trackStudyLocked(label string) {
	if label == "" {
		return
	}
	meta, err := s.readMetaLocked()
	if err != nil {
		return
	}
	for _, n := range meta.StudyNames {
		if n == label {
			return
		}
	}
	meta.StudyNames = append(meta.StudyNames, label)
	if err := s.writeMetaLocked(meta); err != nil {
		logger.Warn("update study names failed", "error", err)
	}
}

// UpdateCard merges changes (JSON field names) into the card with the exact
// id and rewrites the index. Returns the updated card.
func (s *Store) UpdateCard(id string, changes map[string]any) (*card.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards := s.loadIndex()
	for i, c := range cards {
		if c.ID != id {
			continue
		}
		merged, err := mergeCard(c, changes)
		if err != nil {
			return nil, err
		}
		merged.UpdatedAt = card.NowISO()
		cards[i] = merged
		if err := s.saveIndex(cards); err != nil {
			return nil, err
		}
		return merged, nil
	}
	return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
}

// mergeCard applies a shallow top-level merge at the JSON representation.
func mergeCard(c *card.Card, changes map[string]any) (*card.Card, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("merge card: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("merge card: %w", err)
	}
	for k, v := range changes {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	raw, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("merge card: %w", err)
	}
	var out card.Card
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("merge card: %w", err)
	}
	if out.Annotations == nil {
		out.Annotations = []card.Annotation{}
	}
	return &out, nil
}

// ReplaceCard swaps the stored record for the card with the same id.
func (s *Store) ReplaceCard(c *card.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := s.loadIndex()
	for i, existing := range cards {
		if existing.ID == c.ID {
			cards[i] = c
			return s.saveIndex(cards)
		}
	}
	return fmt.Errorf("card %s: %w", c.ID, ErrNotFound)
}

// GetCard finds a card by exact id or leading-prefix match.
func (s *Store) GetCard(id string) (*card.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := s.loadIndex()
	for _, c := range cards {
		if c.ID == id {
			return c, nil
		}
	}
	for _, c := range cards {
		if c.MatchesID(id) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
}

// ListCards returns the index in insertion order.
func (s *Store) ListCards() []*card.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndex()
}

// RenameStudy updates the study field on every card record.
func (s *Store) RenameStudy(oldLabel, newLabel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards := s.loadIndex()
	if len(cards) == 0 {
		return nil
	}
	for _, c := range cards {
		if c.Study == oldLabel || c.Study == "" {
			c.Study = newLabel
		}
	}
	return s.saveIndex(cards)
}

// Relocate re-points the store after its directory was renamed. No file IO.
func (s *Store) Relocate(newDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = newDir
}

// Delete recursively removes the study directory.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("delete study dir: %w", err)
	}
	return nil
}

// ReadMeta returns the study metadata, or ErrNotFound.
func (s *Store) ReadMeta() (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMetaLocked()
}

func (s *Store) readMetaLocked() (*Meta, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		return nil, fmt.Errorf("meta: %w", ErrNotFound)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &m, nil
}

// WriteMeta writes metadata via temp-file + atomic rename.
func (s *Store) WriteMeta(m *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeMetaLocked(m)
}

func (s *Store) writeMetaLocked(m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("temp meta: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close meta: %w", err)
	}
	if err := os.Rename(tmpPath, s.metaPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace meta: %w", err)
	}
	return nil
}
