// Package study owns every ArtifactStore in the process: study discovery on
// startup, label and card routing, renames, deletion, and output directories.
package study

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/store"
)

// Directory names look like 2025-06-01_120000_my-study; renames keep the
// timestamp prefix and replace only the label suffix.
const dirTimeFmt = "2006-01-02_150405"

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeLabel folds a study label into a directory-safe slug.
func SanitizeLabel(label string) string {
	s := strings.ToLower(label)
	s = nonAlnumRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 64 {
		s = strings.Trim(s[:64], "-")
	}
	if s == "" {
		return "unnamed"
	}
	return s
}

// Manager routes card and study lookups across all ArtifactStores.
type Manager struct {
	mu         sync.RWMutex
	studiesDir string
	stores     map[string]*store.Store // dir name → store
	labelToDir map[string]string       // label → dir name
	cardIndex  map[string]string       // card id → dir name
}

// New loads every study already on disk under <data-dir>/studies.
func New(dataDir string) (*Manager, error) {
	dir := config.StudiesDir(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create studies dir: %w", err)
	}
	m := &Manager{
		studiesDir: dir,
		stores:     make(map[string]*store.Store),
		labelToDir: make(map[string]string),
		cardIndex:  make(map[string]string),
	}
	m.Refresh()
	return m, nil
}

// StudiesDir returns the root directory holding all study directories.
func (m *Manager) StudiesDir() string {
	return m.studiesDir
}

// Refresh scans the studies directory and loads any study not yet in memory.
func (m *Manager) Refresh() {
	entries, err := os.ReadDir(m.studiesDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.EnsureStudyLoaded(e.Name()); err != nil {
			logger.Warn("skipping unloadable study", "dir", e.Name(), "error", err)
		}
	}
}

// EnsureStudyLoaded instantiates a store for an on-disk study directory and
// indexes its cards. Already-loaded studies are a no-op.
func (m *Manager) EnsureStudyLoaded(dirName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[dirName]; ok {
		return nil
	}
	dir := filepath.Join(m.studiesDir, dirName)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("study dir %s: %w", dirName, store.ErrNotFound)
	}
	s, err := store.Open(dir)
	if err != nil {
		return err
	}
	label := dirName
	if meta, err := s.ReadMeta(); err == nil && meta.Label != "" {
		label = meta.Label
	}
	m.registerLocked(label, dirName, s)
	return nil
}

// registerLocked binds a loaded store into all three mappings.
func (m *Manager) registerLocked(label, dirName string, s *store.Store) {
	m.stores[dirName] = s
	m.labelToDir[label] = dirName
	for _, c := range s.ListCards() {
		m.cardIndex[c.ID] = dirName
	}
}

// GetOrCreateStudy resolves a label to its store, creating the study on first
// use. An empty label synthesizes auto-YYYYMMDD-HHMMSS.
func (m *Manager) GetOrCreateStudy(label string) (string, *store.Store, error) {
	now := time.Now().UTC()
	if label == "" {
		label = "auto-" + now.Format("20060102-150405")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dirName, ok := m.labelToDir[label]; ok {
		return label, m.stores[dirName], nil
	}

	dirName := now.Format(dirTimeFmt) + "_" + SanitizeLabel(label)
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(m.studiesDir, dirName)); os.IsNotExist(err) {
			break
		}
		dirName = now.Format(dirTimeFmt) + "_" + SanitizeLabel(label) + "-" + strconv.Itoa(i)
	}

	s, err := store.Open(filepath.Join(m.studiesDir, dirName))
	if err != nil {
		return "", nil, err
	}
	meta := &store.Meta{
		Label:      label,
		DirName:    dirName,
		StartTime:  card.NowISO(),
		StudyNames: []string{label},
	}
	if err := s.WriteMeta(meta); err != nil {
		return "", nil, err
	}
	m.registerLocked(label, dirName, s)
	logger.Info("study created", "label", label, "dir", dirName)
	return label, s, nil
}

// GetStudy returns the store bound to a label.
func (m *Manager) GetStudy(label string) (*store.Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dirName, ok := m.labelToDir[label]
	if !ok {
		return nil, false
	}
	return m.stores[dirName], true
}

// Labels returns every known study label.
func (m *Manager) Labels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make([]string, 0, len(m.labelToDir))
	for l := range m.labelToDir {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// RegisterCard records which study a card id lives under.
func (m *Manager) RegisterCard(cardID, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dirName, ok := m.labelToDir[label]; ok {
		m.cardIndex[cardID] = dirName
	}
}

// StoreForCard resolves a card id (exact or leading prefix) to its store.
func (m *Manager) StoreForCard(cardID string) (*store.Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if dirName, ok := m.cardIndex[cardID]; ok {
		return m.stores[dirName], true
	}
	prefix, _, _ := strings.Cut(cardID, "-")
	if prefix != "" && prefix != cardID {
		for id, dirName := range m.cardIndex {
			if strings.HasPrefix(id, prefix) {
				return m.stores[dirName], true
			}
		}
	}
	return nil, false
}

// RenameStudy relabels a study in memory and on disk. Returns false when the
// old label is unknown, the new one is taken, or the new one is blank.
func (m *Manager) RenameStudy(oldLabel, newLabel string) bool {
	newLabel = strings.TrimSpace(newLabel)
	if newLabel == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dirName, ok := m.labelToDir[oldLabel]
	if !ok {
		return false
	}
	if _, taken := m.labelToDir[newLabel]; taken {
		return false
	}
	s := m.stores[dirName]

	if err := s.RenameStudy(oldLabel, newLabel); err != nil {
		logger.Error("rename study cards failed", "study", oldLabel, "error", err)
		return false
	}

	prefix := dirName
	if i := strings.Index(dirName, "_"); i >= 0 {
		if j := strings.Index(dirName[i+1:], "_"); j >= 0 {
			prefix = dirName[:i+1+j]
		}
	}
	newDirName := prefix + "_" + SanitizeLabel(newLabel)
	if newDirName != dirName {
		oldPath := filepath.Join(m.studiesDir, dirName)
		newPath := filepath.Join(m.studiesDir, newDirName)
		if err := os.Rename(oldPath, newPath); err != nil {
			logger.Error("rename study dir failed", "study", oldLabel, "error", err)
			return false
		}
		s.Relocate(newPath)
	}

	delete(m.stores, dirName)
	m.stores[newDirName] = s
	delete(m.labelToDir, oldLabel)
	m.labelToDir[newLabel] = newDirName
	for id, d := range m.cardIndex {
		if d == dirName {
			m.cardIndex[id] = newDirName
		}
	}

	meta, err := s.ReadMeta()
	if err != nil {
		meta = &store.Meta{StartTime: card.NowISO()}
	}
	meta.Label = newLabel
	meta.DirName = newDirName
	if err := s.WriteMeta(meta); err != nil {
		logger.Warn("rewrite meta after rename failed", "study", newLabel, "error", err)
	}
	logger.Info("study renamed", "from", oldLabel, "to", newLabel)
	return true
}

// DeleteStudy removes the study directory and evicts its cards from the
// cross-study index.
func (m *Manager) DeleteStudy(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteStudyLocked(label)
}

func (m *Manager) deleteStudyLocked(label string) error {
	dirName, ok := m.labelToDir[label]
	if !ok {
		return fmt.Errorf("study %s: %w", label, store.ErrNotFound)
	}
	s := m.stores[dirName]
	if err := s.Delete(); err != nil {
		return err
	}
	delete(m.stores, dirName)
	delete(m.labelToDir, label)
	for id, d := range m.cardIndex {
		if d == dirName {
			delete(m.cardIndex, id)
		}
	}
	logger.Info("study deleted", "label", label)
	return nil
}

// ParseAge parses an age spec: Nd, Nh, Nm, Ns, or bare seconds.
func ParseAge(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" {
		return 0, fmt.Errorf("empty age spec")
	}
	unit := time.Second
	num := spec
	switch spec[len(spec)-1] {
	case 'd':
		unit, num = 24*time.Hour, spec[:len(spec)-1]
	case 'h':
		unit, num = time.Hour, spec[:len(spec)-1]
	case 'm':
		unit, num = time.Minute, spec[:len(spec)-1]
	case 's':
		num = spec[:len(spec)-1]
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age spec %q", spec)
	}
	return time.Duration(n) * unit, nil
}

// CleanStudies deletes every study started before now minus the given age.
// Returns the number removed.
func (m *Manager) CleanStudies(ageSpec string) (int, error) {
	age, err := ParseAge(ageSpec)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []string
	for label, dirName := range m.labelToDir {
		meta, err := m.stores[dirName].ReadMeta()
		if err != nil {
			continue
		}
		started := card.ParseISO(meta.StartTime)
		if !started.IsZero() && started.Before(cutoff) {
			victims = append(victims, label)
		}
	}
	removed := 0
	for _, label := range victims {
		if err := m.deleteStudyLocked(label); err != nil {
			logger.Warn("clean: delete failed", "study", label, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Info summarizes one study for listings.
type Info struct {
	Label     string `json:"label"`
	DirName   string `json:"dir_name"`
	StartTime string `json:"start_time"`
	CardCount int    `json:"card_count"`
	OutputDir string `json:"output_dir,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ListStudies lists every study newest-first. Card counts exclude section
// cards and soft-deleted cards.
func (m *Manager) ListStudies() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.labelToDir))
	for label, dirName := range m.labelToDir {
		s := m.stores[dirName]
		info := Info{Label: label, DirName: dirName}
		if meta, err := s.ReadMeta(); err == nil {
			info.StartTime = meta.StartTime
			info.OutputDir = meta.OutputDir
			info.SessionID = meta.SessionID
		}
		for _, c := range s.ListCards() {
			if c.Type != card.TypeSection && !c.Deleted {
				info.CardCount++
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime > infos[j].StartTime
	})
	return infos
}

// ListAllCards returns a single study's cards, or the union of every study
// sorted by creation time.
func (m *Manager) ListAllCards(studyLabel string) ([]*card.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if studyLabel != "" {
		dirName, ok := m.labelToDir[studyLabel]
		if !ok {
			return nil, fmt.Errorf("study %s: %w", studyLabel, store.ErrNotFound)
		}
		return m.stores[dirName].ListCards(), nil
	}
	var all []*card.Card
	for _, s := range m.stores {
		all = append(all, s.ListCards()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt < all[j].CreatedAt
	})
	return all, nil
}

// SetSessionID records the external agent session associated with a study.
func (m *Manager) SetSessionID(label, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirName, ok := m.labelToDir[label]
	if !ok {
		return fmt.Errorf("study %s: %w", label, store.ErrNotFound)
	}
	s := m.stores[dirName]
	meta, err := s.ReadMeta()
	if err != nil {
		return err
	}
	meta.SessionID = sessionID
	return s.WriteMeta(meta)
}
