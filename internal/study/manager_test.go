package study

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/store"
)

func openTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	m, err := New(dataDir)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, dataDir
}

func addCard(t *testing.T, m *Manager, label, title string, typ card.Type) *card.Card {
	t.Helper()
	resolved, s, err := m.GetOrCreateStudy(label)
	if err != nil {
		t.Fatalf("get or create %s: %v", label, err)
	}
	c := card.New(typ)
	c.Title = title
	c.Study = resolved
	if err := s.AppendCard(c); err != nil {
		t.Fatalf("append: %v", err)
	}
	m.RegisterCard(c.ID, resolved)
	return c
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Study", "my-study"},
		{"  lots   of//junk!! ", "lots-of-junk"},
		{"---", "unnamed"},
		{"", "unnamed"},
		{"UPPER_case.mixed", "upper-case-mixed"},
	}
	for _, tt := range tests {
		if got := SanitizeLabel(tt.in); got != tt.want {
			t.Errorf("SanitizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := SanitizeLabel("a" + string(make([]byte, 0)) + "bcdefghij" + "-klmnopqrstuvwxyz-0123456789-abcdefghijklmnopqrstuvwxyz-0123456789")
	if len(long) > 64 {
		t.Errorf("sanitized label length = %d, want <= 64", len(long))
	}
}

func TestGetOrCreateStudyIdempotent(t *testing.T) {
	m, _ := openTestManager(t)
	label1, s1, err := m.GetOrCreateStudy("trial")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	label2, s2, err := m.GetOrCreateStudy("trial")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if label1 != label2 || s1 != s2 {
		t.Errorf("second call returned different study: %q/%p vs %q/%p", label1, s1, label2, s2)
	}
}

func TestAutoLabel(t *testing.T) {
	m, _ := openTestManager(t)
	label, _, err := m.GetOrCreateStudy("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(label) < 6 || label[:5] != "auto-" {
		t.Errorf("auto label = %q, want auto- prefix", label)
	}
}

func TestCardIndexRouting(t *testing.T) {
	m, _ := openTestManager(t)
	c1 := addCard(t, m, "alpha", "one", card.TypeMarkdown)
	c2 := addCard(t, m, "beta", "two", card.TypeMarkdown)

	for _, c := range []*card.Card{c1, c2} {
		s, ok := m.StoreForCard(c.ID)
		if !ok {
			t.Fatalf("card %s not routable", c.ID)
		}
		if _, err := s.GetCard(c.ID); err != nil {
			t.Errorf("routed store missing card %s: %v", c.ID, err)
		}
	}

	// Prefix routing.
	if _, ok := m.StoreForCard(c1.ID[:6] + "-slug"); !ok {
		t.Errorf("prefix route failed for %s", c1.ID[:6])
	}
}

func TestRenameStudy(t *testing.T) {
	m, _ := openTestManager(t)
	c := addCard(t, m, "pre-rename", "kept", card.TypeMarkdown)
	addCard(t, m, "pre-rename", "also", card.TypeTable)

	s, _ := m.GetStudy("pre-rename")
	oldDir := s.Dir()

	if !m.RenameStudy("pre-rename", "post-rename") {
		t.Fatal("rename failed")
	}

	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Errorf("old dir still present: %s", oldDir)
	}
	if _, ok := m.GetStudy("pre-rename"); ok {
		t.Error("old label still resolves")
	}
	newStore, ok := m.GetStudy("post-rename")
	if !ok {
		t.Fatal("new label does not resolve")
	}
	// Timestamp prefix is preserved.
	if filepath.Base(newStore.Dir())[:17] != filepath.Base(oldDir)[:17] {
		t.Errorf("timestamp prefix changed: %s -> %s", filepath.Base(oldDir), filepath.Base(newStore.Dir()))
	}
	for _, got := range newStore.ListCards() {
		if got.Study != "post-rename" {
			t.Errorf("card %s study = %q, want post-rename", got.ID, got.Study)
		}
	}
	// Card index follows the move.
	if routed, ok := m.StoreForCard(c.ID); !ok || routed != newStore {
		t.Error("card index not re-pointed after rename")
	}

	cards, err := m.ListAllCards("post-rename")
	if err != nil || len(cards) != 2 {
		t.Errorf("ListAllCards(post-rename) = %d cards, err %v; want 2", len(cards), err)
	}
	if _, err := m.ListAllCards("pre-rename"); err == nil {
		t.Error("ListAllCards(pre-rename) should fail after rename")
	}
}

func TestRenameStudyRejections(t *testing.T) {
	m, _ := openTestManager(t)
	addCard(t, m, "a", "x", card.TypeMarkdown)
	addCard(t, m, "b", "y", card.TypeMarkdown)

	if m.RenameStudy("missing", "z") {
		t.Error("rename of missing study succeeded")
	}
	if m.RenameStudy("a", "b") {
		t.Error("rename onto existing label succeeded")
	}
	if m.RenameStudy("a", "   ") {
		t.Error("rename to blank label succeeded")
	}
}

func TestRenameSurvivesRestart(t *testing.T) {
	m, dataDir := openTestManager(t)
	addCard(t, m, "pre-rename", "one", card.TypeMarkdown)
	addCard(t, m, "pre-rename", "two", card.TypeMarkdown)
	if !m.RenameStudy("pre-rename", "post-rename") {
		t.Fatal("rename failed")
	}

	fresh, err := New(dataDir)
	if err != nil {
		t.Fatalf("reopen manager: %v", err)
	}
	cards, err := fresh.ListAllCards("post-rename")
	if err != nil {
		t.Fatalf("list after restart: %v", err)
	}
	if len(cards) != 2 {
		t.Errorf("cards after restart = %d, want 2", len(cards))
	}
}

func TestDeleteStudy(t *testing.T) {
	m, _ := openTestManager(t)
	c := addCard(t, m, "doomed", "x", card.TypeMarkdown)
	s, _ := m.GetStudy("doomed")
	dir := s.Dir()

	if err := m.DeleteStudy("doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("study dir still present after delete")
	}
	if _, ok := m.StoreForCard(c.ID); ok {
		t.Error("card id still resolves after study deletion")
	}
	if err := m.DeleteStudy("doomed"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestListStudiesCardCount(t *testing.T) {
	m, _ := openTestManager(t)
	addCard(t, m, "counted", "a", card.TypeMarkdown)
	addCard(t, m, "counted", "b", card.TypeTable)
	addCard(t, m, "counted", "sec", card.TypeSection)
	del := addCard(t, m, "counted", "gone", card.TypeMarkdown)
	s, _ := m.GetStudy("counted")
	if _, err := s.UpdateCard(del.ID, map[string]any{"deleted": true}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	infos := m.ListStudies()
	if len(infos) != 1 {
		t.Fatalf("studies = %d, want 1", len(infos))
	}
	if infos[0].CardCount != 2 {
		t.Errorf("card count = %d, want 2 (sections and deleted excluded)", infos[0].CardCount)
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		spec string
		want time.Duration
		ok   bool
	}{
		{"7d", 7 * 24 * time.Hour, true},
		{"24h", 24 * time.Hour, true},
		{"90m", 90 * time.Minute, true},
		{"30s", 30 * time.Second, true},
		{"45", 45 * time.Second, true},
		{"0d", 0, true},
		{"", 0, false},
		{"d", 0, false},
		{"-3h", 0, false},
		{"1w", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseAge(tt.spec)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseAge(%q) = %v, %v; want %v", tt.spec, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseAge(%q) succeeded, want error", tt.spec)
		}
	}
}

func TestCleanStudies(t *testing.T) {
	m, _ := openTestManager(t)
	addCard(t, m, "old", "x", card.TypeMarkdown)
	s, _ := m.GetStudy("old")
	meta, err := s.ReadMeta()
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	meta.StartTime = time.Now().UTC().Add(-48 * time.Hour).Format("2006-01-02T15:04:05.000000Z")
	if err := s.WriteMeta(meta); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	addCard(t, m, "fresh", "y", card.TypeMarkdown)

	removed, err := m.CleanStudies("1d")
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := m.GetStudy("old"); ok {
		t.Error("old study survived clean")
	}
	if _, ok := m.GetStudy("fresh"); !ok {
		t.Error("fresh study removed by clean")
	}
}

func TestRefreshPicksUpNewDirs(t *testing.T) {
	m, dataDir := openTestManager(t)

	// Simulate another process creating a study directory.
	other, err := New(dataDir)
	if err != nil {
		t.Fatalf("second manager: %v", err)
	}
	addCard(t, other, "external", "x", card.TypeMarkdown)

	m.Refresh()
	if _, ok := m.GetStudy("external"); !ok {
		t.Error("refresh did not load new study dir")
	}
}
