package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/protocol"
	"github.com/ehrlich-b/vitrine/internal/render"
	"github.com/ehrlich-b/vitrine/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:        "127.0.0.1",
			DisplayHost: "localhost",
			PortMin:     7741,
			PortMax:     7750,
		},
		Agent:     config.AgentConfig{CLI: "claude", Model: "sonnet"},
		Redaction: config.RedactionConfig{Disabled: true, MaxRows: 10000},
		DataDir:   t.TempDir(),
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.sessionID = "sessabc12345"
	s.token = "testtoken"
	s.startedAt = time.Now()
	return s
}

func pushMarkdown(t *testing.T, s *Server, study, title, text string) *card.Card {
	t.Helper()
	c := card.New(card.TypeMarkdown)
	c.Title = title
	c.Preview = map[string]any{"text": text}
	pushed, err := s.PushCard(study, c, nil)
	if err != nil {
		t.Fatal(err)
	}
	return pushed
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if v != nil {
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res
}

func TestHealthAndSession(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	pushMarkdown(t, s, "sepsis", "note", "hello")

	var health map[string]any
	getJSON(t, ts.URL+"/api/health", &health)
	if health["status"] != "ok" {
		t.Errorf("status = %v", health["status"])
	}
	if health["session_id"] != "sessabc12345" {
		t.Errorf("session_id = %v", health["session_id"])
	}
	if health["study_count"].(float64) != 1 {
		t.Errorf("study_count = %v", health["study_count"])
	}

	var session map[string]any
	getJSON(t, ts.URL+"/api/session", &session)
	studies := session["studies"].([]any)
	if len(studies) != 1 || studies[0] != "sepsis" {
		t.Errorf("studies = %v", studies)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/events", nil)
	req.Header.Set("Authorization", "Bearer testtoken")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", res.StatusCode)
	}
}

func TestCardsEndpointHidesDeleted(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	kept := pushMarkdown(t, s, "sepsis", "kept", "a")
	gone := pushMarkdown(t, s, "sepsis", "gone", "b")
	s.handleEvent(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: protocol.EventDelete, CardID: gone.ID,
	})

	var out struct {
		Cards []*card.Card `json:"cards"`
	}
	getJSON(t, ts.URL+"/api/cards?study=sepsis", &out)
	if len(out.Cards) != 1 || out.Cards[0].ID != kept.ID {
		t.Errorf("cards = %+v", out.Cards)
	}

	var single card.Card
	res := getJSON(t, ts.URL+"/api/card/"+kept.ID, &single)
	if res.StatusCode != http.StatusOK || single.Title != "kept" {
		t.Errorf("card fetch = %d %q", res.StatusCode, single.Title)
	}
}

func TestWaitForResponseTimeout(t *testing.T) {
	s := newTestServer(t)
	resp := s.WaitForResponse(context.Background(), "abc123def456", 30*time.Millisecond)
	if !resp.TimedOut() {
		t.Errorf("action = %q, want timeout", resp.Action)
	}
	if resp.CardID != "abc123def456" {
		t.Errorf("card_id = %q", resp.CardID)
	}
	if len(s.pendingCardIDs()) != 0 {
		t.Error("future entry leaked after timeout")
	}
}

func TestResponseEventResolvesFuture(t *testing.T) {
	s := newTestServer(t)
	c := pushMarkdown(t, s, "sepsis", "proceed?", "confirm the cohort")

	done := make(chan card.Response, 1)
	go func() {
		done <- s.WaitForResponse(context.Background(), c.ID, 5*time.Second)
	}()
	// Let the waiter register before the browser answers.
	for len(s.pendingCardIDs()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	s.handleEvent(protocol.VitrineEvent{
		Type:      protocol.TypeVitrineEvent,
		EventType: protocol.EventResponse,
		CardID:    c.ID,
		Payload:   map[string]any{"action": "confirm", "message": "looks right"},
	})

	select {
	case resp := <-done:
		if !resp.Confirmed() {
			t.Errorf("action = %q, want confirm", resp.Action)
		}
		if resp.Message != "looks right" {
			t.Errorf("message = %q", resp.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved")
	}

	st, _ := s.manager.StoreForCard(c.ID)
	got, err := st.GetCard(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Responded || got.ResponseAction != "confirm" {
		t.Errorf("persisted response = %v %q", got.Responded, got.ResponseAction)
	}
	if got.ResponseRequested {
		t.Error("response_requested not cleared")
	}
}

func TestSecondWaitReplacesFirst(t *testing.T) {
	s := newTestServer(t)
	c := pushMarkdown(t, s, "sepsis", "q", "x")

	first := make(chan card.Response, 1)
	go func() {
		first <- s.WaitForResponse(context.Background(), c.ID, 200*time.Millisecond)
	}()
	for len(s.pendingCardIDs()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	second := make(chan card.Response, 1)
	go func() {
		second <- s.WaitForResponse(context.Background(), c.ID, 5*time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	s.handleEvent(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: protocol.EventResponse,
		CardID: c.ID, Payload: map[string]any{"action": "confirm"},
	})

	if resp := <-second; !resp.Confirmed() {
		t.Errorf("second waiter action = %q, want confirm", resp.Action)
	}
	if resp := <-first; !resp.TimedOut() {
		t.Errorf("displaced waiter action = %q, want timeout", resp.Action)
	}
}

func TestResponseEventCapturesSelection(t *testing.T) {
	s := newTestServer(t)
	f, err := frame.New([]string{"id", "score"}, [][]any{
		{int64(1), 0.5}, {int64(2), 0.7}, {int64(3), 0.9},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, art, err := s.renderer.Render(f, render.Options{Title: "cohort"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PushCard("sepsis", c, art); err != nil {
		t.Fatal(err)
	}

	s.handleEvent(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: protocol.EventResponse,
		CardID: c.ID,
		Payload: map[string]any{
			"action":           "confirm",
			"selected_indices": []any{float64(0), float64(2)},
		},
	})

	st, _ := s.manager.StoreForCard(c.ID)
	got, err := st.GetCard(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResponseArtifactID != "resp-"+c.ID {
		t.Fatalf("response_artifact_id = %q", got.ResponseArtifactID)
	}
	sel, err := st.ReadRowsAt(got.ResponseArtifactID, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if sel.NumRows() != 2 {
		t.Errorf("captured rows = %d, want 2", sel.NumRows())
	}
}

func TestAnnotationLifecycle(t *testing.T) {
	s := newTestServer(t)
	c := pushMarkdown(t, s, "sepsis", "note", "x")

	event := func(payload map[string]any) {
		s.handleEvent(protocol.VitrineEvent{
			Type: protocol.TypeVitrineEvent, EventType: protocol.EventAnnotation,
			CardID: c.ID, Payload: payload,
		})
	}
	event(map[string]any{"action": "add", "text": "check the units"})

	st, _ := s.manager.StoreForCard(c.ID)
	got, _ := st.GetCard(c.ID)
	if len(got.Annotations) != 1 || got.Annotations[0].Text != "check the units" {
		t.Fatalf("annotations = %+v", got.Annotations)
	}
	id := got.Annotations[0].ID

	event(map[string]any{"action": "edit", "id": id, "text": "units are mg/dL"})
	got, _ = st.GetCard(c.ID)
	if got.Annotations[0].Text != "units are mg/dL" {
		t.Errorf("edited text = %q", got.Annotations[0].Text)
	}

	event(map[string]any{"action": "delete", "id": id})
	got, _ = st.GetCard(c.ID)
	if len(got.Annotations) != 0 {
		t.Errorf("annotations after delete = %+v", got.Annotations)
	}
}

func TestEventQueueOverflow(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < eventQueueCap+100; i++ {
		s.queueEvent(card.Event{Type: "custom", CardID: fmt.Sprintf("c%d", i)})
	}
	// The overflow at event 1001 trimmed to the newest 500; the 99 later
	// events appended on top of those.
	events, next := s.drainEvents(0)
	if len(events) != eventQueueKeep+99 {
		t.Errorf("queued = %d, want %d", len(events), eventQueueKeep+99)
	}
	if next != int64(eventQueueCap+100) {
		t.Errorf("next = %d", next)
	}
	// Overflow keeps the newest events.
	if events[len(events)-1].CardID != fmt.Sprintf("c%d", eventQueueCap+99) {
		t.Errorf("last kept = %s", events[len(events)-1].CardID)
	}

	since := events[len(events)-1].Seq
	rest, _ := s.drainEvents(since)
	if len(rest) != 0 {
		t.Errorf("drain past end = %d events", len(rest))
	}
}

func TestEventCallbacks(t *testing.T) {
	s := newTestServer(t)
	got := make(chan card.Event, 1)
	s.OnEvent(func(ev card.Event) { got <- ev })

	s.handleEvent(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: "zoom",
		CardID: "abc", Payload: map[string]any{"level": float64(2)},
	})
	select {
	case ev := <-got:
		if ev.Type != "zoom" || ev.CardID != "abc" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestSelectionsPersistence(t *testing.T) {
	s := newTestServer(t)
	s.setSelection("card01", []int{1, 3, 5})
	s.setSelection("card02", []int{0})
	s.flushSelections()

	data, err := os.ReadFile(s.cfg.DataDir + "/selections.json")
	if err != nil {
		t.Fatal(err)
	}
	var loaded map[string][]int
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatal(err)
	}
	if len(loaded["card01"]) != 3 || loaded["card02"][0] != 0 {
		t.Errorf("persisted selections = %v", loaded)
	}

	// A fresh server over the same dir restores the map.
	s2, err := New(s.cfg)
	if err != nil {
		t.Fatal(err)
	}
	s2.loadSelections()
	if indices, ok := s2.selectionIndices("card01"); !ok || len(indices) != 3 {
		t.Errorf("reloaded selection = %v %v", indices, ok)
	}
}

func TestWebSocketReplayAndResponse(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	live := pushMarkdown(t, s, "sepsis", "live", "a")
	gone := pushMarkdown(t, s, "sepsis", "gone", "b")
	s.handleEvent(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: protocol.EventDelete, CardID: gone.ID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	var sawLive bool
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		if env.Type == protocol.TypeDisplayReplayDone {
			break
		}
		if env.Type != protocol.TypeDisplayAdd {
			t.Fatalf("unexpected replay frame %s", env.Type)
		}
		var msg protocol.DisplayMsg
		json.Unmarshal(data, &msg)
		if msg.Card.ID == gone.ID {
			t.Error("deleted card replayed")
		}
		if msg.Card.ID == live.ID {
			sawLive = true
		}
	}
	if !sawLive {
		t.Error("live card missing from replay")
	}

	// Browser answers over the socket; the blocked waiter resolves.
	done := make(chan card.Response, 1)
	go func() {
		done <- s.WaitForResponse(context.Background(), live.ID, 5*time.Second)
	}()
	for len(s.pendingCardIDs()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	ev, _ := json.Marshal(protocol.VitrineEvent{
		Type: protocol.TypeVitrineEvent, EventType: protocol.EventResponse,
		CardID: live.ID, Payload: map[string]any{"action": "confirm"},
	})
	if err := conn.Write(ctx, websocket.MessageText, ev); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-done:
		if !resp.Confirmed() {
			t.Errorf("action = %q, want confirm", resp.Action)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("response never reached the waiter")
	}

	// The update broadcast lands on the same socket.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var msg protocol.DisplayMsg
		if json.Unmarshal(data, &msg) == nil && msg.Type == protocol.TypeDisplayUpdate && msg.Card != nil && msg.Card.ID == live.ID {
			if !msg.Card.Responded {
				t.Error("broadcast card not marked responded")
			}
			return
		}
	}
	t.Fatal("no display.update broadcast observed")
}

func TestCommandEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	post := func(body any) (*http.Response, card.Handle) {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", ts.URL+"/api/command", strings.NewReader(string(data)))
		req.Header.Set("Authorization", "Bearer testtoken")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		var h card.Handle
		json.NewDecoder(res.Body).Decode(&h)
		return res, h
	}

	c := card.New(card.TypeTable)
	c.Title = "cohort"
	c.ArtifactID = c.ID
	c.ArtifactKind = card.ArtifactColumnar
	raw, _ := json.Marshal(c)
	res, h := post(map[string]any{
		"type":          "card",
		"study":         "sepsis",
		"card":          json.RawMessage(raw),
		"frame_columns": []string{"id", "age"},
		"frame_rows":    [][]any{{1, 63}, {2, 71}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("command card status = %d", res.StatusCode)
	}
	if h.CardID != c.ID || h.Study != "sepsis" {
		t.Errorf("handle = %+v", h)
	}

	st, ok := s.manager.StoreForCard(c.ID)
	if !ok {
		t.Fatal("pushed card not indexed")
	}
	page, err := st.ReadTablePage(c.ID, store.PageOptions{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalRows != 2 {
		t.Errorf("total_rows = %d, want 2", page.TotalRows)
	}

	res, _ = post(map[string]any{"type": "section", "study": "sepsis", "title": "Phase 2"})
	if res.StatusCode != http.StatusOK {
		t.Errorf("section status = %d", res.StatusCode)
	}

	res, _ = post(map[string]any{
		"type": "update", "card_id": c.ID,
		"changes": map[string]any{"title": "cohort v2"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", res.StatusCode)
	}
	got, _ := st.GetCard(c.ID)
	if got.Title != "cohort v2" {
		t.Errorf("title after update = %q", got.Title)
	}
}

func TestAgentEndpoints(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	if _, _, err := s.manager.GetOrCreateStudy("sepsis"); err != nil {
		t.Fatal(err)
	}
	res, err := http.Post(ts.URL+"/api/studies/sepsis/agents", "application/json",
		strings.NewReader(`{"task":"report"}`))
	if err != nil {
		t.Fatal(err)
	}
	var c card.Card
	json.NewDecoder(res.Body).Decode(&c)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || c.Type != card.TypeAgent {
		t.Fatalf("create agent = %d %q", res.StatusCode, c.Type)
	}

	var snap map[string]any
	getJSON(t, ts.URL+"/api/agents/"+c.ID, &snap)
	if snap["status"] != "pending" {
		t.Errorf("status = %v", snap["status"])
	}

	res, err = http.Post(ts.URL+"/api/studies/sepsis/agents", "application/json",
		strings.NewReader(`{"task":"bogus"}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown task status = %d, want 400", res.StatusCode)
	}
}

func TestStudyRenameEndpoint(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	pushMarkdown(t, s, "old-name", "x", "y")

	req, _ := http.NewRequest("PATCH", ts.URL+"/api/studies/old-name/rename",
		strings.NewReader(`{"new_label":"new-name"}`))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", res.StatusCode)
	}
	if _, ok := s.manager.GetStudy("new-name"); !ok {
		t.Error("renamed study missing")
	}
	if _, ok := s.manager.GetStudy("old-name"); ok {
		t.Error("old label still resolves")
	}
}

func TestStudyFilePreviewAndDownload(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	pushMarkdown(t, s, "sepsis", "note", "hello")
	dir, err := s.manager.RegisterOutputDir("sepsis", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scripts", "fit.py"), []byte("print('auc')"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := http.Get(ts.URL + "/api/studies/sepsis/files/scripts/fit.py")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("preview content type = %q", ct)
	}
	if !strings.Contains(string(body), "auc") {
		t.Error("preview body missing file content")
	}

	res, err = http.Get(ts.URL + "/api/studies/sepsis/files/scripts/fit.py?mode=download")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", res.StatusCode)
	}
	if cd := res.Header.Get("Content-Disposition"); !strings.Contains(cd, "fit.py") {
		t.Errorf("download disposition = %q", cd)
	}

	res, err = http.Get(ts.URL + "/api/studies/sepsis/files/../../meta.json")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		t.Error("traversal path served")
	}
}
