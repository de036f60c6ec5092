package server

import (
	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/protocol"
)

const (
	eventQueueCap  = 1000
	eventQueueKeep = 500
)

// queuedEvent is one browser event awaiting a /api/events drain.
type queuedEvent struct {
	Seq     int64          `json:"seq"`
	Type    string         `json:"event_type"`
	CardID  string         `json:"card_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// OnEvent registers an in-process callback for unclassified browser events.
func (s *Server) OnEvent(cb func(card.Event)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// queueEvent appends to the drain queue and fans out to callbacks. Overflow
// keeps only the newest half so a dead reader cannot pin memory.
func (s *Server) queueEvent(ev card.Event) {
	s.mu.Lock()
	s.eventSeq++
	s.events = append(s.events, queuedEvent{
		Seq:     s.eventSeq,
		Type:    ev.Type,
		CardID:  ev.CardID,
		Payload: ev.Payload,
	})
	if len(s.events) > eventQueueCap {
		kept := make([]queuedEvent, eventQueueKeep)
		copy(kept, s.events[len(s.events)-eventQueueKeep:])
		s.events = kept
	}
	callbacks := make([]func(card.Event), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// drainEvents returns queued events with seq > since and the latest seq.
func (s *Server) drainEvents(since int64) ([]queuedEvent, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queuedEvent, 0)
	for _, ev := range s.events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, s.eventSeq
}

// handleEvent routes one browser vitrine.event frame.
func (s *Server) handleEvent(ev protocol.VitrineEvent) {
	switch ev.EventType {
	case protocol.EventResponse:
		s.handleResponseEvent(ev)
	case protocol.EventAnnotation:
		s.handleAnnotationEvent(ev)
	case protocol.EventRename:
		s.handleRenameEvent(ev)
	case protocol.EventDismiss:
		s.handleDismissEvent(ev)
	case protocol.EventDelete:
		s.handleDeleteEvent(ev)
	case protocol.EventSelection:
		s.handleSelectionEvent(ev)
	default:
		s.queueEvent(card.Event{Type: ev.EventType, CardID: ev.CardID, Payload: ev.Payload})
	}
}

// handleResponseEvent resolves the pending future, persists the response on
// the card, and captures any selected rows or chart points as a resp-<id>
// artifact.
func (s *Server) handleResponseEvent(ev protocol.VitrineEvent) {
	st, ok := s.manager.StoreForCard(ev.CardID)
	if !ok {
		logger.Warn("response for unknown card", "card", ev.CardID)
		return
	}
	c, err := st.GetCard(ev.CardID)
	if err != nil {
		return
	}

	action := payloadString(ev.Payload, "action")
	if action == "" {
		action = card.ActionConfirm
	}
	resp := card.Response{
		Action:  action,
		CardID:  c.ID,
		Message: payloadString(ev.Payload, "message"),
		Summary: payloadString(ev.Payload, "summary"),
	}
	if values, ok := ev.Payload["values"].(map[string]any); ok {
		resp.Values = values
	}

	respID := "resp-" + c.ID
	if indices, ok := payloadIndices(ev.Payload, "selected_indices"); ok && len(indices) > 0 {
		artifactID := c.ArtifactID
		if artifactID == "" {
			artifactID = c.ID
		}
		if f, err := st.ReadRowsAt(artifactID, indices); err == nil {
			if err := st.StoreFrame(respID, f); err == nil {
				resp.ArtifactID = respID
			}
		} else {
			logger.Warn("selection capture failed", "card", c.ID, "error", err)
		}
	}
	if points, ok := ev.Payload["chart_points"]; ok && points != nil {
		if err := st.StoreJSONArtifact(respID, points); err == nil {
			resp.ArtifactID = respID
		}
	}

	c.Resolve(resp.Action, resp.Message, resp.Summary, resp.ArtifactID, resp.Values)
	if err := st.ReplaceCard(c); err != nil {
		logger.Warn("persist response failed", "card", c.ID, "error", err)
	}
	s.broadcastCard(protocol.TypeDisplayUpdate, c)
	s.resolveResponse(resp)
}

func (s *Server) handleAnnotationEvent(ev protocol.VitrineEvent) {
	st, ok := s.manager.StoreForCard(ev.CardID)
	if !ok {
		return
	}
	c, err := st.GetCard(ev.CardID)
	if err != nil {
		return
	}

	switch payloadString(ev.Payload, "action") {
	case "add":
		c.Annotations = append(c.Annotations, card.Annotation{
			ID:        card.NewID(),
			Text:      payloadString(ev.Payload, "text"),
			CreatedAt: card.NowISO(),
		})
	case "edit":
		id := payloadString(ev.Payload, "id")
		for i := range c.Annotations {
			if c.Annotations[i].ID == id {
				c.Annotations[i].Text = payloadString(ev.Payload, "text")
			}
		}
	case "delete":
		id := payloadString(ev.Payload, "id")
		kept := c.Annotations[:0]
		for _, a := range c.Annotations {
			if a.ID != id {
				kept = append(kept, a)
			}
		}
		c.Annotations = kept
	default:
		return
	}
	c.Touch()
	if err := st.ReplaceCard(c); err != nil {
		logger.Warn("persist annotation failed", "card", c.ID, "error", err)
		return
	}
	s.broadcastCard(protocol.TypeDisplayUpdate, c)
}

func (s *Server) handleRenameEvent(ev protocol.VitrineEvent) {
	title := payloadString(ev.Payload, "title")
	if title == "" {
		return
	}
	s.mutateCard(ev.CardID, func(c *card.Card) { c.Title = title })
}

func (s *Server) handleDismissEvent(ev protocol.VitrineEvent) {
	dismissed := true
	if v, ok := ev.Payload["dismissed"].(bool); ok {
		dismissed = v
	}
	s.mutateCard(ev.CardID, func(c *card.Card) { c.Dismissed = dismissed })
}

// handleDeleteEvent soft-deletes the card. Artifacts stay on disk until the
// study itself is removed. A running agent card is cancelled first.
func (s *Server) handleDeleteEvent(ev protocol.VitrineEvent) {
	st, ok := s.manager.StoreForCard(ev.CardID)
	if !ok {
		return
	}
	c, err := st.GetCard(ev.CardID)
	if err != nil {
		return
	}
	if c.Type == card.TypeAgent && s.dispatcher.Has(c.ID) {
		if err := s.dispatcher.Cancel(c.ID); err != nil {
			logger.Debug("cancel on delete", "card", c.ID, "error", err)
		}
	}
	s.mutateCard(ev.CardID, func(c *card.Card) {
		c.Deleted = true
		c.DeletedAt = card.NowISO()
	})
}

func (s *Server) handleSelectionEvent(ev protocol.VitrineEvent) {
	indices, ok := payloadIndices(ev.Payload, "indices")
	if !ok {
		return
	}
	s.setSelection(ev.CardID, indices)
}

// mutateCard applies a mutation, persists, and broadcasts the update.
func (s *Server) mutateCard(cardID string, fn func(*card.Card)) {
	st, ok := s.manager.StoreForCard(cardID)
	if !ok {
		return
	}
	c, err := st.GetCard(cardID)
	if err != nil {
		return
	}
	fn(c)
	c.Touch()
	if err := st.ReplaceCard(c); err != nil {
		logger.Warn("persist card mutation failed", "card", cardID, "error", err)
		return
	}
	s.broadcastCard(protocol.TypeDisplayUpdate, c)
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, _ := payload[key].(string)
	return v
}

// payloadIndices decodes a JSON number array into row indices.
func payloadIndices(payload map[string]any, key string) ([]int, bool) {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil, false
	}
	indices := make([]int, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok || f < 0 {
			return nil, false
		}
		indices = append(indices, int(f))
	}
	return indices, true
}
