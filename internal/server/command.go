package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/protocol"
	"github.com/ehrlich-b/vitrine/internal/render"
	"github.com/ehrlich-b/vitrine/internal/store"
)

// PushCard stores a rendered card (and its artifact) into a study and
// broadcasts it. The in-process client path and /api/command converge here.
func (s *Server) PushCard(label string, c *card.Card, art *render.Artifact) (*card.Card, error) {
	label, st, err := s.manager.GetOrCreateStudy(label)
	if err != nil {
		return nil, err
	}
	c.Study = label
	if art != nil {
		id := c.ArtifactID
		if id == "" {
			id = c.ID
		}
		if err := storeArtifact(st, id, art); err != nil {
			return nil, err
		}
	}
	if err := st.AppendCard(c); err != nil {
		return nil, err
	}
	s.manager.RegisterCard(c.ID, label)
	s.CardAdded(c)
	return c, nil
}

// ApplyUpdate merges changes into an existing card and broadcasts the result.
func (s *Server) ApplyUpdate(cardID string, changes map[string]any) (*card.Card, error) {
	st, ok := s.manager.StoreForCard(cardID)
	if !ok {
		return nil, store.ErrNotFound
	}
	updated, err := st.UpdateCard(cardID, changes)
	if err != nil {
		return nil, err
	}
	s.broadcastCard(protocol.TypeDisplayUpdate, updated)
	return updated, nil
}

// ReplaceArtifact stores a fresh artifact under an existing card's id.
func (s *Server) ReplaceArtifact(cardID string, art *render.Artifact) error {
	st, ok := s.manager.StoreForCard(cardID)
	if !ok {
		return store.ErrNotFound
	}
	c, err := st.GetCard(cardID)
	if err != nil {
		return err
	}
	id := c.ArtifactID
	if id == "" {
		id = c.ID
	}
	return storeArtifact(st, id, art)
}

func storeArtifact(st *store.Store, id string, art *render.Artifact) error {
	switch art.Kind {
	case card.ArtifactColumnar:
		return st.StoreFrame(id, art.Frame)
	case card.ArtifactJSON:
		return st.StoreJSONArtifact(id, art.JSON)
	case card.ArtifactSVG, card.ArtifactPNG:
		return st.StoreBytesArtifact(id, art.Kind, art.Bytes)
	}
	return nil
}

// handleCommand is the unified remote push endpoint for agents that are not
// in-process with the server.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch cmd.Kind {
	case protocol.CommandCard:
		var c card.Card
		if err := json.Unmarshal(cmd.Card, &c); err != nil {
			writeError(w, http.StatusBadRequest, "invalid card")
			return
		}
		art, err := commandArtifact(&cmd)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pushed, err := s.PushCard(cmd.Study, &c, art)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, card.Handle{CardID: pushed.ID, URL: s.CardURL(pushed.ID), Study: pushed.Study})

	case protocol.CommandSection:
		c := card.New(card.TypeSection)
		c.Title = cmd.Title
		pushed, err := s.PushCard(cmd.Study, c, nil)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, card.Handle{CardID: pushed.ID, URL: s.CardURL(pushed.ID), Study: pushed.Study})

	case protocol.CommandUpdate:
		if art, err := commandArtifact(&cmd); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		} else if art != nil {
			if err := s.ReplaceArtifact(cmd.CardID, art); err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
		}
		updated, err := s.ApplyUpdate(cmd.CardID, cmd.Changes)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, card.Handle{CardID: updated.ID, URL: s.CardURL(updated.ID), Study: updated.Study})

	default:
		writeError(w, http.StatusBadRequest, "unknown command type "+cmd.Kind)
	}
}

// commandArtifact rebuilds the artifact payload shipped alongside a remote
// card push. Nil when the command carries none.
func commandArtifact(cmd *protocol.Command) (*render.Artifact, error) {
	switch {
	case len(cmd.FrameColumns) > 0:
		f, err := frame.New(cmd.FrameColumns, cmd.FrameRows)
		if err != nil {
			return nil, err
		}
		return &render.Artifact{Kind: card.ArtifactColumnar, Frame: f}, nil
	case len(cmd.JSONArtifact) > 0:
		return &render.Artifact{Kind: card.ArtifactJSON, JSON: cmd.JSONArtifact}, nil
	case cmd.BytesBase64 != "":
		data, err := base64.StdEncoding.DecodeString(cmd.BytesBase64)
		if err != nil {
			return nil, err
		}
		kind := cmd.ArtifactKind
		if kind == "" {
			kind = card.ArtifactPNG
		}
		return &render.Artifact{Kind: kind, Bytes: data}, nil
	}
	return nil, nil
}
