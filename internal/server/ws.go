package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/protocol"
)

const (
	wsReadLimit   = 1024 * 1024
	wsEventRate   = 20 // events per second per connection
	wsEventBurst  = 60
)

// wsConn is one browser connection. Writes serialize through the mutex so
// replay and broadcasts cannot interleave frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

// handleWS accepts a display connection, replays every live card, then reads
// browser events until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.CloseNow()

	c := &wsConn{conn: conn}
	if err := s.replay(c); err != nil {
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	limiter := rate.NewLimiter(wsEventRate, wsEventBurst)
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			logger.Warn("dropping over-limit browser event")
			continue
		}
		var ev protocol.VitrineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type != protocol.TypeVitrineEvent {
			continue
		}
		s.handleEvent(ev)
	}
}

// replay streams every non-deleted card oldest-first, then the done marker.
func (s *Server) replay(c *wsConn) error {
	cards, err := s.manager.ListAllCards("")
	if err != nil {
		return err
	}
	for _, cd := range cards {
		if cd.Deleted {
			continue
		}
		if err := c.writeJSON(protocol.DisplayMsg{Type: protocol.TypeDisplayAdd, Card: cd}); err != nil {
			return err
		}
	}
	return c.writeJSON(protocol.ReplayDone{Type: protocol.TypeDisplayReplayDone})
}

// broadcast sends one frame to every connection. The connection set is
// snapshotted so a slow socket never holds the server lock.
func (s *Server) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.write(data); err != nil {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}
	}
}

func (s *Server) broadcastCard(msgType string, c *card.Card) {
	s.broadcast(protocol.DisplayMsg{Type: msgType, Card: c})
}

func (s *Server) broadcastFilesChanged(label string) {
	s.broadcast(protocol.FilesChanged{Type: protocol.TypeFilesChanged, Study: label})
}

// CardAdded implements dispatch.Notifier.
func (s *Server) CardAdded(c *card.Card) {
	msgType := protocol.TypeDisplayAdd
	if c.Type == card.TypeSection {
		msgType = protocol.TypeDisplaySection
	}
	s.broadcastCard(msgType, c)
}

// CardUpdated implements dispatch.Notifier.
func (s *Server) CardUpdated(c *card.Card) {
	s.broadcastCard(protocol.TypeDisplayUpdate, c)
}

// AgentEvent implements dispatch.Notifier.
func (s *Server) AgentEvent(eventType, cardID, errText string) {
	s.broadcast(protocol.AgentMsg{Type: eventType, CardID: cardID, Error: errText})
}
