package server

import (
	"context"
	"time"

	"github.com/ehrlich-b/vitrine/card"
)

// pendingResponse is a single-shot future for one blocking card.
type pendingResponse struct {
	ch chan card.Response
}

// WaitForResponse blocks until the browser answers the card, the timeout
// lapses, or ctx is cancelled. A second wait on the same card replaces the
// first future; the displaced waiter simply times out on its own deadline.
func (s *Server) WaitForResponse(ctx context.Context, cardID string, timeout time.Duration) card.Response {
	p := &pendingResponse{ch: make(chan card.Response, 1)}
	s.mu.Lock()
	s.pending[cardID] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pending[cardID] == p {
			delete(s.pending, cardID)
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ch:
		return resp
	case <-timer.C:
	case <-ctx.Done():
	}
	return card.Response{Action: card.ActionTimeout, CardID: cardID}
}

// resolveResponse hands a browser response to the waiting future, if any.
// Non-blocking: the channel is buffered and the entry removed either way.
func (s *Server) resolveResponse(resp card.Response) bool {
	s.mu.Lock()
	p, ok := s.pending[resp.CardID]
	if ok {
		delete(s.pending, resp.CardID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- resp:
	default:
	}
	return true
}

// pendingCardIDs snapshots the card ids with live futures.
func (s *Server) pendingCardIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}
