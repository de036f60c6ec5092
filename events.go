package vitrine

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/vitrine/card"
)

const eventPollInterval = 500 * time.Millisecond

// OnEvent registers a callback for browser-originated events (responses,
// annotations, selections, ...). In-process the callback hangs directly off
// the server; against a detached server a background poller drains
// /api/events.
func (c *Client) OnEvent(cb func(card.Event)) error {
	if err := c.ensure(); err != nil {
		return err
	}
	if srv := c.inproc(); srv != nil {
		srv.OnEvent(cb)
		return nil
	}
	c.mu.Lock()
	c.callbacks = append(c.callbacks, cb)
	if c.pollerStop == nil {
		c.pollerStop = make(chan struct{})
		go c.pollEvents(c.pollerStop)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) pollEvents(stop chan struct{}) {
	var since int64
	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		var page struct {
			Events []struct {
				Seq     int64          `json:"seq"`
				Type    string         `json:"event_type"`
				CardID  string         `json:"card_id"`
				Payload map[string]any `json:"payload"`
			} `json:"events"`
			Next int64 `json:"next"`
		}
		if err := c.apiDo("GET", fmt.Sprintf("/api/events?since=%d", since), nil, &page); err != nil {
			continue
		}
		since = page.Next

		c.mu.Lock()
		cbs := make([]func(card.Event), len(c.callbacks))
		copy(cbs, c.callbacks)
		c.mu.Unlock()
		for _, ev := range page.Events {
			e := card.Event{Type: ev.Type, CardID: ev.CardID, Payload: ev.Payload}
			for _, cb := range cbs {
				cb(e)
			}
		}
	}
}
