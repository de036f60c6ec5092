package vitrine

import "fmt"

// Progress is a scoped status card: create writes a running ⏳ line, Update
// replaces it, and exactly one of Complete or Fail writes the terminal state
// over the same card id.
type Progress struct {
	c      *Client
	cardID string
	title  string
	done   bool
}

// NewProgress pushes the running card and returns the handle for updates.
func (c *Client) NewProgress(title string, opts *ShowOptions) (*Progress, error) {
	if opts == nil {
		opts = &ShowOptions{}
	}
	resp, err := c.Show("⏳ "+title, &ShowOptions{
		Title:  opts.Title,
		Study:  opts.Study,
		Source: opts.Source,
	})
	if err != nil {
		return nil, err
	}
	return &Progress{c: c, cardID: resp.CardID, title: title}, nil
}

// Update replaces the running line with a new message.
func (p *Progress) Update(message string) error {
	if p.done {
		return nil
	}
	return p.setText(fmt.Sprintf("⏳ %s — %s", p.title, message))
}

// Complete writes the ✓ terminal state.
func (p *Progress) Complete() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.setText(fmt.Sprintf("✓ %s — complete", p.title))
}

// Fail writes the ✗ terminal state.
func (p *Progress) Fail() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.setText(fmt.Sprintf("✗ %s — failed", p.title))
}

func (p *Progress) setText(text string) error {
	return p.c.update(p.cardID, map[string]any{
		"preview": map[string]any{"text": text},
	})
}
