package vitrine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/protocol"
	"github.com/ehrlich-b/vitrine/internal/render"
)

// defaultShowTimeout bounds a blocking Show when the caller gives none.
const defaultShowTimeout = 300 * time.Second

var hintStyle = lipgloss.NewStyle().Faint(true)

// ShowOptions tune a single Show call. The zero value pushes a fire-and-forget
// card into the default study.
type ShowOptions struct {
	Title       string
	Description string
	Study       string
	Source      string

	// Replace re-renders into an existing card instead of appending a new one.
	Replace string

	// Wait blocks until the researcher responds or Timeout elapses. Forms and
	// Controls imply Wait.
	Wait    bool
	Prompt  string
	Timeout time.Duration
	Actions []string

	// Controls attach form fields to any card variant, turning it into an
	// inline decision.
	Controls []card.Question
}

// Show renders obj into a card, pushes it to the display, and (when waiting)
// blocks for the researcher's response. Push failures after a successful
// render degrade to a handle-only response so agent code keeps running
// without a display.
func (c *Client) Show(obj any, opts *ShowOptions) (*card.Response, error) {
	if opts == nil {
		opts = &ShowOptions{}
	}
	if q, ok := obj.(card.Question); ok {
		f, err := card.NewForm(q)
		if err != nil {
			return nil, err
		}
		obj = f
	}
	if f, ok := obj.(card.Form); ok {
		obj = &f
	}
	wait := opts.Wait || len(opts.Controls) > 0
	if _, ok := obj.(*card.Form); ok {
		wait = true
	}

	if err := c.ensure(); err != nil {
		return nil, err
	}

	rc, art, err := c.renderer.Render(obj, render.Options{
		Title:       opts.Title,
		Description: opts.Description,
		Study:       opts.Study,
		Source:      opts.Source,
		SessionID:   c.sessionID,
	})
	if err != nil {
		return nil, err
	}

	if opts.Replace != "" {
		return c.replaceCard(opts.Replace, rc, art)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultShowTimeout
	}
	if wait {
		rc.ResponseRequested = true
		rc.ResponseTimeout = timeout.Seconds()
		rc.Prompt = opts.Prompt
		if len(opts.Actions) > 0 {
			rc.Actions = opts.Actions
		}
	}
	if len(opts.Controls) > 0 {
		f, err := card.NewForm(opts.Controls...)
		if err != nil {
			return nil, err
		}
		if rc.Preview == nil {
			rc.Preview = map[string]any{}
		}
		rc.Preview["fields"] = f.Spec()["fields"]
	}

	handle, err := c.push(opts.Study, rc, art)
	if err != nil {
		logger.Warn("card push failed, continuing without display", "card", rc.ID, "error", err)
		return &card.Response{CardID: rc.ID, Study: opts.Study}, nil
	}
	resp := &card.Response{CardID: handle.CardID, URL: handle.URL, Study: handle.Study}
	if !wait {
		return resp, nil
	}

	c.printWaitingHint(handle)
	got := c.await(handle.CardID, timeout)
	got.URL = handle.URL
	got.Study = handle.Study
	if got.TimedOut() {
		c.printTimeoutHint(handle.CardID)
	}
	return got, nil
}

// Section pushes a section-divider card.
func (c *Client) Section(title, studyLabel string) (card.Handle, error) {
	if err := c.ensure(); err != nil {
		return card.Handle{}, err
	}
	if srv := c.inproc(); srv != nil {
		sc := card.New(card.TypeSection)
		sc.Title = title
		pushed, err := srv.PushCard(studyLabel, sc, nil)
		if err != nil {
			return card.Handle{}, err
		}
		c.recordSession(pushed.Study)
		return card.Handle{CardID: pushed.ID, URL: srv.CardURL(pushed.ID), Study: pushed.Study}, nil
	}
	var h card.Handle
	err := c.apiDo("POST", "/api/command", protocol.Command{
		Kind:  protocol.CommandSection,
		Study: studyLabel,
		Title: title,
	}, &h)
	return h, err
}

// Confirm shows a yes/no decision and reports whether the researcher
// confirmed. A timeout counts as not confirmed.
func (c *Client) Confirm(message string, opts *ShowOptions) (bool, error) {
	if opts == nil {
		opts = &ShowOptions{}
	}
	opts.Wait = true
	if opts.Prompt == "" {
		opts.Prompt = message
	}
	if len(opts.Actions) == 0 {
		opts.Actions = []string{card.ActionConfirm, card.ActionSkip}
	}
	resp, err := c.Show(&card.Form{}, opts)
	if err != nil {
		return false, err
	}
	return resp.Confirmed(), nil
}

// Ask poses a single question and returns the chosen answer. Empty options
// mean free text.
func (c *Client) Ask(question string, options []string, opts *ShowOptions) (string, error) {
	q := card.Question{Name: "answer", Prompt: question, Options: card.Options(options...)}
	resp, err := c.Show(q, opts)
	if err != nil {
		return "", err
	}
	if resp.TimedOut() {
		return "", fmt.Errorf("no answer to %q before the timeout", question)
	}
	v, ok := resp.Value("answer")
	if !ok {
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []any:
		if len(x) > 0 {
			return fmt.Sprintf("%v", x[0]), nil
		}
		return "", nil
	default:
		return fmt.Sprintf("%v", x), nil
	}
}

// WaitFor re-attaches to a previously shown card: an already-recorded
// response returns immediately, otherwise the card is re-armed with a fresh
// timeout and the call blocks.
func (c *Client) WaitFor(cardID string, timeout time.Duration) (*card.Response, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	existing, err := c.GetCard(cardID)
	if err != nil {
		return nil, err
	}
	if existing.ResponseAction != "" {
		return &card.Response{
			Action:     existing.ResponseAction,
			CardID:     existing.ID,
			Message:    existing.ResponseMessage,
			Summary:    existing.ResponseSummary,
			ArtifactID: existing.ResponseArtifactID,
			Values:     existing.ResponseValues,
			Study:      existing.Study,
		}, nil
	}
	if timeout <= 0 {
		timeout = defaultShowTimeout
	}
	if err := c.update(cardID, map[string]any{
		"response_requested": true,
		"response_timeout":   timeout.Seconds(),
	}); err != nil {
		return nil, err
	}
	resp := c.await(cardID, timeout)
	return resp, nil
}

// push stores and broadcasts a rendered card, in-process or over the command
// endpoint.
func (c *Client) push(studyLabel string, rc *card.Card, art *render.Artifact) (card.Handle, error) {
	if srv := c.inproc(); srv != nil {
		pushed, err := srv.PushCard(studyLabel, rc, art)
		if err != nil {
			return card.Handle{}, err
		}
		c.recordSession(pushed.Study)
		return card.Handle{CardID: pushed.ID, URL: srv.CardURL(pushed.ID), Study: pushed.Study}, nil
	}

	cmd := protocol.Command{Kind: protocol.CommandCard, Study: studyLabel}
	raw, err := json.Marshal(rc)
	if err != nil {
		return card.Handle{}, err
	}
	cmd.Card = raw
	if err := attachArtifact(&cmd, art); err != nil {
		return card.Handle{}, err
	}
	var h card.Handle
	if err := c.apiDo("POST", "/api/command", cmd, &h); err != nil {
		return card.Handle{}, err
	}
	return h, nil
}

// replaceCard swaps an existing card's rendered content in place.
func (c *Client) replaceCard(targetID string, rc *card.Card, art *render.Artifact) (*card.Response, error) {
	changes := map[string]any{
		"card_type":  string(rc.Type),
		"preview":    rc.Preview,
		"updated_at": card.NowISO(),
	}
	if rc.Title != "" {
		changes["title"] = rc.Title
	}
	if rc.Description != "" {
		changes["description"] = rc.Description
	}
	if art != nil {
		changes["artifact_kind"] = art.Kind
	}

	if srv := c.inproc(); srv != nil {
		if art != nil {
			if err := srv.ReplaceArtifact(targetID, art); err != nil {
				return nil, err
			}
		}
		updated, err := srv.ApplyUpdate(targetID, changes)
		if err != nil {
			return nil, err
		}
		return &card.Response{CardID: updated.ID, URL: srv.CardURL(updated.ID), Study: updated.Study}, nil
	}

	cmd := protocol.Command{Kind: protocol.CommandUpdate, CardID: targetID, Changes: changes}
	if err := attachArtifact(&cmd, art); err != nil {
		return nil, err
	}
	var h card.Handle
	if err := c.apiDo("POST", "/api/command", cmd, &h); err != nil {
		return nil, err
	}
	return &card.Response{CardID: h.CardID, URL: h.URL, Study: h.Study}, nil
}

// update merges changes into an existing card.
func (c *Client) update(cardID string, changes map[string]any) error {
	if srv := c.inproc(); srv != nil {
		_, err := srv.ApplyUpdate(cardID, changes)
		return err
	}
	return c.apiDo("POST", "/api/command", protocol.Command{
		Kind:    protocol.CommandUpdate,
		CardID:  cardID,
		Changes: changes,
	}, nil)
}

// await blocks for the card's response, in-process or via the long-poll
// endpoint. Transport failures resolve as a timeout.
func (c *Client) await(cardID string, timeout time.Duration) *card.Response {
	if srv := c.inproc(); srv != nil {
		resp := srv.WaitForResponse(context.Background(), cardID, timeout)
		return &resp
	}
	path := fmt.Sprintf("/api/response/%s?timeout=%g", cardID, timeout.Seconds())
	var resp card.Response
	if err := c.apiDoTimeout("GET", path, nil, &resp, timeout+5*time.Second); err != nil {
		logger.Warn("response poll failed", "card", cardID, "error", err)
		return &card.Response{Action: card.ActionTimeout, CardID: cardID}
	}
	return &resp
}

// attachArtifact encodes an artifact payload onto a remote push command.
func attachArtifact(cmd *protocol.Command, art *render.Artifact) error {
	if art == nil {
		return nil
	}
	switch art.Kind {
	case card.ArtifactColumnar:
		cmd.FrameColumns = art.Frame.Columns
		cmd.FrameRows = art.Frame.Rows
	case card.ArtifactJSON:
		raw, err := json.Marshal(art.JSON)
		if err != nil {
			return err
		}
		cmd.JSONArtifact = raw
	case card.ArtifactSVG, card.ArtifactPNG:
		cmd.BytesBase64 = base64.StdEncoding.EncodeToString(art.Bytes)
		cmd.ArtifactKind = art.Kind
	}
	return nil
}

// recordSession writes this client's session id into study metadata once per
// study, for provenance.
func (c *Client) recordSession(label string) {
	srv := c.inproc()
	if srv == nil || label == "" {
		return
	}
	c.mu.Lock()
	seen := c.sessionsRecorded[label]
	c.sessionsRecorded[label] = true
	c.mu.Unlock()
	if seen {
		return
	}
	if err := srv.Manager().SetSessionID(label, c.sessionID); err != nil {
		logger.Debug("session id not recorded", "study", label, "error", err)
	}
}

func (c *Client) printWaitingHint(h card.Handle) {
	url := h.URL
	if url == "" {
		url = "the display"
	}
	fmt.Fprintln(os.Stderr, hintStyle.Render("⧗ waiting for a response in "+url))
}

func (c *Client) printTimeoutHint(cardID string) {
	fmt.Fprintln(os.Stderr, hintStyle.Render(
		fmt.Sprintf("no response yet; re-attach later with vitrine.WaitFor(%q, ...)", cardID)))
}
