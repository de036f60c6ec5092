// Package card defines the display card model shared by the vitrine client,
// server, and store. A card is one unit of displayed content: a table, chart,
// markdown block, decision form, or subordinate-agent transcript.
package card

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags the card variant and selects its preview shape.
type Type string

const (
	TypeTable    Type = "table"
	TypeMarkdown Type = "markdown"
	TypeKeyValue Type = "keyvalue"
	TypeSection  Type = "section"
	TypePlotly   Type = "plotly"
	TypeImage    Type = "image"
	TypeDecision Type = "decision"
	TypeAgent    Type = "agent"
)

// UnmarshalJSON folds the legacy "form" tag into "decision".
func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "form" {
		s = string(TypeDecision)
	}
	*t = Type(s)
	return nil
}

// Artifact kinds referenced by ArtifactKind.
const (
	ArtifactColumnar = "columnar"
	ArtifactJSON     = "json"
	ArtifactSVG      = "svg"
	ArtifactPNG      = "png"
)

// Provenance records where a card's content came from.
type Provenance struct {
	Source    string `json:"source,omitempty"`
	Query     string `json:"query,omitempty"`
	Dataset   string `json:"dataset,omitempty"`
	CodeHash  string `json:"code_hash,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Annotation is a researcher note attached to a card.
type Annotation struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Card is the persisted record for one displayed artifact. Timestamps are
// ISO-8601 UTC strings so index.json round-trips byte-for-byte.
type Card struct {
	ID          string `json:"card_id"`
	Type        Type   `json:"card_type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Study       string `json:"study,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`

	ArtifactID   string         `json:"artifact_id,omitempty"`
	ArtifactKind string         `json:"artifact_kind,omitempty"`
	Preview      map[string]any `json:"preview,omitempty"`
	Provenance   *Provenance    `json:"provenance,omitempty"`

	Pinned    bool   `json:"pinned,omitempty"`
	Dismissed bool   `json:"dismissed,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`

	// Interaction state: set while a blocking show awaits the researcher.
	ResponseRequested bool     `json:"response_requested,omitempty"`
	ResponseTimeout   float64  `json:"response_timeout,omitempty"`
	Prompt            string   `json:"prompt,omitempty"`
	Actions           []string `json:"actions,omitempty"`

	// Resolved response state. Setting ResponseAction clears ResponseRequested.
	Responded          bool           `json:"responded,omitempty"`
	ResponseAction     string         `json:"response_action,omitempty"`
	ResponseMessage    string         `json:"response_message,omitempty"`
	ResponseValues     map[string]any `json:"response_values,omitempty"`
	ResponseSummary    string         `json:"response_summary,omitempty"`
	ResponseArtifactID string         `json:"response_artifact_id,omitempty"`
	RespondedAt        string         `json:"responded_at,omitempty"`

	Annotations []Annotation `json:"annotations"`
}

// New returns a card of the given type with a fresh id and timestamps.
func New(t Type) *Card {
	now := NowISO()
	return &Card{
		ID:          NewID(),
		Type:        t,
		CreatedAt:   now,
		UpdatedAt:   now,
		Annotations: []Annotation{},
	}
}

// NewID mints a 12-hex-character card id.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:12]
}

// MatchesID reports whether query identifies this card: an exact id match or
// a prefix match on the portion of query before the first hyphen.
func (c *Card) MatchesID(query string) bool {
	if c.ID == query {
		return true
	}
	prefix, _, _ := strings.Cut(query, "-")
	return prefix != "" && strings.HasPrefix(c.ID, prefix)
}

// Resolve stores a response on the card and clears the pending-interaction
// flags.
func (c *Card) Resolve(action, message, summary, artifactID string, values map[string]any) {
	c.Responded = true
	c.ResponseAction = action
	c.ResponseMessage = message
	c.ResponseSummary = summary
	c.ResponseArtifactID = artifactID
	c.ResponseValues = values
	c.ResponseRequested = false
	c.RespondedAt = NowISO()
	c.UpdatedAt = c.RespondedAt
}

// Touch refreshes the updated timestamp.
func (c *Card) Touch() {
	c.UpdatedAt = NowISO()
}

const isoFmt = "2006-01-02T15:04:05.000000Z"

// NowISO returns the current UTC time as a microsecond ISO-8601 string.
func NowISO() string {
	return time.Now().UTC().Format(isoFmt)
}

// ParseISO parses the timestamp formats cards carry. Returns the zero time
// on failure.
func ParseISO(s string) time.Time {
	for _, layout := range []string{isoFmt, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
