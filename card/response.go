package card

// Well-known response actions. Custom action labels pass through verbatim.
const (
	ActionConfirm = "confirm"
	ActionSkip    = "skip"
	ActionTimeout = "timeout"
	ActionError   = "error"
)

// Response is the resolved outcome of a blocking card. For non-blocking
// pushes only the handle fields (CardID, URL, Study) are populated.
type Response struct {
	Action     string         `json:"action"`
	CardID     string         `json:"card_id"`
	Message    string         `json:"message,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	ArtifactID string         `json:"artifact_id,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
	URL        string         `json:"url,omitempty"`
	Study      string         `json:"study,omitempty"`
}

// Confirmed reports whether the researcher picked the confirm action.
func (r *Response) Confirmed() bool {
	return r != nil && r.Action == ActionConfirm
}

// TimedOut reports whether the wait elapsed without a response.
func (r *Response) TimedOut() bool {
	return r != nil && r.Action == ActionTimeout
}

// Value returns a submitted form value by field name.
func (r *Response) Value(name string) (any, bool) {
	if r == nil || r.Values == nil {
		return nil, false
	}
	v, ok := r.Values[name]
	return v, ok
}

// Handle identifies a pushed card without blocking on a response.
type Handle struct {
	CardID string `json:"card_id"`
	URL    string `json:"url,omitempty"`
	Study  string `json:"study,omitempty"`
}

func (h Handle) String() string {
	return h.CardID
}

// Event is a browser-originated UI event surfaced to OnEvent callbacks and
// the /api/events drain.
type Event struct {
	Type    string         `json:"event_type"`
	CardID  string         `json:"card_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
