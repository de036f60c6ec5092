// Package protocol defines the JSON message types exchanged over the display
// WebSocket and the unified /api/command push endpoint.
package protocol

import (
	"encoding/json"

	"github.com/ehrlich-b/vitrine/card"
)

// Message types for the display WebSocket protocol.
const (
	// Server → browser
	TypeDisplayAdd        = "display.add"
	TypeDisplayUpdate     = "display.update"
	TypeDisplaySection    = "display.section"
	TypeDisplayReplayDone = "display.replay_done"
	TypeAgentStarted      = "agent.started"
	TypeAgentCompleted    = "agent.completed"
	TypeAgentFailed       = "agent.failed"
	TypeFilesChanged      = "files.changed"

	// Browser → server
	TypeVitrineEvent = "vitrine.event"
)

// Browser event types carried inside a vitrine.event frame.
const (
	EventResponse   = "response"
	EventAnnotation = "annotation"
	EventRename     = "rename"
	EventDismiss    = "dismiss"
	EventDelete     = "delete"
	EventSelection  = "selection"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// DisplayMsg pushes one card to the browser (add, update, or section).
type DisplayMsg struct {
	Type string     `json:"type"`
	Card *card.Card `json:"card"`
}

// ReplayDone marks the end of the on-connect card replay.
type ReplayDone struct {
	Type string `json:"type"`
}

// AgentMsg announces a dispatch lifecycle change alongside its card update.
type AgentMsg struct {
	Type   string `json:"type"`
	CardID string `json:"card_id"`
	Error  string `json:"error,omitempty"`
}

// FilesChanged tells the browser a study's output directory changed.
type FilesChanged struct {
	Type  string `json:"type"`
	Study string `json:"study"`
}

// VitrineEvent is a browser-originated UI event.
type VitrineEvent struct {
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	CardID    string         `json:"card_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Command is the unified remote push body for POST /api/command.
// Kind selects the operation: "card" and "section" append, "update" merges
// Changes into an existing card.
type Command struct {
	Kind    string          `json:"type"`
	Study   string          `json:"study,omitempty"`
	Card    json.RawMessage `json:"card,omitempty"`
	CardID  string          `json:"card_id,omitempty"`
	Title   string          `json:"title,omitempty"`
	Changes map[string]any  `json:"changes,omitempty"`

	// Optional artifact payloads accompanying a card push.
	FrameColumns []string        `json:"frame_columns,omitempty"`
	FrameRows    [][]any         `json:"frame_rows,omitempty"`
	JSONArtifact json.RawMessage `json:"json_artifact,omitempty"`
	BytesBase64  string          `json:"bytes_base64,omitempty"`
	ArtifactKind string          `json:"artifact_kind,omitempty"`
}

// Command kinds accepted by /api/command.
const (
	CommandCard    = "card"
	CommandSection = "section"
	CommandUpdate  = "update"
)
