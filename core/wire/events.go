// Package wire defines the JSON event protocol spoken over a conversation's
// persistent connection: inbound event envelopes and outbound payloads.
package wire

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates inbound events.
type EventType string

const (
	EventExecutionTrace    EventType = "execution_trace"
	EventToolPrompt        EventType = "frontend_tool_prompt"
	EventAction            EventType = "frontend_action"
	EventTTSAudioChunk     EventType = "tts_audio_chunk"
	EventTTSContextStarted EventType = "tts_context_started"
	EventTTSContextFinal   EventType = "tts_context_final"
	EventTTSError          EventType = "tts_error"
	EventToolResult        EventType = "tool_result"
	EventParts             EventType = "parts"
	EventPartStart         EventType = "part_start"
	EventPartDelta         EventType = "part_delta"
	EventContentChunk      EventType = "content_chunk"
	EventDone              EventType = "done"
	EventStopped           EventType = "stopped"
	EventError             EventType = "error"
	EventSocketClosed      EventType = "ws_closed"
)

// Event is the inbound envelope. Fields are a union over all event types;
// which ones are meaningful depends on Type.
type Event struct {
	Type EventType `json:"type"`

	// execution_trace
	Status string `json:"status,omitempty"`
	Label  string `json:"label,omitempty"`

	// frontend_tool_prompt / frontend_action
	Action string          `json:"action,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	// tts_audio_chunk / tts_context_started / tts_context_final
	Audio     string `json:"audio,omitempty"`
	ContextID string `json:"context_id,omitempty"`

	// tts_error / error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// tool_result
	FunctionID   string          `json:"function_id,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultJSON   string          `json:"result_json,omitempty"`

	// parts
	Parts []Part `json:"parts,omitempty"`

	// ws_closed
	At     int64  `json:"at,omitempty"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Part is one element of a full-message parts array.
type Part struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
}

// FunctionCall announces a model-issued tool call. The server may omit the
// id; the assembler synthesizes a temporary one in that case.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DeltaKind distinguishes granular delta payloads.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaReasoning DeltaKind = "reasoning"
)

// PartStart is the payload carried in Data for part_start events.
type PartStart struct {
	Part Part `json:"part"`
}

// PartDelta is the payload carried in Data for part_delta events.
type PartDelta struct {
	Delta Delta `json:"delta"`
}

// Delta is a granular streaming update. Kind defaults to text when absent.
type Delta struct {
	Kind DeltaKind `json:"kind,omitempty"`
	Text string    `json:"text,omitempty"`
}

// ContentChunk is the payload carried in Data for content_chunk events.
type ContentChunk struct {
	Text string `json:"text,omitempty"`
}

// Decode parses one inbound frame. Unknown types are not an error here;
// the dispatch layer decides what to do with them.
func Decode(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode inbound event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("inbound event is missing a type discriminant")
	}
	return event, nil
}

// DecodePartStart unpacks the part_start payload from Data.
func (e Event) DecodePartStart() (PartStart, error) {
	var payload PartStart
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return PartStart{}, fmt.Errorf("failed to decode part_start payload: %w", err)
	}
	return payload, nil
}

// DecodePartDelta unpacks the part_delta payload from Data.
func (e Event) DecodePartDelta() (PartDelta, error) {
	var payload PartDelta
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return PartDelta{}, fmt.Errorf("failed to decode part_delta payload: %w", err)
	}
	return payload, nil
}

// DecodeContentChunk unpacks the content_chunk payload from Data. The server
// sends either a bare JSON string or a {text} object.
func (e Event) DecodeContentChunk() (ContentChunk, error) {
	var text string
	if err := json.Unmarshal(e.Data, &text); err == nil {
		return ContentChunk{Text: text}, nil
	}

	var payload ContentChunk
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return ContentChunk{}, fmt.Errorf("failed to decode content_chunk payload: %w", err)
	}
	return payload, nil
}

// ResultPayload normalizes the two tool_result payload encodings into one
// raw JSON value.
func (e Event) ResultPayload() json.RawMessage {
	if len(e.Result) > 0 {
		return e.Result
	}
	if e.ResultJSON != "" {
		return json.RawMessage(e.ResultJSON)
	}
	return nil
}

// ToolName normalizes the tool identifier between frontend_tool_prompt
// (tool) and frontend_action (action) envelopes.
func (e Event) ToolName() string {
	if e.Tool != "" {
		return e.Tool
	}
	return e.Action
}
