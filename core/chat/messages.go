// Package chat holds the conversation data model shared between the session
// engine and its collaborators.
package chat

import (
	"encoding/json"
	"time"
)

// Role describes who a message is from.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is a single entry in a conversation's ordered message sequence.
//
// It is a tagged variant over Role: user and assistant messages carry the
// text and reasoning buffers, tool_call messages carry the call identity and
// arguments, tool_result messages carry the originating call id and payload.
type Message struct {
	Role Role

	// Text is the visible message body. It grows as deltas are folded in.
	Text string
	// Reasoning is intermediate model reasoning streamed separately from the
	// final answer. Only assistant messages carry it.
	Reasoning string
	// Timing carries the latency breakdown for voice turns, attached after
	// the fact to the most recent assistant message.
	Timing *TurnTiming

	// ToolCallID identifies a tool_call message and links a tool_result back
	// to it. May start as a synthesized temporary id.
	ToolCallID string
	ToolName   string
	Arguments  json.RawMessage

	// Result is the opaque payload of a tool_result message.
	Result json.RawMessage
}

func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

func NewAssistantMessage() Message {
	return Message{Role: RoleAssistant}
}

func NewToolCallMessage(id, name string, arguments json.RawMessage) Message {
	return Message{Role: RoleToolCall, ToolCallID: id, ToolName: name, Arguments: arguments}
}

func NewToolResultMessage(callID, name string, result json.RawMessage) Message {
	return Message{Role: RoleToolResult, ToolCallID: callID, ToolName: name, Result: result}
}

// TurnTiming is the chain of monotonic timestamps recorded for one voice
// turn, from the moment the transcript was committed to the first chunk of
// synthesized audio.
type TurnTiming struct {
	TranscriptCommitted time.Time
	SubmitBegin         time.Time
	SocketSend          time.Time
	FirstToken          time.Time
	FirstAudio          time.Time
}

// VoiceTurn is the ephemeral per-utterance record created when a committed
// transcript arrives and discarded once barge-in or a new turn begins.
type VoiceTurn struct {
	ID          string
	Transcript  string
	Provider    string
	Recognition time.Duration
	Timing      TurnTiming
}
