package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loftdesk/assist-core/core/chat"
	"github.com/loftdesk/assist-core/core/wire"
	"github.com/loftdesk/assist-core/internal/utils"
)

const tempIDPrefix = "temp_"

// assembler folds the inbound event stream into the ordered message
// sequence. All folds touch only the tail of the sequence; the only backward
// work is the index lookup for tool-call id reconciliation and the bounded
// search used to attach voice timing.
type assembler struct {
	mu       sync.Mutex
	messages []chat.Message

	// assistantOpen marks the tail assistant message as actively receiving
	// deltas. At most one assistant message is open at a time and it is
	// always the most recently appended one.
	assistantOpen bool

	// pendingTemp indexes tool_call messages carrying a synthesized
	// temporary id, keyed by tool name, so reconciliation does not rescan
	// history. Each temporary id is reconciled at most once.
	pendingTemp map[string]int
}

func newAssembler() *assembler {
	return &assembler{pendingTemp: map[string]int{}}
}

// Snapshot returns a copy of the current message sequence.
func (a *assembler) Snapshot() []chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := make([]chat.Message, len(a.messages))
	copy(messages, a.messages)
	return messages
}

// AppendUser records an outbound user turn.
func (a *assembler) AppendUser(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.assistantOpen = false
	a.messages = append(a.messages, chat.NewUserMessage(text))
}

// ApplyParts folds a full-message parts array. It reports whether any
// assistant text was folded.
func (a *assembler) ApplyParts(parts []wire.Part) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	textFolded := false
	for _, part := range parts {
		if part.FunctionCall != nil {
			a.appendToolCallLocked(*part.FunctionCall)
			continue
		}
		if part.Text != "" {
			a.appendAssistantDeltaLocked(part.Text, "")
			textFolded = true
		}
	}
	return textFolded
}

// ApplyPartStart folds a part_start event.
func (a *assembler) ApplyPartStart(payload wire.PartStart) bool {
	return a.ApplyParts([]wire.Part{payload.Part})
}

// ApplyPartDelta folds a granular delta. Reasoning-kind deltas grow the
// reasoning buffer instead of the text buffer.
func (a *assembler) ApplyPartDelta(payload wire.PartDelta) bool {
	if payload.Delta.Text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if payload.Delta.Kind == wire.DeltaReasoning {
		a.appendAssistantDeltaLocked("", payload.Delta.Text)
		return false
	}

	a.appendAssistantDeltaLocked(payload.Delta.Text, "")
	return true
}

// ApplyContentChunk folds a content_chunk text fragment.
func (a *assembler) ApplyContentChunk(text string) bool {
	if text == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.appendAssistantDeltaLocked(text, "")
	return true
}

// appendAssistantDeltaLocked grows the open assistant message, creating
// exactly one if none is open.
func (a *assembler) appendAssistantDeltaLocked(text, reasoning string) {
	if !a.assistantOpen || len(a.messages) == 0 || a.messages[len(a.messages)-1].Role != chat.RoleAssistant {
		a.messages = append(a.messages, chat.NewAssistantMessage())
		a.assistantOpen = true
	}

	tail := &a.messages[len(a.messages)-1]
	tail.Text += text
	tail.Reasoning += reasoning
}

func (a *assembler) appendToolCallLocked(call wire.FunctionCall) {
	a.assistantOpen = false

	id := call.ID
	if id == "" {
		id = newTempID()
		a.pendingTemp[call.Name] = len(a.messages)
	}

	a.messages = append(a.messages, chat.NewToolCallMessage(id, call.Name, call.Args))
}

// ApplyToolResult reconciles a pending temporary tool-call id with the
// server-assigned one, then appends the result message.
func (a *assembler) ApplyToolResult(functionID, functionName string, result json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index, ok := a.pendingTemp[functionName]; ok {
		if index < len(a.messages) && strings.HasPrefix(a.messages[index].ToolCallID, tempIDPrefix) {
			a.messages[index].ToolCallID = functionID
		}
		delete(a.pendingTemp, functionName)
	}

	a.assistantOpen = false
	a.messages = append(a.messages, chat.NewToolResultMessage(functionID, functionName, result))
}

// CloseTurn marks the end of the assistant's turn; later deltas will open a
// fresh assistant message.
func (a *assembler) CloseTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assistantOpen = false
}

// ReplacePendingAssistant swaps the text of an empty open assistant message,
// appending a fresh one if no message is open. Used to surface connection
// loss mid-response instead of leaving a blank message.
func (a *assembler) ReplacePendingAssistant(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.assistantOpen && len(a.messages) > 0 {
		tail := &a.messages[len(a.messages)-1]
		if tail.Role == chat.RoleAssistant && tail.Text == "" {
			tail.Text = text
			a.assistantOpen = false
			return
		}
		if tail.Role == chat.RoleAssistant {
			// A partial response already rendered; leave it be.
			a.assistantOpen = false
			return
		}
	}

	message := chat.NewAssistantMessage()
	message.Text = text
	a.messages = append(a.messages, message)
	a.assistantOpen = false
}

// voiceTimingSearchWindow bounds the backward search for the assistant
// message a voice timing breakdown belongs to.
const voiceTimingSearchWindow = 8

// AttachVoiceTiming attaches the latency breakdown to the most recent
// assistant message.
func (a *assembler) AttachVoiceTiming(timing chat.TurnTiming) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.messages) - 1; i >= 0 && i >= len(a.messages)-voiceTimingSearchWindow; i-- {
		if a.messages[i].Role == chat.RoleAssistant {
			a.messages[i].Timing = utils.Ptr(timing)
			return true
		}
	}
	return false
}

func newTempID() string {
	return fmt.Sprintf("%s%d_%s", tempIDPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}
