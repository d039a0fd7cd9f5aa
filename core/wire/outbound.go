package wire

import (
	"encoding/json"
	"fmt"
)

// InputMode tags how a user turn was produced.
type InputMode string

const (
	InputModeText  InputMode = "text"
	InputModeVoice InputMode = "voice"
)

// UserTurn is the outbound payload for one user message.
type UserTurn struct {
	Message      TurnMessage    `json:"message"`
	LanguageCode string         `json:"language_code"`
	ClientID     string         `json:"client_id,omitempty"`
	UserContext  map[string]any `json:"user_context,omitempty"`
	InputMode    InputMode      `json:"input_mode,omitempty"`
}

type TurnMessage struct {
	Role    string      `json:"role"`
	Content TurnContent `json:"content"`
}

type TurnContent struct {
	Parts []Part `json:"parts"`
}

// UserTurnOption customizes optional outbound turn fields.
type UserTurnOption func(*UserTurn)

func WithClientID(clientID string) UserTurnOption {
	return func(t *UserTurn) { t.ClientID = clientID }
}

func WithUserContext(userContext map[string]any) UserTurnOption {
	return func(t *UserTurn) { t.UserContext = userContext }
}

func WithInputMode(mode InputMode) UserTurnOption {
	return func(t *UserTurn) { t.InputMode = mode }
}

// NewUserTurn builds the outbound payload for a single user text turn.
func NewUserTurn(text, languageCode string, opts ...UserTurnOption) UserTurn {
	turn := UserTurn{
		Message: TurnMessage{
			Role:    "user",
			Content: TurnContent{Parts: []Part{{Text: text}}},
		},
		LanguageCode: languageCode,
	}
	for _, opt := range opts {
		opt(&turn)
	}
	return turn
}

const (
	// ResponseTypeTool answers frontend_tool_prompt events.
	ResponseTypeTool = "frontend_tool_response"
	// ResponseTypeAction answers frontend_action events.
	ResponseTypeAction = "frontend_action_response"
)

// ToolResponse is the outbound envelope for tool and action results. The
// Response field holds the handler result encoded as a JSON string.
type ToolResponse struct {
	Type     string `json:"type"`
	Tool     string `json:"tool,omitempty"`
	Response string `json:"response"`
}

// NewToolResponse wraps a handler result for the wire. payload must be
// JSON-encodable and is expected to carry an "ok" field.
func NewToolResponse(responseType, tool string, payload any) (ToolResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ToolResponse{}, fmt.Errorf("failed to encode tool response payload: %w", err)
	}

	return ToolResponse{Type: responseType, Tool: tool, Response: string(encoded)}, nil
}
