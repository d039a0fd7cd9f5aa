package wire

import (
	"encoding/json"
	"testing"
)

func TestNewUserTurnDefaults(t *testing.T) {
	turn := NewUserTurn("Hello", "en-US")

	if turn.Message.Role != "user" {
		t.Fatalf("expected user role, got %q", turn.Message.Role)
	}
	if len(turn.Message.Content.Parts) != 1 || turn.Message.Content.Parts[0].Text != "Hello" {
		t.Fatalf("expected a single text part, got %+v", turn.Message.Content.Parts)
	}
	if turn.LanguageCode != "en-US" {
		t.Fatalf("expected language code en-US, got %q", turn.LanguageCode)
	}
	if turn.ClientID != "" || turn.UserContext != nil {
		t.Fatalf("expected optional fields to stay unset, got %+v", turn)
	}
}

func TestNewUserTurnAppliesOptions(t *testing.T) {
	turn := NewUserTurn("Hello", "en-US",
		WithClientID("panel-7"),
		WithUserContext(map[string]any{"page": "/dashboard"}),
		WithInputMode(InputModeVoice),
	)

	if turn.ClientID != "panel-7" {
		t.Fatalf("expected client id to be set, got %q", turn.ClientID)
	}
	if turn.UserContext["page"] != "/dashboard" {
		t.Fatalf("expected user context to be set, got %+v", turn.UserContext)
	}
	if turn.InputMode != InputModeVoice {
		t.Fatalf("expected voice input mode, got %q", turn.InputMode)
	}
}

func TestNewToolResponseEncodesPayloadAsString(t *testing.T) {
	response, err := NewToolResponse(ResponseTypeTool, "navigate", map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("expected response to encode, got %v", err)
	}

	if response.Type != ResponseTypeTool {
		t.Fatalf("expected type %q, got %q", ResponseTypeTool, response.Type)
	}
	if response.Tool != "navigate" {
		t.Fatalf("expected tool name to carry over, got %q", response.Tool)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(response.Response), &decoded); err != nil {
		t.Fatalf("expected response field to hold valid JSON, got %v", err)
	}
	if decoded["ok"] != true {
		t.Fatalf("expected ok:true in response payload, got %+v", decoded)
	}
}

func TestNewToolResponseRejectsUnencodablePayload(t *testing.T) {
	if _, err := NewToolResponse(ResponseTypeAction, "create_kpi", func() {}); err == nil {
		t.Fatalf("expected unencodable payload to fail")
	}
}
