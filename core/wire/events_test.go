package wire

import (
	"testing"
)

func TestDecodeRequiresTypeDiscriminant(t *testing.T) {
	if _, err := Decode([]byte(`{"status":"running"}`)); err == nil {
		t.Fatalf("expected decode to fail for an event without a type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected decode to fail for malformed JSON")
	}
}

func TestDecodePreservesUnknownTypes(t *testing.T) {
	event, err := Decode([]byte(`{"type":"future_event"}`))
	if err != nil {
		t.Fatalf("expected unknown type to decode, got %v", err)
	}
	if event.Type != EventType("future_event") {
		t.Fatalf("expected type to be preserved, got %q", event.Type)
	}
}

func TestDecodeSocketClosedFields(t *testing.T) {
	event, err := Decode([]byte(`{"type":"ws_closed","at":1712345678901,"code":1006,"reason":"abnormal closure"}`))
	if err != nil {
		t.Fatalf("expected ws_closed to decode, got %v", err)
	}
	if event.Type != EventSocketClosed {
		t.Fatalf("expected ws_closed type, got %q", event.Type)
	}
	if event.At != 1712345678901 || event.Code != 1006 || event.Reason != "abnormal closure" {
		t.Fatalf("expected close details to round-trip, got at=%d code=%d reason=%q",
			event.At, event.Code, event.Reason)
	}
}

func TestDecodeContentChunkAcceptsBareString(t *testing.T) {
	event, err := Decode([]byte(`{"type":"content_chunk","data":"hello"}`))
	if err != nil {
		t.Fatalf("expected content_chunk to decode, got %v", err)
	}

	chunk, err := event.DecodeContentChunk()
	if err != nil {
		t.Fatalf("expected bare string payload to decode, got %v", err)
	}
	if chunk.Text != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", chunk.Text)
	}
}

func TestDecodeContentChunkAcceptsObject(t *testing.T) {
	event, err := Decode([]byte(`{"type":"content_chunk","data":{"text":"hello"}}`))
	if err != nil {
		t.Fatalf("expected content_chunk to decode, got %v", err)
	}

	chunk, err := event.DecodeContentChunk()
	if err != nil {
		t.Fatalf("expected object payload to decode, got %v", err)
	}
	if chunk.Text != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", chunk.Text)
	}
}

func TestDecodePartDeltaDefaultsToTextKind(t *testing.T) {
	event, err := Decode([]byte(`{"type":"part_delta","data":{"delta":{"text":"wor"}}}`))
	if err != nil {
		t.Fatalf("expected part_delta to decode, got %v", err)
	}

	delta, err := event.DecodePartDelta()
	if err != nil {
		t.Fatalf("expected delta payload to decode, got %v", err)
	}
	if delta.Delta.Kind != "" && delta.Delta.Kind != DeltaText {
		t.Fatalf("expected absent kind to default to text, got %q", delta.Delta.Kind)
	}
	if delta.Delta.Text != "wor" {
		t.Fatalf("expected delta text %q, got %q", "wor", delta.Delta.Text)
	}
}

func TestDecodePartDeltaReasoningKind(t *testing.T) {
	event, err := Decode([]byte(`{"type":"part_delta","data":{"delta":{"kind":"reasoning","text":"thinking"}}}`))
	if err != nil {
		t.Fatalf("expected part_delta to decode, got %v", err)
	}

	delta, err := event.DecodePartDelta()
	if err != nil {
		t.Fatalf("expected delta payload to decode, got %v", err)
	}
	if delta.Delta.Kind != DeltaReasoning {
		t.Fatalf("expected reasoning kind, got %q", delta.Delta.Kind)
	}
}

func TestDecodePartStartCarriesFunctionCall(t *testing.T) {
	event, err := Decode([]byte(`{"type":"part_start","data":{"part":{"functionCall":{"name":"create_kpi","args":{"title":"Churn"}}}}}`))
	if err != nil {
		t.Fatalf("expected part_start to decode, got %v", err)
	}

	start, err := event.DecodePartStart()
	if err != nil {
		t.Fatalf("expected part payload to decode, got %v", err)
	}
	if start.Part.FunctionCall == nil {
		t.Fatalf("expected a function call part")
	}
	if start.Part.FunctionCall.ID != "" {
		t.Fatalf("expected server-omitted id to stay empty, got %q", start.Part.FunctionCall.ID)
	}
	if start.Part.FunctionCall.Name != "create_kpi" {
		t.Fatalf("expected function name %q, got %q", "create_kpi", start.Part.FunctionCall.Name)
	}
}

func TestResultPayloadPrefersStructuredResult(t *testing.T) {
	event, err := Decode([]byte(`{"type":"tool_result","function_id":"f1","function_name":"create_kpi","result":{"id":42},"result_json":"{\"id\":7}"}`))
	if err != nil {
		t.Fatalf("expected tool_result to decode, got %v", err)
	}
	if got := string(event.ResultPayload()); got != `{"id":42}` {
		t.Fatalf("expected structured result to win, got %s", got)
	}
}

func TestResultPayloadFallsBackToResultJSON(t *testing.T) {
	event, err := Decode([]byte(`{"type":"tool_result","function_id":"f1","function_name":"create_kpi","result_json":"{\"id\":7}"}`))
	if err != nil {
		t.Fatalf("expected tool_result to decode, got %v", err)
	}
	if got := string(event.ResultPayload()); got != `{"id":7}` {
		t.Fatalf("expected result_json fallback, got %s", got)
	}
}

func TestToolNameNormalizesPromptAndActionEnvelopes(t *testing.T) {
	prompt := Event{Tool: "navigate"}
	if got := prompt.ToolName(); got != "navigate" {
		t.Fatalf("expected tool field to win, got %q", got)
	}

	action := Event{Action: "create_kpi"}
	if got := action.ToolName(); got != "create_kpi" {
		t.Fatalf("expected action fallback, got %q", got)
	}
}
