package deepgram

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/loftdesk/assist-core/core/audio"
	"github.com/loftdesk/assist-core/core/speechtotext"
)

func resultsMessage(transcript string, isFinal, speechFinal bool) []byte {
	payload := `{"type":"Results","is_final":` + boolJSON(isFinal) +
		`,"speech_final":` + boolJSON(speechFinal) +
		`,"channel":{"alternatives":[{"transcript":"` + transcript + `"}]}}`
	return []byte(payload)
}

func boolJSON(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func TestProcessMessageAccumulatesFinalSegments(t *testing.T) {
	client := NewTranscriptionClient()

	var committed atomic.Value
	options := speechtotext.TranscriptionOptions{
		TranscriptionCallback: func(transcript string) { committed.Store(transcript) },
	}

	client.processMessage(resultsMessage("show me", true, false), options)
	client.processMessage(resultsMessage("the revenue", true, false), options)
	if committed.Load() != nil {
		t.Fatalf("expected no commit before speech_final, got %v", committed.Load())
	}

	client.processMessage(resultsMessage("for march", true, true), options)
	if got := committed.Load(); got != "show me the revenue for march" {
		t.Fatalf("expected accumulated transcript committed, got %v", got)
	}
}

func TestProcessMessageIgnoresEmptyFinalSegments(t *testing.T) {
	client := NewTranscriptionClient()

	commits := atomic.Int32{}
	options := speechtotext.TranscriptionOptions{
		TranscriptionCallback: func(string) { commits.Add(1) },
	}

	client.processMessage(resultsMessage("  ", true, true), options)
	if commits.Load() != 0 {
		t.Fatalf("expected empty transcript to not commit, got %d", commits.Load())
	}
}

func TestProcessMessageInterimCallback(t *testing.T) {
	client := NewTranscriptionClient()

	var interim atomic.Value
	options := speechtotext.TranscriptionOptions{
		InterimTranscriptionCallback: func(transcript string) { interim.Store(transcript) },
	}

	client.processMessage(resultsMessage("show me", true, false), options)
	client.processMessage(resultsMessage("the rev", false, false), options)

	if got := interim.Load(); got != "show me the rev" {
		t.Fatalf("expected interim transcript with accumulated prefix, got %v", got)
	}
}

func TestUtteranceEndCommitsUnendedSegment(t *testing.T) {
	client := NewTranscriptionClient()

	var committed atomic.Value
	endCalls := atomic.Int32{}
	options := speechtotext.TranscriptionOptions{
		TranscriptionCallback: func(transcript string) { committed.Store(transcript) },
		SpeechEndedCallback:   func() { endCalls.Add(1) },
	}

	client.processMessage([]byte(`{"type":"SpeechStarted"}`), options)
	client.processMessage(resultsMessage("trailing words", true, false), options)
	client.processMessage([]byte(`{"type":"UtteranceEnd"}`), options)

	if got := committed.Load(); got != "trailing words" {
		t.Fatalf("expected utterance end to commit the pending segment, got %v", got)
	}
	if endCalls.Load() != 1 {
		t.Fatalf("expected one speech-ended signal, got %d", endCalls.Load())
	}

	// Without a started segment, a second utterance end is a no-op.
	client.processMessage([]byte(`{"type":"UtteranceEnd"}`), options)
	if endCalls.Load() != 1 {
		t.Fatalf("expected no signal without an unended segment, got %d", endCalls.Load())
	}
}

func TestSpeechStartedSignalsAndMeasuresRecognition(t *testing.T) {
	client := NewTranscriptionClient()

	var measured atomic.Value
	client.SetRecognitionCallback(func(duration time.Duration) { measured.Store(duration) })

	startCalls := atomic.Int32{}
	options := speechtotext.TranscriptionOptions{
		TranscriptionCallback: func(string) {},
		SpeechStartedCallback: func() { startCalls.Add(1) },
	}

	client.processMessage([]byte(`{"type":"SpeechStarted"}`), options)
	if startCalls.Load() != 1 {
		t.Fatalf("expected speech-started signal, got %d", startCalls.Load())
	}

	client.processMessage(resultsMessage("hello", true, true), options)
	duration, ok := measured.Load().(time.Duration)
	if !ok || duration < 0 {
		t.Fatalf("expected a measured recognition duration, got %v", measured.Load())
	}
}

func TestSendAudioRequiresOpenStream(t *testing.T) {
	client := NewTranscriptionClient()

	if err := client.SendAudio([]byte{1, 2}); err == nil {
		t.Fatalf("expected send on an unopened stream to fail")
	}
}

func TestProviderName(t *testing.T) {
	if got := NewTranscriptionClient().Provider(); got != ProviderName {
		t.Fatalf("expected provider %q, got %q", ProviderName, got)
	}
}

func TestProcessMessageTolerantOfMalformedPayloads(t *testing.T) {
	client := NewTranscriptionClient()
	options := speechtotext.TranscriptionOptions{}

	client.processMessage([]byte(`{`), options)
	client.processMessage([]byte(`{"type":"Results","is_final":"nope"}`), options)
	client.processMessage([]byte(`{"type":"Metadata"}`), options)
}

func TestSilenceFrameMatchesEncoding(t *testing.T) {
	frame := silenceFrame(audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingLinear16}, 50*time.Millisecond)
	if len(frame) != 16000*2*50/1000 {
		t.Fatalf("expected a 50ms linear16 frame of 1600 bytes, got %d", len(frame))
	}
	for i, b := range frame {
		if b != 0 {
			t.Fatalf("expected linear16 silence to be zeroed, byte %d is %#x", i, b)
		}
	}

	frame = silenceFrame(audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingMulaw}, 50*time.Millisecond)
	if len(frame) != 8000*50/1000 {
		t.Fatalf("expected a 50ms mulaw frame of 400 bytes, got %d", len(frame))
	}
	for i, b := range frame {
		if b != 0xFF {
			t.Fatalf("expected mulaw silence bytes, byte %d is %#x", i, b)
		}
	}

	if frame := silenceFrame(audio.EncodingInfo{}, 50*time.Millisecond); frame != nil {
		t.Fatalf("expected no frame for an unset encoding, got %d bytes", len(frame))
	}
}

func TestSendSilenceWithoutStreamIsNoop(t *testing.T) {
	client := NewTranscriptionClient()

	if err := client.sendSilence([]byte{0, 0}); err != nil {
		t.Fatalf("expected silence on an unopened stream to be a no-op, got %v", err)
	}
}
