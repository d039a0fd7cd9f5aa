package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loftdesk/assist-core/core/chat"
	"github.com/loftdesk/assist-core/core/speechtotext"
	"github.com/loftdesk/assist-core/core/vad"
)

// SpeechToText is the transcription provider contract. The deepgram client
// satisfies it.
type SpeechToText interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
}

// voicePipeline captures microphone audio, gates it through local
// voice-activity detection, and turns committed transcripts into voice
// turns. Speech start/end double as barge-in signals for the playback
// controller.
type voicePipeline struct {
	input    *audioInput
	stt      SpeechToText
	detector *vad.Detector

	onTranscript        func(turn *chat.VoiceTurn)
	onInterimTranscript func(transcript string)
	onSpeechStarted     func()
	onSpeechEnded       func()

	mu sync.Mutex
	// sawSpeech records whether local VAD observed real speech since the
	// last committed transcript; transcripts without it are discarded.
	sawSpeech       bool
	lastRecognition time.Duration
	provider        string

	started bool
}

type voiceCallbacks struct {
	onTranscript        func(turn *chat.VoiceTurn)
	onInterimTranscript func(transcript string)
	onSpeechStarted     func()
	onSpeechEnded       func()
}

func newVoicePipeline(input AudioInput, stt SpeechToText, vadConfig vad.Config, callbacks voiceCallbacks) *voicePipeline {
	pipeline := &voicePipeline{
		stt:                 stt,
		onTranscript:        callbacks.onTranscript,
		onInterimTranscript: callbacks.onInterimTranscript,
		onSpeechStarted:     callbacks.onSpeechStarted,
		onSpeechEnded:       callbacks.onSpeechEnded,
		provider:            "unknown",
	}
	if pipeline.onTranscript == nil {
		pipeline.onTranscript = func(*chat.VoiceTurn) {}
	}
	if pipeline.onSpeechStarted == nil {
		pipeline.onSpeechStarted = func() {}
	}
	if pipeline.onSpeechEnded == nil {
		pipeline.onSpeechEnded = func() {}
	}

	if named, ok := stt.(interface{ Provider() string }); ok {
		pipeline.provider = named.Provider()
	}
	if measured, ok := stt.(interface{ SetRecognitionCallback(func(time.Duration)) }); ok {
		measured.SetRecognitionCallback(func(duration time.Duration) {
			pipeline.mu.Lock()
			pipeline.lastRecognition = duration
			pipeline.mu.Unlock()
		})
	}

	pipeline.detector = vad.New(vadConfig,
		vad.WithSpeechStartedCallback(func() {
			pipeline.mu.Lock()
			pipeline.sawSpeech = true
			pipeline.mu.Unlock()
			pipeline.onSpeechStarted()
		}),
		vad.WithSpeechEndedCallback(func() {
			pipeline.onSpeechEnded()
		}),
	)

	pipeline.input = newAudioInput(input, pipeline.onAudio)
	return pipeline
}

func (v *voicePipeline) isConfigured() bool {
	return v != nil && v.stt != nil && v.input.IsConfigured()
}

// Start opens the transcription stream and begins capturing.
func (v *voicePipeline) Start(ctx context.Context) error {
	if !v.isConfigured() {
		return nil
	}

	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return nil
	}
	v.started = true
	v.mu.Unlock()

	sttOptions := []speechtotext.TranscriptionOption{
		speechtotext.WithTranscriptionCallback(v.commitTranscript),
		speechtotext.WithEncodingInfo(v.input.EncodingInfo()),
	}
	if v.onInterimTranscript != nil {
		sttOptions = append(sttOptions, speechtotext.WithInterimTranscriptionCallback(v.onInterimTranscript))
	}

	if err := v.stt.Transcribe(ctx, sttOptions...); err != nil {
		v.mu.Lock()
		v.started = false
		v.mu.Unlock()
		return fmt.Errorf("failed to start transcribing: %w", err)
	}

	return v.input.Capture(ctx)
}

// onAudio runs on the capture callback path: every frame feeds the local
// detector and the transcription stream.
func (v *voicePipeline) onAudio(audio []byte) {
	v.detector.Feed(audio, time.Now())
	if err := v.stt.SendAudio(audio); err != nil {
		logger.Warn("failed to forward audio to transcription", "error", err)
	}
}

// commitTranscript turns one committed transcript into a voice turn. Each
// utterance becomes exactly one outbound turn.
func (v *voicePipeline) commitTranscript(transcript string) {
	v.mu.Lock()
	sawSpeech := v.sawSpeech
	v.sawSpeech = false
	recognition := v.lastRecognition
	v.mu.Unlock()

	if !sawSpeech {
		// Provider heard something local VAD did not; treat it as noise.
		return
	}

	turn := &chat.VoiceTurn{
		ID:          uuid.NewString(),
		Transcript:  transcript,
		Provider:    v.provider,
		Recognition: recognition,
		Timing:      chat.TurnTiming{TranscriptCommitted: time.Now()},
	}
	v.onTranscript(turn)
}

// Close stops capture and the transcription stream. Safe to call multiple
// times.
func (v *voicePipeline) Close(ctx context.Context) error {
	if v == nil {
		return nil
	}

	v.mu.Lock()
	v.started = false
	v.mu.Unlock()

	var errs error
	if err := v.input.Close(); err != nil {
		errs = fmt.Errorf("failed to close audio input: %w", err)
	}

	if v.stt != nil {
		switch c := v.stt.(type) {
		case interface{ Close(context.Context) error }:
			if err := c.Close(ctx); err != nil {
				errs = errors.Join(errs, fmt.Errorf("failed to close speech-to-text client: %w", err))
			}
		case interface{ Close(context.Context) }:
			c.Close(ctx)
		case interface{ Close() error }:
			if err := c.Close(); err != nil {
				errs = errors.Join(errs, fmt.Errorf("failed to close speech-to-text client: %w", err))
			}
		case interface{ Close() }:
			c.Close()
		}
	}

	return errs
}
