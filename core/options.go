package session

import (
	"context"
	"time"

	"github.com/loftdesk/assist-core/core/tools"
	"github.com/loftdesk/assist-core/core/vad"
)

// TokenSource supplies the auth token used when opening a connection. It is
// awaited before every dial so expired tokens can be refreshed by the
// collaborator that owns authentication.
type TokenSource func(ctx context.Context) (string, error)

// TraceCollector receives execution_trace events. They are forwarded, never
// folded into the message sequence.
type TraceCollector interface {
	Collect(status, label string)
}

type SessionOption func(*Session)

func WithSpeechToText(client SpeechToText) SessionOption {
	return func(s *Session) { s.sttClient = client }
}

func WithAudioInput(client AudioInput) SessionOption {
	return func(s *Session) { s.audioInputClient = client }
}

func WithAudioPlayer(player AudioPlayer) SessionOption {
	return func(s *Session) { s.player = player }
}

func WithEntityDispatcher(dispatcher tools.EntityDispatcher) SessionOption {
	return func(s *Session) { s.entityDispatcher = dispatcher }
}

// WithEntity exposes one business entity through the generic
// <verb>_<entity> action layer.
func WithEntity(name string, config tools.EntityConfig) SessionOption {
	return func(s *Session) { s.entities[name] = config }
}

func WithNavigator(navigate func(path string)) SessionOption {
	return func(s *Session) { s.navigate = navigate }
}

func WithAlerter(show func(level, message string)) SessionOption {
	return func(s *Session) { s.showAlert = show }
}

func WithTraceCollector(collector TraceCollector) SessionOption {
	return func(s *Session) { s.traces = collector }
}

func WithTokenSource(source TokenSource) SessionOption {
	return func(s *Session) { s.tokenSource = source }
}

func WithModelHint(model string) SessionOption {
	return func(s *Session) { s.modelHint = model }
}

func WithLanguageCode(code string) SessionOption {
	return func(s *Session) { s.languageCode = code }
}

func WithClientID(clientID string) SessionOption {
	return func(s *Session) { s.clientID = clientID }
}

func WithUserContext(userContext map[string]any) SessionOption {
	return func(s *Session) { s.userContext = userContext }
}

func WithVADConfig(config vad.Config) SessionOption {
	return func(s *Session) { s.vadConfig = config }
}

// WithInterimTranscripts registers a callback for in-progress transcripts
// that may still change before the utterance is committed.
func WithInterimTranscripts(callback func(transcript string)) SessionOption {
	return func(s *Session) { s.onInterimTranscript = callback }
}

// WithIdleCloseTimeout overrides how long a voice-keepalive connection may
// stay idle before it is torn down.
func WithIdleCloseTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = timeout }
}

// WithOpenTimeouts overrides the handshake windows for text and voice mode.
func WithOpenTimeouts(text, voice time.Duration) SessionOption {
	return func(s *Session) {
		s.openTimeoutText = text
		s.openTimeoutVoice = voice
	}
}

// WithReconnectBudget overrides how many reconnect attempts follow a failed
// initial handshake.
func WithReconnectBudget(retries int) SessionOption {
	return func(s *Session) { s.reconnectBudget = retries }
}
