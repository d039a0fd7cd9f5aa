// Package session implements the real-time assistant session engine: it
// owns one conversation's streaming connection, folds partial model output
// into structured messages, dispatches model-issued tool calls, and keeps
// the voice capture and playback activities consistent with the text
// stream.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/loftdesk/assist-core/core/chat"
	"github.com/loftdesk/assist-core/core/connection"
	"github.com/loftdesk/assist-core/core/tools"
	"github.com/loftdesk/assist-core/core/vad"
	"github.com/loftdesk/assist-core/core/wire"
)

var (
	// ErrTurnInFlight is returned when a submit arrives while a response is
	// still pending; new turns are rejected, never queued.
	ErrTurnInFlight = errors.New("a response is already pending for this conversation")
	// ErrSendFailed is returned when the connection dropped between opening
	// and sending; callers may simply retry.
	ErrSendFailed = errors.New("failed to send turn: connection not open")
)

// apologyMessage replaces an empty pending assistant message when the
// connection is lost mid-response.
const apologyMessage = "Sorry, the connection was interrupted. Please try sending that again."

const (
	defaultOpenTimeoutText  = 15 * time.Second
	defaultOpenTimeoutVoice = 25 * time.Second
	defaultReconnectBudget  = 3
	noticeDedupeWindow      = time.Second
)

// Session owns one conversation for its lifetime: the connection, the audio
// player and the unsubscribe handle each belong to exactly one session at a
// time, and every teardown path may race to clean them up safely.
type Session struct {
	conversationID string

	manager   *connection.Manager
	router    *tools.Router
	assembler *assembler
	playback  *playbackController
	voice     *voicePipeline

	awaitingResponse atomic.Bool
	aborted          atomic.Bool
	voiceKeepalive   atomic.Bool

	unsubMu     sync.Mutex
	unsubscribe func()

	voiceTurnMu      sync.Mutex
	currentVoiceTurn *chat.VoiceTurn

	noticeMu     sync.Mutex
	lastNotice   string
	lastNoticeAt time.Time

	closeOnce   sync.Once
	baseContext context.Context

	// configuration, set through options before wiring
	sttClient           SpeechToText
	audioInputClient    AudioInput
	player              AudioPlayer
	entityDispatcher    tools.EntityDispatcher
	entities            map[string]tools.EntityConfig
	navigate            func(path string)
	showAlert           func(level, message string)
	traces              TraceCollector
	tokenSource         TokenSource
	modelHint           string
	languageCode        string
	clientID            string
	userContext         map[string]any
	vadConfig           vad.Config
	onInterimTranscript func(transcript string)

	idleTimeout      time.Duration
	openTimeoutText  time.Duration
	openTimeoutVoice time.Duration
	reconnectBudget  int
}

// NewSession builds the engine for one conversation. ctx is the base
// context for tool dispatch and voice activities; cancelling it closes the
// session.
func NewSession(ctx context.Context, conversationID string, manager *connection.Manager, opts ...SessionOption) *Session {
	s := &Session{
		conversationID:   conversationID,
		manager:          manager,
		assembler:        newAssembler(),
		baseContext:      ctx,
		entities:         map[string]tools.EntityConfig{},
		languageCode:     "en-US",
		vadConfig:        vad.DefaultConfig(),
		idleTimeout:      defaultIdleTimeout,
		openTimeoutText:  defaultOpenTimeoutText,
		openTimeoutVoice: defaultOpenTimeoutVoice,
		reconnectBudget:  defaultReconnectBudget,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.playback = newPlaybackController(s.player)
	s.playback.idleTimeout = s.idleTimeout
	s.playback.SetControl(sessionControl{s})

	s.router = tools.NewRouter(func(response wire.ToolResponse) bool {
		return s.manager.Send(s.conversationID, response)
	})
	s.router.Register(tools.NewNavigateTool(s.navigate))
	s.router.Register(tools.NewAlertTool(s.showAlert))
	if s.entityDispatcher != nil {
		s.router.SetEntityDispatcher(s.entityDispatcher)
	}
	for name, config := range s.entities {
		s.router.RegisterEntity(name, config)
	}

	s.voice = newVoicePipeline(s.audioInputClient, s.sttClient, s.vadConfig, voiceCallbacks{
		onInterimTranscript: s.onInterimTranscript,
		onTranscript: func(turn *chat.VoiceTurn) {
			go func() {
				if err := s.submit(s.baseContext, turn.Transcript, wire.InputModeVoice, turn); err != nil {
					logger.Warn("voice turn rejected", "error", err)
				}
			}()
		},
		onSpeechStarted: func() {
			if s.playback.BargeIn(time.Now()) {
				s.discardVoiceTurn()
			}
		},
		onSpeechEnded: func() {
			s.playback.BargeInEnded()
		},
	})

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s
}

// Tools exposes the router so callers can register custom business actions
// and inline hooks.
func (s *Session) Tools() *tools.Router { return s.router }

// Messages returns a point-in-time copy of the conversation's message
// sequence.
func (s *Session) Messages() []chat.Message { return s.assembler.Snapshot() }

// AwaitingResponse reports whether a user turn is in flight.
func (s *Session) AwaitingResponse() bool { return s.awaitingResponse.Load() }

// ConnectionState reports the connectivity state for this conversation.
func (s *Session) ConnectionState() connection.State {
	return s.manager.State(s.conversationID)
}

// SubmitText sends one user text turn, opening the connection first if
// needed.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	return s.submit(ctx, text, wire.InputModeText, nil)
}

func (s *Session) submit(ctx context.Context, text string, mode wire.InputMode, turn *chat.VoiceTurn) error {
	ctx, span := tracer.Start(ctx, "submit user turn")
	defer span.End()

	if !s.awaitingResponse.CompareAndSwap(false, true) {
		return ErrTurnInFlight
	}
	s.aborted.Store(false)

	if turn != nil {
		turn.Timing.SubmitBegin = time.Now()
	}

	if err := s.ensureConnection(ctx, mode); err != nil {
		s.awaitingResponse.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.assembler.AppendUser(text)

	turnOpts := []wire.UserTurnOption{wire.WithInputMode(mode)}
	if s.clientID != "" {
		turnOpts = append(turnOpts, wire.WithClientID(s.clientID))
	}
	if s.userContext != nil {
		turnOpts = append(turnOpts, wire.WithUserContext(s.userContext))
	}
	payload := wire.NewUserTurn(text, s.languageCode, turnOpts...)

	if turn != nil {
		turn.Timing.SocketSend = time.Now()
	}

	if !s.manager.Send(s.conversationID, payload) {
		s.awaitingResponse.Store(false)
		return ErrSendFailed
	}

	if turn != nil {
		s.voiceTurnMu.Lock()
		s.currentVoiceTurn = turn
		s.voiceTurnMu.Unlock()
	}

	return nil
}

// ensureConnection opens (or reuses) the conversation's connection, polling
// connectivity until open. The handshake window depends on mode and the
// reconnect budget bounds how many re-dials follow a failure.
func (s *Session) ensureConnection(ctx context.Context, mode wire.InputMode) error {
	if s.manager.State(s.conversationID) == connection.StateOpen {
		return nil
	}

	timeout := s.openTimeoutText
	if mode == wire.InputModeVoice || s.voiceKeepalive.Load() {
		timeout = s.openTimeoutVoice
	}

	attempts := 1 + s.reconnectBudget
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		token := ""
		if s.tokenSource != nil {
			acquired, err := s.tokenSource(ctx)
			if err != nil {
				return fmt.Errorf("failed to acquire auth token: %w", err)
			}
			token = acquired
		}

		unsubscribe, err := s.manager.Subscribe(ctx, connection.DialParams{
			ConversationID: s.conversationID,
			ModelHint:      s.modelHint,
			AuthToken:      token,
		}, s.handleRaw)
		if err != nil {
			lastErr = err
			continue
		}
		s.storeUnsubscribe(unsubscribe)

		if err := s.manager.AwaitOpen(ctx, s.conversationID, timeout); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		return nil
	}

	if info, ok := s.manager.LastClose(s.conversationID); ok {
		return fmt.Errorf("connection failed after %d attempts (code %d: %s): %w",
			attempts, info.Code, info.Reason, lastErr)
	}
	return fmt.Errorf("connection failed after %d attempts: %w", attempts, lastErr)
}

func (s *Session) storeUnsubscribe(unsubscribe func()) {
	s.unsubMu.Lock()
	previous := s.unsubscribe
	s.unsubscribe = unsubscribe
	s.unsubMu.Unlock()

	if previous != nil {
		previous()
	}
}

func (s *Session) unsubscribeConnection() {
	s.unsubMu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.unsubMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// handleRaw is the single top-level handler boundary: unexpected errors in
// event processing are caught and logged here, never allowed to crash the
// session.
func (s *Session) handleRaw(raw []byte) {
	s.guard(func() {
		event, err := wire.Decode(raw)
		if err != nil {
			logger.Warn("dropping undecodable event", "error", err)
			return
		}

		s.handleEvent(event)
	})
}

func (s *Session) guard(run func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("event handler panicked", "panic", recovered)
		}
	}()
	run()
}

func (s *Session) handleEvent(event wire.Event) {
	switch event.Type {
	case wire.EventExecutionTrace:
		if s.traces != nil {
			s.traces.Collect(event.Status, event.Label)
		}

	case wire.EventToolPrompt:
		go s.guard(func() { s.router.HandlePrompt(s.baseContext, event.ToolName(), event.Data) })

	case wire.EventAction:
		go s.guard(func() { s.router.HandleAction(s.baseContext, event.ToolName(), event.Data) })

	case wire.EventTTSAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(event.Audio)
		if err != nil {
			logger.Warn("dropping undecodable audio chunk", "error", err)
			return
		}
		if s.playback.HandleChunk(event.ContextID, audio) {
			s.stampVoiceTiming(func(timing *chat.TurnTiming) bool {
				if !timing.FirstAudio.IsZero() {
					return false
				}
				timing.FirstAudio = time.Now()
				return true
			})
		}

	case wire.EventTTSContextStarted:
		s.playback.ContextStarted(event.ContextID)

	case wire.EventTTSContextFinal:
		s.playback.ContextFinal(event.ContextID)

	case wire.EventTTSError:
		message := event.Error
		if message == "" {
			message = event.Message
		}
		logger.Warn("text-to-speech error", "error", message)

	case wire.EventToolResult:
		s.assembler.ApplyToolResult(event.FunctionID, event.FunctionName, event.ResultPayload())
		s.router.HandleResult(s.baseContext, event.FunctionName, event.ResultPayload())

	case wire.EventParts:
		s.noteTextFolded(s.assembler.ApplyParts(event.Parts))

	case wire.EventPartStart:
		payload, err := event.DecodePartStart()
		if err != nil {
			logger.Warn("dropping malformed part_start", "error", err)
			return
		}
		s.noteTextFolded(s.assembler.ApplyPartStart(payload))

	case wire.EventPartDelta:
		payload, err := event.DecodePartDelta()
		if err != nil {
			logger.Warn("dropping malformed part_delta", "error", err)
			return
		}
		s.noteTextFolded(s.assembler.ApplyPartDelta(payload))

	case wire.EventContentChunk:
		payload, err := event.DecodeContentChunk()
		if err != nil {
			logger.Warn("dropping malformed content_chunk", "error", err)
			return
		}
		s.noteTextFolded(s.assembler.ApplyContentChunk(payload.Text))

	case wire.EventDone, wire.EventStopped:
		s.finishTurn()

	case wire.EventError:
		message := event.Error
		if message == "" {
			message = event.Message
		}
		s.handleStreamError(message)

	case wire.EventSocketClosed:
		s.handleSocketClosed(event)

	default:
		logger.Debug("ignoring unknown event type", "type", string(event.Type))
	}
}

// noteTextFolded stamps the first-assistant-token timestamp on the current
// voice turn the first time response text arrives.
func (s *Session) noteTextFolded(folded bool) {
	if !folded {
		return
	}

	s.stampVoiceTiming(func(timing *chat.TurnTiming) bool {
		if !timing.FirstToken.IsZero() {
			return false
		}
		timing.FirstToken = time.Now()
		return true
	})
}

func (s *Session) stampVoiceTiming(stamp func(*chat.TurnTiming) bool) {
	s.voiceTurnMu.Lock()
	defer s.voiceTurnMu.Unlock()

	if s.currentVoiceTurn == nil {
		return
	}
	if stamp(&s.currentVoiceTurn.Timing) {
		s.assembler.AttachVoiceTiming(s.currentVoiceTurn.Timing)
	}
}

func (s *Session) discardVoiceTurn() {
	s.voiceTurnMu.Lock()
	s.currentVoiceTurn = nil
	s.voiceTurnMu.Unlock()
}

// finishTurn handles terminal stream events: awaiting-response clears, TTS
// stops, and the connection closes unless voice keepalive holds it open.
func (s *Session) finishTurn() {
	s.awaitingResponse.Store(false)
	s.assembler.CloseTurn()
	s.playback.StopPlayback()
	s.discardVoiceTurn()

	if !s.voiceKeepalive.Load() {
		s.unsubscribeConnection()
		s.manager.Close(s.conversationID)
	}
}

func (s *Session) handleStreamError(message string) {
	if s.aborted.Load() {
		// User-initiated stop; treated as normal completion.
		return
	}

	if s.awaitingResponse.Load() {
		s.assembler.ReplacePendingAssistant(apologyMessage)
	}
	s.finishTurn()

	if s.showAlert != nil {
		s.showAlert("error", message)
	}
}

// handleSocketClosed processes a mid-stream disconnect notice. Identical
// notices within one second are suppressed.
func (s *Session) handleSocketClosed(event wire.Event) {
	key := fmt.Sprintf("%d|%d|%s", event.At, event.Code, event.Reason)

	s.noticeMu.Lock()
	duplicate := key == s.lastNotice && time.Since(s.lastNoticeAt) < noticeDedupeWindow
	s.lastNotice = key
	s.lastNoticeAt = time.Now()
	s.noticeMu.Unlock()

	if duplicate {
		return
	}

	logger.Warn("stream closed mid-conversation",
		"code", event.Code, "reason", event.Reason)

	if s.aborted.Load() {
		return
	}

	if s.awaitingResponse.Load() {
		s.assembler.ReplacePendingAssistant(apologyMessage)
		s.finishTurn()
	}
}

// EnableVoice starts the capture pipeline and keeps the connection warm
// between turns.
func (s *Session) EnableVoice(ctx context.Context) error {
	s.voiceKeepalive.Store(true)
	s.playback.SetVoiceKeepalive(true)

	if err := s.voice.Start(ctx); err != nil {
		s.voiceKeepalive.Store(false)
		s.playback.SetVoiceKeepalive(false)
		return fmt.Errorf("failed to start voice pipeline: %w", err)
	}
	return nil
}

// DisableVoice stops capture and releases the keepalive, letting the next
// terminal event close the connection.
func (s *Session) DisableVoice() {
	s.voiceKeepalive.Store(false)
	s.playback.SetVoiceKeepalive(false)
	_ = s.voice.input.StopCapture()
}

// Stop is the explicit user stop: it aborts the pending turn, stops audio,
// and tears down the connection. This is a normal completion, not an error;
// no alert is raised.
func (s *Session) Stop() {
	s.aborted.Store(true)
	s.awaitingResponse.Store(false)
	s.assembler.CloseTurn()
	s.discardVoiceTurn()
	s.playback.StopPlayback()
	s.unsubscribeConnection()
	s.manager.Close(s.conversationID)
}

// Close tears down everything the session owns. Safe to call multiple
// times; panel close, conversation switch and context cancellation may all
// race here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Stop()
		s.playback.Stop()

		if err := s.voice.Close(s.baseContext); err != nil {
			recordedErr := fmt.Errorf("failed to close voice pipeline: %w", err)
			_, span := tracer.Start(s.baseContext, "session close")
			span.RecordError(recordedErr)
			span.SetStatus(codes.Error, recordedErr.Error())
			span.End()
		}
	})
}

// sessionControl hands the playback controller just enough capability to
// tear down the subscription on idle, nothing more.
type sessionControl struct{ s *Session }

func (c sessionControl) Unsubscribe() { c.s.unsubscribeConnection() }
func (c sessionControl) Close()       { c.s.manager.Close(c.s.conversationID) }
