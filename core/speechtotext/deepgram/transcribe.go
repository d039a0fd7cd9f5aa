// Package deepgram streams microphone audio to Deepgram's listen API and
// surfaces committed transcripts to the voice pipeline.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/loftdesk/assist-core/core/audio"
	"github.com/loftdesk/assist-core/core/speechtotext"
)

// ProviderName tags voice turns recognized through this client.
const ProviderName = "deepgram"

const (
	// silenceFrameDuration paces the quiet-stream loop and sizes the
	// synthetic frames it sends.
	silenceFrameDuration = 50 * time.Millisecond
	// silenceWindow bounds how long silence is streamed before the cheaper
	// KeepAlive message takes over.
	silenceWindow     = 10 * time.Second
	keepAliveInterval = 5 * time.Second
)

type TranscriptionClient struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	accumulatedTranscript string
	unendedSegment        bool
	utteranceStarted      time.Time

	// onRecognitionMeasured reports how long recognition of one utterance
	// took, from speech start to committed transcript.
	onRecognitionMeasured func(time.Duration)

	lastMsgTs time.Time
}

func NewTranscriptionClient() *TranscriptionClient {
	return &TranscriptionClient{}
}

// Provider reports the name used to tag recognized voice turns.
func (s *TranscriptionClient) Provider() string { return ProviderName }

// SetRecognitionCallback registers the latency observer for committed
// transcripts.
func (s *TranscriptionClient) SetRecognitionCallback(callback func(time.Duration)) {
	s.onRecognitionMeasured = callback
}

func (s *TranscriptionClient) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error {
	options := &speechtotext.TranscriptionOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}

	conn, err := connectWebsocket(connectionOptions{
		sampleRate: encoding.SampleRate,
		encoding:   encoding.Format.Name(),

		detectSpeechStart: options.SpeechStartedCallback != nil,
		enhanceSpeechEndingDetection: options.TranscriptionCallback != nil ||
			options.SpeechEndedCallback != nil,
		interimResults: options.InterimTranscriptionCallback != nil,
	})
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	go s.readAndProcessMessages(ctx, conn, *options)

	return nil
}

type connectionOptions struct {
	sampleRate int
	encoding   string

	detectSpeechStart            bool
	enhanceSpeechEndingDetection bool
	interimResults               bool
}

func connectWebsocket(options connectionOptions) (*websocket.Conn, error) {
	apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
	if !ok {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	listenURL, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenURL.Query()
	queryParams.Set("encoding", options.encoding)
	queryParams.Set("sample_rate", strconv.Itoa(options.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", "nova-3")
	queryParams.Set("smart_format", "true")
	if options.enhanceSpeechEndingDetection {
		queryParams.Set("utterance_end_ms", "1000")
		queryParams.Set("interim_results", "true")
	} else if options.interimResults {
		queryParams.Set("interim_results", "true")
	}
	queryParams.Set("endpointing", "300")
	if options.detectSpeechStart || options.enhanceSpeechEndingDetection {
		queryParams.Set("vad_events", "true")
	}

	listenURL.RawQuery = queryParams.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(listenURL.String(),
		http.Header{"Authorization": {"Token " + apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func (s *TranscriptionClient) SendAudio(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("transcription stream is not open")
	}

	s.lastMsgTs = time.Now()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (s *TranscriptionClient) Close(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}

	if err := s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}

	return nil
}

func (s *TranscriptionClient) sendKeepAlive() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return
	}

	if err := s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: "KeepAlive"}); err != nil {
		log.Println("Failed to write to deepgram client", "error", err)
	}
}

func (s *TranscriptionClient) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, options speechtotext.TranscriptionOptions) {
	keepAliveCtx, keepAliveCancel := context.WithCancel(ctx)
	defer keepAliveCancel()
	go s.keepAlive(keepAliveCtx, options.EncodingInfo)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				log.Println("Failed to read deepgram websocket message", "error", err)
			}

			s.connMu.Lock()
			s.conn = nil
			s.connMu.Unlock()
			conn.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			s.processMessage(msg, options)
		}
	}
}

// keepAlive keeps the stream warm while the microphone is quiet. Synthetic
// silence frames are streamed first so endpointing can still finalize a
// pending utterance; once the quiet stretch outlives the silence window the
// cheaper KeepAlive message takes over.
func (s *TranscriptionClient) keepAlive(ctx context.Context, encoding audio.EncodingInfo) {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	silence := silenceFrame(encoding, silenceFrameDuration)
	var quietSince time.Time
	var lastKeepAlive time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.connMu.Lock()
			lastAudio := s.lastMsgTs
			s.connMu.Unlock()

			if now.Sub(lastAudio) < silenceFrameDuration {
				quietSince = time.Time{}
				continue
			}
			if quietSince.IsZero() {
				quietSince = now
			}

			if now.Sub(quietSince) < silenceWindow {
				if err := s.sendSilence(silence); err != nil {
					log.Println("Failed to stream silence to deepgram", "error", err)
				}
				continue
			}

			if lastKeepAlive.IsZero() || now.Sub(lastKeepAlive) >= keepAliveInterval {
				lastKeepAlive = now
				s.sendKeepAlive()
			}
		}
	}
}

// sendSilence writes a synthetic quiet frame without touching the activity
// timestamp, so real microphone audio alone governs quiet detection.
func (s *TranscriptionClient) sendSilence(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// silenceFrame builds one quiet audio frame of the given duration in the
// stream's encoding.
func silenceFrame(encoding audio.EncodingInfo, duration time.Duration) []byte {
	byteSize := encoding.Format.ByteSize()
	if encoding.SampleRate <= 0 || byteSize <= 0 {
		return nil
	}

	frame := make([]byte, encoding.SampleRate*byteSize*int(duration.Milliseconds())/1000)
	for i := range frame {
		frame[i] = encoding.SilenceValue()
	}
	return frame
}

func (s *TranscriptionClient) processMessage(msg []byte, options speechtotext.TranscriptionOptions) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		log.Println("Failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			log.Println("Failed to unmarshal deepgram message", err)
			return
		}

		if msgResp.IsFinal {
			if len(msgResp.Channel.Alternatives) > 0 {
				transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
				if len(transcript) > 0 {
					s.accumulatedTranscript += " " + transcript
				}
			}
			if msgResp.SpeechFinal {
				s.onSpeechEnded(options)
			}
			return
		}

		if options.InterimTranscriptionCallback != nil && len(msgResp.Channel.Alternatives) > 0 {
			transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
			if len(transcript) > 0 {
				options.InterimTranscriptionCallback(strings.TrimSpace(s.accumulatedTranscript + " " + transcript))
			}
		}

	case api.TypeUtteranceEndResponse:
		var msgResp api.UtteranceEndResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			log.Println("Failed to unmarshal deepgram message", err)
			return
		}

		if s.unendedSegment {
			s.onSpeechEnded(options)
		}

	case api.TypeSpeechStartedResponse:
		var msgResp api.SpeechStartedResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			log.Println("Failed to unmarshal deepgram message", err)
			return
		}

		s.unendedSegment = true
		s.utteranceStarted = time.Now()
		if options.SpeechStartedCallback != nil {
			options.SpeechStartedCallback()
		}
	}
}

func (s *TranscriptionClient) onSpeechEnded(options speechtotext.TranscriptionOptions) {
	s.unendedSegment = false

	if options.TranscriptionCallback != nil {
		fullTranscript := strings.TrimSpace(s.accumulatedTranscript)
		s.accumulatedTranscript = ""
		if len(fullTranscript) > 0 {
			if s.onRecognitionMeasured != nil && !s.utteranceStarted.IsZero() {
				s.onRecognitionMeasured(time.Since(s.utteranceStarted))
			}
			options.TranscriptionCallback(fullTranscript)
		}
	}

	if options.SpeechEndedCallback != nil {
		options.SpeechEndedCallback()
	}
}
