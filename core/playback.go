package session

import (
	"sync"
	"time"
)

// AudioPlayer is the playback device surface the controller drives. The
// miniaudio client satisfies it.
type AudioPlayer interface {
	SendAudio(audio []byte) error
	ClearBuffer()
	SetVolume(volume float64)
}

// ConnectionControl is the capability handed to the playback controller so
// idle-close can tear down the subscription without reaching into the
// session's private state.
type ConnectionControl interface {
	Unsubscribe()
	Close()
}

const (
	defaultDuckVolume      = 0.3
	defaultBargeInInterval = 750 * time.Millisecond
	defaultIdleTimeout     = 5 * time.Minute
)

// playbackController buffers and plays streamed synthesized-speech chunks
// tagged with a context identifier. Chunks from a superseded context are
// silently discarded so stale audio never plays over fresh audio.
type playbackController struct {
	mu     sync.Mutex
	player AudioPlayer

	activeContextID string
	expectingAudio  bool

	duckVolume      float64
	ducked          bool
	lastBargeIn     time.Time
	bargeInInterval time.Duration

	idleTimeout    time.Duration
	idleTimer      *time.Timer
	voiceKeepalive bool
	control        ConnectionControl

	stopped bool
}

func newPlaybackController(player AudioPlayer) *playbackController {
	return &playbackController{
		player:          player,
		duckVolume:      defaultDuckVolume,
		bargeInInterval: defaultBargeInInterval,
		idleTimeout:     defaultIdleTimeout,
	}
}

// SetControl wires the idle-close teardown capability.
func (p *playbackController) SetControl(control ConnectionControl) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.control = control
}

// SetVoiceKeepalive flags whether the connection should stay warm between
// voice turns. Clearing the flag makes a pending idle timer a no-op.
func (p *playbackController) SetVoiceKeepalive(keepalive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.voiceKeepalive = keepalive
	if !keepalive && p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// HandleChunk plays one synthesized audio chunk. A chunk whose context id
// differs from the active one is dropped and never reaches the player.
func (p *playbackController) HandleChunk(contextID string, chunk []byte) bool {
	p.mu.Lock()
	if p.stopped || (p.activeContextID != "" && contextID != p.activeContextID) {
		p.mu.Unlock()
		return false
	}

	p.expectingAudio = true
	p.armIdleTimerLocked()
	player := p.player
	p.mu.Unlock()

	if player != nil {
		_ = player.SendAudio(chunk)
	}
	return true
}

// ContextStarted pins a new active context. Any in-flight playback from the
// previous context is stopped immediately; this is a hard cutover, not a
// fade.
func (p *playbackController) ContextStarted(contextID string) {
	p.mu.Lock()
	player := p.player
	cutover := p.activeContextID != contextID
	p.activeContextID = contextID
	p.expectingAudio = true
	p.mu.Unlock()

	if cutover && player != nil {
		player.ClearBuffer()
	}
}

// ContextFinal clears the expectation of more audio when the id matches, or
// when no context is pinned. The active id stays pinned so stragglers from a
// superseded context remain gated; the next context start replaces it. It
// does not close the connection; idle-close owns that.
func (p *playbackController) ContextFinal(contextID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeContextID != "" && contextID != p.activeContextID {
		return false
	}

	p.expectingAudio = false
	p.armIdleTimerLocked()
	return true
}

// BargeIn ducks playback while the user talks over the assistant. Events
// are rate-limited so VAD jitter cannot oscillate the volume.
func (p *playbackController) BargeIn(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.expectingAudio {
		return false
	}
	if !p.lastBargeIn.IsZero() && now.Sub(p.lastBargeIn) < p.bargeInInterval {
		return false
	}

	p.lastBargeIn = now
	if !p.ducked {
		p.ducked = true
		if p.player != nil {
			p.player.SetVolume(p.duckVolume)
		}
	}
	return true
}

// BargeInEnded releases ducking on speech end.
func (p *playbackController) BargeInEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ducked {
		p.ducked = false
		if p.player != nil {
			p.player.SetVolume(1.0)
		}
	}
}

// StopPlayback halts any in-flight audio and clears context state. Safe to
// call on every teardown path.
func (p *playbackController) StopPlayback() {
	p.mu.Lock()
	player := p.player
	p.activeContextID = ""
	p.expectingAudio = false
	p.mu.Unlock()

	if player != nil {
		player.ClearBuffer()
	}
}

// Stop permanently disables the controller. Idempotent.
func (p *playbackController) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()

	p.StopPlayback()
}

// armIdleTimerLocked (re)arms the idle-close timer. Called whenever a chunk
// arrives or a context finishes so the connection stays warm only while a
// voice conversation is actually happening.
func (p *playbackController) armIdleTimerLocked() {
	if !p.voiceKeepalive || p.stopped {
		return
	}

	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, p.idleFired)
}

func (p *playbackController) idleFired() {
	p.mu.Lock()
	// The keepalive flag may have been cleared since the timer was armed;
	// firing is then a no-op.
	if !p.voiceKeepalive || p.stopped {
		p.mu.Unlock()
		return
	}
	control := p.control
	p.mu.Unlock()

	if control != nil {
		control.Unsubscribe()
		control.Close()
	}
}

// IsExpectingAudio reports whether assistant audio is playing or expected.
func (p *playbackController) IsExpectingAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expectingAudio
}
