package session

import (
	"sync"
	"testing"
	"time"
)

type fakePlayer struct {
	mu      sync.Mutex
	sent    [][]byte
	clears  int
	volumes []float64
}

func (p *fakePlayer) SendAudio(audio []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, audio)
	return nil
}

func (p *fakePlayer) ClearBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
}

func (p *fakePlayer) SetVolume(volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes = append(p.volumes, volume)
}

func (p *fakePlayer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakePlayer) clearCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clears
}

func (p *fakePlayer) lastVolume() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.volumes) == 0 {
		return 0, false
	}
	return p.volumes[len(p.volumes)-1], true
}

type fakeControl struct {
	mu           sync.Mutex
	unsubscribes int
	closes       int
}

func (c *fakeControl) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes++
}

func (c *fakeControl) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeControl) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes, c.closes
}

func TestHandleChunkDropsMismatchedContext(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	if !controller.HandleChunk("ctx-1", []byte{1}) {
		t.Fatalf("expected matching chunk to play")
	}
	if controller.HandleChunk("ctx-0", []byte{2}) {
		t.Fatalf("expected stale chunk to be dropped")
	}
	if player.sentCount() != 1 {
		t.Fatalf("expected only the matching chunk to reach the player, got %d", player.sentCount())
	}
}

func TestHandleChunkAcceptsWhenNoContextPinned(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	if !controller.HandleChunk("ctx-1", []byte{1}) {
		t.Fatalf("expected chunk to play when no context is pinned")
	}
	if !controller.IsExpectingAudio() {
		t.Fatalf("expected controller to expect more audio")
	}
}

func TestContextStartedCutsOverHard(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	controller.HandleChunk("ctx-1", []byte{1})

	controller.ContextStarted("ctx-2")
	if player.clearCount() != 2 {
		t.Fatalf("expected each context change to clear the buffer, got %d clears", player.clearCount())
	}

	if controller.HandleChunk("ctx-1", []byte{2}) {
		t.Fatalf("expected chunks from the superseded context to be dropped")
	}
	if !controller.HandleChunk("ctx-2", []byte{3}) {
		t.Fatalf("expected chunks from the new context to play")
	}
}

func TestContextStartedSameIDDoesNotClear(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	clears := player.clearCount()
	controller.ContextStarted("ctx-1")
	if player.clearCount() != clears {
		t.Fatalf("expected repeated context start to not clear the buffer")
	}
}

func TestContextFinalClearsExpectation(t *testing.T) {
	controller := newPlaybackController(&fakePlayer{})

	controller.ContextStarted("ctx-1")
	if controller.ContextFinal("ctx-0") {
		t.Fatalf("expected mismatched final to be ignored")
	}
	if !controller.IsExpectingAudio() {
		t.Fatalf("expected mismatched final to leave expectation intact")
	}

	if !controller.ContextFinal("ctx-1") {
		t.Fatalf("expected matching final to apply")
	}
	if controller.IsExpectingAudio() {
		t.Fatalf("expected expectation cleared after final")
	}

	// The id stays pinned after a final, so a foreign final is still ignored.
	if controller.ContextFinal("ctx-9") {
		t.Fatalf("expected final for another context to be ignored")
	}

	// With no context ever pinned, a final is accepted.
	fresh := newPlaybackController(&fakePlayer{})
	if !fresh.ContextFinal("ctx-9") {
		t.Fatalf("expected unpinned final to apply")
	}
}

func TestContextFinalKeepsSupersededChunksGated(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	controller.ContextStarted("ctx-2")
	if !controller.ContextFinal("ctx-2") {
		t.Fatalf("expected final for the active context to apply")
	}

	// A straggler from the superseded context must stay dropped even after
	// the active context finished.
	if controller.HandleChunk("ctx-1", []byte{1}) {
		t.Fatalf("expected superseded chunk to be dropped after final")
	}
	if player.sentCount() != 0 {
		t.Fatalf("expected no audio to reach the player, got %d", player.sentCount())
	}

	controller.ContextStarted("ctx-3")
	if !controller.HandleChunk("ctx-3", []byte{2}) {
		t.Fatalf("expected the next context to play")
	}
}

func TestBargeInDucksWithoutStopping(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	now := time.Now()
	if !controller.BargeIn(now) {
		t.Fatalf("expected barge-in during playback")
	}

	volume, ok := player.lastVolume()
	if !ok || volume != defaultDuckVolume {
		t.Fatalf("expected playback ducked to %v, got %v", defaultDuckVolume, volume)
	}
	if player.clearCount() != 1 {
		// Only the context start cleared; barge-in must not.
		t.Fatalf("expected barge-in to duck, not stop, got %d clears", player.clearCount())
	}

	controller.BargeInEnded()
	volume, _ = player.lastVolume()
	if volume != 1.0 {
		t.Fatalf("expected volume restored after speech end, got %v", volume)
	}
}

func TestBargeInIsRateLimited(t *testing.T) {
	controller := newPlaybackController(&fakePlayer{})
	controller.ContextStarted("ctx-1")

	now := time.Now()
	if !controller.BargeIn(now) {
		t.Fatalf("expected first barge-in to apply")
	}
	if controller.BargeIn(now.Add(300 * time.Millisecond)) {
		t.Fatalf("expected barge-in within the interval to be suppressed")
	}
	if !controller.BargeIn(now.Add(800 * time.Millisecond)) {
		t.Fatalf("expected barge-in after the interval to apply")
	}
}

func TestBargeInRequiresActivePlayback(t *testing.T) {
	controller := newPlaybackController(&fakePlayer{})

	if controller.BargeIn(time.Now()) {
		t.Fatalf("expected no barge-in while nothing is playing")
	}
}

func TestBargeInEndedWithoutDuckIsNoop(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.BargeInEnded()
	if _, ok := player.lastVolume(); ok {
		t.Fatalf("expected no volume change without a prior duck")
	}
}

func TestIdleTimerFiresOnlyWithKeepalive(t *testing.T) {
	player := &fakePlayer{}
	control := &fakeControl{}
	controller := newPlaybackController(player)
	controller.idleTimeout = 30 * time.Millisecond
	controller.SetControl(control)

	// Without keepalive the timer never arms.
	controller.HandleChunk("ctx-1", []byte{1})
	time.Sleep(80 * time.Millisecond)
	if unsubscribes, _ := control.counts(); unsubscribes != 0 {
		t.Fatalf("expected no idle teardown without keepalive")
	}

	controller.SetVoiceKeepalive(true)
	controller.ContextFinal("ctx-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if unsubscribes, closes := control.counts(); unsubscribes == 1 && closes == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	unsubscribes, closes := control.counts()
	t.Fatalf("expected idle teardown, got unsubscribes=%d closes=%d", unsubscribes, closes)
}

func TestClearingKeepaliveDisarmsIdleTimer(t *testing.T) {
	control := &fakeControl{}
	controller := newPlaybackController(&fakePlayer{})
	controller.idleTimeout = 30 * time.Millisecond
	controller.SetControl(control)
	controller.SetVoiceKeepalive(true)

	controller.HandleChunk("ctx-1", []byte{1})
	controller.SetVoiceKeepalive(false)

	time.Sleep(80 * time.Millisecond)
	if unsubscribes, _ := control.counts(); unsubscribes != 0 {
		t.Fatalf("expected cleared keepalive to make the idle timer a no-op")
	}
}

func TestChunkRearmsIdleTimer(t *testing.T) {
	control := &fakeControl{}
	controller := newPlaybackController(&fakePlayer{})
	controller.idleTimeout = 60 * time.Millisecond
	controller.SetControl(control)
	controller.SetVoiceKeepalive(true)

	controller.HandleChunk("ctx-1", []byte{1})
	time.Sleep(40 * time.Millisecond)
	controller.HandleChunk("ctx-1", []byte{2})
	time.Sleep(40 * time.Millisecond)

	if unsubscribes, _ := control.counts(); unsubscribes != 0 {
		t.Fatalf("expected fresh chunks to keep the connection warm")
	}
}

func TestStopIsIdempotentAndPermanent(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	controller.Stop()
	controller.Stop()

	if controller.HandleChunk("ctx-1", []byte{1}) {
		t.Fatalf("expected stopped controller to drop chunks")
	}
	if player.sentCount() != 0 {
		t.Fatalf("expected nothing to play after stop, got %d", player.sentCount())
	}
}

func TestStopPlaybackClearsContext(t *testing.T) {
	player := &fakePlayer{}
	controller := newPlaybackController(player)

	controller.ContextStarted("ctx-1")
	controller.StopPlayback()

	if controller.IsExpectingAudio() {
		t.Fatalf("expected expectation cleared")
	}
	// A fresh context can start afterwards.
	controller.ContextStarted("ctx-2")
	if !controller.HandleChunk("ctx-2", []byte{1}) {
		t.Fatalf("expected playback to resume with a new context")
	}
}

func TestControllerToleratesNilPlayer(t *testing.T) {
	controller := newPlaybackController(nil)

	controller.ContextStarted("ctx-1")
	if !controller.HandleChunk("ctx-1", []byte{1}) {
		t.Fatalf("expected chunk accounting to work without a device")
	}
	controller.BargeIn(time.Now())
	controller.BargeInEnded()
	controller.StopPlayback()
	controller.Stop()
}
