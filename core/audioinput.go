package session

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/loftdesk/assist-core/core/audio"
)

// AudioInput is the minimal microphone surface: stream until the context is
// cancelled, report the capture encoding.
type AudioInput interface {
	Stream(ctx context.Context, onAudio func(audio []byte)) error
	EncodingInfo() audio.EncodingInfo
	Close()
}

// AudioInputFine is implemented by clients that support explicit capture
// start/stop controls.
type AudioInputFine interface {
	StartCapture(ctx context.Context, onAudio func(audio []byte)) error
	StopCapture() error
}

// audioInput normalizes capture behavior over configured input clients so
// the voice pipeline does not care which backend is wired.
type audioInput struct {
	base        AudioInput
	fineCapture AudioInputFine

	connected   atomic.Bool
	isCapturing atomic.Bool

	// onInputAudio is called for every captured frame.
	onInputAudio func(audio []byte)
}

func newAudioInput(client AudioInput, onInputAudio func(audio []byte)) *audioInput {
	if onInputAudio == nil {
		onInputAudio = func(audio []byte) {}
	}

	input := audioInput{onInputAudio: onInputAudio}
	input.Set(client)
	return &input
}

func (a *audioInput) Set(client AudioInput) {
	if a == nil {
		return
	}

	a.base = client
	a.fineCapture = nil
	a.connected.Store(false)
	a.isCapturing.Store(false)

	if client == nil {
		return
	}

	a.connected.Store(true)
	if fine, ok := client.(AudioInputFine); ok {
		a.fineCapture = fine
	}
}

func (a *audioInput) IsConfigured() bool { return a != nil && a.connected.Load() }
func (a *audioInput) IsCapturing() bool  { return a != nil && a.isCapturing.Load() }

func (a *audioInput) Capture(ctx context.Context) error {
	if a == nil || !a.IsConfigured() {
		return nil
	}

	if !a.isCapturing.CompareAndSwap(false, true) {
		return nil
	}

	if a.fineCapture != nil {
		go func() {
			if err := a.fineCapture.StartCapture(ctx, a.onInputAudio); err != nil {
				a.isCapturing.Store(false)
				log.Printf("Failed to start audio input: %v", err)
			}
		}()
		return nil
	}

	go func() {
		if err := a.base.Stream(ctx, a.onInputAudio); err != nil {
			a.isCapturing.Store(false)
			log.Printf("Failed to start audio input: %v", err)
		}
	}()
	return nil
}

func (a *audioInput) StopCapture() error {
	if a == nil || a.fineCapture == nil {
		return nil
	}

	if err := a.fineCapture.StopCapture(); err != nil {
		return err
	}
	a.isCapturing.Store(false)
	return nil
}

func (a *audioInput) Close() error {
	var errs error
	if a.base != nil && a.IsConfigured() {
		if a.fineCapture != nil {
			if err := a.fineCapture.StopCapture(); err != nil {
				errs = errors.Join(errs, err)
			}
		}

		a.base.Close()
	}
	a.isCapturing.Store(false)

	return errs
}

func (a *audioInput) EncodingInfo() audio.EncodingInfo {
	if a == nil || a.base == nil {
		return audio.GetDefaultEncodingInfo()
	}

	return a.base.EncodingInfo()
}
