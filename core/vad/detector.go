// Package vad implements local voice-activity detection over 16-bit PCM
// frames using a signal-energy heuristic with independent start and stop
// thresholds.
package vad

import (
	"math"
	"time"
)

// Config tunes the detector. Thresholds are normalized RMS energy in [0,1].
type Config struct {
	// StartThreshold is the energy above which speech may be starting.
	StartThreshold float64
	// StopThreshold is the energy below which speech may be ending. It is
	// configured independently from StartThreshold to add hysteresis.
	StopThreshold float64
	// MinSpeech is how long energy must stay high before speech is declared,
	// filtering out clicks and pops.
	MinSpeech time.Duration
	// Hangover is the trailing silence tolerated before declaring
	// end-of-speech.
	Hangover time.Duration
	// MaxSpeech is the safety cap after which an utterance is force-ended.
	MaxSpeech time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartThreshold: 0.045,
		StopThreshold:  0.02,
		MinSpeech:      120 * time.Millisecond,
		Hangover:       500 * time.Millisecond,
		MaxSpeech:      30 * time.Second,
	}
}

type detectorState int

const (
	stateIdle detectorState = iota
	stateRising
	stateSpeaking
	stateTrailing
)

// Detector folds PCM frames into speech-started/speech-ended signals.
// It is driven from a single capture goroutine and is not safe for
// concurrent Feed calls.
type Detector struct {
	config Config

	onSpeechStarted func()
	onSpeechEnded   func()

	state       detectorState
	risingSince time.Time
	speechStart time.Time
	quietSince  time.Time
}

type Option func(*Detector)

func WithSpeechStartedCallback(callback func()) Option {
	return func(d *Detector) { d.onSpeechStarted = callback }
}

func WithSpeechEndedCallback(callback func()) Option {
	return func(d *Detector) { d.onSpeechEnded = callback }
}

func New(config Config, opts ...Option) *Detector {
	detector := &Detector{
		config:          config,
		onSpeechStarted: func() {},
		onSpeechEnded:   func() {},
	}
	for _, opt := range opts {
		opt(detector)
	}
	return detector
}

// IsSpeaking reports whether an utterance is currently in progress.
func (d *Detector) IsSpeaking() bool {
	return d.state == stateSpeaking || d.state == stateTrailing
}

// Feed processes one frame of 16-bit little-endian PCM observed at now.
func (d *Detector) Feed(pcm []byte, now time.Time) {
	energy := rmsEnergy(pcm)

	switch d.state {
	case stateIdle:
		if energy >= d.config.StartThreshold {
			d.state = stateRising
			d.risingSince = now
			d.checkRising(now)
		}

	case stateRising:
		if energy < d.config.StartThreshold {
			d.state = stateIdle
			return
		}
		d.checkRising(now)

	case stateSpeaking:
		if d.capReached(now) {
			d.end()
			return
		}
		if energy < d.config.StopThreshold {
			d.state = stateTrailing
			d.quietSince = now
		}

	case stateTrailing:
		if d.capReached(now) {
			d.end()
			return
		}
		if energy >= d.config.StartThreshold {
			d.state = stateSpeaking
			return
		}
		if now.Sub(d.quietSince) >= d.config.Hangover {
			d.end()
		}
	}
}

func (d *Detector) checkRising(now time.Time) {
	if now.Sub(d.risingSince) >= d.config.MinSpeech {
		d.state = stateSpeaking
		d.speechStart = d.risingSince
		d.onSpeechStarted()
	}
}

func (d *Detector) capReached(now time.Time) bool {
	return d.config.MaxSpeech > 0 && now.Sub(d.speechStart) >= d.config.MaxSpeech
}

func (d *Detector) end() {
	d.state = stateIdle
	d.onSpeechEnded()
}

// rmsEnergy computes the normalized root-mean-square energy of a 16-bit
// little-endian PCM frame.
func rmsEnergy(pcm []byte) float64 {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return 0
	}

	var sumOfSquares float64
	for i := 0; i < sampleCount*2; i += 2 {
		sample := float64(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		sumOfSquares += sample * sample
	}

	return math.Sqrt(sumOfSquares/float64(sampleCount)) / math.MaxInt16
}
