// Package transcode normalizes uploaded audio into mono 16-bit PCM.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTranscode is returned when the external transcoder fails.
	ErrTranscode = errors.New("transcode failed")
	// ErrUnsupportedAudio is returned when output is not mono 16-bit PCM at the target rate.
	ErrUnsupportedAudio = errors.New("unsupported audio")
)

// PCM is single-channel 16-bit little-endian audio.
type PCM struct {
	Samples    []byte
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	samples := len(p.Samples) / 2
	return time.Duration(samples) * time.Second / time.Duration(p.SampleRate)
}

// IsSilent reports whether every sample is zero.
func (p PCM) IsSilent() bool {
	for _, b := range p.Samples {
		if b != 0 {
			return false
		}
	}
	return true
}

// Transcoder turns an arbitrary encoded chunk into normalized PCM.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, formatHint string) (PCM, error)
}

// Passthrough accepts only WAV input that is already normalized.
type Passthrough struct {
	SampleRate int
}

// Transcode validates the WAV container and returns its payload.
func (p Passthrough) Transcode(_ context.Context, data []byte, _ string) (PCM, error) {
	pcm, err := DecodeWAV(data)
	if err != nil {
		return PCM{}, err
	}
	if p.SampleRate > 0 && pcm.SampleRate != p.SampleRate {
		return PCM{}, fmt.Errorf("%w: sample rate %d, want %d", ErrUnsupportedAudio, pcm.SampleRate, p.SampleRate)
	}
	return pcm, nil
}
