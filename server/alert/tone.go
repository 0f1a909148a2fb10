package alert

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Tone is a sine beep whose gain decays exponentially over its duration.
type Tone struct {
	Frequency  float64
	Duration   time.Duration
	StartGain  float64
	EndGain    float64
	SampleRate int
}

// DefaultTone is the fallback beep played when no alert sound is installed.
func DefaultTone() Tone {
	return Tone{
		Frequency:  800,
		Duration:   500 * time.Millisecond,
		StartGain:  0.3,
		EndGain:    0.01,
		SampleRate: 44100,
	}
}

const bitDepth = 16

// Samples renders the tone as signed 16-bit mono PCM.
func (t Tone) Samples() []int {
	n := int(float64(t.SampleRate) * t.Duration.Seconds())
	if n <= 0 {
		return []int{}
	}
	peak := float64(int(1)<<(bitDepth-1) - 1)
	ratio := t.EndGain / t.StartGain
	out := make([]int, n)
	for i := range out {
		progress := float64(i) / float64(n)
		gain := t.StartGain * math.Pow(ratio, progress)
		sec := float64(i) / float64(t.SampleRate)
		out[i] = int(math.Round(math.Sin(2*math.Pi*t.Frequency*sec) * gain * peak))
	}
	return out
}

// WriteWAV encodes the tone as a mono 16-bit PCM WAV file at path.
func (t Tone) WriteWAV(path string) error {
	if t.SampleRate <= 0 || t.StartGain <= 0 || t.EndGain <= 0 {
		return fmt.Errorf("invalid tone %+v", t)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create tone file: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, t.SampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: t.SampleRate},
		Data:           t.Samples(),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to encode tone: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize tone: %w", err)
	}
	return nil
}
