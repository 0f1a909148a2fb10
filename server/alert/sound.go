package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/wav"
	"go.uber.org/zap"
)

// Sound is the WAV payload served to clients when an alert fires.
type Sound struct {
	Data        []byte
	Duration    time.Duration
	Synthesized bool
}

// LoadSound reads the WAV at path. When it is missing or not a WAV file the
// default tone is synthesized into toneDir and served instead.
func LoadSound(path, toneDir string, logger *zap.Logger) (*Sound, error) {
	if path != "" {
		snd, err := readWAV(path)
		if err == nil {
			logger.Info("Loaded alert sound", zap.String("path", path), zap.Duration("duration", snd.Duration))
			return snd, nil
		}
		logger.Warn("Alert sound unavailable, using synthesized beep", zap.String("path", path), zap.Error(err))
	}

	tonePath := filepath.Join(toneDir, "knife-guard-beep.wav")
	if err := DefaultTone().WriteWAV(tonePath); err != nil {
		return nil, err
	}
	snd, err := readWAV(tonePath)
	if err != nil {
		return nil, err
	}
	snd.Synthesized = true
	return snd, nil
}

func readWAV(path string) (*Sound, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	duration, err := dec.Duration()
	if err != nil {
		return nil, fmt.Errorf("failed to read wav duration: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Sound{Data: data, Duration: duration}, nil
}
