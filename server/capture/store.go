package capture

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/fogleman/gg"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/session"
)

// Job is one alerting frame waiting to be stored.
type Job struct {
	StreamID string
	Frame    image.Image
	Width    int
	Height   int
	Boxes    []detection.Box
	At       time.Time
	// Done receives the stored record, or the error that prevented it.
	Done func(session.CaptureRecord, error)
}

// Saver persists a capture job.
type Saver interface {
	Save(job *Job) (session.CaptureRecord, error)
}

// DiskStore writes annotated captures as JPEG files into a directory.
type DiskStore struct {
	dir     string
	quality int
	logger  *zap.Logger
}

func NewDiskStore(dir string, quality int, logger *zap.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture dir: %w", err)
	}
	return &DiskStore{dir: dir, quality: quality, logger: logger}, nil
}

func (s *DiskStore) Dir() string {
	return s.dir
}

// Save annotates the job's frame and writes it as knife_<unix ms>.jpg.
func (s *DiskStore) Save(job *Job) (session.CaptureRecord, error) {
	id := uuid.NewString()
	filename := fmt.Sprintf("knife_%d.jpg", job.At.UnixMilli())
	path := filepath.Join(s.dir, filename)
	if _, err := os.Stat(path); err == nil {
		filename = fmt.Sprintf("knife_%d_%s.jpg", job.At.UnixMilli(), id[:8])
		path = filepath.Join(s.dir, filename)
	}

	img := Annotate(job.Frame, job.Width, job.Height, job.Boxes)
	if err := gg.SaveJPG(path, img, s.quality); err != nil {
		return session.CaptureRecord{}, fmt.Errorf("failed to save capture %s: %w", filename, err)
	}

	s.logger.Info("Capture saved",
		zap.String("stream", job.StreamID),
		zap.String("file", filename),
		zap.Int("detections", len(job.Boxes)))

	return session.CaptureRecord{
		ID:             id,
		Filename:       filename,
		Path:           path,
		Timestamp:      job.At,
		DetectionCount: len(job.Boxes),
	}, nil
}

// Remove deletes the files of records that left the capture history.
func (s *DiskStore) Remove(records []session.CaptureRecord) error {
	var err error
	for _, rec := range records {
		if rec.Path == "" {
			continue
		}
		if rmErr := os.Remove(rec.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}
