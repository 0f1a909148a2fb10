package capture

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/session"
)

func TestLabel(t *testing.T) {
	test.That(t, Label(detection.Box{Confidence: 0.876}), test.ShouldEqual, "KNIFE 88%")
	test.That(t, Label(detection.Box{Confidence: 1}), test.ShouldEqual, "KNIFE 100%")
}

func TestAnnotateDrawsBoxes(t *testing.T) {
	frame := imaging.New(640, 480, color.NRGBA{R: 0, G: 0, B: 0xff, A: 0xff})
	box := detection.Box{X: 100, Y: 100, W: 200, H: 150, Confidence: 0.9}

	img := Annotate(frame, 640, 480, []detection.Box{box})
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 640, 480))

	r, g, b, _ := img.At(100, 200).RGBA()
	test.That(t, r>>8, test.ShouldBeGreaterThan, 0xc0)
	test.That(t, g>>8, test.ShouldBeLessThan, 0x80)
	test.That(t, b>>8, test.ShouldBeLessThan, 0x80)

	// inside the box the frame is untouched
	_, _, b, _ = img.At(200, 175).RGBA()
	test.That(t, b>>8, test.ShouldEqual, 0xff)

	// the source frame is not modified
	_, _, b, _ = frame.At(100, 200).RGBA()
	test.That(t, b>>8, test.ShouldEqual, 0xff)
}

func TestAnnotateWithoutFrame(t *testing.T) {
	img := Annotate(nil, 320, 240, nil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 320)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 240)
}

func TestDiskStoreSaveAndRemove(t *testing.T) {
	store, err := NewDiskStore(filepath.Join(t.TempDir(), "captures"), 95, zap.NewNop())
	test.That(t, err, test.ShouldBeNil)

	at := time.UnixMilli(1_700_000_000_123)
	job := &Job{
		StreamID: "cam-1",
		Width:    640,
		Height:   480,
		Boxes:    []detection.Box{{X: 10, Y: 10, W: 100, H: 100, Confidence: 0.9}},
		At:       at,
	}

	rec, err := store.Save(job)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Filename, test.ShouldEqual, "knife_1700000000123.jpg")
	test.That(t, rec.DetectionCount, test.ShouldEqual, 1)
	test.That(t, rec.ID, test.ShouldNotBeEmpty)

	img, err := imaging.Open(rec.Path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 640)

	// same millisecond gets a distinct name
	second, err := store.Save(job)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.Filename, test.ShouldNotEqual, rec.Filename)

	test.That(t, store.Remove([]session.CaptureRecord{rec, second, {Filename: "never-saved.jpg"}}), test.ShouldBeNil)
	_, err = os.Stat(rec.Path)
	test.That(t, errors.Is(err, os.ErrNotExist), test.ShouldBeTrue)
}

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	block chan struct{}
	fail  bool
}

func (f *fakeSaver) Save(job *Job) (session.CaptureRecord, error) {
	if f.block != nil {
		<-f.block
	}
	if f.fail {
		panic("encoder exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, job.StreamID)
	return session.CaptureRecord{Filename: job.StreamID + ".jpg"}, nil
}

func TestQueueRunsJobs(t *testing.T) {
	saver := &fakeSaver{}
	q := NewQueue(saver, 4, 2, zap.NewNop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var got []string
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		ok := q.Enqueue(&Job{StreamID: id, Done: func(rec session.CaptureRecord, err error) {
			defer wg.Done()
			test.That(t, err, test.ShouldBeNil)
			mu.Lock()
			got = append(got, rec.Filename)
			mu.Unlock()
		}})
		test.That(t, ok, test.ShouldBeTrue)
	}
	wg.Wait()
	test.That(t, got, test.ShouldHaveLength, 3)

	test.That(t, q.Shutdown(time.Second), test.ShouldBeNil)
	test.That(t, q.Enqueue(&Job{StreamID: "late"}), test.ShouldBeFalse)
	test.That(t, q.IsRunning(), test.ShouldBeFalse)
}

func TestQueueDropsWhenFull(t *testing.T) {
	saver := &fakeSaver{block: make(chan struct{})}
	q := NewQueue(saver, 1, 1, zap.NewNop())

	// the worker takes one job and blocks, the buffer holds one more
	test.That(t, q.Enqueue(&Job{StreamID: "a"}), test.ShouldBeTrue)
	for q.Size() != 0 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.Enqueue(&Job{StreamID: "b"}), test.ShouldBeTrue)
	test.That(t, q.Enqueue(&Job{StreamID: "c"}), test.ShouldBeFalse)
	test.That(t, q.GetQueueStats().Dropped, test.ShouldEqual, 1)

	close(saver.block)
	test.That(t, q.Shutdown(time.Second), test.ShouldBeNil)
	test.That(t, saver.saved, test.ShouldResemble, []string{"a", "b"})
}

func TestQueueStats(t *testing.T) {
	saver := &fakeSaver{block: make(chan struct{})}
	q := NewQueue(saver, 4, 1, zap.NewNop())
	test.That(t, q.Enqueue(&Job{StreamID: "a"}), test.ShouldBeTrue)
	for q.Size() != 0 {
		time.Sleep(time.Millisecond)
	}
	test.That(t, q.Enqueue(&Job{StreamID: "b"}), test.ShouldBeTrue)

	stats := q.GetQueueStats()
	test.That(t, stats.CurrentSize, test.ShouldEqual, 1)
	test.That(t, stats.MaxCapacity, test.ShouldEqual, 4)
	test.That(t, stats.UtilizationPercent, test.ShouldEqual, 25.0)
	close(saver.block)
	test.That(t, q.Shutdown(time.Second), test.ShouldBeNil)

	unbuffered := NewQueue(&fakeSaver{}, 0, 1, zap.NewNop())
	stats = unbuffered.GetQueueStats()
	test.That(t, stats.MaxCapacity, test.ShouldEqual, 0)
	test.That(t, stats.UtilizationPercent, test.ShouldEqual, 0.0)
	test.That(t, unbuffered.Shutdown(time.Second), test.ShouldBeNil)
}

func TestQueueRecoversFromPanic(t *testing.T) {
	q := NewQueue(&fakeSaver{fail: true}, 1, 1, zap.NewNop())

	done := make(chan error, 1)
	q.Enqueue(&Job{StreamID: "a", Done: func(_ session.CaptureRecord, err error) { done <- err }})
	test.That(t, <-done, test.ShouldNotBeNil)
	test.That(t, q.Shutdown(time.Second), test.ShouldBeNil)
}
